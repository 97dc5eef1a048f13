package host

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sammck-go/viosproxy/share"
)

func newTestLogger() share.Logger {
	return share.NewLogger("test", share.LogLevelDebug)
}

// makeSocket creates a Unix-domain socket entry at path, the only kind of
// guest-directory entry the host manager adopts as a channel, and keeps it
// listening for the rest of the test.
func makeSocket(t *testing.T, path string) {
	t.Helper()
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
}

func TestEnumerateGuestDirectoriesTwoLevel(t *testing.T) {
	root := t.TempDir()
	guestDir := filepath.Join(root, "guest-1")
	require.NoError(t, os.Mkdir(guestDir, 0o700))
	makeSocket(t, filepath.Join(guestDir, "chan0"))

	logger := newTestLogger()
	tokens := share.NewTokenSource(1)
	m := NewManager(logger, root, 0, tokens)
	defer m.Close()

	m.EnumerateGuestDirectories(false)
	require.Len(t, m.guests, 1)
	g, ok := m.guests["guest-1"]
	require.True(t, ok)
	require.Len(t, g.channels, 1)
	_, ok = g.channels["chan0"]
	require.True(t, ok)
}

func TestEnumerateGuestDirectoriesDropsRemovedGuest(t *testing.T) {
	root := t.TempDir()
	guestDir := filepath.Join(root, "guest-1")
	require.NoError(t, os.Mkdir(guestDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(guestDir, "chan0"), nil, 0o600))

	logger := newTestLogger()
	tokens := share.NewTokenSource(1)
	m := NewManager(logger, root, 0, tokens)
	defer m.Close()

	m.EnumerateGuestDirectories(false)
	require.Len(t, m.guests, 1)

	require.NoError(t, os.RemoveAll(guestDir))
	m.EnumerateGuestDirectories(false)
	require.Empty(t, m.guests)
}

func TestEnumerateGuestChannelsDropsRemovedSocket(t *testing.T) {
	root := t.TempDir()
	guestDir := filepath.Join(root, "guest-1")
	require.NoError(t, os.Mkdir(guestDir, 0o700))
	sockPath := filepath.Join(guestDir, "chan0")
	makeSocket(t, sockPath)

	logger := newTestLogger()
	tokens := share.NewTokenSource(1)
	m := NewManager(logger, root, 0, tokens)
	defer m.Close()

	m.EnumerateGuestDirectories(false)
	g := m.guests["guest-1"]
	require.Len(t, g.channels, 1)

	require.NoError(t, os.Remove(sockPath))
	m.EnumerateGuestDirectories(false)
	require.Empty(t, g.channels)
}

func TestChannelsReturnsEntriesAcrossAllGuests(t *testing.T) {
	root := t.TempDir()
	for _, guest := range []string{"guest-1", "guest-2"} {
		dir := filepath.Join(root, guest)
		require.NoError(t, os.Mkdir(dir, 0o700))
		makeSocket(t, filepath.Join(dir, "chan0"))
	}

	logger := newTestLogger()
	tokens := share.NewTokenSource(1)
	m := NewManager(logger, root, 0, tokens)
	defer m.Close()

	m.EnumerateGuestDirectories(false)
	require.Len(t, m.Channels(), 2)
}
