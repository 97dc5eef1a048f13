package guest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sammck-go/viosproxy/share"
)

func newTestLogger() share.Logger {
	return share.NewLogger("test", share.LogLevelDebug)
}

func TestEnumerateAddsAndRemovesChannels(t *testing.T) {
	dir := t.TempDir()
	logger := newTestLogger()
	tokens := share.NewTokenSource(1)

	m, err := NewManager(logger, dir, 0, share.DefaultSynTimeoutTicks, tokens)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "port0"), nil, 0o600))
	m.Enumerate(false)
	require.Len(t, m.channels, 1)
	_, ok := m.channels["port0"]
	require.True(t, ok)

	require.NoError(t, os.Remove(filepath.Join(dir, "port0")))
	m.Enumerate(false)
	require.Empty(t, m.channels)
}

func TestEnumeratePreservesChannelAcrossRescans(t *testing.T) {
	dir := t.TempDir()
	logger := newTestLogger()
	tokens := share.NewTokenSource(1)

	m, err := NewManager(logger, dir, 0, share.DefaultSynTimeoutTicks, tokens)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "port0"), nil, 0o600))
	m.Enumerate(false)
	first := m.channels["port0"]
	require.NotNil(t, first)

	m.Enumerate(false)
	require.Same(t, first, m.channels["port0"], "rescanning an unchanged directory must not recreate channels")
}

func TestChannelsReturnsAllRegisteredEntries(t *testing.T) {
	dir := t.TempDir()
	logger := newTestLogger()
	tokens := share.NewTokenSource(1)

	m, err := NewManager(logger, dir, 0, share.DefaultSynTimeoutTicks, tokens)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), nil, 0o600))
	m.Enumerate(false)

	require.Len(t, m.Channels(), 2)
}
