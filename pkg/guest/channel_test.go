package guest

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/sammck-go/viosproxy/share"
)

func socketpairFiles(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	return os.NewFile(uintptr(fds[0]), "sp0"), os.NewFile(uintptr(fds[1]), "sp1")
}

func newTestChannel(t *testing.T) (*Channel, *os.File) {
	t.Helper()
	logger := share.NewLogger("test", share.LogLevelDebug)
	tokens := share.NewTokenSource(1)
	c := NewChannel("test-path", 3, logger, tokens)
	self, peer := socketpairFiles(t)
	require.NoError(t, c.Foreign.Open(self, true))
	t.Cleanup(func() { peer.Close() })
	return c, peer
}

func TestIsIdleRequiresOpenForeignAndClosedState(t *testing.T) {
	c, _ := newTestChannel(t)
	require.True(t, c.IsIdle())

	c.SetState(share.StateSynSent)
	require.False(t, c.IsIdle())
}

func TestStartConnectionRejectsWhenAlreadyBusy(t *testing.T) {
	c, _ := newTestChannel(t)
	client1, peer1 := socketpairFiles(t)
	defer peer1.Close()

	ok := c.StartConnection(client1)
	require.True(t, ok)
	require.Equal(t, share.StateSynSent, c.State)

	client2, peer2 := socketpairFiles(t)
	defer peer2.Close()
	defer client2.Close()
	require.False(t, c.StartConnection(client2), "a channel with an active session must reject a second client")
}

func TestStartConnectionAssignsFreshGuestToken(t *testing.T) {
	c, peer := newTestChannel(t)
	client, clientPeer := socketpairFiles(t)
	defer clientPeer.Close()

	require.True(t, c.StartConnection(client))
	require.NotEqual(t, share.SentinelToken, c.GuestToken)
	require.Equal(t, share.PlaceholderToken, c.HostToken)

	// primeForeignResync writes its resync bytes synchronously, so they
	// are already visible on the peer side of the foreign socketpair;
	// the queued SYN header itself is only flushed once Run drives stepTx.
	buf := make([]byte, share.MaxPayloadSize+share.HeaderSize)
	n, err := peer.Read(buf)
	require.NoError(t, err)
	require.Greater(t, n, 0)
}

func TestClockTickAbandonsSynSentAfterTimeout(t *testing.T) {
	c, _ := newTestChannel(t)
	client, clientPeer := socketpairFiles(t)
	defer clientPeer.Close()
	require.True(t, c.StartConnection(client))
	require.Equal(t, share.StateSynSent, c.State)

	for i := 0; i < 3; i++ {
		c.ClockTick()
	}
	require.False(t, c.Native.IsOpen(), "abandoned session must close the client socket")
}

func TestClockTickIsANoOpOutsideSynSent(t *testing.T) {
	c, _ := newTestChannel(t)
	require.Equal(t, share.StateClosed, c.State)
	c.ClockTick()
	require.Equal(t, share.StateClosed, c.State)
}
