package host

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sammck-go/viosproxy/share"
)

func TestNewChannelRestsInListen(t *testing.T) {
	logger := share.NewLogger("test", share.LogLevelDebug)
	tokens := share.NewTokenSource(1)
	c := NewChannel("test-sock", "guest-1", 0, logger, tokens)
	require.Equal(t, share.StateListen, c.State)
	require.Equal(t, "guest-1", c.GuestName())
}

func TestReconnectFailsGracefullyWhenSocketMissing(t *testing.T) {
	logger := share.NewLogger("test", share.LogLevelDebug)
	tokens := share.NewTokenSource(1)
	c := NewChannel(t.TempDir()+"/does-not-exist.sock", "guest-1", 0, logger, tokens)
	c.Reconnect()
	require.False(t, c.Foreign.IsOpen())
}

func TestReconnectDialsExistingSocket(t *testing.T) {
	logger := share.NewLogger("test", share.LogLevelDebug)
	tokens := share.NewTokenSource(1)

	sockPath := t.TempDir() + "/guest.sock"
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.(*net.UnixConn).Close()
		}
	}()

	c := NewChannel(sockPath, "guest-1", 0, logger, tokens)
	c.Reconnect()
	require.True(t, c.Foreign.IsOpen())
}

func TestOpenServiceSocketFailsWithoutAListener(t *testing.T) {
	logger := share.NewLogger("test", share.LogLevelDebug)
	tokens := share.NewTokenSource(1)
	c := NewChannel("test-sock", "guest-1", 1, logger, tokens)
	require.False(t, c.OpenServiceSocket())
}

func TestOpenServiceSocketSucceedsAndAdoptsNative(t *testing.T) {
	logger := share.NewLogger("test", share.LogLevelDebug)
	tokens := share.NewTokenSource(1)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	c := NewChannel("test-sock", "guest-1", port, logger, tokens)
	require.True(t, c.OpenServiceSocket())
	require.True(t, c.Native.IsOpen())
}
