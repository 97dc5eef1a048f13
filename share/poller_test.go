package share

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type stubPollable struct {
	foreign *Endpoint
	native  *Endpoint
	runs    int
}

func (s *stubPollable) Endpoints() (*Endpoint, *Endpoint) { return s.foreign, s.native }
func (s *stubPollable) Run()                              { s.runs++ }

func TestLoopIterateRunsChannelOnReadable(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	a := os.NewFile(uintptr(fds[0]), "a")
	b := os.NewFile(uintptr(fds[1]), "b")
	defer a.Close()
	defer b.Close()

	ep := NewEndpoint("a")
	require.NoError(t, ep.Open(a, true))
	ep.DesiredRead = true

	stub := &stubPollable{foreign: ep, native: NewEndpoint("none")}

	loop := &Loop{ExtraFD: -1}
	n, err := loop.Iterate([]Pollable{stub}, 50000)
	require.NoError(t, err)
	require.Equal(t, 0, n, "no data written yet, nothing should be readable")
	require.Equal(t, 0, stub.runs)

	_, err = b.Write([]byte("x"))
	require.NoError(t, err)

	n, err = loop.Iterate([]Pollable{stub}, 200000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, stub.runs)
}

func TestLoopIterateClearsDesiredWriteAfterConsuming(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	a := os.NewFile(uintptr(fds[0]), "a")
	b := os.NewFile(uintptr(fds[1]), "b")
	defer a.Close()
	defer b.Close()

	ep := NewEndpoint("a")
	require.NoError(t, ep.Open(a, true))
	ep.DesiredWrite = true

	stub := &stubPollable{foreign: ep, native: NewEndpoint("none")}
	loop := &Loop{ExtraFD: -1}

	_, err = loop.Iterate([]Pollable{stub}, 200000)
	require.NoError(t, err)
	require.True(t, stub.runs >= 1)
	require.False(t, ep.DesiredWrite, "DesiredWrite must be cleared once consumed by Iterate")
}

func TestLoopIterateReportsExtraFDReadable(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	a := os.NewFile(uintptr(fds[0]), "a")
	b := os.NewFile(uintptr(fds[1]), "b")
	defer a.Close()
	defer b.Close()

	rc, err := a.SyscallConn()
	require.NoError(t, err)
	var fd int
	require.NoError(t, rc.Control(func(sysfd uintptr) { fd = int(sysfd) }))

	invoked := false
	loop := &Loop{ExtraFD: fd, OnExtraReadable: func() { invoked = true }}

	_, err = b.Write([]byte("y"))
	require.NoError(t, err)

	_, err = loop.Iterate(nil, 200000)
	require.NoError(t, err)
	require.True(t, loop.ExtraFDReadable)
	require.True(t, invoked)
}
