package share

import (
	"errors"
	"io"
	"syscall"

	"golang.org/x/sys/unix"
)

// RawIO is satisfied by *os.File, *net.TCPConn, *net.UnixConn and anything
// else exposing the descriptor underlying its I/O, which is what lets a
// single readiness loop poll heterogeneous endpoint kinds (character
// devices, Unix-domain sockets, TCP sockets) uniformly.
type RawIO interface {
	SyscallConn() (syscall.RawConn, error)
	io.Closer
}

// Endpoint is one side of a Channel: either the foreign byte-stream
// endpoint or the native TCP endpoint. It owns the underlying descriptor,
// the poller interest flags the readiness loop consults, and the readiness
// indications the loop deposits after each poll cycle.
//
// Endpoint reads and writes bypass Go's runtime network poller entirely and
// issue raw non-blocking syscalls directly against the cached descriptor,
// because the whole point of this protocol engine is to be driven by one
// external poll(2) call per readiness-loop iteration rather than by
// per-goroutine blocking I/O.
type Endpoint struct {
	name string
	conn RawIO
	fd   int
	open bool

	DesiredRead  bool
	DesiredWrite bool

	Readable bool
	Writable bool
	Errored  bool
}

// NewEndpoint creates a closed Endpoint identified by name (used only in
// logging).
func NewEndpoint(name string) *Endpoint {
	return &Endpoint{name: name, fd: -1}
}

// Open adopts conn as this endpoint's descriptor. If forceNonblock is true,
// the descriptor is explicitly switched to O_NONBLOCK; this is required for
// *os.File-backed endpoints (character devices), whose descriptors are not
// otherwise guaranteed to be non-blocking. net.Conn-backed endpoints are
// already non-blocking under the hood, courtesy of Go's runtime poller, so
// forceNonblock is unnecessary (but harmless) for them.
func (e *Endpoint) Open(conn RawIO, forceNonblock bool) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var fd int
	var ctrlErr error
	err = rc.Control(func(sysfd uintptr) {
		fd = int(sysfd)
		if forceNonblock {
			ctrlErr = unix.SetNonblock(fd, true)
		}
	})
	if err != nil {
		return err
	}
	if ctrlErr != nil {
		return ctrlErr
	}
	e.conn = conn
	e.fd = fd
	e.open = true
	e.Readable = false
	e.Writable = false
	e.Errored = false
	return nil
}

// IsOpen reports whether the endpoint currently owns a live descriptor.
func (e *Endpoint) IsOpen() bool { return e.open }

// FD returns the cached raw descriptor, or -1 if the endpoint is closed.
func (e *Endpoint) FD() int {
	if !e.open {
		return -1
	}
	return e.fd
}

// Name returns the endpoint's log-friendly identifier.
func (e *Endpoint) Name() string { return e.name }

// Close releases the underlying descriptor and resets poller state. It is
// idempotent.
func (e *Endpoint) Close() error {
	if !e.open {
		return nil
	}
	e.open = false
	e.fd = -1
	e.DesiredRead = false
	e.DesiredWrite = false
	e.Readable = false
	e.Writable = false
	e.Errored = false
	conn := e.conn
	e.conn = nil
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// ErrEndpointClosed is the error value for an operation on a closed
// endpoint. Recv and Send do not return it: they report a call on a closed
// endpoint as RecvError/SendError.
var ErrEndpointClosed = errors.New("share: endpoint is closed")

// Recv attempts one non-blocking read of up to len(buf) bytes. It never
// blocks: a would-block condition is reported as RecvEmpty with n == 0.
func (e *Endpoint) Recv(buf []byte) (int, RecvStatus) {
	if !e.open {
		return 0, RecvError
	}
	n, err := unix.Read(e.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return 0, RecvEmpty
		}
		return 0, RecvError
	}
	if n == 0 && len(buf) > 0 {
		return 0, RecvClosed
	}
	if n < len(buf) {
		return n, RecvIncomplete
	}
	return n, RecvNormal
}

// Send attempts one non-blocking write of up to len(buf) bytes. It never
// blocks: a would-block condition is reported as SendFull with n == 0.
func (e *Endpoint) Send(buf []byte) (int, SendStatus) {
	if !e.open {
		return 0, SendError
	}
	n, err := unix.Write(e.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return 0, SendFull
		}
		if err == unix.EPIPE || err == unix.ECONNRESET {
			return 0, SendClosed
		}
		return 0, SendError
	}
	if n < len(buf) {
		return n, SendIncomplete
	}
	return n, SendNormal
}
