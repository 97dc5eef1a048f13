package guest

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"github.com/sammck-go/viosproxy/share"
)

// Manager owns the guest proxy's endpoint registry and its listening TCP
// socket. rootPath is a directory containing one virtio-serial character
// device per channel; the listening socket accepts local clients and
// dispatches each to the first idle channel.
type Manager struct {
	logger       share.Logger
	rootPath     string
	timeoutTicks uint32
	tokens       *share.TokenSource

	listenFD int

	channels map[string]*Channel

	watcher         *fsnotify.Watcher
	rescanRequested bool
}

// listenBacklog is set to 0 rather than a conventional value: this proxy
// is meant to reject a client immediately when no channel is idle to
// receive it (Accept, below), not to queue it behind a kernel backlog.
const listenBacklog = 0

// NewManager creates a guest Manager listening on 127.0.0.1:port and
// scanning rootPath for channel endpoints. The listening socket is built
// from raw syscalls rather than net.Listen so that SO_REUSEADDR, the
// zero backlog, and non-blocking mode are all under this package's direct
// control, and so its descriptor can be handed to share.Loop as ExtraFD.
func NewManager(logger share.Logger, rootPath string, port int, timeoutTicks uint32, tokens *share.TokenSource) (*Manager, error) {
	m := &Manager{
		logger:       logger.Fork("guest-manager"),
		rootPath:     rootPath,
		timeoutTicks: timeoutTicks,
		tokens:       tokens,
		channels:     make(map[string]*Channel),
		listenFD:     -1,
	}

	fd, err := m.listenTCP(port)
	if err != nil {
		return nil, err
	}
	m.listenFD = fd

	if watcher, werr := fsnotify.NewWatcher(); werr == nil {
		if werr := watcher.Add(rootPath); werr == nil {
			m.watcher = watcher
		} else {
			watcher.Close()
			m.logger.DLogf("fsnotify watch on %s unavailable: %s", rootPath, werr)
		}
	} else {
		m.logger.DLogf("fsnotify unavailable: %s", werr)
	}

	return m, nil
}

func (m *Manager) listenTCP(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, m.logger.Errorf("socket: %s", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, m.logger.Errorf("setsockopt SO_REUSEADDR: %s", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, m.logger.Errorf("set nonblocking: %s", err)
	}
	addr := &unix.SockaddrInet4{Port: port}
	copy(addr.Addr[:], []byte{127, 0, 0, 1})
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, m.logger.Errorf("bind 127.0.0.1:%d: %s", port, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, m.logger.Errorf("listen: %s", err)
	}
	return fd, nil
}

// Close releases the listening socket and all channel endpoints.
func (m *Manager) Close() {
	if m.listenFD >= 0 {
		unix.Close(m.listenFD)
		m.listenFD = -1
	}
	if m.watcher != nil {
		m.watcher.Close()
	}
	for _, ch := range m.channels {
		ch.Shutdown()
	}
}

// ListenFD returns the listening socket's raw descriptor, for wiring into
// share.Loop.ExtraFD.
func (m *Manager) ListenFD() int { return m.listenFD }

// Channels returns every registered channel as a share.Pollable, for
// wiring into share.Driver.Channels.
func (m *Manager) Channels() []share.Pollable {
	out := make([]share.Pollable, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	return out
}

// drainRescanEvents consumes any pending fsnotify events without blocking,
// setting rescanRequested if anything fired since the last check.
func (m *Manager) drainRescanEvents() {
	if m.watcher == nil {
		return
	}
	for {
		select {
		case _, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.rescanRequested = true
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// RunTick performs one second's worth of manager-level work: enumeration
// (forced to reconnect mode if a filesystem-watch event fired since the
// last tick) and per-channel clock ticks.
func (m *Manager) RunTick(reconnect bool) {
	m.drainRescanEvents()
	if m.rescanRequested {
		reconnect = true
		m.rescanRequested = false
	}
	m.Enumerate(reconnect)
	for _, ch := range m.channels {
		ch.ClockTick()
	}
}

// Enumerate implements the probation-and-delete discovery algorithm over
// rootPath's entries (spec §4.5): every registered channel is marked on
// probation, entries observed during the scan are cleared, and anything
// still on probation afterward is dropped. When reconnect is true, any
// channel whose foreign endpoint is closed retries to open it.
func (m *Manager) Enumerate(reconnect bool) {
	for _, ch := range m.channels {
		ch.SetProbation(true)
	}

	entries, err := os.ReadDir(m.rootPath)
	if err != nil {
		m.logger.WLogf("cannot scan %s: %s", m.rootPath, err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ch, ok := m.channels[name]
		if !ok {
			ch = NewChannel(filepath.Join(m.rootPath, name), m.timeoutTicks, m.logger, m.tokens)
			m.channels[name] = ch
		}
		ch.SetProbation(false)
		if reconnect && !ch.Foreign.IsOpen() {
			ch.Reconnect()
		}
	}

	for name, ch := range m.channels {
		if ch.Probation() {
			ch.Shutdown()
			delete(m.channels, name)
		}
	}
}

// Accept services one readiness indication on the listening socket,
// accepting every currently-pending connection and dispatching each to the
// first idle channel it finds. A client accepted when no channel is idle
// is closed immediately (overload rejection).
func (m *Manager) Accept() {
	for {
		nfd, _, err := unix.Accept4(m.listenFD, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				return
			}
			m.logger.WLogf("accept failed: %s", err)
			return
		}
		client := os.NewFile(uintptr(nfd), "guest-client")
		assigned := false
		for _, ch := range m.channels {
			if !ch.IsIdle() {
				continue
			}
			// Only the first idle channel found is tried: if its
			// StartConnection fails (e.g. the resync primer stalled) the
			// client is rejected outright rather than tried against a
			// second idle channel. Treated as overload behavior rather
			// than worth a fallback search.
			assigned = ch.StartConnection(client)
			break
		}
		if !assigned {
			client.Close()
			m.logger.WLogf("no idle channel available, rejecting client")
		}
	}
}
