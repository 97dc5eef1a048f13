package host

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/sammck-go/viosproxy/share"
)

// GuestEntry is the outer level of the host's two-level registry: one
// directory under rootPath per guest, containing zero or more Unix-domain
// socket paths (one per channel) as its inner level.
type GuestEntry struct {
	name      string
	dirPath   string
	probation bool
	channels  map[string]*Channel
	watcher   *fsnotify.Watcher
}

// Manager owns the host proxy's two-level endpoint registry: a set of
// per-guest directories, each holding a set of per-channel Unix-domain
// socket paths (spec §4.5).
type Manager struct {
	logger      share.Logger
	rootPath    string
	servicePort int
	tokens      *share.TokenSource

	guests map[string]*GuestEntry

	watcher         *fsnotify.Watcher
	rescanRequested bool
}

// NewManager creates a host Manager scanning rootPath for per-guest
// directories, dialing servicePort's TCP listener on behalf of every
// established session.
func NewManager(logger share.Logger, rootPath string, servicePort int, tokens *share.TokenSource) *Manager {
	m := &Manager{
		logger:      logger.Fork("host-manager"),
		rootPath:    rootPath,
		servicePort: servicePort,
		tokens:      tokens,
		guests:      make(map[string]*GuestEntry),
	}
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(rootPath); err == nil {
			m.watcher = watcher
		} else {
			watcher.Close()
			m.logger.DLogf("fsnotify watch on %s unavailable: %s", rootPath, err)
		}
	} else {
		m.logger.DLogf("fsnotify unavailable: %s", err)
	}
	return m
}

// Close releases every registered channel and both levels of filesystem
// watches.
func (m *Manager) Close() {
	if m.watcher != nil {
		m.watcher.Close()
	}
	for _, g := range m.guests {
		g.close()
	}
}

func (g *GuestEntry) close() {
	if g.watcher != nil {
		g.watcher.Close()
	}
	for _, ch := range g.channels {
		ch.Shutdown()
	}
}

// Channels returns every registered channel, across every guest, as a
// share.Pollable, for wiring into share.Driver.Channels.
func (m *Manager) Channels() []share.Pollable {
	var out []share.Pollable
	for _, g := range m.guests {
		for _, ch := range g.channels {
			out = append(out, ch)
		}
	}
	return out
}

func (m *Manager) drainRescanEvents() {
	if m.watcher != nil {
		for drained := false; !drained; {
			select {
			case _, ok := <-m.watcher.Events:
				if !ok {
					drained = true
					break
				}
				m.rescanRequested = true
			case _, ok := <-m.watcher.Errors:
				if !ok {
					drained = true
				}
			default:
				drained = true
			}
		}
	}
	for _, g := range m.guests {
		if g.watcher == nil {
			continue
		}
		for drained := false; !drained; {
			select {
			case _, ok := <-g.watcher.Events:
				if !ok {
					drained = true
					break
				}
				m.rescanRequested = true
			case _, ok := <-g.watcher.Errors:
				if !ok {
					drained = true
				}
			default:
				drained = true
			}
		}
	}
}

// RunTick performs one second's worth of manager-level work: two-level
// enumeration (forced to reconnect mode if any filesystem watch fired
// since the last tick).
func (m *Manager) RunTick(reconnect bool) {
	m.drainRescanEvents()
	if m.rescanRequested {
		reconnect = true
		m.rescanRequested = false
	}
	m.EnumerateGuestDirectories(reconnect)
}

// EnumerateGuestDirectories implements the outer level of the
// probation-and-delete algorithm (spec §4.5): every registered guest
// directory is marked on probation, directories observed during the scan
// are cleared (and their inner channel set enumerated in turn), and any
// guest directory still on probation afterward has its channels shut down
// and is dropped.
func (m *Manager) EnumerateGuestDirectories(reconnect bool) {
	for _, g := range m.guests {
		g.probation = true
	}

	entries, err := os.ReadDir(m.rootPath)
	if err != nil {
		m.logger.WLogf("cannot scan %s: %s", m.rootPath, err)
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		g, ok := m.guests[name]
		if !ok {
			g = &GuestEntry{
				name:     name,
				dirPath:  filepath.Join(m.rootPath, name),
				channels: make(map[string]*Channel),
			}
			if watcher, werr := fsnotify.NewWatcher(); werr == nil {
				if werr := watcher.Add(g.dirPath); werr == nil {
					g.watcher = watcher
				} else {
					watcher.Close()
				}
			}
			m.guests[name] = g
		}
		g.probation = false
		m.enumerateGuestChannels(g, reconnect)
	}

	for name, g := range m.guests {
		if g.probation {
			g.close()
			delete(m.guests, name)
		}
	}
}

// enumerateGuestChannels implements the inner level of the
// probation-and-delete algorithm: within one guest's directory, every
// registered channel is marked on probation, Unix-domain socket entries
// observed during the scan are cleared (creating a Channel for any new
// one), and anything still on probation afterward is shut down and
// dropped. Non-socket entries (stray regular files, directories) are
// ignored rather than adopted as channels. When reconnect is true,
// channels whose foreign endpoint is closed retry to dial it.
func (m *Manager) enumerateGuestChannels(g *GuestEntry, reconnect bool) {
	for _, ch := range g.channels {
		ch.SetProbation(true)
	}

	entries, err := os.ReadDir(g.dirPath)
	if err != nil {
		m.logger.WLogf("cannot scan %s: %s", g.dirPath, err)
		return
	}

	for _, entry := range entries {
		if entry.Type()&fs.ModeSocket == 0 {
			continue
		}
		name := entry.Name()
		ch, ok := g.channels[name]
		if !ok {
			ch = NewChannel(filepath.Join(g.dirPath, name), g.name, m.servicePort, m.logger, m.tokens)
			g.channels[name] = ch
		}
		ch.SetProbation(false)
		if reconnect && !ch.Foreign.IsOpen() {
			ch.Reconnect()
		}
	}

	for name, ch := range g.channels {
		if ch.Probation() {
			ch.Shutdown()
			delete(g.channels, name)
		}
	}
}
