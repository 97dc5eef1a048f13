// Package host implements the host-side channel binding and endpoint
// manager: it dials a service TCP port for each guest-initiated session
// and relays it, framed, over a Unix-domain socket to a guest proxy peer.
package host

import (
	"fmt"
	"net"
	"time"

	"github.com/jpillora/backoff"

	"github.com/sammck-go/viosproxy/share"
)

// serviceConnectRetries bounds how many times OpenServiceSocket redials
// the service port within a single SYN-triggered open attempt; this is
// latency within one reconnect cycle, not a substitute for spec.md's
// fixed 5-second reconnect interval.
const serviceConnectRetries = 3

// Channel is a host-side binding of the shared protocol engine: its
// foreign endpoint is a Unix-domain socket dialed under a guest's directory, and its
// native endpoint is a TCP socket dialed to the local service port.
type Channel struct {
	share.Engine

	guestName   string
	servicePort int
	probation   bool
	lastOpenErr error
}

// NewChannel creates a host-side channel bound to pathName (a Unix-domain
// socket path under a per-guest directory) and servicePort (the local TCP
// port sessions are relayed to once a SYN is received).
func NewChannel(pathName, guestName string, servicePort int, logger share.Logger, tokens *share.TokenSource) *Channel {
	c := &Channel{guestName: guestName, servicePort: servicePort}
	c.Engine.Init(share.RoleHost, logger.Fork(pathName), pathName)
	c.Engine.Tokens = tokens
	c.Engine.OnStateChange = c.logStateChange
	c.Engine.OpenNativeForSYN = c.OpenServiceSocket
	return c
}

func (c *Channel) logStateChange(old, new share.ConnState) {
	c.Engine.Logger.NLogf("%s %s: %s -> %s", share.ConnectionID(c.GuestToken, c.HostToken), c.PathName, old, new)
}

// GuestName returns the name of the guest directory this channel's socket
// lives under, used by Manager's two-level registry.
func (c *Channel) GuestName() string { return c.guestName }

// Reconnect dials the foreign Unix-domain socket at pathName if it is not
// already open, mirroring pkg/guest.Channel.Reconnect (both roles dial an
// endpoint that some other party made available on the filesystem; neither
// role listens for it).
func (c *Channel) Reconnect() {
	if c.Foreign.IsOpen() {
		return
	}
	addr, err := net.ResolveUnixAddr("unix", c.PathName)
	if err != nil {
		c.logOpenFailure("resolve", err)
		return
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		c.logOpenFailure("dial", err)
		return
	}
	if err := c.Foreign.Open(conn, false); err != nil {
		c.logOpenFailure("nonblock setup", err)
		conn.Close()
		return
	}
	c.lastOpenErr = nil
	c.Foreign.DesiredRead = true
	c.Engine.Logger.ILogf("%s: foreign endpoint connected", c.PathName)
}

// logOpenFailure records err as the channel's last foreign-endpoint open
// failure and logs it, calling out whether it repeats the previous
// attempt's failure so a guest that is simply absent doesn't spam a
// fresh-looking log line every reconnect cycle.
func (c *Channel) logOpenFailure(context string, err error) {
	if c.lastOpenErr != nil && c.lastOpenErr.Error() == err.Error() {
		c.Engine.Logger.DLogf("reconnect: %s %s still failing: %s", context, c.PathName, err)
	} else {
		c.Engine.Logger.DLogf("reconnect: %s %s failed: %s", context, c.PathName, err)
	}
	c.lastOpenErr = err
}

// OpenServiceSocket dials 127.0.0.1:servicePort and, on success, adopts it
// as the channel's native endpoint. It is called once a SYN has been
// accepted and a session must be established with the local service. A
// service that is momentarily refusing connections (still starting up) is
// retried a bounded number of times with jittered backoff before this
// attempt gives up and falls back to a RESET reply.
func (c *Channel) OpenServiceSocket() bool {
	addr := fmt.Sprintf("127.0.0.1:%d", c.servicePort)
	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: 80 * time.Millisecond}
	var conn net.Conn
	var err error
	for attempt := 0; attempt <= serviceConnectRetries; attempt++ {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		if attempt == serviceConnectRetries {
			break
		}
		time.Sleep(b.Duration())
	}
	if err != nil {
		repeat := c.lastOpenErr != nil && c.lastOpenErr.Error() == err.Error()
		c.lastOpenErr = err
		if repeat {
			c.Engine.Logger.WLogf("%s: connect to service port %d still failing after %d attempts: %s", c.PathName, c.servicePort, serviceConnectRetries+1, err)
		} else {
			c.Engine.Logger.WLogf("%s: connect to service port %d failed after %d attempts: %s", c.PathName, c.servicePort, serviceConnectRetries+1, err)
		}
		return false
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return false
	}
	if err := c.SetNative(tcpConn, false); err != nil {
		c.Engine.Logger.ELogf("%s: failed to adopt service socket: %s", c.PathName, err)
		conn.Close()
		return false
	}
	c.lastOpenErr = nil
	return true
}

// SetProbation and Probation implement the probation-and-delete bookkeeping
// the manager applies across enumeration cycles, at both the guest and
// per-socket registry levels.
func (c *Channel) SetProbation(v bool) { c.probation = v }
func (c *Channel) Probation() bool     { return c.probation }

// Shutdown releases both endpoints, for use when a channel's entry is
// dropped from the registry (its guest socket disappeared from disk).
func (c *Channel) Shutdown() {
	if c.Native.IsOpen() {
		c.Native.Close()
	}
	if c.Foreign.IsOpen() {
		c.Foreign.Close()
	}
}
