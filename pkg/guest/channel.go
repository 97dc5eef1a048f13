// Package guest implements the guest-side channel binding and endpoint
// manager: it accepts TCP connections from local clients and relays them,
// framed, over a virtio-serial character device to a host proxy peer.
package guest

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sys/unix"

	"github.com/sammck-go/viosproxy/share"
)

// foreignOpenRetries bounds how many times Reconnect retries opening the
// character device within a single reconnect attempt when the failure is
// transient (EAGAIN/EBUSY); a device node that is simply absent fails
// once and waits for the next scan instead.
const foreignOpenRetries = 3

// primer holds the sync0-filled resynchronization primer written at the
// start of every new session; sized once and reused across StartConnection
// calls.
var primer [share.MaxPayloadSize]byte

func init() {
	for i := range primer {
		primer[i] = share.Sync0
	}
}

const maxPrimerStalls = 200

// Channel is a guest-side binding of the shared protocol engine: its
// foreign endpoint is a virtio-serial character device, and its native
// endpoint is a TCP socket accepted from a local client.
type Channel struct {
	share.Engine

	timeoutTickCount uint32
	ticksRemaining   uint32
	probation        bool
	tokens           *share.TokenSource
	lastOpenErr      error
}

// NewChannel creates a guest-side channel bound to pathName, not yet
// connected to its foreign endpoint (call Reconnect to open it).
func NewChannel(pathName string, timeoutTickCount uint32, logger share.Logger, tokens *share.TokenSource) *Channel {
	c := &Channel{timeoutTickCount: timeoutTickCount, tokens: tokens}
	c.Engine.Init(share.RoleGuest, logger.Fork(pathName), pathName)
	c.Engine.Tokens = tokens
	c.Engine.OnStateChange = c.logStateChange
	return c
}

func (c *Channel) logStateChange(old, new share.ConnState) {
	c.Engine.Logger.NLogf("%s %s: %s -> %s", share.ConnectionID(c.GuestToken, c.HostToken), c.PathName, old, new)
}

// Reconnect opens the foreign character device if it is not already open.
// A transient EAGAIN/EBUSY (the host side of the device is momentarily
// unavailable) is retried a bounded number of times with jittered backoff
// within this single attempt; any other failure, including the device
// node simply not existing yet, is recorded and left for the next
// reconnect cycle.
func (c *Channel) Reconnect() {
	if c.Foreign.IsOpen() {
		return
	}
	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: 80 * time.Millisecond}
	var f *os.File
	var err error
	for attempt := 0; attempt <= foreignOpenRetries; attempt++ {
		f, err = os.OpenFile(c.PathName, os.O_RDWR, 0)
		if err == nil || !isTransientOpenError(err) || attempt == foreignOpenRetries {
			break
		}
		time.Sleep(b.Duration())
	}
	if err != nil {
		c.logOpenFailure("open", err)
		return
	}
	if err := c.Foreign.Open(f, true); err != nil {
		c.logOpenFailure("nonblock setup", err)
		f.Close()
		return
	}
	c.lastOpenErr = nil
	c.Foreign.DesiredRead = true
	c.Engine.Logger.ILogf("%s: foreign endpoint connected", c.PathName)
}

// logOpenFailure records err as the channel's last foreign-endpoint open
// failure and logs it, calling out whether it repeats the previous
// attempt's failure so a wedged device node doesn't spam a fresh-looking
// log line every reconnect cycle.
func (c *Channel) logOpenFailure(context string, err error) {
	if c.lastOpenErr != nil && c.lastOpenErr.Error() == err.Error() {
		c.Engine.Logger.DLogf("reconnect: %s %s still failing: %s", context, c.PathName, err)
	} else {
		c.Engine.Logger.DLogf("reconnect: %s %s failed: %s", context, c.PathName, err)
	}
	c.lastOpenErr = err
}

// isTransientOpenError reports whether err is worth a bounded local retry
// rather than waiting for the next reconnect cycle: the device exists but
// the host side has it momentarily locked or not yet drained.
func isTransientOpenError(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EBUSY)
}

// StartConnection is invoked by the manager once a client TCP connection
// has been accepted and this channel has no active session. It primes the
// foreign byte stream for resynchronization, drains any stale bytes left
// over from a previous session, resets to a clean slate, adopts client as
// the native endpoint, and initiates a new session with SYN.
func (c *Channel) StartConnection(client share.RawIO) bool {
	if !c.Foreign.IsOpen() || c.Native.IsOpen() {
		return false
	}
	if !c.primeForeignResync() {
		c.Engine.Logger.WLogf("%s: resync primer failed, dropping accepted client", c.PathName)
		return false
	}
	c.drainForeign()
	c.Engine.Cleanup()

	if err := c.SetNative(client, true); err != nil {
		c.Engine.Logger.ELogf("%s: failed to adopt client socket: %s", c.PathName, err)
		return false
	}
	guestToken := c.tokens.Next()
	c.SetTokens(guestToken, share.PlaceholderToken)
	c.BeginSend(share.NewSYNHeader(guestToken, share.PlaceholderToken))
	c.SetState(share.StateSynSent)
	c.ticksRemaining = c.timeoutTickCount
	return true
}

// primeForeignResync writes MaxPayloadSize bytes of the sync0 byte to the
// foreign endpoint so that a host-side receiver, whatever byte offset it
// happens to be reading from, is guaranteed to find a sync0 within one
// frame's worth of bytes. The exact byte count is preserved deliberately;
// see the "Open Questions decided" section of DESIGN.md.
func (c *Channel) primeForeignResync() bool {
	written := 0
	stalls := 0
	for written < len(primer) {
		n, status := c.Foreign.Send(primer[written:])
		written += n
		switch status {
		case share.SendNormal, share.SendIncomplete:
			stalls = 0
		case share.SendFull:
			stalls++
			if stalls > maxPrimerStalls {
				return false
			}
			time.Sleep(time.Millisecond)
		default:
			return false
		}
	}
	return true
}

// drainForeign discards whatever bytes are immediately available on the
// foreign endpoint: stale traffic left behind by a previous session's
// RESET.
func (c *Channel) drainForeign() {
	var scratch [4096]byte
	for {
		n, status := c.Foreign.Recv(scratch[:])
		if n == 0 || status == share.RecvEmpty || status == share.RecvClosed || status == share.RecvError {
			return
		}
	}
}

// ClockTick decrements the SYN_SENT abandonment countdown. On reaching
// zero, the accepted client socket is closed and the channel returns to
// CLOSED without ever having reached ESTABLISHED.
func (c *Channel) ClockTick() {
	if c.State != share.StateSynSent {
		return
	}
	if c.ticksRemaining > 0 {
		c.ticksRemaining--
	}
	if c.ticksRemaining == 0 {
		c.Engine.Logger.WLogf("%s %s: SYN_SENT timed out", share.ConnectionID(c.GuestToken, c.HostToken), c.PathName)
		if c.Native.IsOpen() {
			c.Native.Close()
		}
		c.Engine.Cleanup()
	}
}

// PathNameKey returns the registry key the manager uses for this channel:
// the foreign endpoint's basename relative to the manager's root.
func (c *Channel) PathNameKey() string { return filepath.Base(c.PathName) }

// SetProbation and Probation implement the probation-and-delete bookkeeping
// the manager applies across enumeration cycles.
func (c *Channel) SetProbation(v bool) { c.probation = v }
func (c *Channel) Probation() bool     { return c.probation }

// Shutdown releases both endpoints, for use when a channel's entry is
// dropped from the registry (its foreign endpoint disappeared from disk).
func (c *Channel) Shutdown() {
	if c.Native.IsOpen() {
		c.Native.Close()
	}
	if c.Foreign.IsOpen() {
		c.Foreign.Close()
	}
}

// IsIdle reports whether this channel has no active session and could
// accept a newly-connected client.
func (c *Channel) IsIdle() bool {
	return c.Foreign.IsOpen() && !c.Native.IsOpen() && c.State == share.StateClosed
}
