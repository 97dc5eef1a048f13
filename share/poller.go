package share

import (
	"time"

	"golang.org/x/sys/unix"
)

// Pollable is anything the readiness loop can drive: a Channel exposes its
// two endpoints and its Run method, without the loop needing to know
// whether it is a guest or host channel.
type Pollable interface {
	// Endpoints returns the channel's foreign and native endpoints, either
	// of which may be closed (Endpoint.IsOpen() == false).
	Endpoints() (foreign, native *Endpoint)
	// Run drives the channel's engine once.
	Run()
}

// Loop is the single readiness multiplexer described in spec §4.6. One
// Loop instance serves an entire proxy process: there is exactly one
// poll(2) call per iteration, and no locking, because the whole engine is
// single-threaded and cooperative.
type Loop struct {
	Logger Logger

	// ExtraFD, if non-negative, is polled for read readiness alongside
	// every channel's endpoints; on the guest side this is the listening
	// TCP socket. ExtraFDReadable is set after each Iterate call.
	ExtraFD         int
	ExtraFDReadable bool

	// OnExtraReadable, if set, is invoked at the end of every Iterate call
	// during which ExtraFD was found readable, before ExtraFDReadable is
	// reported to the caller. This lets a listening socket be drained on
	// every poll cycle rather than only once per second.
	OnExtraReadable func()

	pollfds []unix.PollFd
	owners  []pollOwner
}

type pollOwner struct {
	channel  Pollable
	endpoint *Endpoint
	isExtra  bool
}

// Iterate builds one descriptor vector from channels, waits up to
// waitUSec microseconds in poll(2), distributes readiness indications, and
// invokes Run on every channel with a fresh indication. It returns the
// number of channels that were run.
func (l *Loop) Iterate(channels []Pollable, waitUSec int64) (int, error) {
	l.pollfds = l.pollfds[:0]
	l.owners = l.owners[:0]
	l.ExtraFDReadable = false

	if l.ExtraFD >= 0 {
		l.pollfds = append(l.pollfds, unix.PollFd{Fd: int32(l.ExtraFD), Events: unix.POLLIN})
		l.owners = append(l.owners, pollOwner{isExtra: true})
	}

	for _, ch := range channels {
		foreign, native := ch.Endpoints()
		l.addEndpoint(ch, foreign)
		l.addEndpoint(ch, native)
	}

	timeoutMs := int(waitUSec / 1000)
	if timeoutMs <= 0 && waitUSec > 0 {
		timeoutMs = 1
	}
	n, err := unix.Poll(l.pollfds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	ran := make(map[Pollable]bool)
	for i, pfd := range l.pollfds {
		if pfd.Revents == 0 {
			continue
		}
		owner := l.owners[i]
		if owner.isExtra {
			if pfd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
				l.ExtraFDReadable = true
			}
			continue
		}
		ep := owner.endpoint
		ep.Readable = pfd.Revents&unix.POLLIN != 0
		ep.Writable = pfd.Revents&unix.POLLOUT != 0
		ep.Errored = pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0
		// Level-triggered write notifications must be solicited, not
		// persistent: clear desired-write now that it has been consumed,
		// so the next iteration only asks for it again if still needed.
		ep.DesiredWrite = false
		if ep.Readable || ep.Writable || ep.Errored {
			ran[owner.channel] = true
		}
	}

	for ch := range ran {
		ch.Run()
	}
	if l.ExtraFDReadable && l.OnExtraReadable != nil {
		l.OnExtraReadable()
	}
	return len(ran), nil
}

func (l *Loop) addEndpoint(ch Pollable, ep *Endpoint) {
	if ep == nil || !ep.IsOpen() {
		return
	}
	if !ep.DesiredRead && !ep.DesiredWrite {
		return
	}
	var events int16
	if ep.DesiredRead {
		events |= unix.POLLIN
	}
	if ep.DesiredWrite {
		events |= unix.POLLOUT
	}
	l.pollfds = append(l.pollfds, unix.PollFd{Fd: int32(ep.FD()), Events: events})
	l.owners = append(l.owners, pollOwner{channel: ch, endpoint: ep})
}

// Driver wraps a Loop with the once-per-second and once-per-five-seconds
// cadence described in spec §4.6: call RunOneSecond repeatedly (typically
// from main) to drive the whole proxy for its lifetime.
type Driver struct {
	Loop *Loop

	// Channels returns the current set of pollable channels; called once
	// per Loop.Iterate so a manager's own enumeration can add or remove
	// entries between calls.
	Channels func() []Pollable

	// OnTick runs once per elapsed wall-clock second. reconnect tells the
	// caller whether this is a five-second (true) or ordinary one-second
	// (false) boundary, mirroring EnumerateHostDirectories' reconnect flag.
	OnTick func(reconnect bool)

	// PollBudgetUSec bounds each individual poll(2) wait.
	PollBudgetUSec int64

	secondsElapsed int
}

// DefaultPollBudgetUSec matches the original implementation's per-cycle
// wait budget: long enough to avoid a busy loop, short enough that the
// one-second tick cadence stays accurate.
const DefaultPollBudgetUSec = 250000

// RunOneSecond runs Loop.Iterate repeatedly until roughly one wall-clock
// second has elapsed, then invokes OnTick, with reconnect=true every fifth
// call (one reconnect every five seconds over a 1 Hz clock).
func (d *Driver) RunOneSecond() error {
	budget := d.PollBudgetUSec
	if budget <= 0 {
		budget = DefaultPollBudgetUSec
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		channels := d.Channels()
		if _, err := d.Loop.Iterate(channels, budget); err != nil {
			return err
		}
	}
	d.secondsElapsed++
	reconnect := d.secondsElapsed%5 == 0
	if d.OnTick != nil {
		d.OnTick(reconnect)
	}
	return nil
}
