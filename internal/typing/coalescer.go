// Package typing turns raw keystrokes into debounced start/stop signals and
// aggregates the typing state reported for other room members.
package typing

import (
	"slices"
	"time"
)

// DefaultIdle is how long after the last keystroke typing is considered stopped.
const DefaultIdle = time.Second

// Timer is a pending callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler arms timers. Callbacks must be delivered on the same goroutine
// that drives the Coalescer.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// EmitFunc publishes an outbound typing change for room.
type EmitFunc func(roomID string, isTyping bool)

// Coalescer owns at most one pending idle timer, for the attached room.
// It is not safe for concurrent use.
type Coalescer struct {
	emit  EmitFunc
	sched Scheduler
	idle  time.Duration

	room   string
	active bool
	timer  Timer
	gen    uint64

	peers []string
}

// New returns a Coalescer that reports outbound changes through emit.
func New(emit EmitFunc, sched Scheduler, idle time.Duration) *Coalescer {
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Coalescer{emit: emit, sched: sched, idle: idle}
}

// Attach scopes outbound signals to roomID, cancelling anything pending for
// a previous room.
func (c *Coalescer) Attach(roomID string) {
	c.Detach()
	c.room = roomID
}

// Detach cancels the pending timer and forgets all room-scoped state,
// outbound and inbound. Nothing is emitted.
func (c *Coalescer) Detach() {
	c.cancel()
	c.active = false
	c.room = ""
	c.peers = nil
}

// Active reports whether a typing=true signal is outstanding.
func (c *Coalescer) Active() bool {
	return c.active
}

// Keystroke records local input: the first keystroke of a burst emits
// typing=true, every keystroke restarts the idle timer.
func (c *Coalescer) Keystroke() {
	if c.room == "" {
		return
	}
	if !c.active {
		c.active = true
		c.emit(c.room, true)
	}
	c.cancel()
	c.gen++
	gen := c.gen
	c.timer = c.sched.AfterFunc(c.idle, func() { c.expire(gen) })
}

// MessageSent stops typing immediately, since a send implies typing ended.
func (c *Coalescer) MessageSent() {
	if !c.active {
		c.cancel()
		return
	}
	c.stop()
}

// Reset clears the outbound flag and timer without emitting, used when the
// transport dropped and the server already forgot our typing state.
func (c *Coalescer) Reset() {
	c.cancel()
	c.active = false
}

func (c *Coalescer) expire(gen uint64) {
	// a keystroke after this timer fired but before the callback ran
	// re-armed a newer generation
	if gen != c.gen || !c.active {
		return
	}
	c.timer = nil
	c.stop()
}

func (c *Coalescer) stop() {
	c.cancel()
	c.active = false
	if c.room != "" {
		c.emit(c.room, false)
	}
}

func (c *Coalescer) cancel() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
}

// PeerTyping applies an inbound user_typing signal. Starting is idempotent and
// keeps the original position; stopping an absent user is a no-op.
func (c *Coalescer) PeerTyping(username string, isTyping bool) {
	i := slices.Index(c.peers, username)
	switch {
	case isTyping && i < 0:
		c.peers = append(c.peers, username)
	case !isTyping && i >= 0:
		c.peers = slices.Delete(c.peers, i, i+1)
	}
}

// Prune drops typing entries for users missing from the membership snapshot,
// so a peer that vanished mid-burst does not type forever.
func (c *Coalescer) Prune(members []string) {
	c.peers = slices.DeleteFunc(c.peers, func(u string) bool {
		return !slices.Contains(members, u)
	})
}

// Typing returns the peers currently typing, oldest first.
func (c *Coalescer) Typing() []string {
	return slices.Clone(c.peers)
}

// PostScheduler arms real timers and hands their callbacks to post, which
// queues them on the goroutine that owns the Coalescer.
type PostScheduler func(fn func()) bool

// AfterFunc implements Scheduler.
func (p PostScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, func() { p(f) })
}
