package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is the bookkeeping for one submitted job. Every submission gets its
// own Record, even when the same closure is submitted more than once.
type Record struct {
	id      string
	run     func()
	onStart func()

	// guarded by Core.mu
	state      State
	enqueuedAt time.Time
	startedAt  time.Time
}

// NewRecord wraps run for submission. run must not panic; wrap job bodies
// with Call so failures are values.
func NewRecord(run func()) *Record {
	return &Record{id: uuid.NewString(), run: run}
}

// OnStart installs a hook invoked on the job goroutine right before run.
func (r *Record) OnStart(fn func()) *Record {
	r.onStart = fn
	return r
}

func (r *Record) ID() string { return r.id }

// QueueDelay is how long the record waited in the pending list. It is only
// meaningful from the record's own goroutine (OnStart hook or run).
func (r *Record) QueueDelay() time.Duration { return r.startedAt.Sub(r.enqueuedAt) }

// StartedAt is when the record was promoted to Running; see QueueDelay.
func (r *Record) StartedAt() time.Time { return r.startedAt }

// Core is the FIFO dispatch core.
//
// pending, inFlight and ceiling are only touched under mu, and never while a
// job body runs: the "submitted" and "settled" events each mutate the state to
// completion before any job they promote is launched.
type Core struct {
	mu       sync.Mutex
	pending  []*Record
	inFlight int
	ceiling  int
	max      int
	halted   bool

	idleWaiters []chan struct{}
	roomWaiters []chan struct{}

	testDispatched func(*Record) // testing hook, called under mu
}

// NewCore creates a core whose ceiling starts at (and never exceeds) concurrency.
func NewCore(concurrency int) *Core {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Core{ceiling: concurrency, max: concurrency}
}

// Submit appends r to the tail of the pending list and starts as many pending
// records as free slots allow. It returns ErrHalted after Halt.
func (c *Core) Submit(r *Record) error {
	c.mu.Lock()
	if c.halted {
		c.mu.Unlock()
		return ErrHalted
	}
	r.state = Queued
	r.enqueuedAt = time.Now()
	c.pending = append(c.pending, r)
	start := c.dispatchLocked()
	c.mu.Unlock()

	c.launch(start)
	return nil
}

// dispatchLocked pops pending records while a slot is free and marks them Running.
func (c *Core) dispatchLocked() []*Record {
	var start []*Record
	now := time.Now()
	for !c.halted && c.inFlight < c.ceiling && len(c.pending) > 0 {
		r := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		r.state = Running
		r.startedAt = now
		c.inFlight++
		if c.testDispatched != nil {
			c.testDispatched(r)
		}
		start = append(start, r)
	}
	if len(c.pending) == 0 {
		c.pending = nil
		c.releaseLocked(&c.roomWaiters)
	}
	return start
}

func (c *Core) launch(rs []*Record) {
	for _, r := range rs {
		go c.exec(r)
	}
}

func (c *Core) exec(r *Record) {
	defer c.settle(r)
	if r.onStart != nil {
		r.onStart()
	}
	r.run()
}

func (c *Core) settle(r *Record) {
	c.mu.Lock()
	r.state = Settled
	c.inFlight--
	start := c.dispatchLocked()
	if c.inFlight == 0 && len(c.pending) == 0 {
		c.releaseLocked(&c.idleWaiters)
	}
	c.mu.Unlock()

	c.launch(start)
}

func (c *Core) releaseLocked(waiters *[]chan struct{}) {
	for _, ch := range *waiters {
		close(ch)
	}
	*waiters = nil
}

// SetCeiling changes the current ceiling, clamped to [1, Max()]. Raising it
// starts pending records immediately; lowering it never interrupts running jobs.
func (c *Core) SetCeiling(n int) {
	c.mu.Lock()
	if n < 1 {
		n = 1
	}
	if n > c.max {
		n = c.max
	}
	c.ceiling = n
	start := c.dispatchLocked()
	c.mu.Unlock()

	c.launch(start)
}

// Halt stops all further dispatch and returns the records that were still
// pending. Running records are left to settle on their own.
func (c *Core) Halt() []*Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halted = true
	dropped := c.pending
	for _, r := range dropped {
		r.state = Settled
	}
	c.pending = nil
	c.releaseLocked(&c.roomWaiters)
	if c.inFlight == 0 {
		c.releaseLocked(&c.idleWaiters)
	}
	return dropped
}

func (c *Core) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// Pending is the number of queued records not yet started.
func (c *Core) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// InFlight is the number of running records.
func (c *Core) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

func (c *Core) Ceiling() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ceiling
}

func (c *Core) Max() int { return c.max }

// Idle reports whether nothing is pending or running.
func (c *Core) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight == 0 && len(c.pending) == 0
}

// IdleC returns a channel closed once nothing is pending or running. If the
// core is idle already the channel is returned closed. Idle is evaluated when
// the core transitions, so work pushed after IdleC was called still delays it.
func (c *Core) IdleC() <-chan struct{} {
	ch := make(chan struct{})
	c.mu.Lock()
	if c.inFlight == 0 && len(c.pending) == 0 {
		close(ch)
	} else {
		c.idleWaiters = append(c.idleWaiters, ch)
	}
	c.mu.Unlock()
	return ch
}

// WaitIdle blocks until the core is idle or ctx is done.
func (c *Core) WaitIdle(ctx context.Context) error {
	select {
	case <-c.IdleC():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitRoom blocks until the pending list is empty or ctx is done.
func (c *Core) WaitRoom(ctx context.Context) error {
	ch := make(chan struct{})
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	c.roomWaiters = append(c.roomWaiters, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
