package engine

import (
	"context"
	"time"
)

// Ramp is the warm-up schedule: the ceiling starts at 1 and rises linearly to
// Max over Warmup. With Warmup <= 0 the ceiling is Max from the start.
type Ramp struct {
	Max    int
	Warmup time.Duration
}

// At returns the ceiling after elapsed time since the start.
func (r Ramp) At(elapsed time.Duration) int {
	max := r.Max
	if max < 1 {
		max = 1
	}
	if r.Warmup <= 0 || max == 1 || elapsed >= r.Warmup {
		return max
	}
	if elapsed < 0 {
		elapsed = 0
	}
	n := 1 + int(float64(max-1)*float64(elapsed)/float64(r.Warmup))
	if n > max {
		n = max
	}
	return n
}

// next returns the elapsed time at which the ceiling first exceeds cur.
func (r Ramp) next(cur int) time.Duration {
	if r.Max <= 1 || cur >= r.Max {
		return r.Warmup
	}
	return time.Duration(float64(r.Warmup) * float64(cur) / float64(r.Max-1))
}

// Drive applies the schedule to c until the ceiling reaches Max or ctx is done.
// The first step is applied synchronously so the caller can submit right after.
func (r Ramp) Drive(ctx context.Context, c *Core, start time.Time) (done <-chan struct{}) {
	ch := make(chan struct{})
	cur := r.At(time.Since(start))
	c.SetCeiling(cur)
	if cur >= c.Max() {
		close(ch)
		return ch
	}

	go func() {
		defer close(ch)
		for {
			wait := r.next(cur) - time.Since(start)
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			cur = r.At(time.Since(start))
			c.SetCeiling(cur)
			if cur >= c.Max() {
				return
			}
		}
	}()
	return ch
}
