package queue

import (
	"context"
	"fmt"
	"sync"
)

// Handle is the outcome of one pushed job. Every Push returns a fresh Handle.
type Handle struct {
	id   string
	once sync.Once
	done chan struct{}

	val any
	err error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) resolve(v any, err error) {
	h.once.Do(func() {
		h.val = v
		h.err = err
		close(h.done)
	})
}

// ID identifies the job record behind this handle.
func (h *Handle) ID() string { return h.id }

// Done is closed once the handle has settled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Settled reports whether the handle has settled.
func (h *Handle) Settled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the handle settles or ctx is done. Giving up on a handle
// does not cancel the job. A nil ctx waits without a deadline.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-h.done:
		return h.val, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the settled outcome. It must only be called after Done is closed.
func (h *Handle) Result() (any, error) {
	if !h.Settled() {
		return nil, fmt.Errorf("queue: handle %s not settled", h.id)
	}
	return h.val, h.err
}

// Await waits for h and converts its value to T. A nil value yields T's zero value.
func Await[T any](ctx context.Context, h *Handle) (T, error) {
	var zero T
	v, err := h.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("queue: job %s returned %T, want %T", h.id, v, zero)
	}
	return t, nil
}
