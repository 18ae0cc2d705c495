package engine

import (
	"context"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestRampAt(t *testing.T) {
	t.Parallel()
	r := Ramp{Max: 5, Warmup: 4 * time.Second}
	tests := []struct {
		elapsed time.Duration
		want    int
	}{
		{0, 1},
		{999 * time.Millisecond, 1},
		{time.Second, 2},
		{2 * time.Second, 3},
		{3999 * time.Millisecond, 4},
		{4 * time.Second, 5},
		{time.Hour, 5},
		{-time.Second, 1},
	}
	for _, tt := range tests {
		if got := r.At(tt.elapsed); got != tt.want {
			t.Fatalf("At(%v) = %d, want %d", tt.elapsed, got, tt.want)
		}
	}

	if got := (Ramp{Max: 7}).At(0); got != 7 {
		t.Fatalf("no warmup: At(0) = %d, want 7", got)
	}
}

func TestRampMonotonicProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := Ramp{
			Max:    rapid.IntRange(1, 64).Draw(rt, "max"),
			Warmup: time.Duration(rapid.Int64Range(0, int64(time.Minute)).Draw(rt, "warmup")),
		}
		a := time.Duration(rapid.Int64Range(0, int64(2*time.Minute)).Draw(rt, "a"))
		b := time.Duration(rapid.Int64Range(0, int64(2*time.Minute)).Draw(rt, "b"))
		if a > b {
			a, b = b, a
		}
		ca, cb := r.At(a), r.At(b)
		if ca > cb {
			rt.Fatalf("At(%v)=%d > At(%v)=%d", a, ca, b, cb)
		}
		if ca < 1 || cb > r.Max {
			rt.Fatalf("ceiling out of range: %d..%d (max %d)", ca, cb, r.Max)
		}
		if b >= r.Warmup && cb != r.Max {
			rt.Fatalf("At(%v) = %d after warmup %v, want %d", b, cb, r.Warmup, r.Max)
		}
	})
}

func TestRampDriveReachesMax(t *testing.T) {
	c := NewCore(4)
	r := Ramp{Max: 4, Warmup: 60 * time.Millisecond}
	done := r.Drive(context.Background(), c, time.Now())
	if got := c.Ceiling(); got != 1 {
		t.Fatalf("initial ceiling = %d, want 1", got)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ramp never finished")
	}
	if got := c.Ceiling(); got != 4 {
		t.Fatalf("final ceiling = %d, want 4", got)
	}
}

func TestRampDriveStopsOnCancel(t *testing.T) {
	c := NewCore(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := Ramp{Max: 4, Warmup: time.Hour}.Drive(ctx, c, time.Now())
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ramp ignored cancellation")
	}
	if got := c.Ceiling(); got != 1 {
		t.Fatalf("ceiling = %d, want 1", got)
	}
}
