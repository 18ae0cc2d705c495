package stream

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flowq/internal/engine"

	"pgregory.net/rapid"
)

var errThree = errors.New("three")

func oneToN(n int) []int {
	items := make([]int, n)
	for i := range items {
		items[i] = i + 1
	}
	return items
}

func failOnThree(_ context.Context, v, _ int) (int, error) {
	if v == 3 {
		return 0, errThree
	}
	return v, nil
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		policy     engine.ErrorPolicy
		wantOut    []int
		wantOK     bool
		wantErrors int
	}{
		{name: "fail fast", policy: engine.FailFast, wantOut: []int{1, 2}, wantOK: false, wantErrors: 1},
		{name: "aggregate", policy: engine.Aggregate, wantOut: []int{1, 2, 4, 5}, wantOK: false, wantErrors: 1},
		{name: "suppress", policy: engine.Suppress, wantOut: []int{1, 2, 4, 5}, wantOK: true, wantErrors: 1},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var onError []error
			var mu sync.Mutex
			out, st, err := Map(testCtx(t), oneToN(5), failOnThree, Config[int]{
				Concurrency: 1,
				ErrorPolicy: tt.policy,
				OnError: func(err error, item any) {
					mu.Lock()
					defer mu.Unlock()
					if item.(int) != 3 {
						t.Errorf("OnError item = %v, want 3", item)
					}
					onError = append(onError, err)
				},
			})

			if !reflect.DeepEqual(out, tt.wantOut) {
				t.Fatalf("out = %v, want %v", out, tt.wantOut)
			}
			if st.OK != tt.wantOK {
				t.Fatalf("OK = %v, want %v", st.OK, tt.wantOK)
			}
			if st.CountErrors != tt.wantErrors {
				t.Fatalf("CountErrors = %d, want %d", st.CountErrors, tt.wantErrors)
			}
			if st.CountOut != len(tt.wantOut) {
				t.Fatalf("CountOut = %d, want %d", st.CountOut, len(tt.wantOut))
			}
			if len(onError) != 1 || onError[0] != errThree {
				t.Fatalf("OnError calls = %v", onError)
			}

			switch tt.policy {
			case engine.FailFast:
				if err != errThree {
					t.Fatalf("err = %v, want the original error", err)
				}
			case engine.Aggregate:
				var agg *engine.AggregateError
				if !errors.As(err, &agg) {
					t.Fatalf("err = %T %v, want *engine.AggregateError", err, err)
				}
				if agg.Count() != 1 || agg.Errors()[0] != errThree {
					t.Fatalf("aggregate = %v", agg.Errors())
				}
				if !errors.Is(err, errThree) {
					t.Fatal("aggregate must unwrap to its errors")
				}
				if len(st.CollectedErrors) != 1 {
					t.Fatalf("CollectedErrors = %v", st.CollectedErrors)
				}
			case engine.Suppress:
				if err != nil {
					t.Fatalf("err = %v, want nil", err)
				}
				if st.CollectedErrors != nil {
					t.Fatalf("CollectedErrors = %v, want none", st.CollectedErrors)
				}
			}
		})
	}
}

func TestSkip(t *testing.T) {
	t.Parallel()

	out, st, err := Map(testCtx(t), oneToN(10), func(_ context.Context, v, _ int) (int, error) {
		if v%2 == 0 {
			return 0, Skip
		}
		return v, nil
	}, Config[int]{Concurrency: 1})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if want := []int{1, 3, 5, 7, 9}; !reflect.DeepEqual(out, want) {
		t.Fatalf("out = %v, want %v", out, want)
	}
	if st.CountIn != 10 || st.CountOut != 5 || st.CountSkipped != 5 || st.CountErrors != 0 || !st.OK {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPredicates(t *testing.T) {
	t.Parallel()

	cfg := Config[int]{
		Concurrency: 4,
		Predicate:   func(v int) bool { return v > 2 },
		AsyncPredicate: func(_ context.Context, v int) (bool, error) {
			return v%2 == 1, nil
		},
	}
	out, st, err := Map(testCtx(t), oneToN(9), func(_ context.Context, v, _ int) (int, error) { return v, nil }, cfg)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	got := map[int]bool{}
	for _, v := range out {
		got[v] = true
	}
	if want := map[int]bool{3: true, 5: true, 7: true, 9: true}; !reflect.DeepEqual(got, want) {
		t.Fatalf("out = %v", out)
	}
	if st.CountFiltered != 5 {
		t.Fatalf("CountFiltered = %d, want 5", st.CountFiltered)
	}
}

func TestAsyncPredicateErrorIsFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("predicate")
	_, st, err := Map(testCtx(t), oneToN(3), func(_ context.Context, v, _ int) (int, error) { return v, nil }, Config[int]{
		Concurrency: 1,
		ErrorPolicy: engine.Suppress,
		AsyncPredicate: func(_ context.Context, v int) (bool, error) {
			if v == 2 {
				return false, boom
			}
			return true, nil
		},
	})
	if err != nil || st.CountErrors != 1 || st.CountOut != 2 {
		t.Fatalf("err=%v stats=%+v", err, st)
	}
}

func TestPanicIsFailure(t *testing.T) {
	t.Parallel()

	_, st, err := Map(testCtx(t), oneToN(3), func(_ context.Context, v, _ int) (int, error) {
		if v == 2 {
			panic("bad item")
		}
		return v, nil
	}, Config[int]{Concurrency: 2, ErrorPolicy: engine.Aggregate})

	var pe *engine.PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want a wrapped *engine.PanicError", err)
	}
	if st.CountOut != 2 || st.CountErrors != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestFailFastDiscardsInFlightOutputs(t *testing.T) {
	t.Parallel()

	failed := make(chan struct{})
	var once sync.Once
	out, st, err := Map(testCtx(t), oneToN(2), func(_ context.Context, v, _ int) (int, error) {
		if v == 2 {
			return 0, errThree
		}
		<-failed
		return v, nil
	}, Config[int]{
		Concurrency: 2,
		OnError:     func(error, any) { once.Do(func() { close(failed) }) },
	})
	if err != errThree {
		t.Fatalf("err = %v", err)
	}
	if len(out) != 0 || st.CountOut != 0 {
		t.Fatalf("outputs after the failure must be discarded, got %v", out)
	}
}

func TestFailFastStopsReadingInput(t *testing.T) {
	t.Parallel()

	ctx := testCtx(t)
	in := make(chan int)
	out := make(chan int, 1)
	done := make(chan error, 1)
	go func() {
		_, err := Transform(ctx, in, out, failOnThree, Config[int]{Concurrency: 1})
		done <- err
	}()

	in <- 3
	// in is never closed: the stage must give up reading after the failure.
	select {
	case err := <-done:
		if err != errThree {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stage kept waiting for input after a FailFast failure")
	}
	if _, ok := <-out; ok {
		t.Fatal("out must be closed")
	}
}

func TestConcurrencyBound(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limit := rapid.IntRange(1, 8).Draw(rt, "limit")
		n := rapid.IntRange(0, 40).Draw(rt, "n")
		want := limit
		if n < limit {
			want = n
		}

		var running, peak atomic.Int32
		var startedCount atomic.Int32
		gate := make(chan struct{})
		if want == 0 {
			close(gate)
		}

		_, st, err := Map(context.Background(), oneToN(n), func(_ context.Context, v, _ int) (int, error) {
			cur := running.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			if int(startedCount.Add(1)) == want {
				close(gate)
			}
			<-gate
			running.Add(-1)
			return v, nil
		}, Config[int]{Concurrency: limit})

		if err != nil {
			rt.Fatalf("err = %v", err)
		}
		if st.CountOut != n {
			rt.Fatalf("CountOut = %d, want %d", st.CountOut, n)
		}
		if got := int(peak.Load()); got != want {
			rt.Fatalf("peak = %d, want %d (limit %d, n %d)", got, want, limit, n)
		}
	})
}

func TestSerialStartAndEmitOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		items := rapid.SliceOf(rapid.Int()).Draw(rt, "items")

		var mu sync.Mutex
		var started []int
		out, _, err := Map(context.Background(), items, func(_ context.Context, v, idx int) (string, error) {
			mu.Lock()
			started = append(started, idx)
			mu.Unlock()
			return fmt.Sprint(v), nil
		}, Config[string]{Concurrency: 1})
		if err != nil {
			rt.Fatalf("err = %v", err)
		}
		for i := range started {
			if started[i] != i {
				rt.Fatalf("start order = %v", started)
			}
		}
		for i, v := range items {
			if out[i] != fmt.Sprint(v) {
				rt.Fatalf("emit order = %v, input %v", out, items)
			}
		}
	})
}

func TestWarmupHoldsCeiling(t *testing.T) {
	t.Parallel()

	peakOf := func(warmup time.Duration) int32 {
		var running, peak atomic.Int32
		_, _, err := Map(testCtx(t), oneToN(8), func(_ context.Context, v, _ int) (int, error) {
			cur := running.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return v, nil
		}, Config[int]{Concurrency: 4, Warmup: warmup})
		if err != nil {
			t.Fatalf("err = %v", err)
		}
		return peak.Load()
	}

	if got := peakOf(time.Hour); got != 1 {
		t.Fatalf("peak during warm-up = %d, want 1", got)
	}
	if got := peakOf(0); got < 2 {
		t.Fatalf("peak without warm-up = %d, want > 1", got)
	}
}

func TestWarmupReachesCeiling(t *testing.T) {
	t.Parallel()

	const limit = 4
	var running, peak, earlyPeak atomic.Int32
	start := time.Now()
	_, _, err := Map(testCtx(t), oneToN(60), func(_ context.Context, v, _ int) (int, error) {
		cur := running.Add(1)
		for _, p := range []*atomic.Int32{&peak, &earlyPeak} {
			if p == &earlyPeak && time.Since(start) > 20*time.Millisecond {
				continue
			}
			for {
				old := p.Load()
				if cur <= old || p.CompareAndSwap(old, cur) {
					break
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return v, nil
	}, Config[int]{Concurrency: limit, Warmup: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if got := earlyPeak.Load(); got >= limit {
		t.Fatalf("early peak = %d, want < %d", got, limit)
	}
	if got := peak.Load(); got != limit {
		t.Fatalf("peak = %d, want %d", got, limit)
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	_, st, err := Map(testCtx(t), oneToN(5), func(_ context.Context, v, _ int) (int, error) { return v, nil }, Config[int]{
		Concurrency: 5,
		RatePerSec:  50,
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	// Burst of one: five dispatches need at least four intervals of 20ms.
	if st.Duration < 60*time.Millisecond {
		t.Fatalf("duration = %v, rate limit not applied", st.Duration)
	}
}

func TestCancelDrainsAndCloses(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan int)
	out := make(chan int, 8)
	var finished atomic.Int32
	release := make(chan struct{})
	done := make(chan struct{})
	var st Stats
	var err error
	go func() {
		defer close(done)
		st, err = Transform(ctx, in, out, func(_ context.Context, v, _ int) (int, error) {
			<-release
			finished.Add(1)
			return v, nil
		}, Config[int]{Concurrency: 2})
	}()

	in <- 1
	in <- 2
	cancel()
	select {
	case <-done:
		t.Fatal("Transform returned before running jobs settled")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-done

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if st.OK {
		t.Fatal("cancelled run must not be OK")
	}
	if got := finished.Load(); int(got) != st.CountIn {
		t.Fatalf("finished = %d, dispatched = %d", got, st.CountIn)
	}
	for range out {
	}
}

func TestOnDoneOnceAfterClose(t *testing.T) {
	t.Parallel()

	out := make(chan int, 5)
	in := make(chan int, 5)
	for _, v := range oneToN(5) {
		in <- v
	}
	close(in)

	var calls atomic.Int32
	var closedAtDone atomic.Bool
	st, err := Transform(testCtx(t), in, out, func(_ context.Context, v, _ int) (int, error) { return v, nil }, Config[int]{
		Concurrency: 3,
		OnDone: func(st Stats) {
			calls.Add(1)
			n := 0
			for range out {
				n++
			}
			// Ranging over out only terminates once it is closed.
			closedAtDone.Store(n == st.CountOut)
		},
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 || !closedAtDone.Load() {
		t.Fatalf("OnDone calls = %d closed = %v stats = %+v", calls.Load(), closedAtDone.Load(), st)
	}
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()

	out := make(chan int)
	if _, err := Transform[int, int](context.Background(), nil, out, nil, Config[int]{}); !errors.Is(err, ErrNilMapper) {
		t.Fatalf("err = %v, want ErrNilMapper", err)
	}
	if _, ok := <-out; ok {
		t.Fatal("out must be closed on a rejected run")
	}

	_, _, err := Map(context.Background(), oneToN(1), func(_ context.Context, v, _ int) (int, error) { return v, nil }, Config[int]{ErrorPolicy: "retry"})
	if err == nil {
		t.Fatal("expected invalid policy error")
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config[int]{}.withDefaults()
	if cfg.Concurrency != defaultConcurrency || cfg.ErrorPolicy != engine.FailFast || cfg.Name != "stream" {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestDispatchAfterHaltIsUncounted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	s := &stage[int, int]{
		core: engine.NewCore(1),
		mapper: func(_ context.Context, v, _ int) (int, error) {
			calls.Add(1)
			return v, nil
		},
		halt: make(chan struct{}),
	}
	if !s.dispatch(context.Background(), 1, 0) {
		t.Fatal("dispatch before halt rejected")
	}
	if err := s.core.WaitIdle(context.Background()); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}

	s.core.Halt()
	if s.dispatch(context.Background(), 2, 1) {
		t.Fatal("dispatch after halt accepted")
	}
	if s.stats.CountIn != 1 || calls.Load() != 1 {
		t.Fatalf("count_in = %d, calls = %d, want 1 and 1", s.stats.CountIn, calls.Load())
	}
}
