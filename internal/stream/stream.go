package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"flowq/internal/engine"
	logx "flowq/pkg/logx"

	"golang.org/x/time/rate"
)

const defaultConcurrency = 16

var (
	// Skip may be returned by a Mapper to drop an item. A skipped item is
	// neither emitted nor counted as an error.
	Skip = errors.New("stream: skip item")

	ErrNilMapper = errors.New("stream: mapper is nil")
)

// Mapper turns one input item into one output value. index is the item's
// position in the input, starting at 0.
type Mapper[In, Out any] func(ctx context.Context, item In, index int) (Out, error)

// Config controls one stage run.
type Config[Out any] struct {
	Name        string
	Concurrency int
	ErrorPolicy engine.ErrorPolicy

	// Warmup ramps the ceiling linearly from 1 up to Concurrency.
	Warmup time.Duration
	// RatePerSec caps how many jobs are dispatched per second. 0 disables it.
	RatePerSec float64

	// Predicate drops outputs for which it returns false.
	Predicate func(Out) bool
	// AsyncPredicate runs inside the job after Predicate. An error fails the job.
	AsyncPredicate func(ctx context.Context, v Out) (bool, error)

	// OnError is called on the failing job's goroutine for every failure,
	// whatever the policy. It must not block for long.
	OnError func(err error, item any)
	// OnDone is called once, after the output channel was closed.
	OnDone func(Stats)

	Logger   logx.Logger
	LogLevel string
}

func (c Config[Out]) withDefaults() Config[Out] {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = "stream"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.ErrorPolicy == "" {
		c.ErrorPolicy = engine.FailFast
	}
	if c.Warmup < 0 {
		c.Warmup = 0
	}
	if c.RatePerSec < 0 {
		c.RatePerSec = 0
	}
	if c.Logger.IsZero() {
		c.Logger = logx.Nop()
	}
	return c
}

func (c Config[Out]) validate(hasMapper bool) error {
	if !hasMapper {
		return ErrNilMapper
	}
	if !c.ErrorPolicy.Valid() {
		return fmt.Errorf("stream %s: invalid error policy %q", c.Name, c.ErrorPolicy)
	}
	return nil
}

type stage[In, Out any] struct {
	cfg    Config[Out]
	log    logx.Logger
	core   *engine.Core
	mapper Mapper[In, Out]
	out    chan<- Out

	mu       sync.Mutex
	stats    Stats
	firstErr error
	errs     []error

	// emitMu orders emission against a FailFast stop: nothing is emitted once
	// stopped is set.
	emitMu  sync.Mutex
	stopped bool
	halt    chan struct{}
}

// Transform runs mapper over every item read from in and writes the kept
// results to out. out may be nil when only the side effects of mapper matter.
// Transform closes out before it returns.
//
// Under FailFast the first failure halts dispatch, outputs of jobs still
// running are discarded and the original error is returned. Under Aggregate
// every item is processed and an *engine.AggregateError is returned if any
// failed. Under Suppress failures are logged and nil is returned.
//
// Cancelling ctx stops reading and dispatching; running jobs are awaited and
// ctx.Err() is returned.
func Transform[In, Out any](ctx context.Context, in <-chan In, out chan<- Out, mapper Mapper[In, Out], cfg Config[Out]) (Stats, error) {
	cfg = cfg.withDefaults()
	started := time.Now()
	if err := cfg.validate(mapper != nil); err != nil {
		if out != nil {
			close(out)
		}
		return Stats{Name: cfg.Name, Started: started}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s := &stage[In, Out]{
		cfg:    cfg,
		log:    cfg.Logger.Level(cfg.LogLevel).With(logx.String("stage", cfg.Name)),
		core:   engine.NewCore(cfg.Concurrency),
		mapper: mapper,
		out:    out,
		halt:   make(chan struct{}),
	}
	s.stats = Stats{Name: cfg.Name, Started: started}

	rampCtx, stopRamp := context.WithCancel(ctx)
	rampDone := engine.Ramp{Max: cfg.Concurrency, Warmup: cfg.Warmup}.Drive(rampCtx, s.core, started)

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}

	cancelled := s.feed(ctx, in, limiter)
	if cancelled {
		s.core.Halt()
	}

	// Drain: running jobs are never aborted.
	_ = s.core.WaitIdle(context.Background())
	stopRamp()
	<-rampDone

	if out != nil {
		close(out)
	}
	return s.finish(ctx, cancelled)
}

// feed reads and dispatches input until it is exhausted, the core was halted
// or ctx is done. It reports whether ctx ended the run.
func (s *stage[In, Out]) feed(ctx context.Context, in <-chan In, limiter *rate.Limiter) (cancelled bool) {
	if in == nil {
		return false
	}
	index := 0
	for {
		// Backpressure: read the next item only once nothing is waiting for a slot.
		if err := s.core.WaitRoom(ctx); err != nil {
			return true
		}
		if s.core.Halted() {
			return false
		}

		var item In
		var ok bool
		select {
		case item, ok = <-in:
		case <-s.halt:
			return false
		case <-ctx.Done():
			return true
		}
		if !ok {
			return false
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return true
			}
		}

		if !s.dispatch(ctx, item, index) {
			return false
		}
		index++
	}
}

// dispatch submits one item. CountIn moves only when the core accepts it, so
// an item read after a halt is neither run nor counted.
func (s *stage[In, Out]) dispatch(ctx context.Context, item In, index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := engine.NewRecord(func() { s.run(ctx, item, index) })
	if err := s.core.Submit(rec); err != nil {
		return false
	}
	s.stats.CountIn++
	return true
}

func (s *stage[In, Out]) run(ctx context.Context, item In, index int) {
	v, err := engine.Call(func() (Out, error) { return s.mapper(ctx, item, index) })
	if errors.Is(err, Skip) {
		s.count(func(st *Stats) { st.CountSkipped++ })
		return
	}
	if err != nil {
		s.fail(err, item, index)
		return
	}

	keep := true
	if s.cfg.Predicate != nil {
		keep, err = engine.Call(func() (bool, error) { return s.cfg.Predicate(v), nil })
	}
	if err == nil && keep && s.cfg.AsyncPredicate != nil {
		keep, err = engine.Call(func() (bool, error) { return s.cfg.AsyncPredicate(ctx, v) })
	}
	if err != nil {
		s.fail(err, item, index)
		return
	}
	if !keep {
		s.count(func(st *Stats) { st.CountFiltered++ })
		return
	}
	s.emit(ctx, v)
}

func (s *stage[In, Out]) emit(ctx context.Context, v Out) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.stopped {
		return
	}
	if s.out != nil {
		select {
		case s.out <- v:
		case <-ctx.Done():
			return
		}
	}
	s.count(func(st *Stats) { st.CountOut++ })
}

func (s *stage[In, Out]) fail(err error, item In, index int) {
	first := false
	s.mu.Lock()
	s.stats.CountErrors++
	switch s.cfg.ErrorPolicy {
	case engine.FailFast:
		if s.firstErr == nil {
			s.firstErr = err
			first = true
		}
	case engine.Aggregate:
		s.errs = append(s.errs, err)
	}
	s.mu.Unlock()

	if first {
		s.emitMu.Lock()
		s.stopped = true
		s.emitMu.Unlock()
		close(s.halt)
		dropped := s.core.Halt()
		s.log.Debug("stream.halted", logx.Int("index", index), logx.Int("dropped", len(dropped)), logx.Err(err))
	}

	if s.cfg.OnError != nil {
		s.cfg.OnError(err, item)
	}

	if s.cfg.ErrorPolicy == engine.Suppress {
		fields := []logx.Field{logx.Int("index", index), logx.Err(err)}
		var pe *engine.PanicError
		if errors.As(err, &pe) {
			fields = append(fields, logx.String("stack", string(pe.Stack)))
		}
		s.log.Error("stream.item_failed", fields...)
	}
}

func (s *stage[In, Out]) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

func (s *stage[In, Out]) finish(ctx context.Context, cancelled bool) (Stats, error) {
	s.mu.Lock()
	st := s.stats
	firstErr := s.firstErr
	errs := append([]error(nil), s.errs...)
	s.mu.Unlock()

	st.Duration = time.Since(st.Started)
	st.OK = true

	var err error
	switch {
	case firstErr != nil:
		err = firstErr
	case len(errs) > 0:
		err = engine.NewAggregateError(errs)
	case cancelled:
		err = ctx.Err()
	}
	if err != nil {
		st.OK = false
	}
	if s.cfg.ErrorPolicy == engine.Aggregate && len(errs) > 0 {
		st.CollectedErrors = errs
	}

	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("stream.done",
			logx.Int("in", st.CountIn),
			logx.Int("out", st.CountOut),
			logx.Int("errors", st.CountErrors),
			logx.Int("skipped", st.CountSkipped),
			logx.Int("filtered", st.CountFiltered),
			logx.Bool("ok", st.OK),
			logx.Duration("dur", st.Duration),
		)
	}
	if s.cfg.OnDone != nil {
		s.cfg.OnDone(st)
	}
	return st, err
}

// Map runs Transform over items and collects the outputs. With Concurrency 1
// the result preserves input order.
func Map[In, Out any](ctx context.Context, items []In, mapper Mapper[In, Out], cfg Config[Out]) ([]Out, Stats, error) {
	in := make(chan In, len(items))
	for _, it := range items {
		in <- it
	}
	close(in)

	out := make(chan Out, len(items))
	st, err := Transform(ctx, in, out, mapper, cfg)

	res := make([]Out, 0, len(out))
	for v := range out {
		res = append(res, v)
	}
	return res, st, err
}
