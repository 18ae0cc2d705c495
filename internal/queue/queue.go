package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"flowq/internal/engine"
	"flowq/internal/eventbus"
	logx "flowq/pkg/logx"
)

const defaultConcurrency = 5

// Config controls a Queue.
type Config struct {
	Name        string
	Concurrency int
	ErrorPolicy engine.ErrorPolicy
	ResolveOn   engine.ResolveTiming

	// LogLevel overrides the logger level for this queue (e.g. "debug" to get
	// in_flight/queue_size diagnostics). Empty keeps the logger's level.
	LogLevel string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = "queue"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.ErrorPolicy == "" {
		c.ErrorPolicy = engine.FailFast
	}
	if c.ResolveOn == "" {
		c.ResolveOn = engine.OnFinish
	}
	return c
}

// Job is a unit of work pushed onto a Queue.
type Job func(ctx context.Context) (any, error)

// Stats is a point-in-time view of a Queue.
type Stats struct {
	Name        string `json:"name"`
	Concurrency int    `json:"concurrency"`
	Queued      int    `json:"queued"`
	Running     int    `json:"running"`
	Pushed      uint64 `json:"pushed"`
	Succeeded   uint64 `json:"succeeded"`
	Failed      uint64 `json:"failed"`
}

// JobEvent is published on the event bus for job lifecycle events.
type JobEvent struct {
	ID         string        `json:"id"`
	Queue      string        `json:"queue"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Queue runs pushed jobs with bounded concurrency in push order.
type Queue struct {
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	core *engine.Core

	pushed    atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
}

// New creates a queue. bus may be nil. The Aggregate policy is rejected.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) (*Queue, error) {
	cfg = cfg.withDefaults()
	if !cfg.ErrorPolicy.Valid() {
		return nil, fmt.Errorf("queue %s: invalid error policy %q", cfg.Name, cfg.ErrorPolicy)
	}
	if cfg.ErrorPolicy == engine.Aggregate {
		return nil, ErrUnsupportedPolicy
	}
	if cfg.ResolveOn != engine.OnFinish && cfg.ResolveOn != engine.OnStart {
		return nil, fmt.Errorf("queue %s: invalid resolve timing %q", cfg.Name, cfg.ResolveOn)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.Level(cfg.LogLevel).With(logx.String("queue", cfg.Name))

	return &Queue{
		cfg:  cfg,
		log:  log,
		bus:  bus,
		core: engine.NewCore(cfg.Concurrency),
	}, nil
}

// Push submits job and returns its Handle. ctx is handed to the job; the
// queue never cancels a job that has started.
func (q *Queue) Push(ctx context.Context, job Job) *Handle {
	h := newHandle()
	if job == nil {
		h.resolve(nil, ErrNilJob)
		return h
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var rec *engine.Record
	rec = engine.NewRecord(func() { q.run(ctx, rec, h, job) })
	rec.OnStart(func() { q.onStart(rec, h) })
	h.id = rec.ID()

	q.pushed.Add(1)
	q.publish(eventbus.JobQueued, JobEvent{ID: h.id, Queue: q.cfg.Name})

	// The core of a queue is never halted.
	_ = q.core.Submit(rec)

	if q.log.Enabled(logx.LevelDebug) {
		q.log.Debug("queue.push", logx.String("id", h.id), logx.Int("in_flight", q.core.InFlight()), logx.Int("queue_size", q.core.Pending()))
	}
	return h
}

func (q *Queue) onStart(rec *engine.Record, h *Handle) {
	q.publish(eventbus.JobStarted, JobEvent{ID: rec.ID(), Queue: q.cfg.Name, QueueDelay: rec.QueueDelay()})
	if q.cfg.ResolveOn == engine.OnStart {
		h.resolve(nil, nil)
	}
}

func (q *Queue) run(ctx context.Context, rec *engine.Record, h *Handle, job Job) {
	v, err := engine.Call(func() (any, error) { return job(ctx) })
	dur := time.Since(rec.StartedAt())
	ev := JobEvent{ID: rec.ID(), Queue: q.cfg.Name, QueueDelay: rec.QueueDelay(), Duration: dur}

	if err == nil {
		q.succeeded.Add(1)
		q.publish(eventbus.JobFinished, ev)
		h.resolve(v, nil)
		q.logDiagnostics("job.completed", rec, dur)
		return
	}

	q.failed.Add(1)
	ev.Error = err.Error()
	q.publish(eventbus.JobFailed, ev)

	switch {
	case q.cfg.ResolveOn == engine.OnStart:
		// The handle settled at start; the queue owns this failure.
		q.logFailure(rec, err, dur)
	case q.cfg.ErrorPolicy == engine.Suppress:
		q.logFailure(rec, err, dur)
		h.resolve(nil, nil)
	default:
		h.resolve(nil, err)
	}
	q.logDiagnostics("job.failed", rec, dur)
}

func (q *Queue) logFailure(rec *engine.Record, err error, dur time.Duration) {
	fields := []logx.Field{logx.String("id", rec.ID()), logx.Err(err), logx.Duration("dur", dur)}
	var pe *engine.PanicError
	if errors.As(err, &pe) {
		fields = append(fields, logx.String("stack", string(pe.Stack)))
	}
	q.log.Error("job.failed", fields...)
}

func (q *Queue) logDiagnostics(msg string, rec *engine.Record, dur time.Duration) {
	if !q.log.Enabled(logx.LevelDebug) {
		return
	}
	q.log.Debug(msg, logx.String("id", rec.ID()), logx.Duration("dur", dur), logx.Int("in_flight", q.core.InFlight()), logx.Int("queue_size", q.core.Pending()))
}

func (q *Queue) publish(typ string, ev JobEvent) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

// QueueSize is the number of pushed jobs that have not started yet.
func (q *Queue) QueueSize() int { return q.core.Pending() }

// InFlight is the number of running jobs.
func (q *Queue) InFlight() int { return q.core.InFlight() }

// Concurrency is the configured ceiling.
func (q *Queue) Concurrency() int { return q.cfg.Concurrency }

// Idle returns a channel closed once no job is queued or running.
func (q *Queue) Idle() <-chan struct{} { return q.core.IdleC() }

// OnIdle blocks until no job is queued or running, or ctx is done. It returns
// immediately when the queue is already idle.
func (q *Queue) OnIdle(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return q.core.WaitIdle(ctx)
}

func (q *Queue) Snapshot() Stats {
	return Stats{
		Name:        q.cfg.Name,
		Concurrency: q.cfg.Concurrency,
		Queued:      q.core.Pending(),
		Running:     q.core.InFlight(),
		Pushed:      q.pushed.Load(),
		Succeeded:   q.succeeded.Load(),
		Failed:      q.failed.Load(),
	}
}
