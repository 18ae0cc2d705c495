package bulk

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"flowq/internal/engine"
	"flowq/internal/stream"
	logx "flowq/pkg/logx"
)

const (
	defaultChunkSize   = 100
	defaultConcurrency = 4
)

// Options controls one SaveAll or DeleteAll call.
type Options struct {
	ChunkSize   int
	Concurrency int
	ErrorPolicy engine.ErrorPolicy

	// OnError is called for every failed chunk with the chunk's index.
	OnError func(err error, chunk int)
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultChunkSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.ErrorPolicy == "" {
		o.ErrorPolicy = engine.FailFast
	}
	return o
}

// Result describes a bulk call. Rows counts rows in committed chunks.
type Result struct {
	Chunks int
	Rows   int
	Failed int
	Stats  stream.Stats
}

type batch[T any] struct {
	index int
	items []T
}

func chunk[T any](xs []T, size int) []batch[T] {
	out := make([]batch[T], 0, (len(xs)+size-1)/size)
	for i := 0; i < len(xs); i += size {
		end := i + size
		if end > len(xs) {
			end = len(xs)
		}
		out = append(out, batch[T]{index: len(out), items: xs[i:end]})
	}
	return out
}

// SaveAll upserts rows. The error, if any, follows opts.ErrorPolicy: the first
// failed chunk's error under FailFast, an *engine.AggregateError under
// Aggregate and nil under Suppress.
func (s *Store) SaveAll(ctx context.Context, rows []Row, opts Options) (Result, error) {
	now := time.Now().UnixMilli()
	return runChunks(ctx, s, "bulk.save", rows, opts, func(ctx context.Context, tx *sql.Tx, items []Row) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO results(key, value, updated_at) VALUES(?,?,?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range items {
			at := now
			if !r.UpdatedAt.IsZero() {
				at = r.UpdatedAt.UnixMilli()
			}
			if _, err := stmt.ExecContext(ctx, r.Key, r.Value, at); err != nil {
				return fmt.Errorf("save %q: %w", r.Key, err)
			}
		}
		return nil
	})
}

// DeleteAll removes keys. Missing keys are not an error.
func (s *Store) DeleteAll(ctx context.Context, keys []string, opts Options) (Result, error) {
	return runChunks(ctx, s, "bulk.delete", keys, opts, func(ctx context.Context, tx *sql.Tx, items []string) error {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM results WHERE key = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, k := range items {
			if _, err := stmt.ExecContext(ctx, k); err != nil {
				return fmt.Errorf("delete %q: %w", k, err)
			}
		}
		return nil
	})
}

func runChunks[T any](ctx context.Context, s *Store, name string, items []T, opts Options, write func(context.Context, *sql.Tx, []T) error) (Result, error) {
	if s == nil || s.db == nil {
		return Result{}, ErrClosed
	}
	opts = opts.withDefaults()
	batches := chunk(items, opts.ChunkSize)
	log := s.log.With(logx.String("op", name))

	// Committed rows are counted here: under FailFast the stage discards the
	// outputs of chunks that commit after the first failure.
	var committed atomic.Int64
	mapper := func(ctx context.Context, b batch[T], _ int) (int, error) {
		if err := s.inTx(ctx, func(tx *sql.Tx) error { return write(ctx, tx, b.items) }); err != nil {
			return 0, fmt.Errorf("chunk %d: %w", b.index, err)
		}
		committed.Add(int64(len(b.items)))
		return len(b.items), nil
	}

	cfg := stream.Config[int]{
		Name:        name,
		Concurrency: opts.Concurrency,
		ErrorPolicy: opts.ErrorPolicy,
		Logger:      log,
	}
	if opts.OnError != nil {
		cfg.OnError = func(err error, item any) {
			if b, ok := item.(batch[T]); ok {
				opts.OnError(err, b.index)
			}
		}
	}

	_, st, err := stream.Map(ctx, batches, mapper, cfg)
	res := Result{Chunks: len(batches), Rows: int(committed.Load()), Failed: st.CountErrors, Stats: st}
	log.Debug("bulk.done",
		logx.Int("chunks", res.Chunks),
		logx.Int("rows", res.Rows),
		logx.Int("failed", res.Failed),
		logx.Duration("dur", st.Duration),
	)
	return res, err
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
