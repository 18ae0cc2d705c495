package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"flowq/internal/bulk"
	"flowq/internal/config"
	"flowq/internal/eventbus"
	"flowq/internal/queue"
	logx "flowq/pkg/logx"

	"github.com/hashicorp/go-multierror"
)

const defaultSaveChunk = 100

// resultWriter saves probe results behind the probe run: every full chunk is
// pushed onto a queue as one bulk save. A nil writer discards results.
type resultWriter struct {
	store *bulk.Store
	q     *queue.Queue
	opts  bulk.Options
	log   logx.Logger

	mu      sync.Mutex
	pending []bulk.Row
	handles []*queue.Handle
}

func newResultWriter(cfg *config.Config, sqlitePath string, log logx.Logger, bus eventbus.Bus) (*resultWriter, error) {
	sc := config.StorageConfig{}
	if cfg.Storage != nil {
		sc = *cfg.Storage
	}
	if p := strings.TrimSpace(sqlitePath); p != "" {
		sc.Path = p
	}
	if strings.TrimSpace(sc.Path) == "" {
		return nil, nil
	}

	opts, busy, err := sc.ToBulk()
	if err != nil {
		return nil, err
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultSaveChunk
	}
	qcfg, err := cfg.Queue.ToQueue("store")
	if err != nil {
		return nil, err
	}

	log = log.With(logx.String("comp", "store"))
	store, err := bulk.Open(sc.Path, busy, log)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", sc.Path, err)
	}
	q, err := queue.New(qcfg, log, bus)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &resultWriter{store: store, q: q, opts: opts, log: log}, nil
}

func (w *resultWriter) Add(res probeResult) {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.pending = append(w.pending, bulk.Row{Key: res.URL, Value: fmt.Sprintf("%d %s", res.Status, res.Took)})
	var full []bulk.Row
	if len(w.pending) >= w.opts.ChunkSize {
		full, w.pending = w.pending, nil
	}
	w.mu.Unlock()

	if full != nil {
		w.push(full)
	}
}

func (w *resultWriter) push(rows []bulk.Row) {
	h := w.q.Push(context.Background(), func(ctx context.Context) (any, error) {
		res, err := w.store.SaveAll(ctx, rows, w.opts)
		return res.Rows, err
	})
	w.mu.Lock()
	w.handles = append(w.handles, h)
	w.mu.Unlock()
}

// Flush saves whatever is buffered, waits for every save and returns their
// combined errors.
func (w *resultWriter) Flush(ctx context.Context) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	rest := w.pending
	w.pending = nil
	w.mu.Unlock()
	if len(rest) > 0 {
		w.push(rest)
	}

	if err := w.q.OnIdle(ctx); err != nil {
		return err
	}

	w.mu.Lock()
	handles := w.handles
	w.handles = nil
	w.mu.Unlock()

	var merr *multierror.Error
	saved := 0
	for _, h := range handles {
		v, err := h.Result()
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if n, ok := v.(int); ok {
			saved += n
		}
	}
	w.log.Info("results saved", logx.Int("rows", saved), logx.Int("batches", len(handles)))
	return merr.ErrorOrNil()
}

func (w *resultWriter) Close() error {
	if w == nil {
		return nil
	}
	return w.store.Close()
}
