package config

import (
	"fmt"
	"strings"
	"time"

	"flowq/internal/bulk"
	"flowq/internal/engine"
	"flowq/internal/queue"
	"flowq/internal/stream"
	logx "flowq/pkg/logx"
)

func (l LoggingConfig) ToLogx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}

// ToQueue maps the queue section onto queue.Config. Zero values are left for
// queue.New to default.
func (q QueueConfig) ToQueue(name string) (queue.Config, error) {
	policy, err := engine.ParseErrorPolicy(q.ErrorMode)
	if err != nil {
		return queue.Config{}, fmt.Errorf("queue.error_mode: %w", err)
	}
	resolve, err := engine.ParseResolveTiming(q.ResolveOn)
	if err != nil {
		return queue.Config{}, fmt.Errorf("queue.resolve_on: %w", err)
	}
	return queue.Config{
		Name:        name,
		Concurrency: q.Concurrency,
		ErrorPolicy: policy,
		ResolveOn:   resolve,
		LogLevel:    strings.TrimSpace(q.LogLevel),
	}, nil
}

// ApplyStream copies the stream section onto base, keeping base's callbacks,
// logger and name.
func ApplyStream[Out any](s StreamConfig, base stream.Config[Out]) (stream.Config[Out], error) {
	policy, err := engine.ParseErrorPolicy(s.ErrorMode)
	if err != nil {
		return base, fmt.Errorf("stream.error_mode: %w", err)
	}
	warmup, err := ParseDurationField("stream.warmup", s.Warmup)
	if err != nil {
		return base, err
	}
	if s.RatePerSec < 0 {
		return base, fmt.Errorf("stream.rate_per_sec must be >= 0")
	}
	base.Concurrency = s.Concurrency
	base.ErrorPolicy = policy
	base.Warmup = warmup
	base.RatePerSec = s.RatePerSec
	if lv := strings.TrimSpace(s.LogLevel); lv != "" {
		base.LogLevel = lv
	}
	return base, nil
}

// ToBulk maps the storage section onto bulk options and the SQLite busy timeout.
func (s StorageConfig) ToBulk() (bulk.Options, time.Duration, error) {
	policy, err := engine.ParseErrorPolicy(s.ErrorMode)
	if err != nil {
		return bulk.Options{}, 0, fmt.Errorf("storage.error_mode: %w", err)
	}
	busy, err := ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, 5*time.Second)
	if err != nil {
		return bulk.Options{}, 0, err
	}
	return bulk.Options{
		ChunkSize:   s.ChunkSize,
		Concurrency: s.Concurrency,
		ErrorPolicy: policy,
	}, busy, nil
}
