package config

import (
	"errors"
	"fmt"
	"strings"

	"flowq/internal/engine"

	"github.com/hashicorp/go-multierror"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Queue   QueueConfig   `json:"queue"`
	Stream  StreamConfig  `json:"stream"`
	Probe   ProbeConfig   `json:"probe"`

	// Storage enables saving results through the bulk writer. Omit to disable.
	Storage *StorageConfig `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// QueueConfig controls a bounded job queue.
//
// Defaults (when fields are omitted/zero):
//   - concurrency: 5
//   - error_mode: "fail_fast" (also "suppress"; "aggregate" is rejected)
//   - resolve_on: "finish" (or "start")
type QueueConfig struct {
	Concurrency int    `json:"concurrency,omitempty"`
	ErrorMode   string `json:"error_mode,omitempty"`
	ResolveOn   string `json:"resolve_on,omitempty"`
	LogLevel    string `json:"log_level,omitempty"`
}

// StreamConfig controls a stream stage.
//
// Warmup is a Go duration string (e.g. "2s"). rate_per_sec 0 disables rate limiting.
type StreamConfig struct {
	Concurrency int     `json:"concurrency,omitempty"`
	ErrorMode   string  `json:"error_mode,omitempty"`
	Warmup      string  `json:"warmup,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	LogLevel    string  `json:"log_level,omitempty"`
}

// ProbeConfig controls the HTTP probe run by the CLI.
type ProbeConfig struct {
	Timeout string `json:"timeout,omitempty"`
	Method  string `json:"method,omitempty"`
}

// StorageConfig controls where probe results are saved.
//
// Example:
//
//	"storage": { "path": "./results.db", "chunk_size": 100, "error_mode": "aggregate" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	ChunkSize   int    `json:"chunk_size,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	ErrorMode   string `json:"error_mode,omitempty"`
}

// Validate checks value ranges and enums. It does not apply defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs *multierror.Error
	if lv := strings.ToLower(strings.TrimSpace(c.Logging.Level)); lv != "" {
		switch lv {
		case "trace", "debug", "info", "warn", "warning", "error", "disabled", "off", "none":
		default:
			errs = multierror.Append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
		}
	}

	if c.Queue.Concurrency < 0 {
		errs = multierror.Append(errs, fmt.Errorf("queue.concurrency must be >= 1 (or omitted)"))
	}
	if p, err := engine.ParseErrorPolicy(c.Queue.ErrorMode); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("queue.error_mode: %w", err))
	} else if p == engine.Aggregate {
		errs = multierror.Append(errs, fmt.Errorf("queue.error_mode: %q is only supported by streams", c.Queue.ErrorMode))
	}
	if _, err := engine.ParseResolveTiming(c.Queue.ResolveOn); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("queue.resolve_on: %w", err))
	}

	if c.Stream.Concurrency < 0 {
		errs = multierror.Append(errs, fmt.Errorf("stream.concurrency must be >= 1 (or omitted)"))
	}
	if _, err := engine.ParseErrorPolicy(c.Stream.ErrorMode); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("stream.error_mode: %w", err))
	}
	if _, err := ParseDurationField("stream.warmup", c.Stream.Warmup); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.Stream.RatePerSec < 0 {
		errs = multierror.Append(errs, fmt.Errorf("stream.rate_per_sec must be >= 0"))
	}

	if _, err := ParseDurationField("probe.timeout", c.Probe.Timeout); err != nil {
		errs = multierror.Append(errs, err)
	}
	switch strings.ToUpper(strings.TrimSpace(c.Probe.Method)) {
	case "", "GET", "HEAD":
	default:
		errs = multierror.Append(errs, fmt.Errorf("probe.method: unsupported method %q (supported: GET, HEAD)", c.Probe.Method))
	}

	if s := c.Storage; s != nil {
		if strings.TrimSpace(s.Path) == "" {
			errs = multierror.Append(errs, fmt.Errorf("storage.path is required when storage is set"))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = multierror.Append(errs, err)
		}
		if s.ChunkSize < 0 || s.Concurrency < 0 {
			errs = multierror.Append(errs, fmt.Errorf("storage.chunk_size and storage.concurrency must be >= 1 (or omitted)"))
		}
		if _, err := engine.ParseErrorPolicy(s.ErrorMode); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("storage.error_mode: %w", err))
		}
	}
	return errs.ErrorOrNil()
}
