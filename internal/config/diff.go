package config

import (
	"reflect"

	logx "flowq/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log fields describing the new values.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.concurrency", newCfg.Queue.Concurrency),
			logx.String("queue.error_mode", newCfg.Queue.ErrorMode),
			logx.String("queue.resolve_on", newCfg.Queue.ResolveOn),
		)
	}
	if oldCfg.Stream != newCfg.Stream {
		changed = append(changed, "stream")
		attrs = append(attrs,
			logx.Int("stream.concurrency", newCfg.Stream.Concurrency),
			logx.String("stream.error_mode", newCfg.Stream.ErrorMode),
			logx.String("stream.warmup", newCfg.Stream.Warmup),
			logx.Float64("stream.rate_per_sec", newCfg.Stream.RatePerSec),
		)
	}
	if oldCfg.Probe != newCfg.Probe {
		changed = append(changed, "probe")
		attrs = append(attrs,
			logx.String("probe.timeout", newCfg.Probe.Timeout),
			logx.String("probe.method", newCfg.Probe.Method),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.Bool("storage.enabled", newCfg.Storage != nil))
	}
	return changed, attrs
}
