package engine

import (
	"fmt"
	"strings"
)

// ErrorPolicy governs what happens when a job fails: whether the failure reaches
// the caller, whether dispatch continues, and whether it is logged by the engine.
type ErrorPolicy string

const (
	// FailFast surfaces the original failure. A stream stops dispatching on the
	// first failure; a queue surfaces it through the failing job's handle only.
	FailFast ErrorPolicy = "fail_fast"
	// Aggregate processes everything, collects failures and surfaces a single
	// AggregateError once the input is drained.
	Aggregate ErrorPolicy = "aggregate"
	// Suppress never surfaces failures; they are logged and counted.
	Suppress ErrorPolicy = "suppress"
)

func (p ErrorPolicy) String() string { return string(p) }

// Valid reports whether p is one of the known policies.
func (p ErrorPolicy) Valid() bool {
	switch p {
	case FailFast, Aggregate, Suppress:
		return true
	}
	return false
}

// ParseErrorPolicy parses a config value. The empty string maps to FailFast.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	k := strings.ToLower(strings.TrimSpace(s))
	k = strings.ReplaceAll(k, "-", "_")
	switch k {
	case "", "fail_fast", "failfast", "throw_immediately":
		return FailFast, nil
	case "aggregate", "throw_aggregated":
		return Aggregate, nil
	case "suppress", "ignore", "suppress_errors":
		return Suppress, nil
	}
	return "", fmt.Errorf("unknown error mode %q", s)
}

// ResolveTiming controls when a queue handle settles.
type ResolveTiming string

const (
	// OnFinish settles the handle with the job's own result (shaped by ErrorPolicy).
	OnFinish ResolveTiming = "finish"
	// OnStart settles the handle with no value as soon as the job starts running.
	OnStart ResolveTiming = "start"
)

func (r ResolveTiming) String() string { return string(r) }

// ParseResolveTiming parses a config value. The empty string maps to OnFinish.
func ParseResolveTiming(s string) (ResolveTiming, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "finish", "on_finish":
		return OnFinish, nil
	case "start", "on_start":
		return OnStart, nil
	}
	return "", fmt.Errorf("unknown resolve timing %q", s)
}

// State is the lifecycle tag of a Record.
type State int32

const (
	Queued State = iota
	Running
	Settled
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Settled:
		return "settled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
