package stream

import "time"

// Stats summarises one run of a stage.
type Stats struct {
	Name string `json:"name"`

	// CountIn counts items handed to the worker pool. An item read after a
	// FailFast halt is dropped uncounted.
	CountIn       int `json:"count_in"`
	CountOut      int `json:"count_out"`
	CountErrors   int `json:"count_errors"`
	CountSkipped  int `json:"count_skipped"`
	CountFiltered int `json:"count_filtered"`

	// CollectedErrors is only filled under the Aggregate policy.
	CollectedErrors []error `json:"-"`

	// OK is false when a FailFast or Aggregate run failed, or the run was
	// cancelled. Suppress runs that were not cancelled are always OK.
	OK bool `json:"ok"`

	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}
