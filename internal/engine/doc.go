// Package engine implements the dispatch core shared by the bounded job queue
// and the concurrency-limited stream stage.
//
// A Core owns a FIFO list of queued records, a count of running records and a
// ceiling. Whenever a record is submitted or a running record settles, the core
// starts queued records in submission order until the running count reaches the
// ceiling. Records are never reordered and every freed slot is offered to the
// oldest queued record first.
//
// The package also carries the vocabulary shared by every caller that performs
// batch or streamed work: ErrorPolicy, ResolveTiming, AggregateError and the
// warm-up Ramp.
package engine
