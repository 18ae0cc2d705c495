// Package stream provides the concurrency-limited stream stage: it reads items
// from an input channel, maps each one through a job under a bounded (and
// optionally warming-up) ceiling, filters the results and writes them to an
// output channel.
//
// Jobs start in input order. With Concurrency 1 outputs are also emitted in
// input order; otherwise emission order follows completion.
//
// The output channel is closed, and Config.OnDone is called, only after every
// dispatched job has settled.
package stream
