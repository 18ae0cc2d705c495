// Package queue provides the bounded job queue: a long-lived object that runs
// at most Concurrency pushed jobs at a time, in push order, and hands every
// caller a Handle to the job's eventual outcome.
//
// When the Handle settles, and with what, depends on Config.ResolveOn and
// Config.ErrorPolicy:
//
//   - OnFinish + FailFast (default): the job's value, or its error unchanged.
//     A failing job never blocks the jobs queued behind it.
//   - OnFinish + Suppress: always succeeds; failures are logged by the queue.
//   - OnStart: succeeds with no value as soon as the job starts; the job's
//     eventual failure is logged by the queue.
//
// The queue only logs failures it absorbs. Failures handed back through a
// Handle are the caller's to report.
package queue
