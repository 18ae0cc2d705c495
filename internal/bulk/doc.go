// Package bulk saves and deletes key/value rows in SQLite in chunks. Every
// chunk is one transaction, and chunks are written through a stream stage so
// the engine's concurrency bound and error policies apply to database work.
package bulk
