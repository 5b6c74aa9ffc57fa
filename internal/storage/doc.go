// Package storage persists push subscriptions and the notification log.
//
// Drivers:
//   - "sqlite": modernc.org/sqlite through sqlx (WAL, busy_timeout)
//   - "postgres": lib/pq through sqlx, with a connect retry loop
//   - "file": JSON snapshot plus append-only journal, compacted periodically
//   - "memory": process-local; for tests and one-shot CLI commands only
//
// Open never falls back to another driver: an unreachable backend is an error.
package storage
