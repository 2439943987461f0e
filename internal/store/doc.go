// Package store provides SQLite-backed durable storage for docmirror.
//
// The store holds three tables:
//   - sync_records: backup state per primary-store object key
//   - edit_sessions: edit locks, at most one active per object key
//   - sync_log: append-only audit trail of backup and session operations
//
// # Critical Patterns
//
// Single-row writes
//   - Every write touches exactly one row and is atomic on its own
//   - Sync record writes are upserts keyed by primary_key
//
// Compare-and-set session transitions
//   - Completion and expiry update only rows still in status 'active'
//   - RowsAffected tells the caller whether it won the transition
//   - A partial UNIQUE index rejects a second active session per key
//
// Fixed-width timestamps
//   - Times are stored as UTC text with nine fractional digits
//   - Lexical order equals chronological order, so ORDER BY works on text
//
// Deterministic query results
//   - Every list query has a total ORDER BY
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
