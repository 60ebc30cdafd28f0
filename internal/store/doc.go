// Package store provides SQL-backed checkpoint storage.
//
// Two dialects share one schema:
//   - SQLite via mattn/go-sqlite3, for single-operator use next to the
//     deployment scripts
//   - PostgreSQL via the pgx stdlib driver, for shared CI runners
//
// Each checkpoint is one row. The full document is kept as compact JSON in
// the data column; network, status, workflow_type and created_ms are
// duplicated into indexed columns so listing never decodes unrelated rows.
//
// # SQLite Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - a single open connection
package store
