// Package store provides SQLite-backed durable storage for multi-instance
// bodies.
//
// The store keeps:
//   - Commands: the append-only log of everything a body processed
//   - Bodies: the latest snapshot of every body
//   - Child instances: instance key to (body, loop counter)
//   - Records: the observable trace of each command
//   - Incidents: typed failures of commands that were not recorded
//
// # Ordering
//
// All ordering uses the engine's logical seq, never wall-clock time.
// Queries order by seq ASC with a binary id tie-break so results are
// identical across runs.
//
// # Idempotency
//
// Command ids are content-addressed (see ir.CommandID). CommitStep inserts
// the command with ON CONFLICT DO NOTHING and writes nothing else when the
// command already exists, so a re-delivered notification is a no-op.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
package store
