// Package state persists repositories, builds and build logs.
//
// Persistence is save-on-mutation: the repository layer writes a record every
// time it changes one, and log lines are appended one by one as they arrive.
// On startup Load returns everything needed to rebuild the in-memory model.
//
// Two implementations exist:
//   - SQLiteStore, backed by modernc.org/sqlite
//   - NoopStore, which discards writes
package state
