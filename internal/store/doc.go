// Package store provides SQLite-backed local storage for stocktake.
//
// It holds two tables:
//   - kv: drafts, group state, audit history and the scan inbox, keyed the
//     same way as the Redis backend (see package kv)
//   - change_log: applied inventory deltas, one row per item, location and
//     activity per commit
//
// # Ordering
//
// change_log rows are read back ORDER BY seq ASC, id ASC COLLATE BINARY so
// listings are identical across runs regardless of wall time.
//
// # Schema
//
// schema.sql creates the base tables. Later changes are appended to the
// migrations list and tracked with PRAGMA user_version.
package store
