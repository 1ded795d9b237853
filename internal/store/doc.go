// Package store persists the dispatch audit log.
//
// Every dispatch is stored with its verb, arguments, selector and timing,
// plus one outcome row per targeted agent. Output payloads are not stored;
// transfers keep the on-disk location and byte count instead.
//
// SQLiteStore is backed by modernc.org/sqlite (no cgo) in WAL mode.
// MockStore is an in-memory implementation for tests.
//
// Tables:
//
//   - dispatches: id, verb, args_json, selector, started_at, finished_at
//   - dispatch_outcomes: dispatch_id, agent_id, status, reason, location, bytes
package store
