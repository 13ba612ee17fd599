// Package storage persists notification state as JSON documents grouped in
// collections (notifications, scheduled, preferences, history, subscriptions)
// plus time-bounded dedup keys.
//
// Every component treats persistence as best-effort: failures are logged by
// the caller and the in-memory state stays authoritative.
package storage
