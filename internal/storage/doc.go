// Package storage is the append-only notification event log.
//
// Every fired window is recorded as a domain.NotificationEvent. The dedup
// ledger replays recent events at startup so a restarted process does not
// re-fire a window it already delivered, even when the datastore flag write
// was the last thing it did.
//
// Drivers:
//   - "file": JSON Lines journal with rewrite-based compaction
//   - "sqlite": modernc.org/sqlite (pure Go, no cgo)
package storage
