// Package storage persists media upload records and the small key-value
// preference table.
//
// Backends:
//   - sqlite: modernc.org/sqlite (pure Go), the default
//   - file: JSON Lines journal + snapshot
//   - memory: in-process, for tests and dry runs
package storage
