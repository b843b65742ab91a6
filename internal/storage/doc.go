// Package storage persists periodic scheduler statistics so operators can
// look at per-kind history across restarts.
//
// Drivers:
//   - file: append-only JSON Lines, no dependencies
//   - sqlite: a database file, built with -tags sqlite
package storage
