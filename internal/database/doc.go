// Package database provides SQLite-based storage for scan results.
//
// The ResultDB keeps:
//   - one row per scan run, with its final statistics and module summaries
//   - one row per probed exit relay and module, with the verdict
//
// Results are written as probes finish, so an interrupted scan still
// leaves its partial results behind. The history command reads them back
// per run or per exit relay.
//
// SQLite is provided by modernc.org/sqlite, which needs no cgo.
package database
