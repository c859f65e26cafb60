// Package storage persists message templates and the operator audit log.
//
// Drivers:
//   - "memory": process-local, the default
//   - "file": templates snapshot (JSON, rewritten atomically) + audit JSON Lines
//   - "sqlite": single database file (modernc.org/sqlite, no cgo)
package storage
