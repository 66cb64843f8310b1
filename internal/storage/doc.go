// Package storage persists posts and the operator audit log.
//
// Two drivers share one implementation on database/sql:
//   - sqlite (modernc.org/sqlite, default), a single file
//   - postgres (pgx stdlib)
//
// The schema is managed by goose migrations embedded per dialect. Timestamps
// are stored as unix microseconds (UTC) so comparisons behave the same on
// both drivers.
//
// Writes to the delivery slice are always conditional on the status the
// caller observed; a lost race surfaces as ErrConflict.
package storage
