// Package storage implements the outbox and campaign run ports on top of a
// deployment-selected backend.
//
// Drivers:
//   - "sqlite":   embedded relational store (single writer connection, WAL)
//   - "postgres": server relational store through a pgx pool
//   - "file":     snapshot + journal files guarded by an exclusive flock
//
// Every adapter performs entry resolution as a compare-and-swap from pending, so a
// concurrent drain and cancel can never both transition the same entry.
package storage
