// Package database provides SQLite connectivity for Veralock Core.
//
// This package manages:
//   - Opening the database with WAL mode and busy-timeout pragmas
//   - Embedded schema migrations (see the migrations package)
//   - Connection health checks
//   - Transaction helpers for the access engine's atomic ALLOW path
//
// SQLite is a deliberate choice for the trust core: a single-writer
// embedded store keeps the audit chain and command state transitions
// serialised without an external database dependency.
package database
