// Package database provides SQLite connectivity for Fieldgate Core.
//
// It manages the device/tag/virtual-device persistence store:
//   - Connection lifecycle with WAL mode and busy timeout
//   - Embedded SQL migrations tracked in schema_migrations
//   - Health checks for the system status endpoint
//
// The storage engine is an implementation detail of this package; the rest
// of the system depends only on the repository interfaces in internal/device.
package database
