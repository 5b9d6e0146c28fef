// Package store persists widget instances, rotation definitions and the last
// execution state of each widget.
//
// Backends:
//   - memory: maps guarded by a mutex
//   - sqlite / postgres: database/sql with embedded schema
//   - hcl: read-only directory of definition files, reloaded on change
//
// Writes made through a store wrapped by WithChanges are announced on the
// change feed so the runtime can pick them up without polling.
package store
