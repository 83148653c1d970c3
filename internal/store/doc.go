// Package store is the durable system of record for mcp-hub: registered
// agents, the append-only context log and the action audit trail.
//
// # Architecture
//
// Every backend implements the Store interface:
//
//   - SQLiteStore: database/sql over the pure-Go glebarez/go-sqlite driver
//     (a modernc.org/sqlite build).
//     The default single-node backend.
//   - GormStore: gorm over Postgres, or over SQLite through glebarez/sqlite
//     when several hubs should share one database.
//   - MockStore: in-memory, with injectable failures and a settable clock,
//     for unit tests of the layers above.
//
// # Data Models
//
//   - Agent: identity, type, capabilities, metadata, status and last seen
//   - ContextEntry: one observation; write-once, ID and Timestamp assigned here
//   - ActionRecord: an action asked of an agent, pending until completed once
//
// Opaque payloads (context data, action parameters and results, agent
// metadata) are stored as canonical JSON text and decoded back into untyped
// trees, so every backend returns the same shapes.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// The database file defaults to ~/.local/share/mcp-hub/hub.db. Tests use
// a temp directory or NewMockStore.
//
// # Error Handling
//
//   - ErrNotFound: the agent or action does not exist
//   - ErrConflict: the action was already completed
//   - ErrUnavailable: the backend could not be reached or timed out
//
// Backend errors are classified into these sentinels so callers can use
// errors.Is without knowing the driver.
//
// # Migrations
//
// The schema is created on open. Columns added after the first release are
// applied by checking pragma_table_info (SQLite) or by gorm AutoMigrate.
package store
