// ABOUTME: SQLite implementation of the Store interface using the pure-Go glebarez/go-sqlite driver
// ABOUTME: Persists agents, context entries and action records with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	// Registers the "sqlite" driver; glebarez/sqlite (gorm) reuses the same registration
	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	appendMu  sync.Mutex // held from timestamp assignment until the row is inserted
	now       func() time.Time
	lastStamp time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id     TEXT PRIMARY KEY,
			agent_type   TEXT NOT NULL,
			capabilities TEXT NOT NULL DEFAULT '[]',
			metadata     TEXT NOT NULL DEFAULT '{}',
			status       TEXT NOT NULL,
			last_seen    INTEGER NOT NULL,
			created_at   INTEGER NOT NULL,

			CHECK (status IN ('active', 'inactive', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
		CREATE INDEX IF NOT EXISTS idx_agents_type ON agents(agent_type);

		CREATE TABLE IF NOT EXISTS context_entries (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id     TEXT NOT NULL,
			context_type TEXT NOT NULL,
			data         TEXT NOT NULL,
			priority     INTEGER NOT NULL DEFAULT 1,
			timestamp    INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_context_agent_ts
			ON context_entries(agent_id, timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_context_type
			ON context_entries(context_type);
		CREATE INDEX IF NOT EXISTS idx_context_priority
			ON context_entries(priority DESC);

		CREATE TABLE IF NOT EXISTS action_records (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id     TEXT NOT NULL,
			action_type  TEXT NOT NULL,
			parameters   TEXT NOT NULL DEFAULT 'null',
			result       TEXT,
			status       TEXT NOT NULL,
			timestamp    INTEGER NOT NULL,
			completed_at INTEGER,

			CHECK (status IN ('pending', 'success', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_actions_agent ON action_records(agent_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies additive column changes to databases created by
// older builds. SQLite has no ADD COLUMN IF NOT EXISTS, so each one is checked.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('action_records') WHERE name = 'requested_by'`,
			apply:  `ALTER TABLE action_records ADD COLUMN requested_by TEXT NOT NULL DEFAULT ''`,
			column: "requested_by",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking column %s: %w", m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding column %s: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column)
	}
	return nil
}

// insertStamped assigns the next server timestamp and runs insert with it
// under appendMu. Timestamps never go backwards and rows are inserted in
// timestamp order, so id order and timestamp order agree.
func (s *SQLiteStore) insertStamped(insert func(ts time.Time) error) (time.Time, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	t := s.now().UTC()
	if t.Before(s.lastStamp) {
		t = s.lastStamp
	}
	if err := insert(t); err != nil {
		return time.Time{}, err
	}
	s.lastStamp = t
	return t, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks that the database answers queries.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return wrapErr("pinging database", err)
	}
	return nil
}

const agentColumns = `agent_id, agent_type, capabilities, metadata, status, last_seen, created_at`

// UpsertAgent inserts or updates an agent and returns the stored row.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *Agent) (*Agent, error) {
	caps, err := encodeCapabilities(agent.Capabilities)
	if err != nil {
		return nil, err
	}
	md, err := encodeMetadata(agent.Metadata)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	seen := agent.LastSeen
	if seen.IsZero() {
		seen = now
	}
	status := agent.Status
	if status == "" {
		status = AgentActive
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("beginning transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			agent_type = excluded.agent_type,
			capabilities = excluded.capabilities,
			metadata = excluded.metadata,
			status = excluded.status,
			last_seen = MAX(agents.last_seen, excluded.last_seen)
	`, agent.AgentID, agent.AgentType, caps, md, string(status), toNanos(seen), toNanos(now))
	if err != nil {
		return nil, wrapErr("upserting agent", err)
	}

	stored, err := scanAgent(tx.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agent.AgentID))
	if err != nil {
		return nil, wrapErr("reading agent", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapErr("committing agent", err)
	}

	s.logger.Debug("upserted agent", "agent_id", stored.AgentID, "status", stored.Status)
	return stored, nil
}

// GetAgent retrieves an agent by ID
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID))
	if err != nil {
		return nil, wrapErr("getting agent", err)
	}
	return a, nil
}

// ListAgents returns agents matching the filter, most recently seen first
func (s *SQLiteStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.AgentType != "" {
		where = append(where, "agent_type = ?")
		args = append(args, filter.AgentType)
	}

	query := `SELECT ` + agentColumns + ` FROM agents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_seen DESC, agent_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("listing agents", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, wrapErr("scanning agent", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterating agents", err)
	}
	return agents, nil
}

// TouchAgent advances last_seen and reactivates an inactive agent. An
// agent in error keeps that status.
func (s *SQLiteStore) TouchAgent(ctx context.Context, agentID string, seen time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET
			last_seen = MAX(last_seen, ?),
			status = CASE WHEN status = 'inactive' THEN 'active' ELSE status END
		WHERE agent_id = ?
	`, toNanos(seen), agentID)
	if err != nil {
		return wrapErr("touching agent", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("touching agent", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAgentInactive conditionally marks an agent inactive
func (s *SQLiteStore) MarkAgentInactive(ctx context.Context, agentID string, asOf time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = 'inactive'
		WHERE agent_id = ? AND status = 'active' AND last_seen <= ?
	`, agentID, toNanos(asOf))
	if err != nil {
		return false, wrapErr("marking agent inactive", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("marking agent inactive", err)
	}
	return n > 0, nil
}

// AppendContext stores a new context entry, assigning its id and timestamp
func (s *SQLiteStore) AppendContext(ctx context.Context, entry *ContextEntry) (*ContextEntry, error) {
	data, err := EncodePayload(entry.Data)
	if err != nil {
		return nil, err
	}

	stored := *entry
	stored.Timestamp, err = s.insertStamped(func(ts time.Time) error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO context_entries (agent_id, context_type, data, priority, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`, stored.AgentID, stored.ContextType, data, stored.Priority, toNanos(ts))
		if err != nil {
			return wrapErr("inserting context entry", err)
		}
		stored.ID, err = res.LastInsertId()
		if err != nil {
			return wrapErr("reading context entry id", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("appended context", "id", stored.ID, "agent_id", stored.AgentID, "context_type", stored.ContextType)
	return &stored, nil
}

// QueryContext returns context entries matching every set filter field
func (s *SQLiteStore) QueryContext(ctx context.Context, filter ContextFilter) ([]*ContextEntry, error) {
	var where []string
	var args []any

	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.ContextType != "" {
		where = append(where, "context_type = ?")
		args = append(args, filter.ContextType)
	}
	if filter.PriorityMin != nil {
		where = append(where, "priority >= ?")
		args = append(args, *filter.PriorityMin)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, toNanos(*filter.Since))
	}
	if filter.Until != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, toNanos(*filter.Until))
	}
	if filter.Search != "" {
		where = append(where, `data LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(filter.Search)+"%")
	}

	dir := "DESC"
	if filter.Ascending() {
		dir = "ASC"
	}

	query := `SELECT id, agent_id, context_type, data, priority, timestamp FROM context_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY timestamp %s, id %s LIMIT ?", dir, dir)
	args = append(args, filter.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("querying context", err)
	}
	defer rows.Close()

	entries := []*ContextEntry{}
	for rows.Next() {
		var e ContextEntry
		var data string
		var ts int64
		if err := rows.Scan(&e.ID, &e.AgentID, &e.ContextType, &data, &e.Priority, &ts); err != nil {
			return nil, wrapErr("scanning context entry", err)
		}
		if e.Data, err = decodePayload(data); err != nil {
			return nil, err
		}
		e.Timestamp = fromNanos(ts)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterating context entries", err)
	}
	return entries, nil
}

const actionColumns = `id, agent_id, action_type, parameters, result, status, requested_by, timestamp, completed_at`

// AppendAction stores a new pending action record
func (s *SQLiteStore) AppendAction(ctx context.Context, action *ActionRecord) (*ActionRecord, error) {
	params, err := EncodePayload(action.Parameters)
	if err != nil {
		return nil, err
	}

	stored := *action
	stored.Status = ActionPending
	stored.Result = nil
	stored.CompletedAt = nil
	stored.Timestamp, err = s.insertStamped(func(ts time.Time) error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO action_records (agent_id, action_type, parameters, status, requested_by, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`, stored.AgentID, stored.ActionType, params, string(stored.Status), stored.RequestedBy, toNanos(ts))
		if err != nil {
			return wrapErr("inserting action", err)
		}
		stored.ID, err = res.LastInsertId()
		if err != nil {
			return wrapErr("reading action id", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("appended action", "id", stored.ID, "agent_id", stored.AgentID, "action_type", stored.ActionType)
	return &stored, nil
}

// GetAction retrieves an action record by ID
func (s *SQLiteStore) GetAction(ctx context.Context, id int64) (*ActionRecord, error) {
	a, err := scanAction(s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM action_records WHERE id = ?`, id))
	if err != nil {
		return nil, wrapErr("getting action", err)
	}
	return a, nil
}

// ListActions returns action records, newest first
func (s *SQLiteStore) ListActions(ctx context.Context, filter ActionFilter) ([]*ActionRecord, error) {
	var where []string
	var args []any
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultActionLimit
	}

	query := `SELECT ` + actionColumns + ` FROM action_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("listing actions", err)
	}
	defer rows.Close()

	actions := []*ActionRecord{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, wrapErr("scanning action", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterating actions", err)
	}
	return actions, nil
}

// CompleteAction records the outcome of a pending action
func (s *SQLiteStore) CompleteAction(ctx context.Context, id int64, result any, status ActionStatus) (*ActionRecord, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("completing action %d: status %q is not terminal", id, status)
	}
	encoded, err := EncodePayload(result)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("beginning transaction", err)
	}
	defer tx.Rollback()

	var current string
	var stored sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT status, result FROM action_records WHERE id = ?`, id).Scan(&current, &stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("reading action", err)
	}

	if ActionStatus(current).Terminal() {
		if ActionStatus(current) != status || stored.String != encoded {
			return nil, ErrConflict
		}
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE action_records SET status = ?, result = ?, completed_at = ?
			WHERE id = ? AND status = 'pending'
		`, string(status), encoded, toNanos(s.now()), id)
		if err != nil {
			return nil, wrapErr("completing action", err)
		}
	}

	rec, err := scanAction(tx.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM action_records WHERE id = ?`, id))
	if err != nil {
		return nil, wrapErr("reading action", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapErr("committing action", err)
	}
	return rec, nil
}

// Stats counts stored rows relative to now
func (s *SQLiteStore) Stats(ctx context.Context, now time.Time) (*Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM agents),
			(SELECT COUNT(*) FROM agents WHERE status = 'active'),
			(SELECT COUNT(*) FROM context_entries),
			(SELECT COUNT(*) FROM context_entries WHERE timestamp >= ?),
			(SELECT COUNT(*) FROM action_records),
			(SELECT COUNT(*) FROM action_records WHERE timestamp >= ?),
			(SELECT COUNT(*) FROM action_records WHERE status = 'pending')
	`, toNanos(now.Add(-24*time.Hour)), toNanos(now.Add(-time.Hour))).Scan(
		&st.AgentsTotal, &st.AgentsActive,
		&st.ContextsTotal, &st.ContextsLast24h,
		&st.ActionsTotal, &st.ActionsLastHour, &st.ActionsPending,
	)
	if err != nil {
		return nil, wrapErr("computing stats", err)
	}
	return &st, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var caps, md, status string
	var seen, created int64
	err := row.Scan(&a.AgentID, &a.AgentType, &caps, &md, &status, &seen, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.Capabilities, err = decodeCapabilities(caps); err != nil {
		return nil, err
	}
	if a.Metadata, err = decodeMetadata(md); err != nil {
		return nil, err
	}
	a.Status = AgentStatus(status)
	a.LastSeen = fromNanos(seen)
	a.CreatedAt = fromNanos(created)
	return &a, nil
}

func scanAction(row rowScanner) (*ActionRecord, error) {
	var a ActionRecord
	var params, status string
	var result sql.NullString
	var ts int64
	var completed sql.NullInt64
	err := row.Scan(&a.ID, &a.AgentID, &a.ActionType, &params, &result, &status, &a.RequestedBy, &ts, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.Parameters, err = decodePayload(params); err != nil {
		return nil, err
	}
	if result.Valid {
		if a.Result, err = decodePayload(result.String); err != nil {
			return nil, err
		}
	}
	a.Status = ActionStatus(status)
	a.Timestamp = fromNanos(ts)
	if completed.Valid {
		t := fromNanos(completed.Int64)
		a.CompletedAt = &t
	}
	return &a, nil
}

// Compile-time check
var _ Store = (*SQLiteStore)(nil)
