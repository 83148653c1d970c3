// ABOUTME: gorm-backed Store for Postgres deployments (and SQLite through glebarez/sqlite)
// ABOUTME: Mirrors SQLiteStore semantics using AutoMigrate row structs and dialect-aware upserts

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqliteDriver "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// OpenGorm opens a gorm database for the given driver ("sqlite" or "postgres").
func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = "sqlite"
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required for driver %q", driver)
	}

	cfg := &gorm.Config{Logger: gormlogger.Discard}
	switch driver {
	case "sqlite":
		if err := ensureSQLiteDirectory(dsn); err != nil {
			return nil, err
		}
		return gorm.Open(sqliteDriver.Open(dsn), cfg)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

func ensureSQLiteDirectory(dsn string) error {
	path := dsn
	if strings.HasPrefix(strings.ToLower(path), "file:") {
		parsed, err := url.Parse(path)
		if err != nil || parsed.Query().Get("mode") == "memory" {
			return nil
		}
		path = parsed.Opaque
		if path == "" {
			path = parsed.Path
		}
	}
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	if path == "" || strings.Contains(path, ":memory:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating sqlite db dir: %w", err)
	}
	return nil
}

type agentRow struct {
	AgentID      string `gorm:"column:agent_id;primaryKey"`
	AgentType    string `gorm:"column:agent_type;not null;index"`
	Capabilities string `gorm:"column:capabilities;not null"`
	Metadata     string `gorm:"column:metadata;not null"`
	Status       string `gorm:"column:status;not null;index"`
	LastSeen     int64  `gorm:"column:last_seen;not null"`
	CreatedNanos int64  `gorm:"column:created_at;not null"`
}

func (agentRow) TableName() string { return "agents" }

func (r agentRow) toAgent() (*Agent, error) {
	caps, err := decodeCapabilities(r.Capabilities)
	if err != nil {
		return nil, err
	}
	md, err := decodeMetadata(r.Metadata)
	if err != nil {
		return nil, err
	}
	return &Agent{
		AgentID:      r.AgentID,
		AgentType:    r.AgentType,
		Capabilities: caps,
		Metadata:     md,
		Status:       AgentStatus(r.Status),
		LastSeen:     fromNanos(r.LastSeen),
		CreatedAt:    fromNanos(r.CreatedNanos),
	}, nil
}

type contextRow struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	AgentID     string `gorm:"column:agent_id;not null;index:idx_context_agent_ts,priority:1"`
	ContextType string `gorm:"column:context_type;not null;index"`
	Data        string `gorm:"column:data;not null"`
	Priority    int    `gorm:"column:priority;not null;default:1;index"`
	Timestamp   int64  `gorm:"column:timestamp;not null;index:idx_context_agent_ts,priority:2,sort:desc"`
}

func (contextRow) TableName() string { return "context_entries" }

func (r contextRow) toEntry() (*ContextEntry, error) {
	data, err := decodePayload(r.Data)
	if err != nil {
		return nil, err
	}
	return &ContextEntry{
		ID:          r.ID,
		AgentID:     r.AgentID,
		ContextType: r.ContextType,
		Data:        data,
		Priority:    r.Priority,
		Timestamp:   fromNanos(r.Timestamp),
	}, nil
}

type actionRow struct {
	ID          int64   `gorm:"column:id;primaryKey;autoIncrement"`
	AgentID     string  `gorm:"column:agent_id;not null;index"`
	ActionType  string  `gorm:"column:action_type;not null"`
	Parameters  string  `gorm:"column:parameters;not null"`
	Result      *string `gorm:"column:result"`
	Status      string  `gorm:"column:status;not null"`
	RequestedBy string  `gorm:"column:requested_by;not null;default:''"`
	Timestamp   int64   `gorm:"column:timestamp;not null"`
	CompletedAt *int64  `gorm:"column:completed_at"`
}

func (actionRow) TableName() string { return "action_records" }

func (r actionRow) toRecord() (*ActionRecord, error) {
	params, err := decodePayload(r.Parameters)
	if err != nil {
		return nil, err
	}
	rec := &ActionRecord{
		ID:          r.ID,
		AgentID:     r.AgentID,
		ActionType:  r.ActionType,
		Parameters:  params,
		Status:      ActionStatus(r.Status),
		RequestedBy: r.RequestedBy,
		Timestamp:   fromNanos(r.Timestamp),
	}
	if r.Result != nil {
		if rec.Result, err = decodePayload(*r.Result); err != nil {
			return nil, err
		}
	}
	if r.CompletedAt != nil {
		t := fromNanos(*r.CompletedAt)
		rec.CompletedAt = &t
	}
	return rec, nil
}

// GormStore implements the Store interface on top of gorm.
type GormStore struct {
	db     *gorm.DB
	logger *slog.Logger

	appendMu  sync.Mutex // held from timestamp assignment until the row is inserted
	now       func() time.Time
	lastStamp time.Time
}

// NewGormStore opens the database and migrates the schema.
func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening gorm store: %w", err)
	}

	s := &GormStore{
		db:     gormDB,
		logger: slog.Default().With("component", "store", "driver", gormDB.Dialector.Name()),
		now:    time.Now,
	}
	if s.isSQLite() {
		if sqlDB, err := gormDB.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	if err := gormDB.AutoMigrate(&agentRow{}, &contextRow{}, &actionRow{}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	s.logger.Info("gorm store initialized")
	return s, nil
}

func (s *GormStore) isSQLite() bool {
	return s.db.Dialector.Name() == "sqlite"
}

// greatest returns the dialect's two-argument maximum function.
func (s *GormStore) greatest() string {
	if s.isSQLite() {
		return "MAX"
	}
	return "GREATEST"
}

// insertStamped assigns the next server timestamp and runs insert with it
// under appendMu. Timestamps never go backwards and rows are inserted in
// timestamp order, so id order and timestamp order agree.
func (s *GormStore) insertStamped(insert func(ts time.Time) error) (time.Time, error) {
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

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting sql db: %w", err)
	}
	s.logger.Info("closing gorm store")
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrapErr("getting sql db", err)
	}
	return wrapErr("pinging database", sqlDB.PingContext(ctx))
}

// UpsertAgent inserts or updates an agent and returns the stored row.
func (s *GormStore) UpsertAgent(ctx context.Context, agent *Agent) (*Agent, error) {
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

	row := agentRow{
		AgentID:      agent.AgentID,
		AgentType:    agent.AgentType,
		Capabilities: caps,
		Metadata:     md,
		Status:       string(status),
		LastSeen:     toNanos(seen),
		CreatedNanos: toNanos(now),
	}

	var stored agentRow
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "agent_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"agent_type":   gorm.Expr("excluded.agent_type"),
				"capabilities": gorm.Expr("excluded.capabilities"),
				"metadata":     gorm.Expr("excluded.metadata"),
				"status":       gorm.Expr("excluded.status"),
				"last_seen":    gorm.Expr(s.greatest() + "(agents.last_seen, excluded.last_seen)"),
			}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("upserting agent: %w", err)
		}
		return tx.Where("agent_id = ?", agent.AgentID).Take(&stored).Error
	})
	if err != nil {
		return nil, wrapErr("upserting agent", err)
	}
	return stored.toAgent()
}

// GetAgent retrieves an agent by ID.
func (s *GormStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var row agentRow
	err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("getting agent", err)
	}
	return row.toAgent()
}

// ListAgents returns agents matching the filter, most recently seen first.
func (s *GormStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error) {
	query := s.db.WithContext(ctx).Model(&agentRow{})
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.AgentType != "" {
		query = query.Where("agent_type = ?", filter.AgentType)
	}

	var rows []agentRow
	if err := query.Order("last_seen DESC").Order("agent_id ASC").Find(&rows).Error; err != nil {
		return nil, wrapErr("listing agents", err)
	}

	agents := make([]*Agent, 0, len(rows))
	for _, r := range rows {
		a, err := r.toAgent()
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// TouchAgent advances last_seen and reactivates the agent.
func (s *GormStore) TouchAgent(ctx context.Context, agentID string, seen time.Time) error {
	res := s.db.WithContext(ctx).Model(&agentRow{}).
		Where("agent_id = ?", agentID).
		Updates(map[string]any{
			"last_seen": gorm.Expr(s.greatest()+"(last_seen, ?)", toNanos(seen)),
			"status":    gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END", string(AgentInactive), string(AgentActive)),
		})
	if res.Error != nil {
		return wrapErr("touching agent", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAgentInactive conditionally marks an agent inactive.
func (s *GormStore) MarkAgentInactive(ctx context.Context, agentID string, asOf time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&agentRow{}).
		Where("agent_id = ? AND status = ? AND last_seen <= ?", agentID, string(AgentActive), toNanos(asOf)).
		Update("status", string(AgentInactive))
	if res.Error != nil {
		return false, wrapErr("marking agent inactive", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// AppendContext stores a new context entry.
func (s *GormStore) AppendContext(ctx context.Context, entry *ContextEntry) (*ContextEntry, error) {
	data, err := EncodePayload(entry.Data)
	if err != nil {
		return nil, err
	}

	row := contextRow{
		AgentID:     entry.AgentID,
		ContextType: entry.ContextType,
		Data:        data,
		Priority:    entry.Priority,
	}
	_, err = s.insertStamped(func(ts time.Time) error {
		row.Timestamp = toNanos(ts)
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return wrapErr("inserting context entry", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	stored := *entry
	stored.ID = row.ID
	stored.Timestamp = fromNanos(row.Timestamp)
	return &stored, nil
}

// QueryContext returns context entries matching every set filter field.
func (s *GormStore) QueryContext(ctx context.Context, filter ContextFilter) ([]*ContextEntry, error) {
	query := s.db.WithContext(ctx).Model(&contextRow{})
	if filter.AgentID != "" {
		query = query.Where("agent_id = ?", filter.AgentID)
	}
	if filter.ContextType != "" {
		query = query.Where("context_type = ?", filter.ContextType)
	}
	if filter.PriorityMin != nil {
		query = query.Where("priority >= ?", *filter.PriorityMin)
	}
	if filter.Since != nil {
		query = query.Where("timestamp >= ?", toNanos(*filter.Since))
	}
	if filter.Until != nil {
		query = query.Where("timestamp <= ?", toNanos(*filter.Until))
	}
	if filter.Search != "" {
		op := "ILIKE"
		if s.isSQLite() {
			op = "LIKE"
		}
		query = query.Where("data "+op+` ? ESCAPE '\'`, "%"+escapeLike(filter.Search)+"%")
	}

	dir := "DESC"
	if filter.Ascending() {
		dir = "ASC"
	}

	var rows []contextRow
	err := query.Order("timestamp " + dir).Order("id " + dir).Limit(filter.EffectiveLimit()).Find(&rows).Error
	if err != nil {
		return nil, wrapErr("querying context", err)
	}

	entries := make([]*ContextEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// AppendAction stores a new pending action record.
func (s *GormStore) AppendAction(ctx context.Context, action *ActionRecord) (*ActionRecord, error) {
	params, err := EncodePayload(action.Parameters)
	if err != nil {
		return nil, err
	}

	row := actionRow{
		AgentID:     action.AgentID,
		ActionType:  action.ActionType,
		Parameters:  params,
		Status:      string(ActionPending),
		RequestedBy: action.RequestedBy,
	}
	_, err = s.insertStamped(func(ts time.Time) error {
		row.Timestamp = toNanos(ts)
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return wrapErr("inserting action", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row.toRecord()
}

// GetAction retrieves an action record by ID.
func (s *GormStore) GetAction(ctx context.Context, id int64) (*ActionRecord, error) {
	var row actionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("getting action", err)
	}
	return row.toRecord()
}

// ListActions returns action records, newest first.
func (s *GormStore) ListActions(ctx context.Context, filter ActionFilter) ([]*ActionRecord, error) {
	query := s.db.WithContext(ctx).Model(&actionRow{})
	if filter.AgentID != "" {
		query = query.Where("agent_id = ?", filter.AgentID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultActionLimit
	}

	var rows []actionRow
	if err := query.Order("timestamp DESC").Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapErr("listing actions", err)
	}

	out := make([]*ActionRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// CompleteAction records the outcome of a pending action. The pending check
// is part of the UPDATE so concurrent completions cannot both apply.
func (s *GormStore) CompleteAction(ctx context.Context, id int64, result any, status ActionStatus) (*ActionRecord, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("completing action %d: status %q is not terminal", id, status)
	}
	encoded, err := EncodePayload(result)
	if err != nil {
		return nil, err
	}

	res := s.db.WithContext(ctx).Model(&actionRow{}).
		Where("id = ? AND status = ?", id, string(ActionPending)).
		Updates(map[string]any{
			"status":       string(status),
			"result":       encoded,
			"completed_at": toNanos(s.now()),
		})
	if res.Error != nil {
		return nil, wrapErr("completing action", res.Error)
	}

	current, err := s.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected > 0 {
		return current, nil
	}

	// Already terminal: identical repeats are no-ops
	stored, err := s.storedResult(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != status || stored != encoded {
		return nil, ErrConflict
	}
	return current, nil
}

func (s *GormStore) storedResult(ctx context.Context, id int64) (string, error) {
	var row actionRow
	if err := s.db.WithContext(ctx).Select("result").Where("id = ?", id).Take(&row).Error; err != nil {
		return "", wrapErr("reading action result", err)
	}
	if row.Result == nil {
		return "", nil
	}
	return *row.Result, nil
}

// Stats counts stored rows relative to now.
func (s *GormStore) Stats(ctx context.Context, now time.Time) (*Stats, error) {
	db := s.db.WithContext(ctx)
	var st Stats
	counts := []struct {
		dst   *int64
		model any
		where string
		args  []any
	}{
		{&st.AgentsTotal, &agentRow{}, "", nil},
		{&st.AgentsActive, &agentRow{}, "status = ?", []any{string(AgentActive)}},
		{&st.ContextsTotal, &contextRow{}, "", nil},
		{&st.ContextsLast24h, &contextRow{}, "timestamp >= ?", []any{toNanos(now.Add(-24 * time.Hour))}},
		{&st.ActionsTotal, &actionRow{}, "", nil},
		{&st.ActionsLastHour, &actionRow{}, "timestamp >= ?", []any{toNanos(now.Add(-time.Hour))}},
		{&st.ActionsPending, &actionRow{}, "status = ?", []any{string(ActionPending)}},
	}
	for _, c := range counts {
		q := db.Model(c.model)
		if c.where != "" {
			q = q.Where(c.where, c.args...)
		}
		if err := q.Count(c.dst).Error; err != nil {
			return nil, wrapErr("computing stats", err)
		}
	}
	return &st, nil
}

var _ Store = (*GormStore)(nil)
