// ABOUTME: Query/Ingest service: the transport-independent hub API
// ABOUTME: Validates requests, persists through the store, mirrors the cache and notifies live channels

package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/XmasRock/multi-agent-conversational-system/internal/cache"
	"github.com/XmasRock/multi-agent-conversational-system/internal/registry"
	"github.com/XmasRock/multi-agent-conversational-system/internal/store"
)

// Notifier receives the side effects of successful writes. The hub
// implements it to push broadcasts and action notifications.
// Implementations must not block.
type Notifier interface {
	ContextPublished(entry *store.ContextEntry)
	ActionLogged(action *store.ActionRecord)
	ActionCompleted(action *store.ActionRecord)
}

// Config bounds request handling.
type Config struct {
	RequestTimeout time.Duration // applied when the caller's context has no deadline
	DefaultLimit   int
	MaxLimit       int
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 5 * time.Second,
		DefaultLimit:   store.DefaultContextLimit,
		MaxLimit:       store.MaxContextLimit,
	}
}

// Counters are monotonically increasing totals since start.
type Counters struct {
	ContextsPublished int64 `json:"contexts_published"`
	ActionsLogged     int64 `json:"actions_logged"`
	ActionsCompleted  int64 `json:"actions_completed"`
	DegradedReads     int64 `json:"degraded_reads"`
	Errors            int64 `json:"errors"`
}

// Service implements the hub's query and ingest operations.
type Service struct {
	store    store.Store
	cache    *cache.Latest
	registry *registry.Registry
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	notifyMu sync.RWMutex
	notifier Notifier

	published atomic.Int64
	logged    atomic.Int64
	completed atomic.Int64
	degraded  atomic.Int64
	failures  atomic.Int64
}

// New creates a Service. Pass nil logger for default.
func New(s store.Store, c *cache.Latest, r *registry.Registry, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	return &Service{
		store:    s,
		cache:    c,
		registry: r,
		cfg:      cfg,
		logger:   logger.With("component", "broker"),
		now:      time.Now,
	}
}

// SetNotifier installs the receiver of write side effects.
func (s *Service) SetNotifier(n Notifier) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.notifier = n
}

func (s *Service) notifierOrNil() Notifier {
	s.notifyMu.RLock()
	defer s.notifyMu.RUnlock()
	return s.notifier
}

// Registry exposes the roster projection.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Counters returns a snapshot of the service totals.
func (s *Service) Counters() Counters {
	return Counters{
		ContextsPublished: s.published.Load(),
		ActionsLogged:     s.logged.Load(),
		ActionsCompleted:  s.completed.Load(),
		DegradedReads:     s.degraded.Load(),
		Errors:            s.failures.Load(),
	}
}

// bound applies the default request timeout when ctx has no deadline.
func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.RequestTimeout)
}

// fail translates err and logs anything that is not the caller's fault.
func (s *Service) fail(op string, err error) error {
	out := translate(op, err)
	switch KindOf(out) {
	case KindInternal:
		s.failures.Add(1)
		s.logger.Error(op+" failed", "error", err)
	case KindUnavailable:
		s.failures.Add(1)
		s.logger.Warn(op+" unavailable", "error", err)
	}
	return out
}

// RegisterAgent creates or updates an agent. Repeating the call is safe.
func (s *Service) RegisterAgent(ctx context.Context, agent store.Agent) (*store.Agent, error) {
	if agent.AgentID == "" {
		return nil, invalidInput("agent_id is required")
	}
	if agent.AgentType == "" {
		return nil, invalidInput("agent_type is required")
	}
	if agent.Status != "" && !agent.Status.Valid() {
		return nil, invalidInput("unknown status %q", agent.Status)
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	stored, err := s.registry.Register(ctx, agent)
	if err != nil {
		return nil, s.fail("register agent", err)
	}
	return stored, nil
}

// GetAgent returns one agent from the store.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*store.Agent, error) {
	if agentID == "" {
		return nil, invalidInput("agent_id is required")
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, s.fail("get agent", err)
	}
	return a, nil
}

// ListAgents returns agents filtered by status and type. When the store is
// unreachable the registry projection answers instead.
func (s *Service) ListAgents(ctx context.Context, filter store.AgentFilter) ([]*store.Agent, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalidFilter("unknown status %q", filter.Status)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	agents, err := s.store.ListAgents(ctx, filter)
	if err == nil {
		return agents, nil
	}
	out := s.fail("list agents", err)
	if KindOf(out) != KindUnavailable {
		return nil, out
	}

	s.degraded.Add(1)
	var projected []*store.Agent
	for _, a := range s.registry.Snapshot() {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.AgentType != "" && a.AgentType != filter.AgentType {
			continue
		}
		projected = append(projected, a)
	}
	return projected, nil
}

// Heartbeat records liveness for an agent without a live channel.
func (s *Service) Heartbeat(agentID string) error {
	if agentID == "" {
		return invalidInput("agent_id is required")
	}
	if err := s.registry.Heartbeat(agentID); err != nil {
		return s.fail("heartbeat", err)
	}
	return nil
}

// PublishRequest is one context observation from an agent.
type PublishRequest struct {
	AgentID     string
	ContextType string
	Data        any
	Priority    *int // nil means priority 1
}

// PublishContext persists an observation, mirrors it into the cache and
// hands it to live subscribers.
func (s *Service) PublishContext(ctx context.Context, req PublishRequest) (*store.ContextEntry, error) {
	if req.AgentID == "" {
		return nil, invalidInput("agent_id is required")
	}
	if req.ContextType == "" {
		return nil, invalidInput("context_type is required")
	}
	priority := 1
	if req.Priority != nil {
		priority = *req.Priority
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	entry, err := s.store.AppendContext(ctx, &store.ContextEntry{
		AgentID:     req.AgentID,
		ContextType: req.ContextType,
		Data:        req.Data,
		Priority:    priority,
	})
	if err != nil {
		return nil, s.fail("publish context", err)
	}

	s.cache.Put(entry)
	if err := s.registry.Heartbeat(req.AgentID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		s.logger.Debug("heartbeat on publish failed", "agent_id", req.AgentID, "error", err)
	}
	s.published.Add(1)

	s.logger.Debug("context published",
		"id", entry.ID,
		"agent_id", entry.AgentID,
		"context_type", entry.ContextType,
		"priority", entry.Priority)

	if n := s.notifierOrNil(); n != nil {
		n.ContextPublished(entry)
	}
	return entry, nil
}

// ContextQuery filters context entries. Every set field narrows the result.
type ContextQuery struct {
	AgentID     string
	ContextType string
	PriorityMin *int
	Since       *time.Time
	Until       *time.Time
	Search      string
	Limit       *int   // nil means the configured default
	Order       string // "desc" (default) or "asc"
}

// ContextPage is a query result.
type ContextPage struct {
	Entries  []*store.ContextEntry `json:"entries"`
	Count    int                   `json:"count"`
	Degraded bool                  `json:"degraded,omitempty"` // served from the cache while the store is down
}

func (s *Service) toFilter(q ContextQuery) (store.ContextFilter, error) {
	f := store.ContextFilter{
		AgentID:     q.AgentID,
		ContextType: q.ContextType,
		PriorityMin: q.PriorityMin,
		Since:       q.Since,
		Until:       q.Until,
		Search:      q.Search,
		Limit:       s.cfg.DefaultLimit,
		Order:       q.Order,
	}
	if q.Limit != nil {
		if *q.Limit <= 0 {
			return f, invalidFilter("limit must be positive, got %d", *q.Limit)
		}
		f.Limit = *q.Limit
	}
	if f.Limit > s.cfg.MaxLimit {
		f.Limit = s.cfg.MaxLimit
	}
	if q.Since != nil && q.Since.IsZero() {
		return f, invalidFilter("since is not a valid time")
	}
	if q.Until != nil && q.Until.IsZero() {
		return f, invalidFilter("until is not a valid time")
	}
	if q.Since != nil && q.Until != nil && q.Since.After(*q.Until) {
		return f, invalidFilter("since is after until")
	}
	switch q.Order {
	case "", store.OrderDesc, store.OrderAsc:
	default:
		return f, invalidFilter("order must be %q or %q", store.OrderAsc, store.OrderDesc)
	}
	return f, nil
}

// QueryContext returns entries matching q. It never writes. While the store
// is unavailable, a query naming one agent and context type is answered from
// the cache.
func (s *Service) QueryContext(ctx context.Context, q ContextQuery) (*ContextPage, error) {
	filter, err := s.toFilter(q)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	entries, err := s.store.QueryContext(ctx, filter)
	if err == nil {
		return &ContextPage{Entries: entries, Count: len(entries)}, nil
	}

	out := s.fail("query context", err)
	if KindOf(out) != KindUnavailable || filter.AgentID == "" || filter.ContextType == "" {
		return nil, out
	}

	cached, ok := s.cache.GetLatest(filter.AgentID, filter.ContextType)
	if !ok || !matches(cached, filter) {
		return nil, out
	}
	s.degraded.Add(1)
	return &ContextPage{Entries: []*store.ContextEntry{cached}, Count: 1, Degraded: true}, nil
}

// matches applies the filter fields the store would have applied to e.
func matches(e *store.ContextEntry, f store.ContextFilter) bool {
	if f.PriorityMin != nil && e.Priority < *f.PriorityMin {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Timestamp.After(*f.Until) {
		return false
	}
	return f.Search == ""
}

// LatestContext returns the newest entry for an agent and context type,
// from the cache when possible.
func (s *Service) LatestContext(ctx context.Context, agentID, contextType string) (*store.ContextEntry, error) {
	if agentID == "" || contextType == "" {
		return nil, invalidInput("agent_id and context_type are required")
	}
	if e, ok := s.cache.GetLatest(agentID, contextType); ok {
		return e, nil
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	entries, err := s.store.QueryContext(ctx, store.ContextFilter{
		AgentID:     agentID,
		ContextType: contextType,
		Limit:       1,
	})
	if err != nil {
		return nil, s.fail("latest context", err)
	}
	if len(entries) == 0 {
		return nil, translate("latest context", store.ErrNotFound)
	}
	s.cache.Put(entries[0])
	return entries[0], nil
}

// CurrentContexts returns the latest cached entry of every agent and type.
func (s *Service) CurrentContexts() []*store.ContextEntry {
	return s.cache.Snapshot()
}

// LogActionRequest asks an agent to perform an action.
type LogActionRequest struct {
	AgentID     string // executor
	ActionType  string
	Parameters  any
	RequestedBy string
}

// LogAction records a pending action and routes it to the executor.
func (s *Service) LogAction(ctx context.Context, req LogActionRequest) (*store.ActionRecord, error) {
	if req.AgentID == "" {
		return nil, invalidInput("agent_id is required")
	}
	if req.ActionType == "" {
		return nil, invalidInput("action_type is required")
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	rec, err := s.store.AppendAction(ctx, &store.ActionRecord{
		AgentID:     req.AgentID,
		ActionType:  req.ActionType,
		Parameters:  req.Parameters,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		return nil, s.fail("log action", err)
	}
	s.logged.Add(1)

	s.logger.Info("action logged",
		"id", rec.ID,
		"agent_id", rec.AgentID,
		"action_type", rec.ActionType,
		"requested_by", rec.RequestedBy)

	if n := s.notifierOrNil(); n != nil {
		n.ActionLogged(rec)
	}
	return rec, nil
}

// CompleteAction moves a pending action to success or failed. Repeating an
// identical completion returns the stored record; a different outcome for
// an already completed action is a conflict.
func (s *Service) CompleteAction(ctx context.Context, id int64, result any, success bool) (*store.ActionRecord, error) {
	status := store.ActionFailed
	if success {
		status = store.ActionSuccess
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	before, err := s.store.GetAction(ctx, id)
	if err != nil {
		return nil, s.fail("complete action", err)
	}

	rec, err := s.store.CompleteAction(ctx, id, result, status)
	if err != nil {
		return nil, s.fail("complete action", err)
	}

	if before.Status.Terminal() {
		return rec, nil
	}
	s.completed.Add(1)

	s.logger.Info("action completed",
		"id", rec.ID,
		"agent_id", rec.AgentID,
		"action_type", rec.ActionType,
		"status", rec.Status)

	if n := s.notifierOrNil(); n != nil {
		n.ActionCompleted(rec)
	}
	return rec, nil
}

// GetAction returns one action record.
func (s *Service) GetAction(ctx context.Context, id int64) (*store.ActionRecord, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rec, err := s.store.GetAction(ctx, id)
	if err != nil {
		return nil, s.fail("get action", err)
	}
	return rec, nil
}

// ListActions returns action records, newest first.
func (s *Service) ListActions(ctx context.Context, filter store.ActionFilter) ([]*store.ActionRecord, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalidFilter("unknown status %q", filter.Status)
	}
	if filter.Limit < 0 {
		return nil, invalidFilter("limit must be positive, got %d", filter.Limit)
	}
	if filter.Limit > s.cfg.MaxLimit {
		filter.Limit = s.cfg.MaxLimit
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	recs, err := s.store.ListActions(ctx, filter)
	if err != nil {
		return nil, s.fail("list actions", err)
	}
	return recs, nil
}

// Stats summarizes stored data.
func (s *Service) Stats(ctx context.Context) (*store.Stats, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	st, err := s.store.Stats(ctx, s.now())
	if err != nil {
		return nil, s.fail("stats", err)
	}
	return st, nil
}

// Health status values
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// Health reports overall status and per-dependency reachability.
type Health struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies"`
	Agents       int               `json:"agents"`
	CachedKeys   int               `json:"cached_keys"`
}

// Health probes the store and cache. It never writes.
func (s *Service) Health(ctx context.Context) Health {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	h := Health{
		Status:       HealthOK,
		Dependencies: map[string]string{},
		Agents:       len(s.registry.Snapshot()),
		CachedKeys:   s.cache.Len(),
	}
	if err := s.store.Ping(ctx); err != nil {
		h.Status = HealthDegraded
		h.Dependencies["store"] = "error: " + err.Error()
	} else {
		h.Dependencies["store"] = HealthOK
	}
	if err := s.cache.Ping(); err != nil {
		h.Status = HealthDegraded
		h.Dependencies["cache"] = "error: " + err.Error()
	} else {
		h.Dependencies["cache"] = HealthOK
	}
	return h
}
