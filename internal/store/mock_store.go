// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to simulate an unreachable database

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	agents    map[string]*Agent
	contexts  []*ContextEntry
	actions   map[int64]*ActionRecord
	results   map[int64]string // canonical JSON of completed results
	nextCtxID int64
	nextActID int64
	lastStamp time.Time
	failure   error
	now       func() time.Time
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:  make(map[string]*Agent),
		actions: make(map[int64]*ActionRecord),
		results: make(map[int64]string),
		now:     time.Now,
	}
}

// SetFailure makes every subsequent call fail with err wrapped as
// ErrUnavailable. Pass nil to recover.
func (m *MockStore) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

// SetClock replaces the time source used for server timestamps.
func (m *MockStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// check must be called with mu held.
func (m *MockStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("mock store", err)
	}
	if m.failure != nil {
		return fmt.Errorf("mock store: %w: %w", ErrUnavailable, m.failure)
	}
	return nil
}

// stamp must be called with mu held.
func (m *MockStore) stamp() time.Time {
	t := m.now().UTC()
	if t.Before(m.lastStamp) {
		t = m.lastStamp
	}
	m.lastStamp = t
	return t
}

// UpsertAgent inserts or updates an agent.
func (m *MockStore) UpsertAgent(ctx context.Context, agent *Agent) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	a := agent.Clone()
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	if a.Status == "" {
		a.Status = AgentActive
	}
	if a.LastSeen.IsZero() {
		a.LastSeen = now
	}
	a.LastSeen = a.LastSeen.UTC()
	a.CreatedAt = now

	if existing, ok := m.agents[a.AgentID]; ok {
		a.CreatedAt = existing.CreatedAt
		if existing.LastSeen.After(a.LastSeen) {
			a.LastSeen = existing.LastSeen
		}
	}
	m.agents[a.AgentID] = a
	return a.Clone(), nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

// ListAgents returns agents matching the filter, most recently seen first.
func (m *MockStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	var out []*Agent
	for _, a := range m.agents {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.AgentType != "" && a.AgentType != filter.AgentType {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out, nil
}

// TouchAgent advances last_seen and reactivates the agent.
func (m *MockStore) TouchAgent(ctx context.Context, agentID string, seen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}

	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	if seen.After(a.LastSeen) {
		a.LastSeen = seen.UTC()
	}
	if a.Status == AgentInactive {
		a.Status = AgentActive
	}
	return nil
}

// MarkAgentInactive conditionally marks an agent inactive.
func (m *MockStore) MarkAgentInactive(ctx context.Context, agentID string, asOf time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}

	a, ok := m.agents[agentID]
	if !ok || a.Status != AgentActive || a.LastSeen.After(asOf) {
		return false, nil
	}
	a.Status = AgentInactive
	return true, nil
}

// AppendContext stores a new context entry.
func (m *MockStore) AppendContext(ctx context.Context, entry *ContextEntry) (*ContextEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	// Round-trip through JSON so stored data matches what a database returns
	text, err := EncodePayload(entry.Data)
	if err != nil {
		return nil, err
	}
	data, err := decodePayload(text)
	if err != nil {
		return nil, err
	}

	m.nextCtxID++
	e := *entry
	e.ID = m.nextCtxID
	e.Data = data
	e.Timestamp = m.stamp()
	m.contexts = append(m.contexts, &e)

	out := e
	return &out, nil
}

// QueryContext returns context entries matching every set filter field.
func (m *MockStore) QueryContext(ctx context.Context, filter ContextFilter) ([]*ContextEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	matched := []*ContextEntry{}
	for _, e := range m.contexts {
		if filter.AgentID != "" && e.AgentID != filter.AgentID {
			continue
		}
		if filter.ContextType != "" && e.ContextType != filter.ContextType {
			continue
		}
		if filter.PriorityMin != nil && e.Priority < *filter.PriorityMin {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && e.Timestamp.After(*filter.Until) {
			continue
		}
		if filter.Search != "" {
			text, _ := EncodePayload(e.Data)
			if !strings.Contains(strings.ToLower(text), strings.ToLower(filter.Search)) {
				continue
			}
		}
		c := *e
		matched = append(matched, &c)
	}

	asc := filter.Ascending()
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			if asc {
				return a.Timestamp.Before(b.Timestamp)
			}
			return a.Timestamp.After(b.Timestamp)
		}
		if asc {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})

	if limit := filter.EffectiveLimit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// AppendAction stores a new pending action record.
func (m *MockStore) AppendAction(ctx context.Context, action *ActionRecord) (*ActionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	m.nextActID++
	a := *action
	a.ID = m.nextActID
	a.Status = ActionPending
	a.Result = nil
	a.CompletedAt = nil
	a.Timestamp = m.stamp()
	m.actions[a.ID] = &a

	out := a
	return &out, nil
}

// GetAction retrieves an action record by ID.
func (m *MockStore) GetAction(ctx context.Context, id int64) (*ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	a, ok := m.actions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *a
	return &out, nil
}

// ListActions returns action records, newest first.
func (m *MockStore) ListActions(ctx context.Context, filter ActionFilter) ([]*ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	out := []*ActionRecord{}
	for _, a := range m.actions {
		if filter.AgentID != "" && a.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultActionLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CompleteAction records the outcome of a pending action.
func (m *MockStore) CompleteAction(ctx context.Context, id int64, result any, status ActionStatus) (*ActionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	if !status.Terminal() {
		return nil, fmt.Errorf("completing action %d: status %q is not terminal", id, status)
	}

	a, ok := m.actions[id]
	if !ok {
		return nil, ErrNotFound
	}

	encoded, err := EncodePayload(result)
	if err != nil {
		return nil, err
	}

	if a.Status.Terminal() {
		if a.Status != status || m.results[id] != encoded {
			return nil, ErrConflict
		}
		out := *a
		return &out, nil
	}

	decoded, err := decodePayload(encoded)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	a.Status = status
	a.Result = decoded
	a.CompletedAt = &now
	m.results[id] = encoded

	out := *a
	return &out, nil
}

// Stats counts stored records relative to now.
func (m *MockStore) Stats(ctx context.Context, now time.Time) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	var st Stats
	for _, a := range m.agents {
		st.AgentsTotal++
		if a.Status == AgentActive {
			st.AgentsActive++
		}
	}
	dayAgo := now.Add(-24 * time.Hour)
	for _, e := range m.contexts {
		st.ContextsTotal++
		if !e.Timestamp.Before(dayAgo) {
			st.ContextsLast24h++
		}
	}
	hourAgo := now.Add(-time.Hour)
	for _, a := range m.actions {
		st.ActionsTotal++
		if !a.Timestamp.Before(hourAgo) {
			st.ActionsLastHour++
		}
		if a.Status == ActionPending {
			st.ActionsPending++
		}
	}
	return &st, nil
}

// Ping reports the injected failure, if any.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check(ctx)
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
