// ABOUTME: Store interface and data types for hub persistence
// ABOUTME: Defines Agent, ContextEntry, ActionRecord, query filters and store errors

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write contradicts a record that can no longer change
var ErrConflict = errors.New("conflict")

// ErrUnavailable is returned when the backing database cannot be reached in time
var ErrUnavailable = errors.New("store unavailable")

// AgentStatus is the liveness state of a registered agent.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
	AgentError    AgentStatus = "error"
)

// Valid reports whether s is one of the known agent statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentInactive, AgentError:
		return true
	}
	return false
}

// ActionStatus is the lifecycle state of an action record.
type ActionStatus string

const (
	ActionPending ActionStatus = "pending"
	ActionSuccess ActionStatus = "success"
	ActionFailed  ActionStatus = "failed"
)

// Valid reports whether s is one of the known action statuses.
func (s ActionStatus) Valid() bool {
	switch s {
	case ActionPending, ActionSuccess, ActionFailed:
		return true
	}
	return false
}

// Terminal reports whether the action has finished.
func (s ActionStatus) Terminal() bool {
	return s == ActionSuccess || s == ActionFailed
}

// Agent is a registered participant identified by AgentID.
type Agent struct {
	AgentID      string         `json:"agent_id"`
	AgentType    string         `json:"agent_type"`
	Capabilities []string       `json:"capabilities"`
	Metadata     map[string]any `json:"metadata"`
	Status       AgentStatus    `json:"status"`
	LastSeen     time.Time      `json:"last_seen"`
	CreatedAt    time.Time      `json:"created_at"`
}

// HasCapability reports whether the agent advertises the named capability.
func (a *Agent) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices or maps with a.
func (a *Agent) Clone() *Agent {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	if a.Metadata != nil {
		c.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// ContextEntry is one perception or state observation published by an agent.
// Entries are write-once; ID and Timestamp are assigned by the store.
type ContextEntry struct {
	ID          int64     `json:"id"`
	AgentID     string    `json:"agent_id"`
	ContextType string    `json:"context_type"`
	Data        any       `json:"data"`
	Priority    int       `json:"priority"`
	Timestamp   time.Time `json:"timestamp"`
}

// ActionRecord is an audit record of an action an agent was asked to perform.
type ActionRecord struct {
	ID          int64        `json:"id"`
	AgentID     string       `json:"agent_id"`
	ActionType  string       `json:"action_type"`
	Parameters  any          `json:"parameters"`
	Result      any          `json:"result"`
	Status      ActionStatus `json:"status"`
	RequestedBy string       `json:"requested_by,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// AgentFilter narrows ListAgents. Empty fields match everything.
type AgentFilter struct {
	Status    AgentStatus
	AgentType string
}

// Query limits shared by every backend
const (
	DefaultContextLimit = 100
	MaxContextLimit     = 1000
	DefaultActionLimit  = 100
)

// Sort orders for context queries
const (
	OrderDesc = "desc"
	OrderAsc  = "asc"
)

// ContextFilter selects context entries. Every set field narrows the result.
type ContextFilter struct {
	AgentID     string
	ContextType string
	PriorityMin *int
	Since       *time.Time
	Until       *time.Time
	Search      string // substring match over the JSON text of Data
	Limit       int    // 0 means DefaultContextLimit; capped at MaxContextLimit
	Order       string // OrderDesc (default) or OrderAsc
}

// EffectiveLimit returns the row limit the backends apply.
func (f ContextFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultContextLimit
	case f.Limit > MaxContextLimit:
		return MaxContextLimit
	}
	return f.Limit
}

// Ascending reports whether results are oldest first.
func (f ContextFilter) Ascending() bool {
	return f.Order == OrderAsc
}

// ActionFilter narrows ListActions.
type ActionFilter struct {
	AgentID string
	Status  ActionStatus
	Limit   int
}

// Stats summarizes stored data for dashboards and the stats endpoint.
type Stats struct {
	AgentsTotal     int64 `json:"agents_total"`
	AgentsActive    int64 `json:"agents_active"`
	ContextsTotal   int64 `json:"contexts_total"`
	ContextsLast24h int64 `json:"contexts_last_24h"`
	ActionsTotal    int64 `json:"actions_total"`
	ActionsLastHour int64 `json:"actions_last_hour"`
	ActionsPending  int64 `json:"actions_pending"`
}

// Store is the durable system of record for agents, context and actions.
// All methods accept a context whose deadline bounds the call.
type Store interface {
	// UpsertAgent inserts or updates an agent. Content fields and status are
	// last-writer-wins, LastSeen keeps the maximum, CreatedAt never changes.
	UpsertAgent(ctx context.Context, agent *Agent) (*Agent, error)
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error)
	// TouchAgent advances last_seen and marks an inactive agent active again.
	// An agent in error keeps its status.
	TouchAgent(ctx context.Context, agentID string, seen time.Time) error
	// MarkAgentInactive marks an active agent inactive only if its last_seen
	// is not newer than asOf. It reports whether the row changed.
	MarkAgentInactive(ctx context.Context, agentID string, asOf time.Time) (bool, error)

	AppendContext(ctx context.Context, entry *ContextEntry) (*ContextEntry, error)
	QueryContext(ctx context.Context, filter ContextFilter) ([]*ContextEntry, error)

	AppendAction(ctx context.Context, action *ActionRecord) (*ActionRecord, error)
	GetAction(ctx context.Context, id int64) (*ActionRecord, error)
	ListActions(ctx context.Context, filter ActionFilter) ([]*ActionRecord, error)
	// CompleteAction moves a pending action to a terminal status. Repeating
	// the same completion is a no-op; a different one returns ErrConflict.
	CompleteAction(ctx context.Context, id int64, result any, status ActionStatus) (*ActionRecord, error)

	Stats(ctx context.Context, now time.Time) (*Stats, error)
	Ping(ctx context.Context) error
	Close() error
}
