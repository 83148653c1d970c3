// ABOUTME: Context registry tracking registered agents and their liveness
// ABOUTME: Holds a read-mostly projection of the store, batches heartbeats and sweeps lapsed agents

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/XmasRock/multi-agent-conversational-system/internal/store"
)

// ErrNotFound is returned for operations on agents that never registered.
var ErrNotFound = errors.New("agent not registered")

// Notifier is told about roster changes (joins, departures, status flips).
// Implementations must not block.
type Notifier interface {
	AgentStatusChanged(agent *store.Agent)
}

// Config controls liveness timing.
type Config struct {
	HeartbeatTimeout time.Duration // agents silent longer than this become inactive
	SweepInterval    time.Duration
	FlushInterval    time.Duration // how often buffered heartbeats reach the store
	StoreTimeout     time.Duration // bound for background store writes
}

// DefaultConfig returns the timings used when none are configured.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 60 * time.Second,
		SweepInterval:    30 * time.Second,
		FlushInterval:    5 * time.Second,
		StoreTimeout:     5 * time.Second,
	}
}

// Registry is the in-memory projection of registered agents. The store stays
// the system of record; projected agents are immutable snapshots swapped
// whole, so readers never see a half-updated agent.
type Registry struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	agents map[string]*store.Agent

	hbMu    sync.Mutex
	pending map[string]time.Time // heartbeats not yet flushed

	notifyMu sync.RWMutex
	notifier Notifier
}

// New creates a registry backed by s.
func New(s store.Store, cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	return &Registry{
		store:   s,
		cfg:     cfg,
		logger:  logger.With("component", "registry"),
		now:     time.Now,
		agents:  make(map[string]*store.Agent),
		pending: make(map[string]time.Time),
	}
}

// SetNotifier installs the roster change listener.
func (r *Registry) SetNotifier(n Notifier) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.notifier = n
}

func (r *Registry) notify(agent *store.Agent) {
	r.notifyMu.RLock()
	n := r.notifier
	r.notifyMu.RUnlock()
	if n != nil {
		n.AgentStatusChanged(agent.Clone())
	}
}

// Load fills the projection from the store.
func (r *Registry) Load(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx, store.AgentFilter{})
	if err != nil {
		return fmt.Errorf("loading agents: %w", err)
	}

	r.mu.Lock()
	for _, a := range agents {
		r.agents[a.AgentID] = a
	}
	r.mu.Unlock()

	r.logger.Info("registry loaded", "agents", len(agents))
	return nil
}

// Register persists the agent, refreshes its projection and announces any
// status change. LastSeen is stamped with the current time.
func (r *Registry) Register(ctx context.Context, agent store.Agent) (*store.Agent, error) {
	a := agent.Clone()
	a.LastSeen = r.now().UTC()
	if a.Status == "" {
		a.Status = store.AgentActive
	}

	stored, err := r.store.UpsertAgent(ctx, a)
	if err != nil {
		return nil, err
	}

	prev, existed := r.swap(stored)

	r.hbMu.Lock()
	if seen, ok := r.pending[stored.AgentID]; ok && !seen.After(stored.LastSeen) {
		delete(r.pending, stored.AgentID)
	}
	r.hbMu.Unlock()

	r.logger.Info("agent registered",
		"agent_id", stored.AgentID,
		"agent_type", stored.AgentType,
		"status", stored.Status,
		"capabilities", stored.Capabilities)

	if !existed || prev != stored.Status {
		r.notify(stored)
	}
	return stored.Clone(), nil
}

// swap installs a new snapshot unless the projection already holds a newer
// one. It returns the previous status and whether the agent was known.
func (r *Registry) swap(next *store.Agent) (store.AgentStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.agents[next.AgentID]
	if !ok {
		r.agents[next.AgentID] = next
		return "", false
	}
	if cur.LastSeen.After(next.LastSeen) {
		return cur.Status, true
	}
	r.agents[next.AgentID] = next
	return cur.Status, true
}

// Disconnect records that an agent's live channel closed by re-registering
// it as inactive. Unknown agents are ignored.
func (r *Registry) Disconnect(ctx context.Context, agentID string) error {
	r.mu.RLock()
	cur, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	a := cur.Clone()
	a.Status = store.AgentInactive
	_, err := r.Register(ctx, *a)
	return err
}

// Heartbeat records liveness for an agent. It touches memory only; the
// store sees it on the next flush.
func (r *Registry) Heartbeat(agentID string) error {
	r.mu.RLock()
	_, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	now := r.now().UTC()
	r.hbMu.Lock()
	if seen, ok := r.pending[agentID]; !ok || now.After(seen) {
		r.pending[agentID] = now
	}
	r.hbMu.Unlock()
	return nil
}

// Flush writes buffered heartbeats to the store. Inactive agents come back
// to active and are announced.
func (r *Registry) Flush(ctx context.Context) error {
	r.hbMu.Lock()
	batch := r.pending
	r.pending = make(map[string]time.Time)
	r.hbMu.Unlock()

	var firstErr error
	for agentID, seen := range batch {
		err := r.store.TouchAgent(ctx, agentID, seen)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			r.requeue(agentID, seen)
			if firstErr == nil {
				firstErr = fmt.Errorf("flushing heartbeat for %s: %w", agentID, err)
			}
			continue
		}

		if revived := r.touch(agentID, seen); revived != nil {
			r.logger.Info("agent active again", "agent_id", agentID)
			r.notify(revived)
		}
	}
	return firstErr
}

func (r *Registry) requeue(agentID string, seen time.Time) {
	r.hbMu.Lock()
	defer r.hbMu.Unlock()
	if cur, ok := r.pending[agentID]; !ok || seen.After(cur) {
		r.pending[agentID] = seen
	}
}

// touch applies a flushed heartbeat to the projection. It returns the new
// snapshot when an inactive agent changed back to active. Agents in error
// only get last_seen refreshed.
func (r *Registry) touch(agentID string, seen time.Time) *store.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	next := cur.Clone()
	if seen.After(next.LastSeen) {
		next.LastSeen = seen
	}
	revived := next.Status == store.AgentInactive
	if revived {
		next.Status = store.AgentActive
	}
	r.agents[agentID] = next
	if !revived {
		return nil
	}
	return next
}

// lapse is an agent the sweep found silent for too long.
type lapse struct {
	agentID  string
	observed time.Time
}

// Sweep marks agents inactive whose last heartbeat is older than the
// timeout. Each lapse is announced exactly once. It returns how many agents
// were marked.
func (r *Registry) Sweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-r.cfg.HeartbeatTimeout)

	r.hbMu.Lock()
	r.mu.RLock()
	var lapsed []lapse
	for id, a := range r.agents {
		if a.Status != store.AgentActive {
			continue
		}
		seen := a.LastSeen
		if p, ok := r.pending[id]; ok && p.After(seen) {
			seen = p
		}
		if seen.Before(cutoff) {
			lapsed = append(lapsed, lapse{agentID: id, observed: seen})
			// The buffered beat is older than the cutoff and must not revive it
			delete(r.pending, id)
		}
	}
	r.mu.RUnlock()
	r.hbMu.Unlock()

	marked := 0
	var firstErr error
	for _, l := range lapsed {
		changed, err := r.store.MarkAgentInactive(ctx, l.agentID, l.observed)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("marking %s inactive: %w", l.agentID, err)
			}
			continue
		}
		if !changed {
			// A newer registration won; pick it up from the store
			if fresh, err := r.store.GetAgent(ctx, l.agentID); err == nil {
				r.swap(fresh)
			}
			continue
		}

		if departed := r.markInactive(l); departed != nil {
			marked++
			r.logger.Warn("agent heartbeat lapsed",
				"agent_id", l.agentID,
				"last_seen", l.observed,
				"timeout", r.cfg.HeartbeatTimeout)
			r.notify(departed)
		}
	}
	return marked, firstErr
}

func (r *Registry) markInactive(l lapse) *store.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.agents[l.agentID]
	if !ok || cur.Status != store.AgentActive || cur.LastSeen.After(l.observed) {
		return nil
	}
	next := cur.Clone()
	next.Status = store.AgentInactive
	r.agents[l.agentID] = next
	return next
}

// Run flushes heartbeats and sweeps for lapsed agents until ctx is done,
// then performs a final flush.
func (r *Registry) Run(ctx context.Context) error {
	flush := time.NewTicker(r.cfg.FlushInterval)
	defer flush.Stop()
	sweep := time.NewTicker(r.cfg.SweepInterval)
	defer sweep.Stop()

	r.logger.Info("registry loop started",
		"heartbeat_timeout", r.cfg.HeartbeatTimeout,
		"sweep_interval", r.cfg.SweepInterval,
		"flush_interval", r.cfg.FlushInterval)

	for {
		select {
		case <-ctx.Done():
			return r.Close(context.Background())
		case <-flush.C:
			r.withTimeout(func(ctx context.Context) error { return r.Flush(ctx) }, "heartbeat flush failed")
		case <-sweep.C:
			r.withTimeout(func(ctx context.Context) error {
				_, err := r.Sweep(ctx, r.now())
				return err
			}, "liveness sweep failed")
		}
	}
}

func (r *Registry) withTimeout(fn func(context.Context) error, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.logger.Warn(msg, "error", err)
	}
}

// Close flushes outstanding heartbeats.
func (r *Registry) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		r.logger.Warn("final heartbeat flush failed", "error", err)
		return err
	}
	return nil
}

// Get returns the projected agent with any buffered heartbeat applied.
func (r *Registry) Get(agentID string) (*store.Agent, bool) {
	r.mu.RLock()
	cur, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.withPending(cur), true
}

// Snapshot returns every projected agent ordered by agent ID.
func (r *Registry) Snapshot() []*store.Agent {
	r.mu.RLock()
	agents := make([]*store.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.RUnlock()

	out := make([]*store.Agent, 0, len(agents))
	for _, a := range agents {
		out = append(out, r.withPending(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (r *Registry) withPending(a *store.Agent) *store.Agent {
	out := a.Clone()
	r.hbMu.Lock()
	if seen, ok := r.pending[a.AgentID]; ok && seen.After(out.LastSeen) {
		out.LastSeen = seen
	}
	r.hbMu.Unlock()
	return out
}
