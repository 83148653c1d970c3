// ABOUTME: Tests for the context registry
// ABOUTME: Covers registration, heartbeat batching, liveness sweeps and notification counts

package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XmasRock/multi-agent-conversational-system/internal/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []store.Agent
}

func (n *recordingNotifier) AgentStatusChanged(agent *store.Agent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, *agent)
}

func (n *recordingNotifier) statuses(agentID string) []store.AgentStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []store.AgentStatus
	for _, e := range n.events {
		if e.AgentID == agentID {
			out = append(out, e.Status)
		}
	}
	return out
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setupRegistry(t *testing.T) (*Registry, *store.MockStore, *recordingNotifier, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := store.NewMockStore()
	s.SetClock(clock.Now)

	r := New(s, Config{HeartbeatTimeout: 60 * time.Second}, nil)
	r.now = clock.Now
	n := &recordingNotifier{}
	r.SetNotifier(n)
	return r, s, n, clock
}

func TestRegistry_RegisterPersistsAndProjects(t *testing.T) {
	ctx := context.Background()
	r, s, n, clock := setupRegistry(t)

	got, err := r.Register(ctx, store.Agent{
		AgentID:      "cam-1",
		AgentType:    "vision",
		Capabilities: []string{"face_recognition"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.AgentActive, got.Status)
	assert.Equal(t, clock.Now(), got.LastSeen)

	stored, err := s.GetAgent(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"face_recognition"}, stored.Capabilities)

	projected, ok := r.Get("cam-1")
	require.True(t, ok)
	assert.Equal(t, "vision", projected.AgentType)

	assert.Equal(t, []store.AgentStatus{store.AgentActive}, n.statuses("cam-1"))

	// Re-registering with the same status does not re-announce
	_, err = r.Register(ctx, store.Agent{AgentID: "cam-1", AgentType: "vision"})
	require.NoError(t, err)
	assert.Len(t, n.statuses("cam-1"), 1)
}

func TestRegistry_RegisterStoreFailure(t *testing.T) {
	r, s, n, _ := setupRegistry(t)
	s.SetFailure(errors.New("connection refused"))

	_, err := r.Register(context.Background(), store.Agent{AgentID: "cam-1", AgentType: "vision"})
	assert.ErrorIs(t, err, store.ErrUnavailable)

	_, ok := r.Get("cam-1")
	assert.False(t, ok, "projection only changes after the store accepted the write")
	assert.Empty(t, n.statuses("cam-1"))
}

func TestRegistry_Load(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()
	_, err := s.UpsertAgent(ctx, &store.Agent{AgentID: "mic-1", AgentType: "audio"})
	require.NoError(t, err)

	r := New(s, Config{}, nil)
	require.NoError(t, r.Load(ctx))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "mic-1", snap[0].AgentID)
}

func TestRegistry_HeartbeatIsBufferedUntilFlush(t *testing.T) {
	ctx := context.Background()
	r, s, _, clock := setupRegistry(t)

	_, err := r.Register(ctx, store.Agent{AgentID: "cam-1", AgentType: "vision"})
	require.NoError(t, err)
	registeredAt := clock.Now()

	clock.Advance(10 * time.Second)
	require.NoError(t, r.Heartbeat("cam-1"))

	stored, err := s.GetAgent(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, registeredAt, stored.LastSeen, "store not touched before flush")

	projected, _ := r.Get("cam-1")
	assert.Equal(t, clock.Now(), projected.LastSeen, "reads see the buffered heartbeat")

	require.NoError(t, r.Flush(ctx))
	stored, err = s.GetAgent(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), stored.LastSeen)
}

func TestRegistry_HeartbeatUnknownAgent(t *testing.T) {
	r, _, _, _ := setupRegistry(t)
	assert.ErrorIs(t, r.Heartbeat("ghost"), ErrNotFound)
}

func TestRegistry_FlushFailureRequeues(t *testing.T) {
	ctx := context.Background()
	r, s, _, clock := setupRegistry(t)

	_, err := r.Register(ctx, store.Agent{AgentID: "cam-1", AgentType: "vision"})
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	require.NoError(t, r.Heartbeat("cam-1"))

	s.SetFailure(errors.New("connection refused"))
	assert.Error(t, r.Flush(ctx))

	s.SetFailure(nil)
	require.NoError(t, r.Flush(ctx))
	stored, err := s.GetAgent(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), stored.LastSeen)
}

func TestRegistry_SweepMarksInactiveExactlyOnce(t *testing.T) {
	ctx := context.Background()
	r, s, n, clock := setupRegistry(t)

	_, err := r.Register(ctx, store.Agent{AgentID: "cam-1", AgentType: "vision"})
	require.NoError(t, err)
	_, err = r.Register(ctx, store.Agent{AgentID: "mic-1", AgentType: "audio"})
	require.NoError(t, err)

	clock.Advance(45 * time.Second)
	require.NoError(t, r.Heartbeat("mic-1"))

	clock.Advance(30 * time.Second)
	marked, err := r.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	stored, err := s.GetAgent(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentInactive, stored.Status)

	projected, _ := r.Get("mic-1")
	assert.Equal(t, store.AgentActive, projected.Status)

	// Later sweeps do not announce the same lapse again
	clock.Advance(30 * time.Second)
	_, err = r.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, []store.AgentStatus{store.AgentActive, store.AgentInactive}, n.statuses("cam-1"))
}

func TestRegistry_SweepDoesNotClobberReRegistration(t *testing.T) {
	ctx := context.Background()
	r, s, n, clock := setupRegistry(t)

	_, err := r.Register(ctx, store.Agent{AgentID: "cam-1", AgentType: "vision"})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	// The agent re-registers directly in the store between the sweep's
	// observation and its write
	_, err = s.UpsertAgent(ctx, &store.Agent{AgentID: "cam-1", AgentType: "vision", LastSeen: clock.Now()})
	require.NoError(t, err)

	marked, err := r.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, marked)

	stored, err := s.GetAgent(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentActive, stored.Status)

	projected, _ := r.Get("cam-1")
	assert.Equal(t, clock.Now(), projected.LastSeen, "projection refreshed from the store")
	assert.Equal(t, []store.AgentStatus{store.AgentActive}, n.statuses("cam-1"))
}

func TestRegistry_HeartbeatRevivesInactiveAgent(t *testing.T) {
	ctx := context.Background()
	r, _, n, clock := setupRegistry(t)

	_, err := r.Register(ctx, store.Agent{AgentID: "cam-1", AgentType: "vision"})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	marked, err := r.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, marked)

	require.NoError(t, r.Heartbeat("cam-1"))
	require.NoError(t, r.Flush(ctx))

	projected, _ := r.Get("cam-1")
	assert.Equal(t, store.AgentActive, projected.Status)
	assert.Equal(t,
		[]store.AgentStatus{store.AgentActive, store.AgentInactive, store.AgentActive},
		n.statuses("cam-1"))

	// A new lapse is announced again
	clock.Advance(2 * time.Minute)
	marked, err = r.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, marked)
}

func TestRegistry_HeartbeatKeepsErrorStatus(t *testing.T) {
	ctx := context.Background()
	r, s, n, clock := setupRegistry(t)

	_, err := r.Register(ctx, store.Agent{AgentID: "arm-1", AgentType: "robot", Status: store.AgentError})
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	require.NoError(t, r.Heartbeat("arm-1"))
	require.NoError(t, r.Flush(ctx))

	projected, ok := r.Get("arm-1")
	require.True(t, ok)
	assert.Equal(t, store.AgentError, projected.Status)
	assert.Equal(t, clock.Now(), projected.LastSeen)

	stored, err := s.GetAgent(ctx, "arm-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentError, stored.Status)
	assert.Equal(t, clock.Now(), stored.LastSeen)

	assert.Equal(t, []store.AgentStatus{store.AgentError}, n.statuses("arm-1"), "a heartbeat is not a status change")
}

func TestRegistry_Disconnect(t *testing.T) {
	ctx := context.Background()
	r, s, n, _ := setupRegistry(t)

	_, err := r.Register(ctx, store.Agent{AgentID: "cam-1", AgentType: "vision", Capabilities: []string{"gesture"}})
	require.NoError(t, err)

	require.NoError(t, r.Disconnect(ctx, "cam-1"))

	stored, err := s.GetAgent(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentInactive, stored.Status)
	assert.Equal(t, []string{"gesture"}, stored.Capabilities, "content survives disconnect")
	assert.Equal(t, []store.AgentStatus{store.AgentActive, store.AgentInactive}, n.statuses("cam-1"))

	assert.NoError(t, r.Disconnect(ctx, "ghost"))
}

func TestRegistry_RunFlushesOnShutdown(t *testing.T) {
	r, s, _, clock := setupRegistry(t)
	_, err := r.Register(context.Background(), store.Agent{AgentID: "cam-1", AgentType: "vision"})
	require.NoError(t, err)

	clock.Advance(time.Second)
	require.NoError(t, r.Heartbeat("cam-1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	stored, err := s.GetAgent(context.Background(), "cam-1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), stored.LastSeen)
}
