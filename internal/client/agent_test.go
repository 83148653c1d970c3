// ABOUTME: Tests for the agent SDK and REST client against an in-process hub
// ABOUTME: Covers backoff, registration, broadcasts, action handling, queries and reconnection

package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XmasRock/multi-agent-conversational-system/internal/auth"
	"github.com/XmasRock/multi-agent-conversational-system/internal/config"
	"github.com/XmasRock/multi-agent-conversational-system/internal/gateway"
	"github.com/XmasRock/multi-agent-conversational-system/internal/hub"
	"github.com/XmasRock/multi-agent-conversational-system/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func startHub(t *testing.T, secret string) (*gateway.Gateway, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.SharedSecret = secret

	gw, err := gateway.NewWithStore(cfg, store.NewMockStore(), nil)
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw, srv
}

func runAgent(t *testing.T, opts AgentOptions) *Agent {
	t.Helper()
	if opts.MinBackoff == 0 {
		opts.MinBackoff = 10 * time.Millisecond
		opts.MaxBackoff = 50 * time.Millisecond
	}
	a, err := NewAgent(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, a.Connected, 5*time.Second, 10*time.Millisecond)
	return a
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name     string
		attempt  int
		min, max time.Duration
		lo, hi   time.Duration
	}{
		{"first attempt", 0, time.Second, time.Minute, 500 * time.Millisecond, time.Second},
		{"third attempt", 2, time.Second, time.Minute, 2 * time.Second, 4 * time.Second},
		{"exponent capped", 10, time.Second, time.Minute, 16 * time.Second, 32 * time.Second},
		{"max caps", 5, time.Second, 10 * time.Second, 5 * time.Second, 10 * time.Second},
		{"negative attempt", -1, time.Second, time.Minute, 500 * time.Millisecond, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 50; i++ {
				d := Backoff(tt.attempt, tt.min, tt.max)
				assert.GreaterOrEqual(t, d, tt.lo)
				assert.LessOrEqual(t, d, tt.hi)
			}
		})
	}
}

func TestChannelURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{"http://hub.local:8080", "ws://hub.local:8080/ws/agent/cam-1", false},
		{"https://hub.example/", "wss://hub.example/ws/agent/cam-1", false},
		{"ws://10.0.0.2:8080/prefix", "ws://10.0.0.2:8080/prefix/ws/agent/cam-1", false},
		{"ftp://hub", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := channelURL(tt.base, "cam-1")
		if tt.wantErr {
			assert.Error(t, err, tt.base)
			continue
		}
		require.NoError(t, err, tt.base)
		assert.Equal(t, tt.want, got)
	}
}

func TestNewAgentValidation(t *testing.T) {
	_, err := NewAgent(AgentOptions{HubURL: "http://hub", AgentType: "camera"})
	assert.Error(t, err)
	_, err = NewAgent(AgentOptions{HubURL: "http://hub", AgentID: "cam-1"})
	assert.Error(t, err)
	_, err = NewAgent(AgentOptions{HubURL: "gopher://hub", AgentID: "cam-1", AgentType: "camera"})
	assert.Error(t, err)

	a, err := NewAgent(AgentOptions{HubURL: "http://hub", AgentID: "cam-1", AgentType: "camera"})
	require.NoError(t, err)
	assert.Equal(t, DefaultHeartbeatInterval, a.opts.HeartbeatInterval)
	assert.False(t, a.Connected())

	_, err = a.Publish(context.Background(), "speech", "hi", 1)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestAgentGreetingFlow(t *testing.T) {
	gw, srv := startHub(t, "")

	seen := make(chan *store.ContextEntry, 4)
	robot := runAgent(t, AgentOptions{
		HubURL:        srv.URL,
		AgentID:       "robot-1",
		AgentType:     "robot",
		Capabilities:  []string{"greet"},
		Subscriptions: []string{"face_detected"},
		OnContext:     func(e *store.ContextEntry) { seen <- e },
		OnAction: func(ctx context.Context, a *store.ActionRecord) (any, bool) {
			params, _ := a.Parameters.(map[string]any)
			name, _ := params["name"].(string)
			return map[string]any{"said": "Bonjour " + name}, true
		},
	})
	cam := runAgent(t, AgentOptions{HubURL: srv.URL, AgentID: "cam-1", AgentType: "camera"})

	ctx := context.Background()
	id, err := cam.Publish(ctx, "face_detected", map[string]any{"name": "Pierre"}, 4)
	require.NoError(t, err)
	assert.NotZero(t, id)

	select {
	case e := <-seen:
		assert.Equal(t, id, e.ID)
		assert.Equal(t, "cam-1", e.AgentID)
	case <-time.After(5 * time.Second):
		t.Fatal("robot never saw the broadcast")
	}

	entries, err := robot.Query(ctx, hub.QueryPayload{AgentID: "cam-1", ContextType: "face_detected"})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	rest := New(srv.URL, "")
	rec, err := rest.LogAction(ctx, "robot-1", "greet", map[string]any{"name": "Pierre"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := gw.Service().GetAction(ctx, rec.ID)
		return err == nil && got.Status == store.ActionSuccess
	}, 5*time.Second, 10*time.Millisecond)

	got, err := gw.Service().GetAction(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"said": "Bonjour Pierre"}, got.Result)
}

func TestAgentRemoteErrors(t *testing.T) {
	_, srv := startHub(t, "")
	a := runAgent(t, AgentOptions{HubURL: srv.URL, AgentID: "cam-1", AgentType: "camera"})

	_, err := a.Publish(context.Background(), "", "no type", 1)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "invalid_input", apiErr.Kind)

	_, err = a.Query(context.Background(), hub.QueryPayload{Since: "yesterday"})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "invalid_filter", apiErr.Kind)
}

func TestAgentReconnects(t *testing.T) {
	gw, srv := startHub(t, "")
	a := runAgent(t, AgentOptions{HubURL: srv.URL, AgentID: "cam-1", AgentType: "camera"})
	require.Equal(t, int64(1), a.Sessions())

	gw.Hub().Close()

	require.Eventually(t, func() bool { return a.Sessions() >= 2 && a.Connected() }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, gw.Hub().IsConnected("cam-1"))

	agent, ok := gw.Service().Registry().Get("cam-1")
	require.True(t, ok)
	assert.Equal(t, store.AgentActive, agent.Status)
}

func TestAgentWithToken(t *testing.T) {
	_, srv := startHub(t, testSecret)

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	token, err := verifier.Generate("cam-1", time.Hour)
	require.NoError(t, err)

	runAgent(t, AgentOptions{HubURL: srv.URL, AgentID: "cam-1", AgentType: "camera", Token: token})

	agents, err := New(srv.URL, token).ListAgents(context.Background(), "active", "")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.True(t, agents[0].Connected)
}

func TestRESTClient(t *testing.T) {
	_, srv := startHub(t, testSecret)
	ctx := context.Background()

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	token, err := verifier.Generate("cli", time.Hour)
	require.NoError(t, err)

	c := New(srv.URL, token)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)

	_, err = c.LogAction(ctx, "robot-1", "greet", nil)
	require.NoError(t, err)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.ActionsTotal)
	assert.Equal(t, int64(1), st.Counters["actions_logged"])

	var apiErr *APIError
	_, err = c.ListAgents(ctx, "sleepy", "")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "invalid_filter", apiErr.Kind)

	_, err = New(srv.URL, "").ListAgents(ctx, "", "")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "unauthorized", apiErr.Kind)
}
