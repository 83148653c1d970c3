// ABOUTME: Tests for the connection hub over an in-memory transport
// ABOUTME: Covers registration, broadcasts, subscriptions, action routing, replacement and disconnects

package hub

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XmasRock/multi-agent-conversational-system/internal/broker"
	"github.com/XmasRock/multi-agent-conversational-system/internal/cache"
	"github.com/XmasRock/multi-agent-conversational-system/internal/registry"
	"github.com/XmasRock/multi-agent-conversational-system/internal/store"
)

// pipeTransport is an in-memory Transport. The test plays the agent: it
// writes into in and reads what the hub wrote from out.
type pipeTransport struct {
	in     chan Frame
	out    chan Frame
	closed chan struct{}
	once   sync.Once
}

func newPipe() *pipeTransport {
	return &pipeTransport{
		in:     make(chan Frame, 16),
		out:    make(chan Frame, 256),
		closed: make(chan struct{}),
	}
}

func (p *pipeTransport) ReadFrame() (Frame, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-p.closed:
		return Frame{}, io.EOF
	}
}

func (p *pipeTransport) WriteFrame(f Frame) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- f:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeTransport) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *pipeTransport) send(t *testing.T, enc Encoding, msgType, requestID string, payload any) {
	t.Helper()
	f, err := Encode(enc, Envelope[any]{Type: msgType, RequestID: requestID, Payload: payload})
	require.NoError(t, err)
	p.in <- f
}

func (p *pipeTransport) sendJSON(t *testing.T, msgType, requestID string, payload any) {
	t.Helper()
	p.send(t, EncodingJSON, msgType, requestID, payload)
}

// expect returns the next message of msgType, skipping anything else.
func (p *pipeTransport) expect(t *testing.T, msgType string) Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-p.out:
			var msg Message
			require.NoError(t, Decode(f, &msg))
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
			return Message{}
		}
	}
}

// expectNone asserts that no message of msgType arrives within d.
func (p *pipeTransport) expectNone(t *testing.T, msgType string, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case f := <-p.out:
			var msg Message
			require.NoError(t, Decode(f, &msg))
			assert.NotEqual(t, msgType, msg.Type, "unexpected %s message", msgType)
		case <-deadline:
			return
		}
	}
}

func setupHub(t *testing.T) (*Hub, *broker.Service) {
	t.Helper()
	h, svc, _ := newTestHub(t, Config{})
	return h, svc
}

func newTestHub(t *testing.T, cfg Config) (*Hub, *broker.Service, *store.MockStore) {
	t.Helper()
	s := store.NewMockStore()
	c := cache.New(time.Hour, 100)
	t.Cleanup(c.Close)
	r := registry.New(s, registry.Config{}, nil)
	svc := broker.New(s, c, r, broker.Config{}, nil)
	h := New(svc, cfg, nil)
	t.Cleanup(h.Close)
	return h, svc, s
}

func connect(t *testing.T, h *Hub, agentID string) *pipeTransport {
	t.Helper()
	p := newPipe()
	go func() { _ = h.Serve(context.Background(), agentID, p) }()
	welcome := p.expect(t, TypeWelcome)
	assert.Equal(t, agentID, welcome.AgentID)
	assert.Equal(t, h.ServerID(), welcome.ServerID)
	return p
}

func register(t *testing.T, p *pipeTransport, agentType string, caps, subs []string) Message {
	t.Helper()
	p.sendJSON(t, TypeRegister, "reg", RegisterPayload{
		AgentType:     agentType,
		Capabilities:  caps,
		Subscriptions: subs,
	})
	msg := p.expect(t, TypeRegistered)
	assert.Equal(t, "reg", msg.RequestID)
	return msg
}

func TestHub_RegisterAndBroadcastContext(t *testing.T) {
	h, _ := setupHub(t)

	assistant := connect(t, h, "assistant")
	register(t, assistant, "assistant", nil, nil)

	cam := connect(t, h, "cam-1")
	reg := register(t, cam, "vision", []string{"face_recognition"}, nil)
	require.NotNil(t, reg.Agent)
	assert.Equal(t, store.AgentActive, reg.Agent.Status)

	status := assistant.expect(t, TypeAgentStatus)
	assert.Equal(t, "cam-1", status.AgentID)
	assert.Equal(t, store.AgentActive, status.Status)

	cam.sendJSON(t, TypeContext, "ctx-1", map[string]any{
		"context_type": "face_detected",
		"data":         map[string]any{"person": "Pierre"},
		"priority":     3,
	})
	ack := cam.expect(t, TypeAck)
	assert.Equal(t, "ctx-1", ack.RequestID)
	assert.Positive(t, ack.ID)

	bc := assistant.expect(t, TypeContextBroadcast)
	require.NotNil(t, bc.Entry)
	assert.Equal(t, ack.ID, bc.Entry.ID)
	assert.Equal(t, "cam-1", bc.Entry.AgentID)
	assert.Equal(t, map[string]any{"person": "Pierre"}, bc.Entry.Data)

	// The producer never hears its own context
	cam.expectNone(t, TypeContextBroadcast, 50*time.Millisecond)
}

func TestHub_LowPriorityContextIsNotBroadcast(t *testing.T) {
	h, svc := setupHub(t)

	listener := connect(t, h, "listener")
	register(t, listener, "assistant", nil, nil)
	cam := connect(t, h, "cam-1")
	register(t, cam, "vision", nil, nil)

	cam.sendJSON(t, TypeContext, "low", ContextPayload{ContextType: "motion", Data: "minor"})
	cam.expect(t, TypeAck)
	cam.sendJSON(t, TypeContext, "high", map[string]any{"context_type": "motion", "data": "major", "priority": 5})
	cam.expect(t, TypeAck)

	bc := listener.expect(t, TypeContextBroadcast)
	assert.Equal(t, "major", bc.Entry.Data)

	// Both were stored
	page, err := svc.QueryContext(context.Background(), broker.ContextQuery{AgentID: "cam-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Count)
}

func TestHub_ZeroMinPriorityBroadcastsEverything(t *testing.T) {
	h, _, _ := newTestHub(t, Config{BroadcastMinPriority: MinPriority(0)})

	listener := connect(t, h, "listener")
	register(t, listener, "assistant", nil, nil)
	cam := connect(t, h, "cam-1")
	register(t, cam, "vision", nil, nil)

	cam.sendJSON(t, TypeContext, "low", ContextPayload{ContextType: "motion", Data: "minor"})
	cam.expect(t, TypeAck)

	bc := listener.expect(t, TypeContextBroadcast)
	assert.Equal(t, "minor", bc.Entry.Data)
	assert.Equal(t, 1, bc.Entry.Priority)
}

func TestHub_RegisterReportsErrorStatus(t *testing.T) {
	h, svc := setupHub(t)

	arm := connect(t, h, "arm-1")
	arm.sendJSON(t, TypeRegister, "reg", RegisterPayload{
		AgentType:    "robot",
		Capabilities: []string{"grip"},
		Status:       store.AgentError,
	})
	msg := arm.expect(t, TypeRegistered)
	require.NotNil(t, msg.Agent)
	assert.Equal(t, store.AgentError, msg.Agent.Status)

	// A heartbeat keeps the reported status
	require.NoError(t, svc.Heartbeat("arm-1"))
	require.NoError(t, svc.Registry().Flush(context.Background()))
	agent, err := svc.GetAgent(context.Background(), "arm-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentError, agent.Status)
}

func TestHub_SubscriptionsFilterBroadcasts(t *testing.T) {
	h, _ := setupHub(t)

	listener := connect(t, h, "listener")
	register(t, listener, "assistant", nil, []string{"speech"})
	cam := connect(t, h, "cam-1")
	register(t, cam, "vision", nil, nil)

	cam.sendJSON(t, TypeContext, "a", map[string]any{"context_type": "face_detected", "data": 1, "priority": 5})
	cam.expect(t, TypeAck)
	cam.sendJSON(t, TypeContext, "b", map[string]any{"context_type": "speech", "data": 2, "priority": 5})
	cam.expect(t, TypeAck)

	bc := listener.expect(t, TypeContextBroadcast)
	assert.Equal(t, "speech", bc.Entry.ContextType)
}

func TestHub_ActionRoundTrip(t *testing.T) {
	ctx := context.Background()
	h, svc := setupHub(t)

	cam := connect(t, h, "cam-1")
	register(t, cam, "vision", []string{"greet"}, nil)
	assistant := connect(t, h, "assistant")
	register(t, assistant, "assistant", nil, nil)

	rec, err := svc.LogAction(ctx, broker.LogActionRequest{
		AgentID:     "cam-1",
		ActionType:  "greet",
		Parameters:  map[string]any{"name": "Pierre"},
		RequestedBy: "assistant",
	})
	require.NoError(t, err)

	req := cam.expect(t, TypeActionRequest)
	require.NotNil(t, req.Action)
	assert.Equal(t, rec.ID, req.Action.ID)
	assert.Equal(t, "greet", req.Action.ActionType)
	assert.Equal(t, store.ActionPending, req.Action.Status)

	cam.sendJSON(t, TypeActionResult, "done", ActionResultPayload{
		ActionID: rec.ID,
		Result:   map[string]any{"said": "hello Pierre"},
		Success:  true,
	})
	ack := cam.expect(t, TypeAck)
	assert.Equal(t, rec.ID, ack.ID)

	completed := assistant.expect(t, TypeActionCompleted)
	require.NotNil(t, completed.Action)
	assert.Equal(t, store.ActionSuccess, completed.Action.Status)
	assert.Equal(t, map[string]any{"said": "hello Pierre"}, completed.Action.Result)

	stored, err := svc.GetAction(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ActionSuccess, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	// A conflicting second report is rejected on the channel
	cam.sendJSON(t, TypeActionResult, "again", ActionResultPayload{ActionID: rec.ID, Result: "other", Success: false})
	errMsg := cam.expect(t, TypeError)
	assert.Equal(t, "again", errMsg.RequestID)
	assert.Equal(t, string(broker.KindConflict), errMsg.Kind)
}

func TestHub_ActionForDisconnectedExecutorNotifiesRequester(t *testing.T) {
	h, svc := setupHub(t)

	assistant := connect(t, h, "assistant")
	register(t, assistant, "assistant", nil, nil)

	rec, err := svc.LogAction(context.Background(), broker.LogActionRequest{
		AgentID:     "ghost",
		ActionType:  "greet",
		RequestedBy: "assistant",
	})
	require.NoError(t, err)

	msg := assistant.expect(t, TypeError)
	assert.Equal(t, string(broker.KindUnavailable), msg.Kind)
	require.NotNil(t, msg.Action)
	assert.Equal(t, rec.ID, msg.Action.ID)
}

func TestHub_MalformedEnvelopeKeepsChannelOpen(t *testing.T) {
	h, _ := setupHub(t)
	p := connect(t, h, "cam-1")

	p.in <- Frame{Encoding: EncodingJSON, Data: []byte("{not json")}
	msg := p.expect(t, TypeError)
	assert.Equal(t, string(broker.KindInvalidInput), msg.Kind)

	p.sendJSON(t, "teleport", "x1", nil)
	msg = p.expect(t, TypeError)
	assert.Equal(t, "x1", msg.RequestID)
	assert.Equal(t, string(broker.KindInvalidInput), msg.Kind)

	p.sendJSON(t, TypeHeartbeat, "hb", nil)
	pong := p.expect(t, TypePong)
	assert.Equal(t, "hb", pong.RequestID)
	assert.NotNil(t, pong.ServerTime)
	assert.False(t, p.isClosed())
}

func TestHub_ContextBeforeRegisterIsRejected(t *testing.T) {
	h, _ := setupHub(t)
	p := connect(t, h, "cam-1")

	p.sendJSON(t, TypeContext, "c", ContextPayload{Data: "no type"})
	msg := p.expect(t, TypeError)
	assert.Equal(t, string(broker.KindInvalidInput), msg.Kind)
}

func TestHub_QueryOverChannel(t *testing.T) {
	h, _ := setupHub(t)
	p := connect(t, h, "cam-1")
	register(t, p, "vision", nil, nil)

	for i := range 3 {
		p.sendJSON(t, TypeContext, "c", map[string]any{"context_type": "motion", "data": i, "priority": 1})
		p.expect(t, TypeAck)
	}

	p.sendJSON(t, TypeQuery, "q1", map[string]any{"agent_id": "cam-1", "limit": 2})
	resp := p.expect(t, TypeQueryResponse)
	assert.Equal(t, "q1", resp.RequestID)
	require.Len(t, resp.Entries, 2)
	assert.Greater(t, resp.Entries[0].ID, resp.Entries[1].ID)

	p.sendJSON(t, TypeQuery, "q2", map[string]any{"since": "yesterday"})
	msg := p.expect(t, TypeError)
	assert.Equal(t, string(broker.KindInvalidFilter), msg.Kind)

	p.sendJSON(t, TypeQuery, "q3", map[string]any{"limit": 0})
	msg = p.expect(t, TypeError)
	assert.Equal(t, string(broker.KindInvalidFilter), msg.Kind)
}

func TestHub_CBORChannel(t *testing.T) {
	h, _ := setupHub(t)
	p := connect(t, h, "cam-1")

	p.send(t, EncodingCBOR, TypeRegister, "reg", RegisterPayload{
		AgentType: "vision",
		Metadata:  map[string]any{"location": "door"},
	})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-p.out:
			var msg Message
			require.NoError(t, Decode(f, &msg))
			if msg.Type != TypeRegistered {
				continue
			}
			assert.Equal(t, EncodingCBOR, f.Encoding)
			require.NotNil(t, msg.Agent)
			assert.Equal(t, "vision", msg.Agent.AgentType)
			assert.Equal(t, "door", msg.Agent.Metadata["location"])
			return
		case <-deadline:
			t.Fatal("timed out waiting for registered")
		}
	}
}

func TestHub_ReplacementClosesOldChannelOnly(t *testing.T) {
	h, svc := setupHub(t)

	first := connect(t, h, "cam-1")
	register(t, first, "vision", nil, nil)

	second := connect(t, h, "cam-1")
	assert.Eventually(t, first.isClosed, time.Second, 5*time.Millisecond)
	assert.False(t, second.isClosed())

	// Give the old channel's teardown time to run; it must not mark the agent inactive
	time.Sleep(50 * time.Millisecond)
	agent, ok := svc.Registry().Get("cam-1")
	require.True(t, ok)
	assert.Equal(t, store.AgentActive, agent.Status)
	assert.Equal(t, []string{"cam-1"}, h.Connected())
}

func TestHub_DisconnectMarksAgentInactive(t *testing.T) {
	h, svc := setupHub(t)

	watcher := connect(t, h, "watcher")
	register(t, watcher, "assistant", nil, nil)
	cam := connect(t, h, "cam-1")
	register(t, cam, "vision", nil, nil)
	watcher.expect(t, TypeAgentStatus)

	require.NoError(t, cam.Close())

	assert.Eventually(t, func() bool {
		a, ok := svc.Registry().Get("cam-1")
		return ok && a.Status == store.AgentInactive
	}, time.Second, 5*time.Millisecond)
	assert.False(t, h.IsConnected("cam-1"))

	status := watcher.expect(t, TypeAgentStatus)
	assert.Equal(t, "cam-1", status.AgentID)
	assert.Equal(t, store.AgentInactive, status.Status)
}

func TestHub_SendAndBroadcastFilters(t *testing.T) {
	h, _ := setupHub(t)

	cam := connect(t, h, "cam-1")
	register(t, cam, "vision", []string{"face_recognition"}, nil)
	mic := connect(t, h, "mic-1")
	register(t, mic, "audio", []string{"speech_to_text"}, nil)

	n := h.Broadcast(Message{Type: "announcement", Payload: "vision only"}, Filter{AgentType: "vision"})
	assert.Equal(t, 1, n)
	msg := cam.expect(t, "announcement")
	assert.Equal(t, "vision only", msg.Payload)

	n = h.Broadcast(Message{Type: "announcement", Payload: "stt"}, Filter{Capability: "speech_to_text"})
	assert.Equal(t, 1, n)
	mic.expect(t, "announcement")

	n = h.Broadcast(Message{Type: "announcement"}, Filter{Exclude: "cam-1"})
	assert.Equal(t, 1, n)

	require.NoError(t, h.Send("mic-1", Message{Type: "direct", Payload: json.RawMessage(`{"x":1}`)}))
	mic.expect(t, "direct")

	err := h.Send("nobody", Message{Type: "direct"})
	assert.ErrorIs(t, err, ErrNotConnected)

	st := h.Stats()
	assert.Equal(t, 2, st.Connections)
}

func TestHub_ContextFeedsStream(t *testing.T) {
	h, svc := setupHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := h.Stream().Subscribe(ctx, "motion")

	_, err := svc.RegisterAgent(ctx, store.Agent{AgentID: "cam-1", AgentType: "vision"})
	require.NoError(t, err)
	// Low priority still reaches the stream
	_, err = svc.PublishContext(ctx, broker.PublishRequest{AgentID: "cam-1", ContextType: "motion", Data: "x"})
	require.NoError(t, err)

	select {
	case e := <-ch:
		assert.Equal(t, "motion", e.ContextType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stream entry")
	}
}

func TestHub_ServeRejectsEmptyAgentID(t *testing.T) {
	h, _ := setupHub(t)
	p := newPipe()
	err := h.Serve(context.Background(), "", p)
	assert.ErrorIs(t, err, broker.ErrInvalidInput)
	assert.True(t, p.isClosed())
}

func TestHub_CloseWaitsForDisconnects(t *testing.T) {
	h, _, s := newTestHub(t, Config{})

	for _, id := range []string{"cam-1", "arm-1"} {
		p := connect(t, h, id)
		register(t, p, "vision", nil, nil)
	}

	h.Close()

	// Close returns only after every channel recorded its disconnect
	for _, id := range []string{"cam-1", "arm-1"} {
		a, err := s.GetAgent(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, store.AgentInactive, a.Status, id)
	}
	assert.Empty(t, h.Connected())

	p := newPipe()
	err := h.Serve(context.Background(), "late", p)
	assert.ErrorIs(t, err, ErrHubClosed)
	assert.True(t, p.isClosed())
}
