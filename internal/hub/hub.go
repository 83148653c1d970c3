// ABOUTME: Connection hub keeping one live channel per agent and dispatching their messages
// ABOUTME: Routes registrations, context and action results to the broker and pushes broadcasts back out

package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/XmasRock/multi-agent-conversational-system/internal/broker"
	"github.com/XmasRock/multi-agent-conversational-system/internal/store"
)

// ErrNotConnected is returned when addressing an agent without a live channel.
var ErrNotConnected = errors.New("agent not connected")

// ErrHubClosed is returned by Serve once Close has been called.
var ErrHubClosed = errors.New("hub closed")

// Config tunes live channel behaviour.
type Config struct {
	QueueSize            int           // outbound messages buffered per channel
	CriticalRetries      int           // attempts to enqueue an action message before closing the channel
	CriticalRetryDelay   time.Duration // wait between those attempts
	BroadcastMinPriority *int          // context below this priority is stored but not broadcast; nil means 3
	DisconnectTimeout    time.Duration // bound for recording a disconnect in the registry
}

// MinPriority returns p as a BroadcastMinPriority value. MinPriority(0)
// broadcasts every entry.
func MinPriority(p int) *int {
	return &p
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		QueueSize:            256,
		CriticalRetries:      3,
		CriticalRetryDelay:   100 * time.Millisecond,
		BroadcastMinPriority: MinPriority(3),
		DisconnectTimeout:    5 * time.Second,
	}
}

// Filter selects broadcast recipients. Empty fields match everything.
type Filter struct {
	AgentType  string
	Capability string
	Exclude    string // agent ID that never receives the message
}

// Stats describes the hub's live channels.
type Stats struct {
	Connections int   `json:"connections"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"stream_subscribers"`
}

// Hub owns every live agent channel.
type Hub struct {
	svc      *broker.Service
	cfg      Config
	logger   *slog.Logger
	serverID string
	stream   *Stream
	minPrio  int

	mu      sync.RWMutex
	conns   map[string]*Connection
	dropped int64 // from channels that have since closed
	closed  bool

	serving sync.WaitGroup // one per Serve call, done after its disconnect is recorded
}

// New creates a hub serving on top of svc and installs it as the service's
// and registry's notifier.
func New(svc *broker.Service, cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.CriticalRetries <= 0 {
		cfg.CriticalRetries = def.CriticalRetries
	}
	if cfg.CriticalRetryDelay <= 0 {
		cfg.CriticalRetryDelay = def.CriticalRetryDelay
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = def.DisconnectTimeout
	}
	if cfg.BroadcastMinPriority == nil {
		cfg.BroadcastMinPriority = def.BroadcastMinPriority
	}

	h := &Hub{
		svc:      svc,
		cfg:      cfg,
		logger:   logger.With("component", "hub"),
		serverID: uuid.New().String(),
		stream:   NewStream(logger),
		minPrio:  *cfg.BroadcastMinPriority,
		conns:    make(map[string]*Connection),
	}
	svc.SetNotifier(h)
	svc.Registry().SetNotifier(h)
	return h
}

// Stream exposes the context event stream.
func (h *Hub) Stream() *Stream {
	return h.stream
}

// ServerID identifies this hub instance for the lifetime of the process.
func (h *Hub) ServerID() string {
	return h.serverID
}

// Serve runs a live channel for agentID over t until the channel closes.
// A second channel for the same agent replaces the first.
func (h *Hub) Serve(ctx context.Context, agentID string, t Transport) error {
	if agentID == "" {
		_ = t.Close()
		return fmt.Errorf("serving channel: %w", broker.ErrInvalidInput)
	}

	conn := newConnection(agentID, t, h.cfg, h.logger)
	prev, err := h.attach(conn)
	if err != nil {
		_ = t.Close()
		return err
	}
	defer h.serving.Done()
	if prev != nil {
		h.logger.Info("replacing existing channel", "agent_id", agentID)
		prev.Close()
	}
	defer h.release(conn)

	go conn.writeLoop()

	now := time.Now().UTC()
	_ = conn.Send(Message{Type: TypeWelcome, AgentID: agentID, ServerID: h.serverID, ServerTime: &now})
	h.logger.Info("agent channel opened", "agent_id", agentID)

	for {
		frame, err := t.ReadFrame()
		if err != nil {
			select {
			case <-conn.Done():
				return nil
			default:
			}
			if errors.Is(err, io.EOF) || IsNormalClose(err) {
				return nil
			}
			return fmt.Errorf("reading from %s: %w", agentID, err)
		}
		conn.setEncoding(frame.Encoding)
		h.dispatch(ctx, conn, frame)
	}
}

func (h *Hub) attach(conn *Connection) (*Connection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.serving.Add(1)
	prev := h.conns[conn.agentID]
	h.conns[conn.agentID] = conn
	return prev, nil
}

// release closes conn and, if it was still the agent's current channel,
// records the disconnect.
func (h *Hub) release(conn *Connection) {
	h.mu.Lock()
	current := h.conns[conn.agentID] == conn
	if current {
		delete(h.conns, conn.agentID)
	}
	h.dropped += conn.Dropped()
	h.mu.Unlock()

	conn.Close()
	if !current {
		return
	}

	h.logger.Info("agent channel closed", "agent_id", conn.agentID)

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.DisconnectTimeout)
	defer cancel()
	if err := h.svc.Registry().Disconnect(ctx, conn.agentID); err != nil {
		h.logger.Warn("recording disconnect failed", "agent_id", conn.agentID, "error", err)
	}
}

func (h *Hub) lookup(agentID string) *Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[agentID]
}

func (h *Hub) connections() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// dispatch handles one inbound frame. Failures are reported on the same
// channel and never close it.
func (h *Hub) dispatch(ctx context.Context, conn *Connection, frame Frame) {
	var head header
	if err := Decode(frame, &head); err != nil {
		h.replyError(conn, "", fmt.Errorf("%w: malformed envelope", broker.ErrInvalidInput))
		return
	}

	if head.Type != TypeRegister {
		// Any traffic counts as liveness; unregistered agents are ignored
		_ = h.svc.Registry().Heartbeat(conn.agentID)
	}

	switch head.Type {
	case TypeRegister:
		h.handleRegister(ctx, conn, head, frame)
	case TypeContext:
		h.handleContext(ctx, conn, head, frame)
	case TypeActionResult:
		h.handleActionResult(ctx, conn, head, frame)
	case TypeHeartbeat:
		now := time.Now().UTC()
		_ = conn.Send(Message{Type: TypePong, RequestID: head.RequestID, ServerTime: &now})
	case TypeQuery:
		h.handleQuery(ctx, conn, head, frame)
	default:
		h.replyError(conn, head.RequestID, fmt.Errorf("%w: unknown message type %q", broker.ErrInvalidInput, head.Type))
	}
}

func (h *Hub) handleRegister(ctx context.Context, conn *Connection, head header, frame Frame) {
	p, err := decodePayload[RegisterPayload](frame)
	if err != nil {
		h.replyError(conn, head.RequestID, fmt.Errorf("%w: %v", broker.ErrInvalidInput, err))
		return
	}
	status := p.Status
	if status == "" {
		status = store.AgentActive
	}
	agent, err := h.svc.RegisterAgent(ctx, store.Agent{
		AgentID:      conn.agentID,
		AgentType:    p.AgentType,
		Capabilities: p.Capabilities,
		Metadata:     p.Metadata,
		Status:       status,
	})
	if err != nil {
		h.replyError(conn, head.RequestID, err)
		return
	}
	conn.setSubscriptions(p.Subscriptions)
	_ = conn.Send(Message{Type: TypeRegistered, RequestID: head.RequestID, AgentID: agent.AgentID, Agent: agent})
}

func (h *Hub) handleContext(ctx context.Context, conn *Connection, head header, frame Frame) {
	p, err := decodePayload[ContextPayload](frame)
	if err != nil {
		h.replyError(conn, head.RequestID, fmt.Errorf("%w: %v", broker.ErrInvalidInput, err))
		return
	}
	entry, err := h.svc.PublishContext(ctx, broker.PublishRequest{
		AgentID:     conn.agentID,
		ContextType: p.ContextType,
		Data:        p.Data,
		Priority:    p.Priority,
	})
	if err != nil {
		h.replyError(conn, head.RequestID, err)
		return
	}
	if head.RequestID != "" {
		_ = conn.Send(Message{Type: TypeAck, RequestID: head.RequestID, ID: entry.ID})
	}
}

func (h *Hub) handleActionResult(ctx context.Context, conn *Connection, head header, frame Frame) {
	p, err := decodePayload[ActionResultPayload](frame)
	if err != nil {
		h.replyError(conn, head.RequestID, fmt.Errorf("%w: %v", broker.ErrInvalidInput, err))
		return
	}
	rec, err := h.svc.CompleteAction(ctx, p.ActionID, p.Result, p.Success)
	if err != nil {
		h.replyError(conn, head.RequestID, err)
		return
	}
	if head.RequestID != "" {
		_ = conn.Send(Message{Type: TypeAck, RequestID: head.RequestID, ID: rec.ID})
	}
}

func (h *Hub) handleQuery(ctx context.Context, conn *Connection, head header, frame Frame) {
	p, err := decodePayload[QueryPayload](frame)
	if err != nil {
		h.replyError(conn, head.RequestID, fmt.Errorf("%w: %v", broker.ErrInvalidInput, err))
		return
	}
	q := broker.ContextQuery{
		AgentID:     p.AgentID,
		ContextType: p.ContextType,
		PriorityMin: p.PriorityMin,
		Search:      p.Search,
		Limit:       p.Limit,
		Order:       p.Order,
	}
	if q.Since, err = parseTime("since", p.Since); err != nil {
		h.replyError(conn, head.RequestID, err)
		return
	}
	if q.Until, err = parseTime("until", p.Until); err != nil {
		h.replyError(conn, head.RequestID, err)
		return
	}

	page, err := h.svc.QueryContext(ctx, q)
	if err != nil {
		h.replyError(conn, head.RequestID, err)
		return
	}
	_ = conn.Send(Message{
		Type:      TypeQueryResponse,
		RequestID: head.RequestID,
		Entries:   page.Entries,
		Degraded:  page.Degraded,
	})
}

func parseTime(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not an RFC 3339 time", broker.ErrInvalidFilter, field)
	}
	return &t, nil
}

func (h *Hub) replyError(conn *Connection, requestID string, err error) {
	kind := broker.KindOf(err)
	msg := err.Error()
	if kind == broker.KindInternal {
		msg = "internal error"
	}
	h.logger.Debug("request failed", "agent_id", conn.agentID, "request_id", requestID, "kind", kind, "error", err)
	_ = conn.Send(Message{Type: TypeError, RequestID: requestID, Error: msg, Kind: string(kind)})
}

// Send delivers msg to one agent's live channel.
func (h *Hub) Send(agentID string, msg Message) error {
	conn := h.lookup(agentID)
	if conn == nil {
		return fmt.Errorf("sending to %s: %w", agentID, ErrNotConnected)
	}
	return conn.Send(msg)
}

// Broadcast sends msg to every connected agent matching f and returns how
// many channels accepted it.
func (h *Hub) Broadcast(msg Message, f Filter) int {
	delivered := 0
	for _, conn := range h.connections() {
		if conn.agentID == f.Exclude || !h.matches(conn.agentID, f) {
			continue
		}
		if err := conn.Send(msg); err == nil {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) matches(agentID string, f Filter) bool {
	if f.AgentType == "" && f.Capability == "" {
		return true
	}
	agent, ok := h.svc.Registry().Get(agentID)
	if !ok {
		return false
	}
	if f.AgentType != "" && agent.AgentType != f.AgentType {
		return false
	}
	return f.Capability == "" || agent.HasCapability(f.Capability)
}

// Connected returns the IDs of agents with a live channel, sorted.
func (h *Hub) Connected() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// IsConnected reports whether agentID has a live channel.
func (h *Hub) IsConnected(agentID string) bool {
	return h.lookup(agentID) != nil
}

// Stats summarizes live channels.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	st := Stats{Connections: len(h.conns), Dropped: h.dropped}
	for _, c := range h.conns {
		st.Dropped += c.Dropped()
	}
	h.mu.RUnlock()
	st.Subscribers = h.stream.Subscribers()
	return st
}

// Close ends every live channel and stream subscription, then waits until
// each channel's disconnect has been recorded in the registry. Serve calls
// made after Close return ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	for _, conn := range h.connections() {
		conn.Close()
	}
	h.stream.Close()
	h.serving.Wait()
}

// ContextPublished broadcasts sufficiently urgent context to subscribed
// agents other than the producer and feeds the event stream.
func (h *Hub) ContextPublished(entry *store.ContextEntry) {
	h.stream.Publish(entry)
	if entry.Priority < h.minPrio {
		return
	}

	msg := Message{Type: TypeContextBroadcast, AgentID: entry.AgentID, Entry: entry}
	for _, conn := range h.connections() {
		if conn.agentID == entry.AgentID || !conn.subscribed(entry.ContextType) {
			continue
		}
		_ = conn.Send(msg)
	}
}

// ActionLogged forwards a new action to its executor. When the executor has
// no live channel the requester is told so.
func (h *Hub) ActionLogged(action *store.ActionRecord) {
	err := h.Send(action.AgentID, Message{Type: TypeActionRequest, AgentID: action.AgentID, Action: action})
	if err == nil {
		return
	}

	h.logger.Warn("action not delivered",
		"id", action.ID,
		"agent_id", action.AgentID,
		"error", err)
	if action.RequestedBy == "" || action.RequestedBy == action.AgentID {
		return
	}
	_ = h.Send(action.RequestedBy, Message{
		Type:    TypeError,
		AgentID: action.AgentID,
		Action:  action,
		Error:   err.Error(),
		Kind:    string(broker.KindUnavailable),
	})
}

// ActionCompleted tells the executor and the requester about the outcome.
func (h *Hub) ActionCompleted(action *store.ActionRecord) {
	msg := Message{Type: TypeActionCompleted, AgentID: action.AgentID, Action: action}
	_ = h.Send(action.AgentID, msg)
	if action.RequestedBy != "" && action.RequestedBy != action.AgentID {
		_ = h.Send(action.RequestedBy, msg)
	}
}

// AgentStatusChanged announces a roster change to every other agent.
func (h *Hub) AgentStatusChanged(agent *store.Agent) {
	h.Broadcast(Message{
		Type:    TypeAgentStatus,
		AgentID: agent.AgentID,
		Status:  agent.Status,
		Agent:   agent,
	}, Filter{Exclude: agent.AgentID})
}
