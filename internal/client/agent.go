// ABOUTME: Agent SDK holding a live channel to the hub with automatic reconnection
// ABOUTME: Re-registers on every connect, heartbeats, and routes broadcasts and action requests to callbacks

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/XmasRock/multi-agent-conversational-system/internal/hub"
	"github.com/XmasRock/multi-agent-conversational-system/internal/store"
)

// ErrNotConnected is returned by requests made while no channel is open.
var ErrNotConnected = errors.New("not connected to hub")

// Reconnect and liveness defaults
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMinBackoff        = 1 * time.Second
	DefaultMaxBackoff        = 60 * time.Second
	DefaultRequestTimeout    = 10 * time.Second

	// maxBackoffExponent caps the doubling so jitter stays meaningful.
	maxBackoffExponent = 5
)

// ActionHandler performs an action and reports its outcome.
type ActionHandler func(ctx context.Context, action *store.ActionRecord) (result any, success bool)

// AgentOptions configures an Agent.
type AgentOptions struct {
	HubURL        string // http(s):// or ws(s):// base URL of the hub
	AgentID       string
	AgentType     string
	Capabilities  []string
	Metadata      map[string]any
	Subscriptions []string // context types to receive; empty means all
	Token         string   // bearer token when the hub requires auth

	HeartbeatInterval time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	RequestTimeout    time.Duration

	OnContext func(entry *store.ContextEntry) // context broadcasts from other agents
	OnAction  ActionHandler                   // action requests addressed to this agent
	OnMessage func(msg hub.Message)           // everything else the hub pushes

	Logger *slog.Logger
}

// Agent is a reconnecting hub participant.
type Agent struct {
	opts   AgentOptions
	logger *slog.Logger
	dialer websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan hub.Message

	writeMu   sync.Mutex
	connected atomic.Bool
	sessions  atomic.Int64
}

// NewAgent validates opts and applies defaults.
func NewAgent(opts AgentOptions) (*Agent, error) {
	if opts.AgentID == "" {
		return nil, errors.New("agent id is required")
	}
	if opts.AgentType == "" {
		return nil, errors.New("agent type is required")
	}
	if _, err := channelURL(opts.HubURL, opts.AgentID); err != nil {
		return nil, err
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = DefaultMinBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Agent{
		opts:    opts,
		logger:  logger.With("component", "agent-client", "agent_id", opts.AgentID),
		dialer:  websocket.Dialer{HandshakeTimeout: opts.RequestTimeout},
		pending: make(map[string]chan hub.Message),
	}, nil
}

// channelURL turns the hub base URL into the agent's websocket URL.
func channelURL(base, agentID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing hub url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	u.Path = u.Path + "/ws/agent/" + url.PathEscape(agentID)
	return u.String(), nil
}

// Backoff returns the wait before reconnect attempt n (0-based): the minimum
// doubled per attempt up to 2^5, capped at max, with up to 50% jitter
// subtracted.
func Backoff(attempt int, minWait, maxWait time.Duration) time.Duration {
	if attempt > maxBackoffExponent {
		attempt = maxBackoffExponent
	}
	if attempt < 0 {
		attempt = 0
	}
	d := minWait << attempt
	if d > maxWait {
		d = maxWait
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return d - rand.N(half)
}

// Connected reports whether a registered channel is open.
func (a *Agent) Connected() bool {
	return a.connected.Load()
}

// Sessions reports how many channels have been registered since start.
func (a *Agent) Sessions() int64 {
	return a.sessions.Load()
}

// Run keeps a channel open until ctx is done, reconnecting with backoff.
func (a *Agent) Run(ctx context.Context) error {
	attempt := 0
	for {
		registered, err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if registered {
			attempt = 0
		}

		wait := Backoff(attempt, a.opts.MinBackoff, a.opts.MaxBackoff)
		attempt++
		a.logger.Warn("hub channel lost, reconnecting", "error", err, "retry_in", wait)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session runs one channel from dial to close. It reports whether the
// channel got as far as registering.
func (a *Agent) session(ctx context.Context) (bool, error) {
	target, _ := channelURL(a.opts.HubURL, a.opts.AgentID)
	header := http.Header{}
	if a.opts.Token != "" {
		header.Set("Authorization", "Bearer "+a.opts.Token)
	}

	conn, resp, err := a.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dialing hub: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	defer a.teardown(conn)

	readErr := make(chan error, 1)
	go func() {
		readErr <- a.readLoop(sessionCtx, conn)
		cancel()
	}()

	go func() {
		<-sessionCtx.Done()
		_ = conn.Close()
	}()

	regCtx, regCancel := context.WithTimeout(sessionCtx, a.opts.RequestTimeout)
	_, err = a.request(regCtx, hub.TypeRegister, hub.RegisterPayload{
		AgentType:     a.opts.AgentType,
		Capabilities:  a.opts.Capabilities,
		Metadata:      a.opts.Metadata,
		Subscriptions: a.opts.Subscriptions,
	})
	regCancel()
	if err != nil {
		return false, fmt.Errorf("registering: %w", err)
	}
	a.connected.Store(true)
	a.sessions.Add(1)
	a.logger.Info("registered with hub", "url", a.opts.HubURL)

	heartbeat := time.NewTicker(a.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			a.closeGracefully(conn)
			return true, nil
		case err := <-readErr:
			return true, err
		case <-heartbeat.C:
			if err := a.write(hub.TypeHeartbeat, "", struct{}{}); err != nil {
				return true, fmt.Errorf("sending heartbeat: %w", err)
			}
		}
	}
}

func (a *Agent) teardown(conn *websocket.Conn) {
	a.connected.Store(false)
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	for id, ch := range a.pending {
		close(ch)
		delete(a.pending, id)
	}
	a.mu.Unlock()
	_ = conn.Close()
}

func (a *Agent) closeGracefully(conn *websocket.Conn) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent stopping")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (a *Agent) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var msg hub.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading from hub: %w", err)
		}
		a.handle(ctx, msg)
	}
}

func (a *Agent) handle(ctx context.Context, msg hub.Message) {
	if msg.RequestID != "" && a.deliver(msg) {
		return
	}

	switch msg.Type {
	case hub.TypeWelcome, hub.TypePong:
		a.logger.Debug("hub message", "type", msg.Type, "server_id", msg.ServerID)
	case hub.TypeContextBroadcast:
		if a.opts.OnContext != nil && msg.Entry != nil {
			a.opts.OnContext(msg.Entry)
		}
	case hub.TypeActionRequest:
		if msg.Action != nil {
			go a.perform(ctx, msg.Action)
		}
	default:
		if a.opts.OnMessage != nil {
			a.opts.OnMessage(msg)
		}
	}
}

// perform runs the action handler and reports the outcome. Without a
// handler the action fails.
func (a *Agent) perform(ctx context.Context, action *store.ActionRecord) {
	var (
		result  any = map[string]any{"error": "no action handler"}
		success bool
	)
	if a.opts.OnAction != nil {
		result, success = a.opts.OnAction(ctx, action)
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
	defer cancel()
	if _, err := a.request(reqCtx, hub.TypeActionResult, hub.ActionResultPayload{
		ActionID: action.ID,
		Result:   result,
		Success:  success,
	}); err != nil {
		a.logger.Warn("reporting action result failed", "action_id", action.ID, "error", err)
	}
}

func (a *Agent) deliver(msg hub.Message) bool {
	a.mu.Lock()
	ch, ok := a.pending[msg.RequestID]
	if ok {
		delete(a.pending, msg.RequestID)
	}
	a.mu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

func (a *Agent) write(msgType, requestID string, payload any) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(a.opts.RequestTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(hub.Envelope[any]{Type: msgType, RequestID: requestID, Payload: payload})
}

// request sends one envelope and waits for the reply carrying its request id.
func (a *Agent) request(ctx context.Context, msgType string, payload any) (hub.Message, error) {
	id := uuid.New().String()
	ch := make(chan hub.Message, 1)

	a.mu.Lock()
	a.pending[id] = ch
	a.mu.Unlock()

	if err := a.write(msgType, id, payload); err != nil {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return hub.Message{}, err
	}

	select {
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return hub.Message{}, ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return hub.Message{}, ErrNotConnected
		}
		if msg.Type == hub.TypeError {
			return msg, &APIError{Kind: msg.Kind, Message: msg.Error}
		}
		return msg, nil
	}
}

func (a *Agent) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.opts.RequestTimeout)
}

// Publish sends a context observation and returns its entry id.
func (a *Agent) Publish(ctx context.Context, contextType string, data any, priority int) (int64, error) {
	ctx, cancel := a.bounded(ctx)
	defer cancel()

	msg, err := a.request(ctx, hub.TypeContext, hub.ContextPayload{
		ContextType: contextType,
		Data:        data,
		Priority:    &priority,
	})
	if err != nil {
		return 0, fmt.Errorf("publishing %s: %w", contextType, err)
	}
	return msg.ID, nil
}

// Query asks the hub for stored context over the live channel.
func (a *Agent) Query(ctx context.Context, q hub.QueryPayload) ([]*store.ContextEntry, error) {
	ctx, cancel := a.bounded(ctx)
	defer cancel()

	msg, err := a.request(ctx, hub.TypeQuery, q)
	if err != nil {
		return nil, fmt.Errorf("querying context: %w", err)
	}
	return msg.Entries, nil
}
