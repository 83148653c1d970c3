// ABOUTME: REST handlers for agents, context, actions, unicast/broadcast pushes and stats
// ABOUTME: Translates broker errors into {"error","kind"} bodies with matching status codes

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/XmasRock/multi-agent-conversational-system/internal/auth"
	"github.com/XmasRock/multi-agent-conversational-system/internal/broker"
	"github.com/XmasRock/multi-agent-conversational-system/internal/hub"
	"github.com/XmasRock/multi-agent-conversational-system/internal/store"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/agents", g.handleRegisterAgent)
	mux.HandleFunc("GET /api/agents", g.handleListAgents)
	mux.HandleFunc("GET /api/agents/{agent_id}", g.handleGetAgent)
	mux.HandleFunc("POST /api/agents/{agent_id}/heartbeat", g.handleHeartbeat)
	mux.HandleFunc("POST /api/agents/{agent_id}/send", g.handleSend)
	mux.HandleFunc("POST /api/broadcast", g.handleBroadcast)

	mux.HandleFunc("POST /api/context", g.handlePublishContext)
	mux.HandleFunc("GET /api/context", g.handleQueryContext)
	mux.HandleFunc("GET /api/context/latest", g.handleLatestContext)
	mux.HandleFunc("GET /api/context/current", g.handleCurrentContexts)
	mux.HandleFunc("GET /api/context/stream", g.handleContextStream)

	mux.HandleFunc("POST /api/actions", g.handleLogAction)
	mux.HandleFunc("GET /api/actions", g.handleListActions)
	mux.HandleFunc("GET /api/actions/{id}", g.handleGetAction)
	mux.HandleFunc("POST /api/actions/{id}/complete", g.handleCompleteAction)

	mux.HandleFunc("GET /api/stats", g.handleStats)
}

// ErrorResponse is the body of every failed API request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind broker.Kind) int {
	switch kind {
	case broker.KindInvalidInput, broker.KindInvalidFilter:
		return http.StatusBadRequest
	case broker.KindNotFound:
		return http.StatusNotFound
	case broker.KindConflict:
		return http.StatusConflict
	case broker.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError sends err as an ErrorResponse. Internal details never leave
// the process.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := broker.KindOf(err)
	msg := err.Error()
	if kind == broker.KindInternal {
		msg = "internal error"
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		g.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	}
	writeJSON(w, statusFor(kind), ErrorResponse{Error: msg, Kind: string(kind)})
}

// decodeBody reads a JSON body into v. Unknown fields are rejected.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decoding request body: %v", broker.ErrInvalidInput, err)
	}
	return nil
}

func invalidFilter(format string, args ...any) error {
	return fmt.Errorf("%w: %s", broker.ErrInvalidFilter, fmt.Sprintf(format, args...))
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", broker.ErrInvalidInput, fmt.Sprintf(format, args...))
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (*int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, invalidFilter("%s must be an integer, got %q", name, raw)
	}
	return &n, nil
}

// queryTime parses an optional RFC 3339 query parameter.
func queryTime(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, invalidFilter("%s must be an RFC 3339 timestamp, got %q", name, raw)
	}
	return &t, nil
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, invalidInput("action id must be a positive integer, got %q", raw)
	}
	return id, nil
}

// RegisterAgentRequest is the body of POST /api/agents.
type RegisterAgentRequest struct {
	AgentID      string            `json:"agent_id"`
	AgentType    string            `json:"agent_type"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]any    `json:"metadata"`
	Status       store.AgentStatus `json:"status,omitempty"`
}

// AgentView is an agent plus whether it holds a live channel right now.
type AgentView struct {
	*store.Agent
	Connected bool `json:"connected"`
}

func (g *Gateway) view(a *store.Agent) AgentView {
	return AgentView{Agent: a, Connected: g.hub.IsConnected(a.AgentID)}
}

func (g *Gateway) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	agent, err := g.service.RegisterAgent(r.Context(), store.Agent{
		AgentID:      req.AgentID,
		AgentType:    req.AgentType,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
		Status:       req.Status,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g.view(agent))
}

// AgentList is the body of GET /api/agents.
type AgentList struct {
	Agents []AgentView `json:"agents"`
	Count  int         `json:"count"`
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	filter := store.AgentFilter{
		Status:    store.AgentStatus(r.URL.Query().Get("status")),
		AgentType: r.URL.Query().Get("agent_type"),
	}
	agents, err := g.service.ListAgents(r.Context(), filter)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	out := AgentList{Agents: make([]AgentView, 0, len(agents))}
	for _, a := range agents {
		out.Agents = append(out.Agents, g.view(a))
	}
	out.Count = len(out.Agents)
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := g.service.GetAgent(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g.view(agent))
}

func (g *Gateway) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if err := g.service.Heartbeat(agentID); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": agentID, "status": "ok"})
}

// PushRequest is the body of the unicast and broadcast endpoints.
type PushRequest struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`

	// Broadcast filters; ignored by unicast.
	AgentType  string `json:"agent_type,omitempty"`
	Capability string `json:"capability,omitempty"`
	Exclude    string `json:"exclude,omitempty"`
}

// PushResponse reports how many live channels accepted a push.
type PushResponse struct {
	Delivered int `json:"delivered"`
}

func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	var req PushRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.Type == "" {
		g.writeError(w, r, invalidInput("type is required"))
		return
	}

	err := g.hub.Send(agentID, hub.Message{Type: req.Type, AgentID: agentID, Payload: req.Payload})
	switch {
	case errors.Is(err, hub.ErrNotConnected):
		g.writeError(w, r, fmt.Errorf("%w: agent %s has no live channel", broker.ErrNotFound, agentID))
		return
	case errors.Is(err, hub.ErrDropped), errors.Is(err, hub.ErrConnectionClosed):
		g.writeError(w, r, fmt.Errorf("%w: %v", broker.ErrUnavailable, err))
		return
	case err != nil:
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PushResponse{Delivered: 1})
}

func (g *Gateway) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.Type == "" {
		g.writeError(w, r, invalidInput("type is required"))
		return
	}
	n := g.hub.Broadcast(hub.Message{Type: req.Type, Payload: req.Payload}, hub.Filter{
		AgentType:  req.AgentType,
		Capability: req.Capability,
		Exclude:    req.Exclude,
	})
	writeJSON(w, http.StatusOK, PushResponse{Delivered: n})
}

// PublishContextRequest is the body of POST /api/context.
type PublishContextRequest struct {
	AgentID     string `json:"agent_id"`
	ContextType string `json:"context_type"`
	Data        any    `json:"data"`
	Priority    *int   `json:"priority,omitempty"`
}

func (g *Gateway) handlePublishContext(w http.ResponseWriter, r *http.Request) {
	var req PublishContextRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	entry, err := g.service.PublishContext(r.Context(), broker.PublishRequest{
		AgentID:     req.AgentID,
		ContextType: req.ContextType,
		Data:        req.Data,
		Priority:    req.Priority,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (g *Gateway) handleQueryContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := broker.ContextQuery{
		AgentID:     q.Get("agent_id"),
		ContextType: q.Get("context_type"),
		Search:      q.Get("search"),
		Order:       strings.ToLower(q.Get("order")),
	}

	var err error
	if query.PriorityMin, err = queryInt(r, "priority_min"); err != nil {
		g.writeError(w, r, err)
		return
	}
	if query.Limit, err = queryInt(r, "limit"); err != nil {
		g.writeError(w, r, err)
		return
	}
	if query.Since, err = queryTime(r, "since"); err != nil {
		g.writeError(w, r, err)
		return
	}
	if query.Until, err = queryTime(r, "until"); err != nil {
		g.writeError(w, r, err)
		return
	}

	page, err := g.service.QueryContext(r.Context(), query)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (g *Gateway) handleLatestContext(w http.ResponseWriter, r *http.Request) {
	entry, err := g.service.LatestContext(r.Context(), r.URL.Query().Get("agent_id"), r.URL.Query().Get("context_type"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (g *Gateway) handleCurrentContexts(w http.ResponseWriter, r *http.Request) {
	entries := g.service.CurrentContexts()
	if entries == nil {
		entries = []*store.ContextEntry{}
	}
	writeJSON(w, http.StatusOK, broker.ContextPage{Entries: entries, Count: len(entries)})
}

// LogActionRequest is the body of POST /api/actions.
type LogActionRequest struct {
	AgentID     string `json:"agent_id"`
	ActionType  string `json:"action_type"`
	Parameters  any    `json:"parameters"`
	RequestedBy string `json:"requested_by,omitempty"`
}

func (g *Gateway) handleLogAction(w http.ResponseWriter, r *http.Request) {
	var req LogActionRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = auth.CallerFromContext(r.Context())
	}
	rec, err := g.service.LogAction(r.Context(), broker.LogActionRequest{
		AgentID:     req.AgentID,
		ActionType:  req.ActionType,
		Parameters:  req.Parameters,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// ActionList is the body of GET /api/actions.
type ActionList struct {
	Actions []*store.ActionRecord `json:"actions"`
	Count   int                   `json:"count"`
}

func (g *Gateway) handleListActions(w http.ResponseWriter, r *http.Request) {
	filter := store.ActionFilter{
		AgentID: r.URL.Query().Get("agent_id"),
		Status:  store.ActionStatus(r.URL.Query().Get("status")),
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if limit != nil {
		filter.Limit = *limit
	}

	recs, err := g.service.ListActions(r.Context(), filter)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*store.ActionRecord{}
	}
	writeJSON(w, http.StatusOK, ActionList{Actions: recs, Count: len(recs)})
}

func (g *Gateway) handleGetAction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	rec, err := g.service.GetAction(r.Context(), id)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CompleteActionRequest is the body of POST /api/actions/{id}/complete.
type CompleteActionRequest struct {
	Result  any   `json:"result"`
	Success *bool `json:"success"`
}

func (g *Gateway) handleCompleteAction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	var req CompleteActionRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.Success == nil {
		g.writeError(w, r, invalidInput("success is required"))
		return
	}
	rec, err := g.service.CompleteAction(r.Context(), id, req.Result, *req.Success)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// StatsResponse combines stored totals with live channel and counter data.
type StatsResponse struct {
	*store.Stats
	Hub      hub.Stats       `json:"hub"`
	Counters broker.Counters `json:"counters"`
	Uptime   string          `json:"uptime"`
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := g.service.Stats(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Stats:    st,
		Hub:      g.hub.Stats(),
		Counters: g.service.Counters(),
		Uptime:   time.Since(g.startedAt).Round(time.Second).String(),
	})
}

// InfoResponse is the body of GET /.
type InfoResponse struct {
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	ServerID        string   `json:"server_id"`
	ConnectedAgents []string `json:"connected_agents"`
	Uptime          string   `json:"uptime"`
}

func (g *Gateway) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, InfoResponse{
		Name:            "mcp-hub",
		Version:         Version,
		ServerID:        g.hub.ServerID(),
		ConnectedAgents: g.hub.Connected(),
		Uptime:          time.Since(g.startedAt).Round(time.Second).String(),
	})
}
