// ABOUTME: HTTP client for the hub's REST API, used by the CLI and by tools without a live channel
// ABOUTME: Decodes {"error","kind"} failures into APIError

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/XmasRock/multi-agent-conversational-system/internal/store"
)

// APIError is a failure reported by the hub.
type APIError struct {
	Status  int    // HTTP status; zero for live channel errors
	Kind    string // invalid_input, not_found, unauthorized, ...
	Message string
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("hub returned %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("hub error (%s): %s", e.Kind, e.Message)
}

// Client calls the hub's REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the hub at baseURL. token may be empty.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	// /health reports a degraded hub with 503 and a normal body
	if resp.StatusCode >= 400 && !(path == "/health" && resp.StatusCode == http.StatusServiceUnavailable) {
		apiErr := &APIError{Status: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil {
			apiErr.Kind, apiErr.Message = e.Kind, e.Error
		} else {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Health is the hub's health report.
type Health struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies"`
	Agents       int               `json:"agents"`
	CachedKeys   int               `json:"cached_keys"`
}

// Health fetches /health. A degraded hub is not an error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// AgentInfo is a registered agent and whether it holds a live channel.
type AgentInfo struct {
	store.Agent
	Connected bool `json:"connected"`
}

// ListAgents returns agents, optionally filtered by status and type.
func (c *Client) ListAgents(ctx context.Context, status, agentType string) ([]AgentInfo, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if agentType != "" {
		q.Set("agent_type", agentType)
	}
	path := "/api/agents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Agents []AgentInfo `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// Stats is the hub's summary of stored data, live channels and counters.
type Stats struct {
	store.Stats
	Hub struct {
		Connections int   `json:"connections"`
		Dropped     int64 `json:"dropped"`
		Subscribers int   `json:"stream_subscribers"`
	} `json:"hub"`
	Counters map[string]int64 `json:"counters"`
	Uptime   string           `json:"uptime"`
}

// Stats fetches /api/stats.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// LogAction asks an agent to perform an action and returns the pending record.
func (c *Client) LogAction(ctx context.Context, agentID, actionType string, parameters any) (*store.ActionRecord, error) {
	body := map[string]any{
		"agent_id":    agentID,
		"action_type": actionType,
		"parameters":  parameters,
	}
	var rec store.ActionRecord
	if err := c.do(ctx, http.MethodPost, "/api/actions", body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
