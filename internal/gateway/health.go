// ABOUTME: Health, readiness and Prometheus metrics endpoints
// ABOUTME: These stay reachable without a token

package gateway

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/XmasRock/multi-agent-conversational-system/internal/broker"
	"github.com/XmasRock/multi-agent-conversational-system/internal/store"
)

// handleHealth reports status and per-dependency reachability.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := g.service.Health(r.Context())
	status := http.StatusOK
	if h.Status != broker.HealthOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// handleReady reports whether the store accepts queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type metric struct {
	name   string
	help   string
	kind   string // counter or gauge
	values []sample
}

type sample struct {
	labels string
	value  float64
}

// handleMetrics writes the Prometheus text exposition format.
func (g *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	byStatus := map[store.AgentStatus]int{
		store.AgentActive:   0,
		store.AgentInactive: 0,
		store.AgentError:    0,
	}
	for _, a := range g.registry.Snapshot() {
		byStatus[a.Status]++
	}
	statuses := make([]string, 0, len(byStatus))
	for s := range byStatus {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	agentSamples := make([]sample, 0, len(statuses))
	for _, s := range statuses {
		agentSamples = append(agentSamples, sample{
			labels: fmt.Sprintf(`{status=%q}`, s),
			value:  float64(byStatus[store.AgentStatus(s)]),
		})
	}

	hs := g.hub.Stats()
	c := g.service.Counters()
	metrics := []metric{
		{"mcp_hub_agents", "Registered agents by status.", "gauge", agentSamples},
		{"mcp_hub_connections", "Agents with a live channel.", "gauge", []sample{{value: float64(hs.Connections)}}},
		{"mcp_hub_stream_subscribers", "Open context event streams.", "gauge", []sample{{value: float64(hs.Subscribers)}}},
		{"mcp_hub_cache_entries", "Latest-context cache entries.", "gauge", []sample{{value: float64(g.cache.Len())}}},
		{"mcp_hub_dropped_messages_total", "Outbound messages shed under backpressure.", "counter", []sample{{value: float64(hs.Dropped)}}},
		{"mcp_hub_contexts_published_total", "Context entries published.", "counter", []sample{{value: float64(c.ContextsPublished)}}},
		{"mcp_hub_actions_logged_total", "Actions logged.", "counter", []sample{{value: float64(c.ActionsLogged)}}},
		{"mcp_hub_actions_completed_total", "Actions completed.", "counter", []sample{{value: float64(c.ActionsCompleted)}}},
		{"mcp_hub_degraded_reads_total", "Reads answered from the cache while the store was down.", "counter", []sample{{value: float64(c.DegradedReads)}}},
		{"mcp_hub_errors_total", "Requests that failed on the server side.", "counter", []sample{{value: float64(c.Errors)}}},
		{"mcp_hub_uptime_seconds", "Seconds since the gateway started.", "gauge", []sample{{value: time.Since(g.startedAt).Seconds()}}},
	}

	var b strings.Builder
	for _, m := range metrics {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n", m.name, m.help, m.name, m.kind)
		for _, s := range m.values {
			fmt.Fprintf(&b, "%s%s %g\n", m.name, s.labels, s.value)
		}
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}
