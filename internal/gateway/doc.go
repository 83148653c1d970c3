// Package gateway runs the mcp-hub server.
//
// # Overview
//
// The gateway owns every component and exposes them over one HTTP server:
//
//	store (sqlite | postgres) -> registry -> broker.Service -> hub.Hub
//	                 cache ----------^
//
// New opens the store named by database.driver; NewWithStore accepts an
// already opened one. Run listens on server.http_addr, or on port 80 of a
// tailnet node when tailscale.enabled is set, and keeps the registry's flush
// and sweep loop running until its context is cancelled.
//
// # HTTP API
//
// Live channels:
//
//	GET  /ws/agent/{agent_id}            websocket upgrade
//
// REST:
//
//	POST /api/agents                     register an agent
//	GET  /api/agents                     list (?status=&agent_type=)
//	GET  /api/agents/{agent_id}          one agent
//	POST /api/agents/{agent_id}/heartbeat
//	POST /api/agents/{agent_id}/send     push a message to one live channel
//	POST /api/broadcast                  push to matching live channels
//	POST /api/context                    publish context
//	GET  /api/context                    query context
//	GET  /api/context/latest             newest entry for agent and type
//	GET  /api/context/current            every cached latest entry
//	GET  /api/context/stream             server-sent events
//	POST /api/actions                    log an action
//	GET  /api/actions                    list actions
//	GET  /api/actions/{id}               one action
//	POST /api/actions/{id}/complete      complete an action
//	GET  /api/stats                      totals, live channels, counters
//
// Unauthenticated:
//
//	GET  /                               service info
//	GET  /health                         200 ok, 503 degraded
//	GET  /health/ready                   200 when the store answers
//	GET  /metrics                        Prometheus text (metrics.enabled)
//
// Failed requests return {"error": "...", "kind": "..."}.
//
// # Authentication
//
// When auth.shared_secret is set, /api and /ws require a bearer token; see
// package auth.
package gateway
