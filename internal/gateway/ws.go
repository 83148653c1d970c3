// ABOUTME: Websocket endpoint for agent live channels
// ABOUTME: Upgrades /ws/agent/{agent_id} and hands the connection to the hub

package gateway

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/XmasRock/multi-agent-conversational-system/internal/hub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     isWebSocketOriginAllowed,
}

// isWebSocketOriginAllowed accepts non-browser clients (no Origin) and
// same-host browser pages.
func isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsedOrigin.Host) == "" {
		return false
	}
	return strings.EqualFold(parsedOrigin.Host, r.Host)
}

func (g *Gateway) handleAgentChannel(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimSpace(r.PathValue("agent_id"))
	if agentID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "agent_id is required", Kind: "invalid_input"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.logger.Warn("websocket upgrade failed", "agent_id", agentID, "remote", r.RemoteAddr, "error", err)
		return
	}

	t := hub.NewWebsocketTransport(conn, g.config.Hub.WriteTimeout, g.config.Hub.MaxMessageBytes)
	if err := g.hub.Serve(r.Context(), agentID, t); err != nil {
		g.logger.Info("agent channel ended", "agent_id", agentID, "error", err)
		return
	}
	g.logger.Debug("agent channel ended", "agent_id", agentID)
}
