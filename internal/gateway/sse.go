// ABOUTME: Server-sent event stream of published context for dashboards and curl
// ABOUTME: Streams every entry of one context type (or all) as it is published

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// sseKeepalive is how often an idle stream gets a comment line.
const sseKeepalive = 15 * time.Second

// writeSSEEvent writes one event and flushes it.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleContextStream handles GET /api/context/stream?context_type=
func (g *Gateway) handleContextStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "streaming not supported", Kind: "internal"})
		return
	}

	contextType := r.URL.Query().Get("context_type")
	entries, subID := g.hub.Stream().Subscribe(r.Context(), contextType)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSEEvent(w, flusher, "ready", map[string]string{"subscription_id": subID, "context_type": contextType}); err != nil {
		return
	}
	g.logger.Debug("context stream opened", "sub_id", subID, "context_type", contextType)

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, flusher, "context", entry); err != nil {
				g.logger.Debug("context stream write failed", "sub_id", subID, "error", err)
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
