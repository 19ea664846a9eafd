package httpapi

import (
	"net/http"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleCaseEvents streams execution-status-changed events for one case over
// a websocket. The stream is a convenience view; a client that reconnects
// re-reads current state from the REST surface.
func (s *Server) handleCaseEvents(w http.ResponseWriter, r *http.Request, caseID string) {
	correlationID := getCorrelationID(r)
	caseID = strings.TrimSpace(caseID)
	if caseID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "case id is required", correlationID)
		return
	}
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "realtime notifier not configured", correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.cfg.Logger.Warn("websocket accept failed", "caseId", caseID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	changes, cancel := s.hub.Subscribe(caseID)
	defer cancel()

	// CloseRead also fails the context when the client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case change, ok := <-changes:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, change); err != nil {
				return
			}
		}
	}
}
