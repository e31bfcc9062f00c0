package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/clawinfra/storedesk/internal/cloudsync"
)

// connectivityRequest is an environment signal posted by the host.
type connectivityRequest struct {
	Online *bool `json:"online"`
}

// handleConnectivity reports (GET) or sets (POST) the connectivity reading.
func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	monitor := s.manager.Monitor()

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"state": monitor.State(),
			"since": monitor.Since(),
		})

	case http.MethodPost:
		var req connectivityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
			writeError(w, http.StatusBadRequest, `body must be {"online": true|false}`)
			return
		}
		changed := monitor.Set(*req.Online)
		writeJSON(w, http.StatusOK, map[string]any{
			"state":   monitor.State(),
			"changed": changed,
		})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleEvents streams status events over a websocket. The first frame is
// the current status; slow clients lose intermediate events, never the
// connection.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	events := make(chan cloudsync.Event, s.eventBuffer)
	unsubscribe := s.manager.SubscribeStatus(func(ev cloudsync.Event) {
		select {
		case events <- ev:
		default:
			s.logger.Debug("event dropped for slow client", "type", ev.Type)
		}
	})
	defer unsubscribe()

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	st, err := s.manager.Status(ctx)
	if err != nil {
		s.logger.Warn("status unavailable", "error", err)
	}
	if err := s.send(ctx, conn, cloudsync.Event{Type: "status", Status: st}); err != nil {
		return
	}

	s.logger.Debug("events client connected", "remote", r.RemoteAddr)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := s.send(ctx, conn, ev); err != nil {
				s.logger.Debug("events client gone", "error", err)
				return
			}
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, ev cloudsync.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
