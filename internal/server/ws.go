package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/basket/taskdeck/internal/errdefs"
	"github.com/basket/taskdeck/internal/wire"
)

// wsTransport adapts one websocket connection to the hub's Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteFrame(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) CloseNow() {
	_ = t.conn.CloseNow()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library;
		// the allowlist only opens additional origins.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	id := s.cfg.Hub.Register(&wsTransport{conn: conn})
	defer func() {
		s.cfg.Hub.Unregister(id)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			s.logger.Debug("socket read ended", "client_id", id, "error", err)
			return
		}
		frame, err := wire.DecodeFrame(data)
		if err != nil {
			// Unknown or missing type is tolerated; the connection stays up.
			if errdefs.IsValidation(err) {
				s.logger.Warn("socket frame rejected", "client_id", id, "error", err)
				continue
			}
			// Malformed JSON closes the connection.
			s.logger.Warn("malformed socket frame, closing", "client_id", id, "error", err)
			_ = conn.Close(websocket.StatusUnsupportedData, "malformed frame")
			return
		}

		switch frame.Type {
		case wire.TypeSubscribe, wire.TypeUnsubscribe:
			s.applyFilters(id, frame)
		default:
			s.logger.Debug("inbound frame ignored", "client_id", id, "type", frame.Type)
		}
	}
}

// applyFilters mutates the connection's subscription sets and acks with the
// resulting filters. The ack goes through the connection's ordered queue so
// it cannot overtake broadcasts published before it.
func (s *Server) applyFilters(id string, frame *wire.Frame) {
	var filters wire.SubscribeFilters
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &filters); err != nil {
			s.logger.Warn("subscribe payload rejected", "client_id", id, "error", err)
			return
		}
	}

	var workspaces, tasks []string
	if frame.Type == wire.TypeSubscribe {
		workspaces, tasks = s.cfg.Hub.Subscribe(id, filters.Workspaces, filters.Tasks)
	} else {
		workspaces, tasks = s.cfg.Hub.Unsubscribe(id, filters.Workspaces, filters.Tasks)
	}
	if workspaces == nil && tasks == nil {
		// Connection raced away between read and apply.
		return
	}

	s.cfg.Hub.SendTo(id, wire.New(wire.TypeSubscribed, wire.SubscribedPayload{
		Workspaces: workspaces,
		Tasks:      tasks,
	}))
}
