package server

import (
	"fmt"
	"net/http"

	tdotel "github.com/basket/taskdeck/internal/otel"
)

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := s.cfg.Streams.Register()
	defer s.cfg.Streams.Close(client)

	ctx, span := tdotel.StartServerSpan(r.Context(), s.tracer, "stream.serve",
		tdotel.AttrClientID.String(client.ID()))
	defer span.End()

	s.logger.Debug("push stream opened", "client_id", client.ID())

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case data, ok := <-client.Frames():
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				s.logger.Debug("push stream write failed", "client_id", client.ID(), "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
