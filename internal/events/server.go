package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/agentrelay/internal/middleware"
)

// Server exposes the Hub over a local debug HTTP surface: GET /events for
// a point-in-time snapshot, GET /events/stream for a live WebSocket feed.
// Entirely optional — nothing in the relay's correctness depends on this
// surface being mounted.
type Server struct {
	hub *Hub
	log *slog.Logger
	mux http.Handler
}

// NewServer wires a chi router the way the teacher wires its HTTP server
// (RequestID/RealIP/Recoverer + CORS), scoped to the two debug routes.
func NewServer(hub *Hub, allowedOrigins []string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{hub: hub, log: log}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(allowedOrigins))

	r.Get("/events", s.handleSnapshot)
	r.Get("/events/stream", s.handleStream)
	s.mux = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	body, err := s.hub.MarshalSnapshot()
	if err != nil {
		http.Error(w, "failed to marshal event snapshot", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.log.Warn("failed to accept dashboard websocket", "error", err)
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "stream ended")

	ch, snapshot, unsubscribe := s.hub.Subscribe(64)
	defer unsubscribe()

	ctx := r.Context()
	for _, ev := range snapshot {
		if err := s.writeEvent(ctx, ws, ev); err != nil {
			return
		}
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := s.writeEvent(ctx, ws, ev); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, ws *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
