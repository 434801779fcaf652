package ws

import (
	"log/slog"
	"net/http"

	"campuschat/internal/auth"

	"github.com/gorilla/websocket"
)

// Server authenticates websocket handshakes and hands accepted
// connections to the hub. A bad credential is rejected with 401 before
// the upgrade, so no event handler ever runs for it.
type Server struct {
	auth     *auth.Service
	hub      *Hub
	upgrader *websocket.Upgrader
}

func NewServer(authService *auth.Service, hub *Hub) *Server {
	return &Server{
		auth: authService,
		hub:  hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.VerifyToken(auth.BearerToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade websocket", "error", err)
		return
	}

	c := NewConnection(s.hub, conn, userID)
	if err := c.Handle(r.Context()); err != nil {
		slog.Debug("connection closed", "user_id", userID, "error", err)
	}
}
