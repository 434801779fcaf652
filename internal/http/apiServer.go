package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"campuschat/internal/api"
	"campuschat/internal/auth"
	"campuschat/internal/storage"
	"campuschat/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(authService *auth.Service, hub *ws.Hub, store *storage.BboltStorage, addr string) *APIServer {
	wsServer := ws.NewServer(authService, hub)
	apiHandlers := api.New(authService, store)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", apiHandlers.HealthHandler)

	// Account endpoints
	mux.HandleFunc("POST /api/auth/register", apiHandlers.RegisterHandler)
	mux.HandleFunc("POST /api/auth/login", apiHandlers.LoginHandler)

	// Messaging REST surface
	mux.HandleFunc("GET /api/chat/conversations", apiHandlers.RequireAuth(apiHandlers.ConversationsHandler))
	mux.HandleFunc("POST /api/chat/conversations", apiHandlers.RequireAuth(apiHandlers.CreateConversationHandler))
	mux.HandleFunc("GET /api/chat/conversations/{id}/messages", apiHandlers.RequireAuth(apiHandlers.MessagesHandler))
	mux.HandleFunc("PATCH /api/chat/conversations/{id}/read", apiHandlers.RequireAuth(apiHandlers.MarkReadHandler))
	mux.HandleFunc("DELETE /api/chat/messages/{id}", apiHandlers.RequireAuth(apiHandlers.DeleteMessageHandler))
	mux.HandleFunc("GET /api/chat/users/search", apiHandlers.RequireAuth(apiHandlers.SearchUsersHandler))

	// WebSocket endpoint
	mux.HandleFunc("/api/chat/ws", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
