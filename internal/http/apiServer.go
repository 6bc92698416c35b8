package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"circle/internal/api"
	"circle/internal/ws"
)

type APIServer struct {
	server *http.Server
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewAPIServer(apiHandlers *api.API, wsServer *ws.Server, addr string, logger *slog.Logger) *APIServer {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/me", apiHandlers.MeHandler)
	mux.HandleFunc("GET /api/rooms", apiHandlers.RequireAuth(apiHandlers.RoomsHandler))
	mux.HandleFunc("GET /api/rooms/{roomId}", apiHandlers.RequireAuth(apiHandlers.RoomHandler))
	mux.HandleFunc("GET /api/rooms/{roomId}/messages", apiHandlers.RequireAuth(apiHandlers.MessagesHandler))

	// WebSocket endpoint, authenticated during the upgrade
	mux.HandleFunc("GET /api/rooms/{roomId}/ws", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger,
	}
}

// Handler exposes the routes, for serving them from a test server.
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	s.logger.Info("API server started", "addr", s.server.Addr)
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
