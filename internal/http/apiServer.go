package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"zvonok/internal/api"
	"zvonok/internal/auth"
	"zvonok/internal/logging"
	"zvonok/internal/ws"
)

type APIServer struct {
	server *http.Server
	log    *slog.Logger
	wg     sync.WaitGroup
}

// NewAPIServer serves the REST endpoints and the websocket. ctx bounds the
// lifetime of upgraded connections, which http.Server.Shutdown does not track.
func NewAPIServer(ctx context.Context, authService *auth.AuthService, hub *ws.Hub, directory api.Directory, addr string, logger *slog.Logger) *APIServer {
	logger = logging.OrDefault(logger)
	server := ws.NewServer(ctx, authService, hub, logger)
	apiHandlers := api.New(api.Config{
		Auth:      authService,
		Directory: directory,
		Presence:  hub.Registry(),
		Messages:  hub.Relay(),
		Calls:     hub.Calls(),
		Logger:    logger,
	})

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))
	mux.HandleFunc("GET /api/users", apiHandlers.RequireAuth(apiHandlers.UsersHandler))
	mux.HandleFunc("GET /api/messages/{peerId}", apiHandlers.RequireAuth(apiHandlers.MessagesHandler))
	mux.HandleFunc("GET /api/call-history", apiHandlers.RequireAuth(apiHandlers.CallHistoryHandler))
	mux.HandleFunc("GET /api/call-history/{userId}", apiHandlers.RequireAuth(apiHandlers.CallHistoryWithHandler))
	mux.HandleFunc("POST /api/calls/{callId}/status", apiHandlers.RequireAuth(apiHandlers.UpdateCallStatusHandler))

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", server.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: logger,
	}
}

func (s *APIServer) Start() error {
	s.log.Info("API server started", slog.String("addr", s.server.Addr))
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
