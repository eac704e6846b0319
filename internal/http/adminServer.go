package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"zvonok/internal/api"
	"zvonok/internal/logging"
)

type AdminServer struct {
	server *http.Server
	log    *slog.Logger
	wg     sync.WaitGroup
}

func NewAdminServer(users api.UserCreator, tokens api.TokenIssuer, baseURL, addr string, logger *slog.Logger) *AdminServer {
	logger = logging.OrDefault(logger)
	adminHandler := api.NewAdminHandler(users, tokens, baseURL, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/users", adminHandler.AddUserHandler)

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: logger,
	}
}

func (s *AdminServer) Start() error {
	s.log.Info("admin API started", slog.String("addr", s.server.Addr))
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
