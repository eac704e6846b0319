package ws

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"zvonok/internal/auth"
	"zvonok/internal/logging"
	"zvonok/internal/models"
)

type Authenticator interface {
	Authenticate(token string) (models.User, error)
}

type Server struct {
	ctx      context.Context
	auth     Authenticator
	hub      *Hub
	upgrader *websocket.Upgrader
	log      *slog.Logger
}

// NewServer creates the websocket endpoint. Connections live until ctx is
// cancelled or the client goes away.
func NewServer(ctx context.Context, authenticator Authenticator, hub *Hub, logger *slog.Logger) *Server {
	return &Server{
		ctx:  ctx,
		auth: authenticator,
		hub:  hub,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logging.OrDefault(logger),
	}
}

// HandleConnections upgrades an authenticated request. An optional ?peer=
// query loads the first history page with that peer right after joining.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, err := s.auth.Authenticate(auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var initial []models.ClientMessage
	if peer := r.URL.Query().Get("peer"); peer != "" && peer != user.ID {
		initial = append(initial, models.ClientMessage{
			Type: models.ClientMessageTypeLoadHistory,
			To:   peer,
			Page: 1,
		})
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("error upgrading to websocket", logging.User(user.ID), logging.Err(err))
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(r.Context(), cancel)
	defer stop()

	s.log.Info("websocket connected", logging.User(user.ID), slog.String("remote", r.RemoteAddr))
	conn := NewConnection(s.hub, ws, user, initial...)
	if err := conn.Handle(ctx); err != nil {
		s.log.Debug("websocket closed", logging.User(user.ID), logging.Err(err))
		return
	}
	s.log.Debug("websocket closed", logging.User(user.ID))
}
