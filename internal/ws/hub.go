package ws

import (
	"context"
	"errors"
	"log/slog"

	"zvonok/internal/calls"
	"zvonok/internal/chat"
	"zvonok/internal/content"
	"zvonok/internal/logging"
	"zvonok/internal/models"
	"zvonok/internal/presence"
	"zvonok/internal/signaling"
)

type Directory interface {
	GetUser(id string) (models.User, error)
	ListUsers() ([]models.User, error)
}

// Store is everything the hub persists through.
type Store interface {
	Directory
	chat.Store
	calls.Store
}

type Config struct {
	Store         Store
	SingleSession bool
	Mirror        presence.Mirror
	Logger        *slog.Logger
}

type handlerFunc func(ctx context.Context, user models.User, origin presence.Handle, msg models.ClientMessage) error

// Hub wires presence, messaging and call signaling together and routes
// every inbound message kind through one dispatch table.
type Hub struct {
	directory Directory
	registry  *presence.Registry
	relay     *chat.Relay
	tracker   *calls.Tracker
	router    *signaling.Router
	handlers  map[models.ClientMessageType]handlerFunc
	log       *slog.Logger
}

func NewHub(cfg Config) *Hub {
	log := logging.OrDefault(cfg.Logger)
	h := &Hub{
		directory: cfg.Store,
		log:       log,
	}

	// The registry needs unread counts and the relay delivers through the
	// registry, so counts are looked up late.
	unread := presence.UnreadCounterFunc(func(ctx context.Context, ownerID string) (map[string]int, error) {
		return h.relay.UnreadCounts(ctx, ownerID)
	})

	h.registry = presence.NewRegistry(presence.Config{
		SingleSession: cfg.SingleSession,
		Directory:     cfg.Store,
		Unread:        unread,
		Mirror:        cfg.Mirror,
		Logger:        log,
	})
	h.relay = chat.NewRelay(chat.Config{Store: cfg.Store, Deliverer: h.registry, Logger: log})
	h.tracker = calls.NewTracker(calls.Config{Store: cfg.Store, Directory: cfg.Store, Logger: log})
	h.router = signaling.NewRouter(signaling.Config{History: h.tracker, Deliverer: h.registry, Logger: log})

	h.handlers = map[models.ClientMessageType]handlerFunc{
		models.ClientMessageTypeLoadHistory: h.handleLoadHistory,
		models.ClientMessageTypeSend:        h.handleSend,
		models.ClientMessageTypeTyping:      h.handleTyping,
		models.ClientMessageTypeOffer:       h.handleOffer,
		models.ClientMessageTypeAnswer:      h.handleAnswer,
		models.ClientMessageTypeCandidate:   h.handleCandidate,
		models.ClientMessageTypeEndCall:     h.handleEndCall,
		models.ClientMessageTypeDeclineCall: h.handleDeclineCall,
		models.ClientMessageTypeCancelCall:  h.handleCancelCall,
		models.ClientMessageTypeListUsers:   h.handleListUsers,
	}

	return h
}

func (h *Hub) Registry() *presence.Registry { return h.registry }
func (h *Hub) Relay() *chat.Relay           { return h.relay }
func (h *Hub) Calls() *calls.Tracker        { return h.tracker }

func (h *Hub) Join(ctx context.Context, user models.User, handle presence.Handle) {
	h.registry.Register(ctx, user, handle)
}

func (h *Hub) Leave(ctx context.Context, user models.User, handle presence.Handle) {
	if offline := h.registry.Unregister(ctx, user.ID, handle); !offline {
		return
	}
	if n := h.router.ForgetUser(user.ID); n > 0 {
		h.log.InfoContext(ctx, "call sessions dropped on disconnect", logging.User(user.ID), slog.Int("sessions", n))
	}
}

// Dispatch runs the handler for msg. Failures are reported to the
// originating connection only and never end it.
func (h *Hub) Dispatch(ctx context.Context, user models.User, origin presence.Handle, msg models.ClientMessage) {
	handler, ok := h.handlers[msg.Type]
	if !ok {
		h.replyError(origin, msg, "unknown_type", "unknown message type")
		return
	}

	if err := handler(ctx, user, origin, msg); err != nil {
		code := errorCode(err)
		if code == "internal" {
			h.log.ErrorContext(ctx, "message handling failed", logging.User(user.ID), slog.String("type", string(msg.Type)), logging.Err(err))
			h.replyError(origin, msg, code, "internal error")
			return
		}
		h.log.DebugContext(ctx, "message rejected", logging.User(user.ID), slog.String("type", string(msg.Type)), logging.Err(err))
		h.replyError(origin, msg, code, err.Error())
	}
}

func (h *Hub) handleLoadHistory(ctx context.Context, user models.User, origin presence.Handle, msg models.ClientMessage) error {
	if err := requirePeer(msg); err != nil {
		return err
	}
	page := max(msg.Page, 1)
	messages, err := h.relay.LoadHistory(ctx, user.ID, msg.To, page)
	if err != nil {
		return err
	}
	origin.Send(models.ServerMessage{
		Type:     models.ServerMessageTypeHistoryPage,
		Peer:     msg.To,
		Page:     page,
		Messages: messages,
	})

	// Loading may have acknowledged messages; refresh this user's counts.
	list, err := h.registry.Snapshot(ctx, user.ID)
	if err != nil {
		return err
	}
	h.registry.Deliver(user.ID, models.ServerMessage{Type: models.ServerMessageTypeOnlineUsers, Users: list})
	return nil
}

func (h *Hub) handleSend(ctx context.Context, user models.User, origin presence.Handle, msg models.ClientMessage) error {
	if err := h.requireKnownPeer(msg); err != nil {
		return err
	}
	sent, err := h.relay.Send(ctx, user.ID, msg.To, msg.Content)
	if err != nil {
		return err
	}
	origin.Send(models.ServerMessage{
		Type:     models.ServerMessageTypeSent,
		Peer:     msg.To,
		Message:  &sent,
		ClientID: msg.ClientID,
	})
	return nil
}

func (h *Hub) handleTyping(_ context.Context, user models.User, _ presence.Handle, msg models.ClientMessage) error {
	if err := requirePeer(msg); err != nil {
		return err
	}
	chat.NotifyTyping(h.registry, user.ID, msg.To)
	return nil
}

func (h *Hub) handleOffer(ctx context.Context, user models.User, _ presence.Handle, msg models.ClientMessage) error {
	if err := h.requireKnownPeer(msg); err != nil {
		return err
	}
	_, err := h.router.RelayOffer(ctx, user.ID, msg.To, msg.Description, msg.CallType)
	return err
}

func (h *Hub) handleAnswer(ctx context.Context, user models.User, _ presence.Handle, msg models.ClientMessage) error {
	if err := requirePeer(msg); err != nil {
		return err
	}
	_, err := h.router.RelayAnswer(ctx, user.ID, msg.To, msg.Description)
	return err
}

func (h *Hub) handleCandidate(ctx context.Context, user models.User, _ presence.Handle, msg models.ClientMessage) error {
	if err := requirePeer(msg); err != nil {
		return err
	}
	_, err := h.router.RelayCandidate(ctx, user.ID, msg.To, msg.Candidate)
	return err
}

func (h *Hub) handleEndCall(ctx context.Context, user models.User, _ presence.Handle, msg models.ClientMessage) error {
	if err := requirePeer(msg); err != nil {
		return err
	}
	_, err := h.router.EndCall(ctx, user.ID, msg.To)
	return err
}

// decline_call is sent by the receiver; To names the caller.
func (h *Hub) handleDeclineCall(ctx context.Context, user models.User, _ presence.Handle, msg models.ClientMessage) error {
	if err := requirePeer(msg); err != nil {
		return err
	}
	_, err := h.router.DeclineCall(ctx, user.ID, msg.To)
	return err
}

func (h *Hub) handleCancelCall(ctx context.Context, user models.User, _ presence.Handle, msg models.ClientMessage) error {
	if err := requirePeer(msg); err != nil {
		return err
	}
	_, err := h.router.CancelCall(ctx, user.ID, msg.To)
	return err
}

func (h *Hub) handleListUsers(ctx context.Context, user models.User, origin presence.Handle, _ models.ClientMessage) error {
	list, err := h.registry.Snapshot(ctx, user.ID)
	if err != nil {
		return err
	}
	origin.Send(models.ServerMessage{Type: models.ServerMessageTypeOnlineUsers, Users: list})
	return nil
}

func (h *Hub) requireKnownPeer(msg models.ClientMessage) error {
	if err := requirePeer(msg); err != nil {
		return err
	}
	_, err := h.directory.GetUser(msg.To)
	return err
}

func (h *Hub) replyError(origin presence.Handle, msg models.ClientMessage, code, text string) {
	origin.Send(models.ServerMessage{
		Type:  models.ServerMessageTypeError,
		Peer:  msg.To,
		Error: &models.ErrorPayload{Code: code, Message: text, Request: string(msg.Type)},
	})
}

func requirePeer(msg models.ClientMessage) error {
	if msg.To == "" {
		return errors.Join(models.ErrMalformedPayload, errors.New("missing recipient"))
	}
	return nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, models.ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, models.ErrNotFound):
		return "unknown_peer"
	case errors.Is(err, models.ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, content.ErrMessageTooLong):
		return "message_too_long"
	case errors.Is(err, models.ErrSelfAddressed):
		return "self_addressed"
	default:
		return "internal"
	}
}
