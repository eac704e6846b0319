package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zvonok/internal/content"
	"zvonok/internal/logging"
	"zvonok/internal/models"
)

// PageSize is the number of messages in one history page.
const PageSize = 10

type Store interface {
	CreateMessage(message models.Message) (models.Message, error)
	LoadConversationPage(ownerID, peerID string, page, size int) ([]models.Message, error)
	CountUnread(ownerID, peerID string) (int, error)
	UnreadCounts(ownerID string) (map[string]int, error)
}

// Deliverer pushes an event to every live connection of a user and reports
// how many accepted it.
type Deliverer interface {
	Deliver(userID string, msg models.ServerMessage) int
}

type Config struct {
	Store     Store
	Deliverer Deliverer
	Logger    *slog.Logger
}

// Relay persists direct messages and serves them back page by page.
type Relay struct {
	store     Store
	deliverer Deliverer
	log       *slog.Logger
	now       func() time.Time
}

func NewRelay(config Config) *Relay {
	return &Relay{
		store:     config.Store,
		deliverer: config.Deliverer,
		log:       logging.OrDefault(config.Logger),
		now:       time.Now,
	}
}

// LoadHistory returns page N (1-based, newest page first) of the
// conversation between owner and peer in ascending timestamp order.
//
// Loading history acknowledges it: every returned message addressed to owner
// is marked read and persisted before LoadHistory returns, and the returned
// messages carry the acknowledged state.
func (r *Relay) LoadHistory(ctx context.Context, ownerID, peerID string, page int) ([]models.Message, error) {
	if page < 1 {
		page = 1
	}
	messages, err := r.store.LoadConversationPage(ownerID, peerID, page, PageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	r.log.DebugContext(ctx, "history loaded", logging.User(ownerID), logging.Peer(peerID), slog.Int("page", page), slog.Int("count", len(messages)))
	return messages, nil
}

// Send persists a new unread message and hands it to the receiver's live
// connections. An offline receiver is not an error: the message waits in
// history.
func (r *Relay) Send(ctx context.Context, senderID, receiverID, text string) (models.Message, error) {
	if senderID == receiverID {
		return models.Message{}, models.ErrSelfAddressed
	}
	clean, err := content.Message(text)
	if err != nil {
		return models.Message{}, err
	}

	msg, err := r.store.CreateMessage(models.Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    clean,
		Timestamp:  r.now().UTC(),
		IsRead:     false,
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to persist message: %w", err)
	}

	delivered := r.deliverer.Deliver(receiverID, models.ServerMessage{
		Type:    models.ServerMessageTypeDelivered,
		From:    senderID,
		Message: &msg,
	})
	r.log.DebugContext(ctx, "message sent", logging.User(senderID), logging.Peer(receiverID), slog.Int64("message_id", msg.ID), slog.Int("delivered", delivered))
	return msg, nil
}

// UnreadCount counts unread messages from peer to owner.
func (r *Relay) UnreadCount(_ context.Context, ownerID, peerID string) (int, error) {
	n, err := r.store.CountUnread(ownerID, peerID)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread: %w", err)
	}
	return n, nil
}

// UnreadCounts returns unread counts for owner keyed by peer.
func (r *Relay) UnreadCounts(_ context.Context, ownerID string) (map[string]int, error) {
	return r.store.UnreadCounts(ownerID)
}
