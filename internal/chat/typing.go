package chat

import (
	"time"

	"zvonok/internal/models"
)

// TypingTimeout is how long a receiver shows the indicator. There is no
// "stopped typing" event; receivers clear the indicator themselves.
const TypingTimeout = 2 * time.Second

// NotifyTyping tells the recipient's live connections that from is typing.
// Nothing is persisted and nothing is acknowledged.
func NotifyTyping(d Deliverer, fromID, toID string) bool {
	if fromID == toID {
		return false
	}
	return d.Deliver(toID, models.ServerMessage{
		Type: models.ServerMessageTypeTyping,
		From: fromID,
		TTL:  TypingTimeout.Milliseconds(),
	}) > 0
}
