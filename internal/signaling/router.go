package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"zvonok/internal/logging"
	"zvonok/internal/models"
)

type History interface {
	StartCall(ctx context.Context, callerID, receiverID string, callType models.CallType) (int64, error)
	UpdateByParticipants(ctx context.Context, callerID, receiverID string, status models.CallStatus, endTime *time.Time, duration *int) (models.CallHistory, bool, error)
}

type Deliverer interface {
	Deliver(userID string, msg models.ServerMessage) int
}

type Config struct {
	History   History
	Deliverer Deliverer
	Logger    *slog.Logger
}

type sessionKey struct {
	caller, receiver string
}

// Router relays negotiation payloads between two identities and drives the
// call history from the signals it sees. Delivery is at most once; an
// offline recipient simply misses the signal.
type Router struct {
	history   History
	deliverer Deliverer
	log       *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[sessionKey]int64
}

func NewRouter(config Config) *Router {
	return &Router{
		history:   config.History,
		deliverer: config.Deliverer,
		log:       logging.OrDefault(config.Logger),
		now:       time.Now,
		sessions:  make(map[sessionKey]int64),
	}
}

// RelayOffer records a new call and forwards the offer verbatim. The call
// record is written before delivery is attempted, so an offline receiver
// leaves an initiated record behind.
func (r *Router) RelayOffer(ctx context.Context, senderID, receiverID string, description json.RawMessage, callType models.CallType) (bool, error) {
	if senderID == receiverID {
		return false, models.ErrSelfAddressed
	}
	if callType == "" {
		callType = models.CallTypeVideo
	}
	if !callType.Valid() {
		return false, fmt.Errorf("%w: call type %q", models.ErrMalformedPayload, callType)
	}
	if _, err := ParseDescription(description, webrtc.SDPTypeOffer); err != nil {
		return false, err
	}

	id, err := r.history.StartCall(ctx, senderID, receiverID, callType)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	r.sessions[sessionKey{senderID, receiverID}] = id
	r.mu.Unlock()

	return r.deliver(ctx, receiverID, models.ServerMessage{
		Type:        models.ServerMessageTypeOffer,
		From:        senderID,
		Description: description,
		CallType:    callType,
	}), nil
}

func (r *Router) RelayAnswer(ctx context.Context, senderID, receiverID string, description json.RawMessage) (bool, error) {
	if _, err := ParseDescription(description, webrtc.SDPTypeAnswer); err != nil {
		return false, err
	}
	return r.deliver(ctx, receiverID, models.ServerMessage{
		Type:        models.ServerMessageTypeAnswer,
		From:        senderID,
		Description: description,
	}), nil
}

// RelayCandidate forwards a candidate verbatim. Ordering against the
// session description is the receiver's concern.
func (r *Router) RelayCandidate(ctx context.Context, senderID, receiverID string, candidate json.RawMessage) (bool, error) {
	if _, err := ParseCandidate(candidate); err != nil {
		return false, err
	}
	return r.deliver(ctx, receiverID, models.ServerMessage{
		Type:      models.ServerMessageTypeCandidate,
		From:      senderID,
		Candidate: candidate,
	}), nil
}

// EndCall forwards the hang-up and completes the call with a duration
// measured up to now. Either party may hang up.
func (r *Router) EndCall(ctx context.Context, senderID, receiverID string) (bool, error) {
	delivered := r.deliver(ctx, receiverID, models.ServerMessage{
		Type: models.ServerMessageTypeCallEnded,
		From: senderID,
	})

	end := r.now().UTC()
	callerID, calleeID, known := r.takeSession(senderID, receiverID)
	_, found, err := r.history.UpdateByParticipants(ctx, callerID, calleeID, models.CallStatusCompleted, &end, nil)
	if err == nil && !found && !known {
		// No live session to tell who called. Try the other direction.
		_, _, err = r.history.UpdateByParticipants(ctx, calleeID, callerID, models.CallStatusCompleted, &end, nil)
	}
	return delivered, err
}

// DeclineCall tells the caller the receiver declined. The record is looked
// up as (caller, decliner).
func (r *Router) DeclineCall(ctx context.Context, receiverID, callerID string) (bool, error) {
	delivered := r.deliver(ctx, callerID, models.ServerMessage{
		Type: models.ServerMessageTypeCallDeclined,
		From: receiverID,
	})
	r.dropSession(callerID, receiverID)
	_, _, err := r.history.UpdateByParticipants(ctx, callerID, receiverID, models.CallStatusDeclined, nil, nil)
	return delivered, err
}

// CancelCall is the caller giving up before the call was answered.
func (r *Router) CancelCall(ctx context.Context, callerID, receiverID string) (bool, error) {
	delivered := r.deliver(ctx, receiverID, models.ServerMessage{
		Type: models.ServerMessageTypeCallCancelled,
		From: callerID,
	})
	r.dropSession(callerID, receiverID)
	_, _, err := r.history.UpdateByParticipants(ctx, callerID, receiverID, models.CallStatusCancelled, nil, nil)
	return delivered, err
}

// ForgetUser drops live sessions involving the user without touching
// history and reports how many it dropped. Records of calls cut off this way
// stay initiated.
func (r *Router) ForgetUser(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for k := range r.sessions {
		if k.caller == userID || k.receiver == userID {
			delete(r.sessions, k)
			dropped++
		}
	}
	return dropped
}

// activeCall returns the history id of the live session for the ordered pair.
func (r *Router) activeCall(callerID, receiverID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.sessions[sessionKey{callerID, receiverID}]
	return id, ok
}

// takeSession resolves which side placed the call between a and b and
// removes the session. Without a session a is assumed to be the caller.
func (r *Router) takeSession(a, b string) (callerID, receiverID string, known bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionKey{a, b}]; ok {
		delete(r.sessions, sessionKey{a, b})
		return a, b, true
	}
	if _, ok := r.sessions[sessionKey{b, a}]; ok {
		delete(r.sessions, sessionKey{b, a})
		return b, a, true
	}
	return a, b, false
}

func (r *Router) dropSession(callerID, receiverID string) {
	r.mu.Lock()
	delete(r.sessions, sessionKey{callerID, receiverID})
	r.mu.Unlock()
}

func (r *Router) deliver(ctx context.Context, userID string, msg models.ServerMessage) bool {
	if r.deliverer.Deliver(userID, msg) > 0 {
		return true
	}
	r.log.InfoContext(ctx, "recipient offline, signal dropped", logging.User(msg.From), logging.Peer(userID), slog.String("type", string(msg.Type)))
	return false
}
