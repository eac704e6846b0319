package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"zvonok/internal/logging"
	"zvonok/internal/models"
)

// Handle is one live connection of an identity.
type Handle interface {
	ID() string
	// Send queues msg without blocking and reports whether it was accepted.
	Send(msg models.ServerMessage) bool
}

type Directory interface {
	ListUsers() ([]models.User, error)
}

type UnreadCounter interface {
	UnreadCounts(ctx context.Context, ownerID string) (map[string]int, error)
}

// UnreadCounterFunc adapts a function to UnreadCounter.
type UnreadCounterFunc func(ctx context.Context, ownerID string) (map[string]int, error)

func (f UnreadCounterFunc) UnreadCounts(ctx context.Context, ownerID string) (map[string]int, error) {
	return f(ctx, ownerID)
}

// Mirror publishes presence changes outside the process.
type Mirror interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
}

type entry struct {
	user    models.User
	handles map[string]Handle
}

type Config struct {
	// SingleSession keeps only the newest handle per identity.
	SingleSession bool
	Directory     Directory
	Unread        UnreadCounter
	Mirror        Mirror
	Logger        *slog.Logger
}

// Registry is the source of truth for who is online and on which connections.
type Registry struct {
	cfg    Config
	log    *slog.Logger
	mu     sync.RWMutex
	online map[string]*entry
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:    cfg,
		log:    logging.OrDefault(cfg.Logger),
		online: make(map[string]*entry),
	}
}

// Register adds a handle for the user. The first handle of an identity
// announces it to everybody else. A refreshed list is broadcast either way.
func (r *Registry) Register(ctx context.Context, user models.User, h Handle) {
	r.mu.Lock()
	e, exists := r.online[user.ID]
	if !exists {
		e = &entry{handles: make(map[string]Handle)}
		r.online[user.ID] = e
	}
	e.user = user
	if r.cfg.SingleSession {
		clear(e.handles)
	}
	e.handles[h.ID()] = h
	r.mu.Unlock()

	r.log.Debug("connection registered", logging.User(user.ID), slog.String("handle", h.ID()), slog.Bool("new", !exists))

	if !exists {
		r.mirror(ctx, user.ID, true)
		u := user
		r.broadcast(models.ServerMessage{Type: models.ServerMessageTypeUserOnline, User: &u}, user.ID)
	}
	r.BroadcastOnlineList(ctx)
}

// Unregister removes the handle and reports whether the identity went
// offline. A handle that was already displaced is a no-op for the identity's
// other sessions.
func (r *Registry) Unregister(ctx context.Context, userID string, h Handle) bool {
	r.mu.Lock()
	e, ok := r.online[userID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, known := e.handles[h.ID()]; !known {
		r.mu.Unlock()
		return false
	}
	delete(e.handles, h.ID())
	gone := len(e.handles) == 0
	if gone {
		delete(r.online, userID)
	}
	r.mu.Unlock()

	r.log.Debug("connection unregistered", logging.User(userID), slog.String("handle", h.ID()), slog.Bool("offline", gone))

	if gone {
		r.mirror(ctx, userID, false)
	}
	r.BroadcastOnlineList(ctx)
	return gone
}

// IsOnline reports whether the identity has at least one live handle.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.online[userID]
	return ok
}

// OnlineIDs returns the currently registered identities, sorted.
func (r *Registry) OnlineIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.online))
	for id := range r.online {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Deliver sends msg to every handle of the user and returns how many
// accepted it. Zero means the recipient is offline or all queues were full.
func (r *Registry) Deliver(userID string, msg models.ServerMessage) int {
	handles := r.handles(userID)
	delivered := 0
	for _, h := range handles {
		if h.Send(msg) {
			delivered++
		} else {
			r.log.Warn("dropping message for slow connection", logging.User(userID), slog.String("handle", h.ID()), slog.String("type", string(msg.Type)))
		}
	}
	return delivered
}

// Snapshot lists every directory user annotated for the requester with
// online state and unread counts.
func (r *Registry) Snapshot(ctx context.Context, requesterID string) ([]models.OnlineUser, error) {
	users, err := r.cfg.Directory.ListUsers()
	if err != nil {
		return nil, err
	}
	return r.annotate(ctx, requesterID, users)
}

// BroadcastOnlineList sends every online identity its own annotated list.
func (r *Registry) BroadcastOnlineList(ctx context.Context) {
	users, err := r.cfg.Directory.ListUsers()
	if err != nil {
		r.log.Error("failed to list users for broadcast", logging.Err(err))
		return
	}

	for _, id := range r.OnlineIDs() {
		list, err := r.annotate(ctx, id, users)
		if err != nil {
			r.log.Error("failed to build online list", logging.User(id), logging.Err(err))
			continue
		}
		r.Deliver(id, models.ServerMessage{Type: models.ServerMessageTypeOnlineUsers, Users: list})
	}
}

func (r *Registry) annotate(ctx context.Context, requesterID string, users []models.User) ([]models.OnlineUser, error) {
	var unread map[string]int
	if r.cfg.Unread != nil {
		var err error
		unread, err = r.cfg.Unread.UnreadCounts(ctx, requesterID)
		if err != nil {
			return nil, err
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]models.OnlineUser, 0, len(users))
	for _, u := range users {
		_, online := r.online[u.ID]
		list = append(list, models.OnlineUser{
			ID:          u.ID,
			DisplayName: u.DisplayName,
			AvatarURL:   u.AvatarURL,
			Online:      online,
			UnreadCount: unread[u.ID],
		})
	}
	return list, nil
}

func (r *Registry) broadcast(msg models.ServerMessage, except string) {
	for _, id := range r.OnlineIDs() {
		if id == except {
			continue
		}
		r.Deliver(id, msg)
	}
}

func (r *Registry) handles(userID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.online[userID]
	if !ok {
		return nil
	}
	hs := make([]Handle, 0, len(e.handles))
	for _, h := range e.handles {
		hs = append(hs, h)
	}
	return hs
}

func (r *Registry) mirror(ctx context.Context, userID string, online bool) {
	if r.cfg.Mirror == nil {
		return
	}
	var err error
	if online {
		err = r.cfg.Mirror.SetOnline(ctx, userID)
	} else {
		err = r.cfg.Mirror.SetOffline(ctx, userID)
	}
	if err != nil {
		r.log.Warn("presence mirror update failed", logging.User(userID), logging.Err(err))
	}
}
