package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"zvonok/internal/auth"
	"zvonok/internal/calls"
	"zvonok/internal/logging"
	"zvonok/internal/models"
)

type contextKey string

const userContextKey contextKey = "user"

type Authenticator interface {
	Authenticate(token string) (models.User, error)
}

type Directory interface {
	GetUser(id string) (models.User, error)
}

type Presence interface {
	Snapshot(ctx context.Context, requesterID string) ([]models.OnlineUser, error)
}

type Messages interface {
	LoadHistory(ctx context.Context, ownerID, peerID string, page int) ([]models.Message, error)
}

type CallHistory interface {
	History(ctx context.Context, userID string) ([]models.CallHistoryEntry, error)
	HistoryWith(ctx context.Context, userID, peerID string) ([]models.CallHistoryEntry, error)
	Get(ctx context.Context, id int64) (models.CallHistory, error)
	UpdateStatus(ctx context.Context, id int64, status models.CallStatus, endTime *time.Time, duration *int) (models.CallHistory, error)
}

type Config struct {
	Auth      Authenticator
	Directory Directory
	Presence  Presence
	Messages  Messages
	Calls     CallHistory
	Logger    *slog.Logger
}

type API struct {
	auth      Authenticator
	directory Directory
	presence  Presence
	messages  Messages
	calls     CallHistory
	log       *slog.Logger
}

// HistoryPage is the REST rendition of a history_page event.
type HistoryPage struct {
	Peer     string           `json:"peer"`
	Page     int              `json:"page"`
	Messages []models.Message `json:"messages"`
}

// UpdateCallStatusRequest closes an initiated call record. At most one of
// EndTime and Duration is needed; both must agree when both are sent.
type UpdateCallStatusRequest struct {
	CallStatus models.CallStatus `json:"callStatus"`
	EndTime    *time.Time        `json:"endTime,omitempty"`
	Duration   *int              `json:"duration,omitempty"`
}

func New(cfg Config) *API {
	return &API{
		auth:      cfg.Auth,
		directory: cfg.Directory,
		presence:  cfg.Presence,
		messages:  cfg.Messages,
		calls:     cfg.Calls,
		log:       logging.OrDefault(cfg.Logger),
	}
}

// RequireAuth resolves the bearer token and stores the user in the request
// context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := a.auth.Authenticate(auth.TokenFromRequest(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	}
}

func UserFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(userContextKey).(models.User)
	return user, ok
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true, Data: user})
}

func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	list, err := a.presence.Snapshot(r.Context(), user.ID)
	if err != nil {
		a.internalError(w, r, "failed to list users", err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true, Data: list})
}

// MessagesHandler serves GET /api/messages/{peerId}?page=N. Like the
// websocket load, it marks the returned unread messages as read.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	peerID := r.PathValue("peerId")

	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, "page must be a number")
			return
		}
		page = max(n, 1)
	}

	if !a.knownPeer(w, r, peerID) {
		return
	}

	messages, err := a.messages.LoadHistory(r.Context(), user.ID, peerID, page)
	if err != nil {
		a.internalError(w, r, "failed to load history", err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, models.APIResponse{
		Success: true,
		Data:    HistoryPage{Peer: peerID, Page: page, Messages: messages},
	})
}

func (a *API) CallHistoryHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	entries, err := a.calls.History(r.Context(), user.ID)
	if err != nil {
		a.internalError(w, r, "failed to list call history", err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true, Data: nonNil(entries)})
}

func (a *API) CallHistoryWithHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	peerID := r.PathValue("userId")
	if !a.knownPeer(w, r, peerID) {
		return
	}

	entries, err := a.calls.HistoryWith(r.Context(), user.ID, peerID)
	if err != nil {
		a.internalError(w, r, "failed to list call history", err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true, Data: nonNil(entries)})
}

// UpdateCallStatusHandler serves POST /api/calls/{callId}/status. Only the
// call's participants may close it, e.g. a receiver marking a call missed.
func (a *API) UpdateCallStatusHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	id, err := strconv.ParseInt(r.PathValue("callId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "call id must be a number")
		return
	}

	var req UpdateCallStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	call, err := a.calls.Get(r.Context(), id)
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "Call not found")
		return
	case err != nil:
		a.internalError(w, r, "failed to load call", err)
		return
	case call.CallerID != user.ID && call.ReceiverID != user.ID:
		writeError(w, http.StatusForbidden, "Not a participant of this call")
		return
	}

	updated, err := a.calls.UpdateStatus(r.Context(), id, req.CallStatus, req.EndTime, req.Duration)
	switch {
	case errors.Is(err, models.ErrInvalidStatus),
		errors.Is(err, calls.ErrEndBeforeStart),
		errors.Is(err, calls.ErrInconsistentDuration):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, calls.ErrNotInitiated):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		a.internalError(w, r, "failed to update call", err)
	default:
		writeJSON(w, http.StatusOK, models.APIResponse{Success: true, Data: updated})
	}
}

func (a *API) knownPeer(w http.ResponseWriter, r *http.Request, peerID string) bool {
	if _, err := a.directory.GetUser(peerID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return false
		}
		a.internalError(w, r, "failed to look up user", err)
		return false
	}
	return true
}

func (a *API) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	user, _ := UserFromContext(r.Context())
	a.log.ErrorContext(r.Context(), msg, logging.User(user.ID), slog.String("path", r.URL.Path), logging.Err(err))
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func nonNil(entries []models.CallHistoryEntry) []models.CallHistoryEntry {
	if entries == nil {
		return []models.CallHistoryEntry{}
	}
	return entries
}

func writeJSON(w http.ResponseWriter, status int, resp models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", logging.Err(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.APIResponse{Success: false, Error: msg})
}
