package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"zvonok/internal/content"
	"zvonok/internal/logging"
	"zvonok/internal/models"
)

type UserCreator interface {
	CreateUser(user models.User) error
}

type TokenIssuer interface {
	IssueToken(userID string) (string, time.Time, error)
}

type AdminHandler struct {
	users   UserCreator
	tokens  TokenIssuer
	baseURL string
	log     *slog.Logger
}

func NewAdminHandler(users UserCreator, tokens TokenIssuer, baseURL string, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{users: users, tokens: tokens, baseURL: baseURL, log: logging.OrDefault(logger)}
}

type AddUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type AddUserResponse struct {
	Success    bool      `json:"success"`
	Message    string    `json:"message,omitempty"`
	ID         string    `json:"id,omitempty"`
	Username   string    `json:"username,omitempty"`
	Token      string    `json:"token,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt,omitzero"`
	ConnectURL string    `json:"connectUrl,omitempty"`
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if err := content.ValidateUsername(req.Username); err != nil {
		writeAddUser(w, http.StatusBadRequest, AddUserResponse{Message: err.Error()})
		return
	}

	displayName := content.Sanitize(strings.TrimSpace(req.DisplayName))
	if displayName == "" {
		displayName = req.Username
	}

	user := models.User{
		ID:          uuid.NewString(),
		UserName:    req.Username,
		DisplayName: displayName,
		AvatarURL:   strings.TrimSpace(req.AvatarURL),
	}
	if err := h.users.CreateUser(user); err != nil {
		if errors.Is(err, models.ErrUserExists) {
			writeAddUser(w, http.StatusConflict, AddUserResponse{Message: fmt.Sprintf("User %s already exists", req.Username)})
			return
		}
		h.log.Error("failed to create user", slog.String("username", req.Username), logging.Err(err))
		writeAddUser(w, http.StatusInternalServerError, AddUserResponse{Message: fmt.Sprintf("Failed to create user: %v", err)})
		return
	}

	token, expiresAt, err := h.tokens.IssueToken(user.ID)
	if err != nil {
		h.log.Error("failed to issue token", logging.User(user.ID), logging.Err(err))
		writeAddUser(w, http.StatusInternalServerError, AddUserResponse{Message: fmt.Sprintf("User created but token could not be issued: %v", err)})
		return
	}

	h.log.Info("user created", logging.User(user.ID), slog.String("username", user.UserName))
	writeAddUser(w, http.StatusOK, AddUserResponse{
		Success:    true,
		ID:         user.ID,
		Username:   user.UserName,
		Token:      token,
		ExpiresAt:  expiresAt,
		ConnectURL: ConnectURL(h.baseURL, token),
	})
}

// ConnectURL turns the public base URL into the websocket endpoint for token.
func ConnectURL(baseURL, token string) string {
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return fmt.Sprintf("%s/api/chat?token=%s", base, url.QueryEscape(token))
}

func writeAddUser(w http.ResponseWriter, status int, resp AddUserResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode add user response", logging.Err(err))
	}
}
