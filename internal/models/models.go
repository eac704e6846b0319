package models

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrUserExists       = errors.New("user already exists")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrInvalidStatus    = errors.New("invalid call status")
	ErrEmptyMessage     = errors.New("message content is empty")
	ErrSelfAddressed    = errors.New("sender and receiver are the same user")
)

// User represents a directory entry. The core never mutates it.
type User struct {
	ID          string `json:"id"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// OnlineUser is one row of the presence list as seen by a particular requester.
type OnlineUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	AvatarURL   string `json:"avatar"`
	Online      bool   `json:"online"`
	UnreadCount int    `json:"unreadCount"`
}

// Message represents a persisted direct message.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsRead     bool      `json:"isRead"`
}

type CallType string

const (
	CallTypeVideo CallType = "video"
	CallTypeVoice CallType = "voice"
)

func (t CallType) Valid() bool {
	return t == CallTypeVideo || t == CallTypeVoice
}

type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusCompleted CallStatus = "completed"
	CallStatusMissed    CallStatus = "missed"
	CallStatusDeclined  CallStatus = "declined"
	CallStatusCancelled CallStatus = "cancelled"
)

// Terminal reports whether a record in this status accepts no further transitions.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusMissed, CallStatusDeclined, CallStatusCancelled:
		return true
	}
	return false
}

// CallHistory is the persisted lifecycle record of a single call.
type CallHistory struct {
	ID         int64      `json:"id"`
	CallerID   string     `json:"callerId"`
	ReceiverID string     `json:"receiverId"`
	CallType   CallType   `json:"callType"`
	CallStatus CallStatus `json:"callStatus"`
	StartTime  time.Time  `json:"startTime"`
	EndTime    *time.Time `json:"endTime,omitempty"`
	Duration   *int       `json:"duration,omitempty"` // seconds
}

// CallHistoryEntry is a CallHistory enriched for display to one participant.
type CallHistoryEntry struct {
	CallHistory
	CallerName     string `json:"callerName"`
	CallerAvatar   string `json:"callerAvatar"`
	ReceiverName   string `json:"receiverName"`
	ReceiverAvatar string `json:"receiverAvatar"`
	IsIncoming     bool   `json:"isIncoming"`
}

// ClientMessage represents a message sent from the client to the server.
// Type selects which of the remaining fields are meaningful.
type ClientMessage struct {
	Type        ClientMessageType `json:"type"`
	To          string            `json:"to,omitempty"`
	Content     string            `json:"content,omitempty"`
	ClientID    int64             `json:"clientId,omitempty"` // negative optimistic placeholder, never persisted
	Page        int               `json:"page,omitempty"`
	Description json.RawMessage   `json:"description,omitempty"`
	Candidate   json.RawMessage   `json:"candidate,omitempty"`
	CallType    CallType          `json:"callType,omitempty"`
}

// ServerMessage represents a message to the client.
type ServerMessage struct {
	Type        ServerMessageType `json:"type"`
	From        string            `json:"from,omitempty"`
	User        *User             `json:"user,omitempty"`
	Users       []OnlineUser      `json:"users,omitempty"`
	Peer        string            `json:"peer,omitempty"`
	Page        int               `json:"page,omitempty"`
	Messages    []Message         `json:"messages,omitempty"`
	Message     *Message          `json:"message,omitempty"`
	ClientID    int64             `json:"clientId,omitempty"`
	Description json.RawMessage   `json:"description,omitempty"`
	Candidate   json.RawMessage   `json:"candidate,omitempty"`
	CallType    CallType          `json:"callType,omitempty"`
	TTL         int64             `json:"ttlMs,omitempty"`
	Error       *ErrorPayload     `json:"error,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Request string `json:"request,omitempty"`
}

type ClientMessageType string

const (
	ClientMessageTypeLoadHistory ClientMessageType = "load_history"
	ClientMessageTypeSend        ClientMessageType = "send_message"
	ClientMessageTypeTyping      ClientMessageType = "typing"
	ClientMessageTypeOffer       ClientMessageType = "call_offer"
	ClientMessageTypeAnswer      ClientMessageType = "call_answer"
	ClientMessageTypeCandidate   ClientMessageType = "ice_candidate"
	ClientMessageTypeEndCall     ClientMessageType = "end_call"
	ClientMessageTypeDeclineCall ClientMessageType = "decline_call"
	ClientMessageTypeCancelCall  ClientMessageType = "cancel_call"
	ClientMessageTypeListUsers   ClientMessageType = "list_users"
)

type ServerMessageType string

const (
	ServerMessageTypeUserOnline    ServerMessageType = "user_online"
	ServerMessageTypeOnlineUsers   ServerMessageType = "online_users"
	ServerMessageTypeHistoryPage   ServerMessageType = "history_page"
	ServerMessageTypeDelivered     ServerMessageType = "message_delivered"
	ServerMessageTypeSent          ServerMessageType = "message_sent"
	ServerMessageTypeTyping        ServerMessageType = "typing"
	ServerMessageTypeOffer         ServerMessageType = "call_offer"
	ServerMessageTypeAnswer        ServerMessageType = "call_answer"
	ServerMessageTypeCandidate     ServerMessageType = "ice_candidate"
	ServerMessageTypeCallEnded     ServerMessageType = "call_ended"
	ServerMessageTypeCallDeclined  ServerMessageType = "call_declined"
	ServerMessageTypeCallCancelled ServerMessageType = "call_cancelled"
	ServerMessageTypeError         ServerMessageType = "error"
)

// APIResponse is the envelope of every REST response.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}
