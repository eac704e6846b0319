package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"zvonok/internal/api"
	"zvonok/internal/models"
)

const testSDP = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestIntegration(t *testing.T) {
	adminAddr := freeAddr(t)
	apiAddr := freeAddr(t)

	t.Setenv("ZVONOK_DB", filepath.Join(t.TempDir(), "integration.db"))
	t.Setenv("ADMIN_ADDR", adminAddr)
	t.Setenv("API_ADDR", apiAddr)
	t.Setenv("BASE_URL", "http://"+apiAddr)
	t.Setenv("AUTH_SECRET", "very-secure-test-secret")
	t.Setenv("LOG_LEVEL", "error")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx, nil) }()

	waitForServer(t, fmt.Sprintf("http://%s/admin/users", adminAddr), 50)

	alice := createUser(t, adminAddr, "alice")
	bob := createUser(t, adminAddr, "bob")

	// Duplicate usernames are rejected.
	reqBody, _ := json.Marshal(api.AddUserRequest{Username: "alice"})
	resp, err := http.Post(fmt.Sprintf("http://%s/admin/users", adminAddr), "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// Unauthenticated upgrades are refused.
	_, resp, err = websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/api/chat", apiAddr), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	aliceWS := dial(t, apiAddr, alice.Token, "")
	list := readUntil(t, aliceWS, models.ServerMessageTypeOnlineUsers)
	require.Len(t, list.Users, 2)

	bobWS := dial(t, apiAddr, bob.Token, alice.ID)
	page := readUntil(t, bobWS, models.ServerMessageTypeHistoryPage)
	require.Equal(t, alice.ID, page.Peer)
	require.Empty(t, page.Messages)

	online := readUntil(t, aliceWS, models.ServerMessageTypeUserOnline)
	require.Equal(t, bob.ID, online.User.ID)

	// Chat
	require.NoError(t, aliceWS.WriteJSON(models.ClientMessage{
		Type:     models.ClientMessageTypeSend,
		To:       bob.ID,
		Content:  "hello bob",
		ClientID: -1,
	}))
	sent := readUntil(t, aliceWS, models.ServerMessageTypeSent)
	require.Equal(t, int64(-1), sent.ClientID)
	delivered := readUntil(t, bobWS, models.ServerMessageTypeDelivered)
	require.Equal(t, sent.Message.ID, delivered.Message.ID)
	require.Equal(t, "hello bob", delivered.Message.Content)

	require.NoError(t, aliceWS.WriteJSON(models.ClientMessage{Type: models.ClientMessageTypeTyping, To: bob.ID}))
	typing := readUntil(t, bobWS, models.ServerMessageTypeTyping)
	require.Equal(t, alice.ID, typing.From)

	var history struct {
		Success bool            `json:"success"`
		Data    api.HistoryPage `json:"data"`
	}
	getJSON(t, fmt.Sprintf("http://%s/api/messages/%s", apiAddr, alice.ID), bob.Token, &history)
	require.True(t, history.Success)
	require.Len(t, history.Data.Messages, 1)
	require.True(t, history.Data.Messages[0].IsRead)

	// Call
	offer, _ := json.Marshal(map[string]string{"type": "offer", "sdp": testSDP})
	require.NoError(t, aliceWS.WriteJSON(models.ClientMessage{
		Type:        models.ClientMessageTypeOffer,
		To:          bob.ID,
		Description: offer,
		CallType:    models.CallTypeVoice,
	}))
	incoming := readUntil(t, bobWS, models.ServerMessageTypeOffer)
	require.Equal(t, alice.ID, incoming.From)
	require.JSONEq(t, string(offer), string(incoming.Description))

	answer, _ := json.Marshal(map[string]string{"type": "answer", "sdp": testSDP})
	require.NoError(t, bobWS.WriteJSON(models.ClientMessage{Type: models.ClientMessageTypeAnswer, To: alice.ID, Description: answer}))
	readUntil(t, aliceWS, models.ServerMessageTypeAnswer)

	require.NoError(t, aliceWS.WriteJSON(models.ClientMessage{Type: models.ClientMessageTypeOffer, To: bob.ID, Description: json.RawMessage(`{"type":"answer","sdp":""}`)}))
	rejected := readUntil(t, aliceWS, models.ServerMessageTypeError)
	require.Equal(t, "malformed_payload", rejected.Error.Code)

	require.NoError(t, bobWS.WriteJSON(models.ClientMessage{Type: models.ClientMessageTypeEndCall, To: alice.ID}))
	readUntil(t, aliceWS, models.ServerMessageTypeCallEnded)

	var calls struct {
		Success bool                      `json:"success"`
		Data    []models.CallHistoryEntry `json:"data"`
	}
	getJSON(t, fmt.Sprintf("http://%s/api/call-history/%s", apiAddr, bob.ID), alice.Token, &calls)
	require.Len(t, calls.Data, 1)
	require.Equal(t, models.CallStatusCompleted, calls.Data[0].CallStatus)
	require.Equal(t, models.CallTypeVoice, calls.Data[0].CallType)
	require.Equal(t, "bob", calls.Data[0].ReceiverName)
	require.False(t, calls.Data[0].IsIncoming)

	// An unanswered call can be closed as missed by its receiver.
	require.NoError(t, aliceWS.WriteJSON(models.ClientMessage{Type: models.ClientMessageTypeOffer, To: bob.ID, Description: offer, CallType: models.CallTypeVideo}))
	readUntil(t, bobWS, models.ServerMessageTypeOffer)
	getJSON(t, fmt.Sprintf("http://%s/api/call-history/%s", apiAddr, alice.ID), bob.Token, &calls)
	require.Len(t, calls.Data, 2)
	require.Equal(t, models.CallStatusInitiated, calls.Data[0].CallStatus)
	require.True(t, calls.Data[0].IsIncoming)

	statusURL := fmt.Sprintf("http://%s/api/calls/%d/status", apiAddr, calls.Data[0].ID)
	require.Equal(t, http.StatusOK, postJSON(t, statusURL, bob.Token, `{"callStatus":"missed"}`))
	require.Equal(t, http.StatusConflict, postJSON(t, statusURL, alice.Token, `{"callStatus":"completed"}`))

	getJSON(t, fmt.Sprintf("http://%s/api/call-history", apiAddr), alice.Token, &calls)
	require.Equal(t, models.CallStatusMissed, calls.Data[0].CallStatus)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func createUser(t *testing.T, adminAddr, username string) api.AddUserResponse {
	t.Helper()
	reqBody, err := json.Marshal(api.AddUserRequest{Username: username})
	require.NoError(t, err)

	resp, err := http.Post(fmt.Sprintf("http://%s/admin/users", adminAddr), "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out api.AddUserResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Success)
	require.NotEmpty(t, out.ID)
	require.NotEmpty(t, out.Token)
	return out
}

func dial(t *testing.T, apiAddr, token, peer string) *websocket.Conn {
	t.Helper()
	q := url.Values{"token": {token}}
	if peer != "" {
		q.Set("peer", peer)
	}
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/api/chat?%s", apiAddr, q.Encode()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, typ models.ServerMessageType) models.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg models.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", typ)
		if msg.Type == typ {
			return msg
		}
	}
}

func getJSON(t *testing.T, target, token string, v any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func postJSON(t *testing.T, target, token, body string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for range retries {
		resp, err := client.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
