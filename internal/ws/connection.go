package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"zvonok/internal/models"
	"zvonok/internal/presence"
)

// sendBuffer bounds the outbound queue of a connection. A full queue drops
// messages for that connection only.
const sendBuffer = 100

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
}

type messageHub interface {
	Join(ctx context.Context, user models.User, handle presence.Handle)
	Leave(ctx context.Context, user models.User, handle presence.Handle)
	Dispatch(ctx context.Context, user models.User, origin presence.Handle, msg models.ClientMessage)
}

type Connection struct {
	id         string
	ws         wsConnection
	hub        messageHub
	user       models.User
	initial    []models.ClientMessage
	fromClient chan models.ClientMessage
	toClient   chan models.ServerMessage
	errorCh    chan error
}

// NewConnection prepares a connection for user. Initial messages are
// dispatched as if the client sent them right after joining.
func NewConnection(
	hub messageHub,
	ws wsConnection,
	user models.User,
	initial ...models.ClientMessage,
) *Connection {
	return &Connection{
		id:         uuid.NewString(),
		ws:         ws,
		hub:        hub,
		user:       user,
		initial:    initial,
		fromClient: make(chan models.ClientMessage),
		toClient:   make(chan models.ServerMessage, sendBuffer),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) ID() string {
	return c.id
}

// Send queues msg for the client without blocking.
func (c *Connection) Send(msg models.ServerMessage) bool {
	select {
	case c.toClient <- msg:
		return true
	default:
		return false
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	c.hub.Join(ctx, c.user, c)

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(context.WithoutCancel(ctx), c.user, c)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// pumpMessages reads client frames until the transport fails. A frame that
// does not decode is answered with an error event and skipped.
func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		var msg models.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Send(models.ServerMessage{
				Type:  models.ServerMessageTypeError,
				Error: &models.ErrorPayload{Code: "malformed_payload", Message: err.Error()},
			})
			continue
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for _, msg := range c.initial {
		c.hub.Dispatch(ctx, c.user, c, msg)
	}

	for {
		select {
		case msg := <-c.fromClient:
			c.hub.Dispatch(ctx, c.user, c, msg)
		case msg := <-c.toClient:
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
