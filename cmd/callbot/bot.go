package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"zvonok/internal/logging"
	"zvonok/internal/models"
	"zvonok/internal/peer"
	"zvonok/internal/signaling"
)

var errBotStopped = errors.New("bot stopped")

type BotConfig struct {
	ICEServers []string
	// HangupAfter ends answered calls after the given time. Zero keeps them
	// open until the caller hangs up.
	HangupAfter time.Duration
	Logger      *slog.Logger
}

// Bot answers every incoming call on one websocket connection.
type Bot struct {
	conn *websocket.Conn
	cfg  BotConfig
	log  *slog.Logger
	out  chan models.ClientMessage
	done chan struct{}

	mu       sync.Mutex
	sessions map[string]*peer.Session
}

func NewBot(conn *websocket.Conn, cfg BotConfig) *Bot {
	return &Bot{
		conn:     conn,
		cfg:      cfg,
		log:      logging.OrDefault(cfg.Logger),
		out:      make(chan models.ClientMessage, 64),
		done:     make(chan struct{}),
		sessions: make(map[string]*peer.Session),
	}
}

func (b *Bot) Run(ctx context.Context) error {
	defer b.closeAll()
	defer close(b.done)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.writeLoop(gCtx) })
	g.Go(func() error { return b.readLoop(gCtx) })
	g.Go(func() error {
		<-gCtx.Done()
		_ = b.conn.Close()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (b *Bot) readLoop(ctx context.Context) error {
	for {
		var msg models.ServerMessage
		if err := b.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		b.handle(ctx, msg)
	}
}

func (b *Bot) writeLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-b.out:
			if err := b.conn.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *Bot) send(msg models.ClientMessage) error {
	select {
	case b.out <- msg:
		return nil
	case <-b.done:
		return errBotStopped
	}
}

func (b *Bot) handle(ctx context.Context, msg models.ServerMessage) {
	log := b.log.With(logging.Peer(msg.From), slog.String("type", string(msg.Type)))

	switch msg.Type {
	case models.ServerMessageTypeOffer:
		if err := b.answer(msg.From, msg.Description); err != nil {
			log.Warn("failed to answer call", logging.Err(err))
			_ = b.send(models.ClientMessage{Type: models.ClientMessageTypeDeclineCall, To: msg.From})
			b.drop(msg.From)
			return
		}
		log.Info("call answered", slog.String("call_type", string(msg.CallType)))
		if b.cfg.HangupAfter > 0 {
			from := msg.From
			time.AfterFunc(b.cfg.HangupAfter, func() { b.hangup(ctx, from) })
		}
	case models.ServerMessageTypeCandidate:
		c, err := signaling.ParseCandidate(msg.Candidate)
		if err != nil {
			log.Warn("ignoring candidate", logging.Err(err))
			return
		}
		s, err := b.session(msg.From)
		if err != nil {
			log.Error("failed to create session", logging.Err(err))
			return
		}
		if err := s.AddRemoteCandidate(c); err != nil {
			log.Warn("candidate rejected", logging.Err(err))
		}
	case models.ServerMessageTypeCallEnded, models.ServerMessageTypeCallCancelled:
		log.Info("call closed by peer")
		b.drop(msg.From)
	case models.ServerMessageTypeError:
		if msg.Error != nil {
			log.Warn("server rejected request", slog.String("code", msg.Error.Code), slog.String("message", msg.Error.Message))
		}
	default:
		log.Debug("ignoring message")
	}
}

func (b *Bot) answer(from string, raw json.RawMessage) error {
	offer, err := signaling.ParseDescription(raw, webrtc.SDPTypeOffer)
	if err != nil {
		return err
	}
	s, err := b.session(from)
	if err != nil {
		return err
	}
	answer, err := s.Accept(offer)
	if err != nil {
		return err
	}
	desc, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	return b.send(models.ClientMessage{Type: models.ClientMessageTypeAnswer, To: from, Description: desc})
}

func (b *Bot) hangup(ctx context.Context, peerID string) {
	if ctx.Err() != nil {
		return
	}
	b.mu.Lock()
	_, live := b.sessions[peerID]
	b.mu.Unlock()
	if !live {
		return
	}
	b.log.Info("hanging up", logging.Peer(peerID))
	_ = b.send(models.ClientMessage{Type: models.ClientMessageTypeEndCall, To: peerID})
	b.drop(peerID)
}

// session returns the session with peerID, creating it on first use.
// Candidates may arrive before the offer they belong to.
func (b *Bot) session(peerID string) (*peer.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.sessions[peerID]; ok {
		return s, nil
	}
	s, err := peer.NewSession(peer.Config{
		ICEServers: b.cfg.ICEServers,
		Signal: func(c webrtc.ICECandidateInit) error {
			raw, err := json.Marshal(c)
			if err != nil {
				return err
			}
			return b.send(models.ClientMessage{Type: models.ClientMessageTypeCandidate, To: peerID, Candidate: raw})
		},
		Logger: b.log,
	})
	if err != nil {
		return nil, err
	}
	b.sessions[peerID] = s
	return s, nil
}

func (b *Bot) drop(peerID string) {
	b.mu.Lock()
	s, ok := b.sessions[peerID]
	delete(b.sessions, peerID)
	b.mu.Unlock()
	if ok {
		_ = s.Close()
	}
}

func (b *Bot) closeAll() {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*peer.Session)
	b.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
}
