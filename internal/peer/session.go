package peer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"zvonok/internal/logging"
	"zvonok/internal/models"
)

type Config struct {
	ICEServers []string
	// Signal sends a locally gathered candidate to the remote party. It is
	// only called once the local description is set.
	Signal func(webrtc.ICECandidateInit) error
	Logger *slog.Logger
}

// Session is one side of a call backed by a pion PeerConnection. Remote
// candidates wait for the remote description; local candidates wait for the
// local description before they are signalled.
type Session struct {
	pc     *webrtc.PeerConnection
	remote *CandidateBuffer[webrtc.ICECandidateInit]
	local  *CandidateBuffer[webrtc.ICECandidateInit]
	log    *slog.Logger
}

func NewSession(cfg Config) (*Session, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	var pcConfig webrtc.Configuration
	if len(cfg.ICEServers) > 0 {
		pcConfig.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := api.NewPeerConnection(pcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	signal := cfg.Signal
	if signal == nil {
		signal = func(webrtc.ICECandidateInit) error { return nil }
	}

	s := &Session{
		pc:     pc,
		remote: NewCandidateBuffer(pc.AddICECandidate),
		local:  NewCandidateBuffer(signal),
		log:    logging.OrDefault(cfg.Logger),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if _, err := s.local.Add(c.ToJSON()); err != nil {
			s.log.Warn("failed to signal local candidate", logging.Err(err))
		}
	})

	return s, nil
}

// Offer creates and commits the local offer. Voice calls negotiate audio
// only.
func (s *Session) Offer(callType models.CallType) (webrtc.SessionDescription, error) {
	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if callType != models.CallTypeVoice {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		if _, err := s.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local offer: %w", err)
	}
	s.commit("local", s.local)
	return offer, nil
}

// Accept commits a remote offer and returns the committed local answer.
func (s *Session) Accept(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set remote offer: %w", err)
	}
	s.commit("remote", s.remote)

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local answer: %w", err)
	}
	s.commit("local", s.local)
	return answer, nil
}

// Complete commits the remote answer to our offer.
func (s *Session) Complete(answer webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	s.commit("remote", s.remote)
	return nil
}

// AddRemoteCandidate applies or queues a candidate from the remote party.
func (s *Session) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	_, err := s.remote.Add(c)
	return err
}

func (s *Session) PendingRemote() int {
	return s.remote.Pending()
}

func (s *Session) RemoteFailures() []CandidateFailure[webrtc.ICECandidateInit] {
	return s.remote.Failures()
}

// Close ends the session and discards anything still queued.
func (s *Session) Close() error {
	s.remote.Reset()
	s.local.Reset()
	return s.pc.Close()
}

func (s *Session) commit(side string, b *CandidateBuffer[webrtc.ICECandidateInit]) {
	if errs := b.Commit(); len(errs) > 0 {
		s.log.Warn("some candidates could not be applied", slog.String("side", side), slog.Int("failed", len(errs)), logging.Err(errors.Join(errs...)))
	}
}
