package signaling

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"zvonok/internal/models"
)

// ParseDescription checks that raw is a session description of the wanted
// type with a parseable SDP body.
func ParseDescription(raw json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if len(raw) == 0 {
		return desc, fmt.Errorf("%w: missing description", models.ErrMalformedPayload)
	}
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}
	if desc.Type != want {
		return desc, fmt.Errorf("%w: expected %s description, got %s", models.ErrMalformedPayload, want, desc.Type)
	}
	if _, err := desc.Unmarshal(); err != nil {
		return desc, fmt.Errorf("%w: invalid sdp: %v", models.ErrMalformedPayload, err)
	}
	return desc, nil
}

// ParseCandidate checks that raw is an ICE candidate init. An empty
// candidate string marks the end of candidates and is valid.
func ParseCandidate(raw json.RawMessage) (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if len(raw) == 0 {
		return c, fmt.Errorf("%w: missing candidate", models.ErrMalformedPayload)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}
	if c.Candidate != "" && !strings.HasPrefix(c.Candidate, "candidate:") {
		return c, fmt.Errorf("%w: candidate line must start with \"candidate:\"", models.ErrMalformedPayload)
	}
	if c.Candidate != "" && c.SDPMid == nil && c.SDPMLineIndex == nil {
		return c, fmt.Errorf("%w: candidate needs sdpMid or sdpMLineIndex", models.ErrMalformedPayload)
	}
	return c, nil
}
