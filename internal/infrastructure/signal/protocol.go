package signal

import (
	"encoding/json"
	"fmt"
	"strings"

	"yahtzee/internal/core/domain"
	apperrors "yahtzee/pkg/errors"
)

// FrameType names a broker frame.
type FrameType string

const (
	FrameOpen   FrameType = "open"
	FrameError  FrameType = "error"
	FrameOffer  FrameType = "offer"
	FrameAnswer FrameType = "answer"
	FrameLeave  FrameType = "leave"
)

// Frame is the single JSON envelope spoken on the broker websocket. Clients
// set Dst; the broker stamps Src before forwarding.
type Frame struct {
	Type    FrameType           `json:"type"`
	PeerID  domain.PeerID       `json:"peer_id,omitempty"`
	Src     domain.PeerID       `json:"src,omitempty"`
	Dst     domain.PeerID       `json:"dst,omitempty"`
	Payload json.RawMessage     `json:"payload,omitempty"`
	Code    apperrors.ErrorCode `json:"code,omitempty"`
	Peer    domain.PeerID       `json:"peer,omitempty"`
	Message string              `json:"message,omitempty"`
}

// SessionDescription is the payload of offer and answer frames.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func errorFrame(err *apperrors.AppError) Frame {
	f := Frame{Type: FrameError, Code: err.Code, Message: err.Message}
	if peer, ok := err.Context["peer"].(string); ok {
		f.Peer = domain.PeerID(peer)
	}
	return f
}

func (f Frame) relayed() bool {
	switch f.Type {
	case FrameOffer, FrameAnswer, FrameLeave:
		return true
	}
	return false
}

func (f Frame) validate(from domain.PeerID) error {
	if !f.relayed() {
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	if f.Dst == "" {
		return fmt.Errorf("dst is required")
	}
	if f.Dst == from {
		return fmt.Errorf("dst must differ from the sender")
	}
	if f.Type == FrameLeave {
		return nil
	}

	var desc SessionDescription
	if err := json.Unmarshal(f.Payload, &desc); err != nil {
		return fmt.Errorf("invalid %s payload: %w", f.Type, err)
	}
	return validateSDP(desc.SDP)
}

// validateSDP checks the session-level lines every SDP must carry.
func validateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}
	for _, field := range []string{"o=", "s=", "t="} {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}
	return nil
}
