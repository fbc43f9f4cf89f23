package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mossy-p/webrtc-calls/internal/models"
)

// ErrInvalidEnvelope wraps every validation failure.
var ErrInvalidEnvelope = errors.New("invalid signaling envelope")

// Decode parses and validates one wire message.
func Decode(data []byte) (*models.SignalMessage, error) {
	var msg models.SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := Validate(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks the fields each envelope type requires.
func Validate(msg *models.SignalMessage) error {
	if !msg.Type.Known() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, msg.Type)
	}
	if !msg.From.Valid() {
		return fmt.Errorf("%w: sender: %w", ErrInvalidEnvelope, models.ErrInvalidParticipant)
	}
	if msg.To != "" && !msg.To.Valid() {
		return fmt.Errorf("%w: target: %w", ErrInvalidEnvelope, models.ErrInvalidParticipant)
	}
	if msg.RoomID == "" {
		return fmt.Errorf("%w: missing room", ErrInvalidEnvelope)
	}

	switch msg.Type {
	case models.SignalTypeOffer, models.SignalTypeAnswer:
		if msg.SDP == nil || msg.SDP.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrInvalidEnvelope, msg.Type)
		}
	case models.SignalTypeCandidate:
		if msg.Candidate == nil {
			return fmt.Errorf("%w: ice_candidate without candidate", ErrInvalidEnvelope)
		}
	}
	return nil
}

// Addressed reports whether msg is meant for self. The chat bus broadcasts to
// the whole room, so our own messages come back and targeted messages reach
// every member.
func Addressed(msg *models.SignalMessage, self models.ParticipantID) bool {
	if msg.From == self {
		return false
	}
	return msg.To == "" || msg.To == self
}
