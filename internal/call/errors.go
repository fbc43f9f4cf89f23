package call

import (
	"errors"
	"fmt"

	"github.com/mossy-p/webrtc-calls/internal/models"
)

var (
	ErrNoActiveContext      = errors.New("no active room")
	ErrUnknownParticipant   = errors.New("unknown participant")
	ErrDuplicateParticipant = errors.New("participant already in call")
	ErrCallClosed           = errors.New("call closed")
	ErrCallExists           = errors.New("call already active in room")
	ErrNoCall               = errors.New("no active call in room")
	ErrNoPendingCall        = errors.New("no pending incoming call")
	ErrNoDecisionPending    = errors.New("no retry decision pending")
	ErrManagerClosed        = errors.New("call manager closed")
)

// NegotiationError is an offer/answer/candidate step the media stack
// rejected.
type NegotiationError struct {
	Participant models.ParticipantID
	Step        string
	Err         error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiate with %s: %s: %v", e.Participant, e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// errOfferTimeout marks a setup window that expired without an answer or a
// fresh offer.
var errOfferTimeout = errors.New("no answer within call setup window")

// transportFailure wraps a terminal transport state.
type transportFailure struct {
	state string
}

func (e transportFailure) Error() string { return "transport " + e.state }
