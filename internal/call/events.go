package call

import (
	"time"

	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/quality"
)

// PeerStatus is the UI view of one peer session.
type PeerStatus struct {
	Participant      models.ParticipantID `json:"participantId"`
	Role             Role                 `json:"role"`
	State            PeerState            `json:"state"`
	ICEGathering     string               `json:"iceGathering"`
	Attempts         int                  `json:"reconnectAttempts"`
	MaxAttempts      int                  `json:"maxReconnectAttempts"`
	AwaitingDecision bool                 `json:"awaitingDecision"`
	StartedAt        time.Time            `json:"startedAt"`
	DurationSeconds  float64              `json:"duration"`
	Quality          *quality.Sample      `json:"quality,omitempty"`
	Health           int                  `json:"health"`
}

// Status is a snapshot of a call for the UI.
type Status struct {
	CallID    string       `json:"callSessionId"`
	RoomID    string       `json:"roomId"`
	Kind      Kind         `json:"kind"`
	AudioOnly bool         `json:"audioOnly"`
	State     CallState    `json:"state"`
	Aggregate PeerState    `json:"aggregateState"`
	Peers     []PeerStatus `json:"peers"`
	Muted     bool         `json:"muted"`
	VideoOff  bool         `json:"videoOff"`
	CreatedAt time.Time    `json:"createdAt"`
}

// EventType tags an Event.
type EventType string

const (
	// EventUpdate carries a fresh Status, and a quality sample when one
	// triggered it.
	EventUpdate EventType = "update"
	// EventDecision asks the user whether to keep retrying a peer.
	EventDecision EventType = "decision"
	// EventNotice is an actionable message such as a device error.
	EventNotice EventType = "notice"
	// EventIncoming announces an offer for a room with no active call.
	EventIncoming EventType = "incoming"
	// EventMissed withdraws an incoming call the caller gave up on.
	EventMissed EventType = "missed"
	// EventClosed is the last event of a call.
	EventClosed EventType = "closed"
)

// Event is delivered to listeners of a call or manager.
type Event struct {
	Type        EventType            `json:"type"`
	RoomID      string               `json:"roomId"`
	CallID      string               `json:"callSessionId,omitempty"`
	Participant models.ParticipantID `json:"participantId,omitempty"`
	Status      *Status              `json:"status,omitempty"`
	Quality     *quality.Sample      `json:"quality,omitempty"`
	Incoming    *IncomingCall        `json:"incoming,omitempty"`
	Message     string               `json:"message,omitempty"`
}
