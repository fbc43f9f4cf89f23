package call

import "fmt"

// PeerState is the connection state of one peer session.
type PeerState int

const (
	PeerIdle PeerState = iota
	PeerOffering
	PeerAnswering
	PeerConnecting
	PeerConnected
	PeerReconnecting
	PeerFailed
	PeerClosed
)

var peerStateNames = [...]string{
	PeerIdle:         "idle",
	PeerOffering:     "offering",
	PeerAnswering:    "answering",
	PeerConnecting:   "connecting",
	PeerConnected:    "connected",
	PeerReconnecting: "reconnecting",
	PeerFailed:       "failed",
	PeerClosed:       "closed",
}

func (s PeerState) String() string {
	if int(s) >= 0 && int(s) < len(peerStateNames) {
		return peerStateNames[s]
	}
	return fmt.Sprintf("peerstate(%d)", int(s))
}

func (s PeerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *PeerState) UnmarshalText(text []byte) error {
	for i, name := range peerStateNames {
		if name == string(text) {
			*s = PeerState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown peer state %q", text)
}

// severity orders states for aggregation; higher is worse.
func (s PeerState) severity() int {
	switch s {
	case PeerConnected:
		return 0
	case PeerIdle:
		return 1
	case PeerOffering, PeerAnswering:
		return 2
	case PeerConnecting:
		return 3
	case PeerReconnecting:
		return 4
	case PeerFailed:
		return 5
	}
	return 6
}

// Aggregate folds peer states into the single state shown for a call:
// connected only when every peer is connected, otherwise the worst state.
func Aggregate(states []PeerState) PeerState {
	if len(states) == 0 {
		return PeerIdle
	}
	worst := PeerConnected
	for _, s := range states {
		if s.severity() > worst.severity() {
			worst = s
		}
	}
	return worst
}

// CallState is the lifecycle state of a call.
type CallState int

const (
	CallIdle CallState = iota
	CallInitiating
	CallActive
	CallEnding
	CallClosed
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallInitiating:
		return "initiating"
	case CallActive:
		return "active"
	case CallEnding:
		return "ending"
	case CallClosed:
		return "closed"
	}
	return fmt.Sprintf("callstate(%d)", int(s))
}

func (s CallState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *CallState) UnmarshalText(text []byte) error {
	for c := CallIdle; c <= CallClosed; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown call state %q", text)
}

// Kind distinguishes 1:1 calls from group calls.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Role records which side sent the offer for a peer session.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)
