package models

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// SignalType represents the type of call signaling message
type SignalType string

const (
	SignalTypeOffer     SignalType = "call_offer"
	SignalTypeAnswer    SignalType = "call_answer"
	SignalTypeCandidate SignalType = "ice_candidate"
	SignalTypeEnd       SignalType = "call_end"
	SignalTypeRejected  SignalType = "call_rejected"
)

// Known reports whether t is one of the call signaling types.
func (t SignalType) Known() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeCandidate, SignalTypeEnd, SignalTypeRejected:
		return true
	}
	return false
}

// SignalMessage is the envelope exchanged over the chat message bus.
// The backend has used both camelCase and snake_case for the room and
// sender fields, so both are accepted on decode.
type SignalMessage struct {
	Type        SignalType                 `json:"type"`
	RoomID      string                     `json:"roomId"`
	From        ParticipantID              `json:"userId"`
	To          ParticipantID              `json:"targetParticipantId,omitempty"`
	SDP         *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	IsAudioOnly bool                       `json:"isAudioOnly,omitempty"`
}

type wireMessage struct {
	Type        SignalType                 `json:"type"`
	RoomID      json.RawMessage            `json:"roomId"`
	ChatroomID  json.RawMessage            `json:"chatroom_id"`
	UserID      *ParticipantID             `json:"userId"`
	UserIDSnake *ParticipantID             `json:"user_id"`
	To          ParticipantID              `json:"targetParticipantId"`
	SDP         *webrtc.SessionDescription `json:"sdp"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate"`
	IsAudioOnly bool                       `json:"isAudioOnly"`
}

func (m *SignalMessage) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	room := w.RoomID
	if len(room) == 0 || string(room) == "null" {
		room = w.ChatroomID
	}
	var roomID ParticipantID // same string-or-number rules as user ids
	if len(room) > 0 {
		if err := roomID.UnmarshalJSON(room); err != nil {
			return err
		}
	}

	var from ParticipantID
	switch {
	case w.UserID != nil && *w.UserID != "":
		from = *w.UserID
	case w.UserIDSnake != nil:
		from = *w.UserIDSnake
	}

	*m = SignalMessage{
		Type:        w.Type,
		RoomID:      string(roomID),
		From:        from,
		To:          w.To,
		SDP:         w.SDP,
		Candidate:   w.Candidate,
		IsAudioOnly: w.IsAudioOnly && w.Type == SignalTypeOffer,
	}
	return nil
}
