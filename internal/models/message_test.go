package models

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestUnmarshalCamelCaseOffer(t *testing.T) {
	raw := `{"type":"call_offer","roomId":"room-1","userId":"u1","targetParticipantId":"p1",
		"sdp":{"type":"offer","sdp":"v=0\r\n"},"isAudioOnly":true}`

	var msg SignalMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != SignalTypeOffer || msg.RoomID != "room-1" || msg.From != "u1" || msg.To != "p1" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.SDP == nil || msg.SDP.Type != webrtc.SDPTypeOffer || msg.SDP.SDP != "v=0\r\n" {
		t.Errorf("unexpected sdp: %+v", msg.SDP)
	}
	if !msg.IsAudioOnly {
		t.Error("expected audio-only offer")
	}
}

func TestUnmarshalSnakeCaseAndNumericIDs(t *testing.T) {
	raw := `{"type":"ice_candidate","chatroom_id":17,"user_id":42,
		"candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0"}}`

	var msg SignalMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.RoomID != "17" {
		t.Errorf("expected room 17, got %q", msg.RoomID)
	}
	if msg.From != "42" {
		t.Errorf("expected sender 42, got %q", msg.From)
	}
	if msg.Candidate == nil || msg.Candidate.SDPMid == nil || *msg.Candidate.SDPMid != "0" {
		t.Errorf("unexpected candidate: %+v", msg.Candidate)
	}
}

func TestAudioOnlyIgnoredOutsideOffer(t *testing.T) {
	var msg SignalMessage
	if err := json.Unmarshal([]byte(`{"type":"call_answer","roomId":"r","userId":"u","isAudioOnly":true}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.IsAudioOnly {
		t.Error("isAudioOnly must only be honoured on call_offer")
	}
}

func TestMarshalUsesCanonicalNames(t *testing.T) {
	data, err := json.Marshal(&SignalMessage{Type: SignalTypeEnd, RoomID: "r", From: "me"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["roomId"] != "r" || fields["userId"] != "me" || fields["type"] != "call_end" {
		t.Errorf("unexpected wire form: %s", data)
	}
	if _, ok := fields["targetParticipantId"]; ok {
		t.Errorf("broadcast end must omit target: %s", data)
	}
}

func TestParticipantValidity(t *testing.T) {
	tests := []struct {
		raw   string
		valid bool
	}{
		{"p1", true},
		{"42", true},
		{"", false},
		{"  ", false},
		{"undefined", false},
		{"null", false},
	}
	for _, tt := range tests {
		_, err := ParseParticipantID(tt.raw)
		if (err == nil) != tt.valid {
			t.Errorf("ParseParticipantID(%q): err=%v, want valid=%v", tt.raw, err, tt.valid)
		}
	}
}
