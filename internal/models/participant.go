package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// ErrInvalidParticipant is returned for empty or "undefined" participant ids.
var ErrInvalidParticipant = errors.New("invalid participant id")

// ParticipantID identifies one participant within a call. The chat backend
// sends user ids either as JSON numbers or as strings; both decode to the
// same normalized string form.
type ParticipantID string

// Valid reports whether the id may be used as a routing key.
func (p ParticipantID) Valid() bool {
	s := string(p)
	return s != "" && s != "undefined" && s != "null" && s != "NaN"
}

func (p ParticipantID) String() string { return string(p) }

// ParseParticipantID normalizes a raw id and rejects invalid ones.
func ParseParticipantID(raw string) (ParticipantID, error) {
	p := ParticipantID(strings.TrimSpace(raw))
	if !p.Valid() {
		return "", ErrInvalidParticipant
	}
	return p, nil
}

// UnmarshalJSON accepts a string, a number or null.
func (p *ParticipantID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = ParticipantID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*p = ParticipantID(n.String())
	return nil
}
