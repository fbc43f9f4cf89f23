package models

import "time"

// CallRecord stores information about an active call in the registry
type CallRecord struct {
	ID           string          `json:"id"`
	RoomID       string          `json:"roomId"`
	Kind         string          `json:"kind"`
	AudioOnly    bool            `json:"audioOnly"`
	State        string          `json:"state"`
	OwnerID      ParticipantID   `json:"ownerId"`
	Participants []ParticipantID `json:"participants"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// InitiateCallRequest is the request body for starting a call
type InitiateCallRequest struct {
	RoomID       string          `json:"roomId" binding:"required"`
	Participants []ParticipantID `json:"participants" binding:"required,min=1,max=16"`
	AudioOnly    bool            `json:"audioOnly"`
	Kind         string          `json:"kind" binding:"omitempty,oneof=direct group"`
}

// RetryDecisionRequest answers a "retry manually?" prompt
type RetryDecisionRequest struct {
	Retry bool `json:"retry"`
}

// ToggleResponse reports the new state of a mute/video toggle
type ToggleResponse struct {
	Enabled bool `json:"enabled"`
}
