// Package redis stores call metadata in Redis so other devices of the same
// user can see a call in progress.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/redis/go-redis/v9"
)

const callTTL = 24 * time.Hour

// ErrNotFound is returned by Get when no call is recorded for a room.
var ErrNotFound = errors.New("call not found")

// CallRegistry keeps one record per room under "call:<roomId>".
type CallRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCallRegistry(client *redis.Client) *CallRegistry {
	return &CallRegistry{client: client, ttl: callTTL}
}

func callKey(roomID string) string {
	return "call:" + roomID
}

// Save stores rec, replacing any previous record for the room.
func (r *CallRegistry) Save(ctx context.Context, rec *models.CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal call record: %w", err)
	}
	if err := r.client.Set(ctx, callKey(rec.RoomID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("store call %s: %w", rec.RoomID, err)
	}
	return nil
}

// Get returns the record for roomID.
func (r *CallRegistry) Get(ctx context.Context, roomID string) (*models.CallRecord, error) {
	data, err := r.client.Get(ctx, callKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load call %s: %w", roomID, err)
	}

	var rec models.CallRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse call data: %w", err)
	}
	return &rec, nil
}

// Delete removes the record for roomID. Deleting a missing record is not an
// error.
func (r *CallRegistry) Delete(ctx context.Context, roomID string) error {
	if err := r.client.Del(ctx, callKey(roomID)).Err(); err != nil {
		return fmt.Errorf("delete call %s: %w", roomID, err)
	}
	return nil
}
