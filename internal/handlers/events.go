package handlers

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-calls/internal/call"
)

const (
	eventBuffer   = 64
	keepAliveTick = 25 * time.Second
)

// Events streams call events as server-sent events. With a roomId path
// parameter only that room's events are sent; otherwise every event is,
// including incoming calls for rooms with no call yet.
func (h *CallHandler) Events(c *gin.Context) {
	roomID := c.Param("roomId")

	ch := make(chan call.Event, eventBuffer)
	cancel := h.calls.Subscribe(func(ev call.Event) {
		if roomID != "" && ev.RoomID != roomID {
			return
		}
		select {
		case ch <- ev:
		default:
			// Slow client; updates are snapshots so the next one catches up.
			h.logger.Debug("Dropping event for slow stream", zap.String("room", ev.RoomID), zap.String("type", string(ev.Type)))
		}
	})
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	if roomID != "" {
		if st, err := h.calls.Status(c.Request.Context(), roomID); err == nil {
			c.SSEvent(string(call.EventUpdate), call.Event{Type: call.EventUpdate, RoomID: roomID, CallID: st.CallID, Status: &st})
			c.Writer.Flush()
		}
	}

	ticker := time.NewTicker(keepAliveTick)
	defer ticker.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev := <-ch:
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		}
	})
}
