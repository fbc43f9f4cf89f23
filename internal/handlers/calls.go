package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-calls/internal/call"
	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/redis"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
)

// CallController is the part of call.Manager the HTTP API drives.
type CallController interface {
	Initiate(ctx context.Context, req call.InitiateRequest) (*call.Session, error)
	Accept(ctx context.Context, roomID string, kind call.Kind) (*call.Session, error)
	Reject(ctx context.Context, roomID string) error
	Pending(roomID string) (*call.IncomingCall, bool)
	Invite(ctx context.Context, roomID string, participant models.ParticipantID) error
	Leave(ctx context.Context, roomID string, participant models.ParticipantID) error
	End(ctx context.Context, roomID string) error
	ToggleAudio(ctx context.Context, roomID string) (bool, error)
	ToggleVideo(ctx context.Context, roomID string) (bool, error)
	ResolveDecision(ctx context.Context, roomID string, participant models.ParticipantID, retry bool) error
	Status(ctx context.Context, roomID string) (call.Status, error)
	Subscribe(fn func(call.Event)) func()
}

// CallLookup reads the active-call registry.
type CallLookup interface {
	Get(ctx context.Context, roomID string) (*models.CallRecord, error)
}

// CallHandler serves the UI command API.
type CallHandler struct {
	calls    CallController
	registry CallLookup
	logger   *zap.Logger
}

// NewCallHandler builds the handler. registry may be nil.
func NewCallHandler(calls CallController, registry CallLookup, logger *zap.Logger) *CallHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallHandler{calls: calls, registry: registry, logger: logger}
}

// Register mounts the call routes on rg.
func (h *CallHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/events", h.Events)
	rg.POST("/calls", h.Initiate)
	rg.GET("/calls/:roomId", h.Get)
	rg.GET("/calls/:roomId/events", h.Events)
	rg.POST("/calls/:roomId/accept", h.Accept)
	rg.POST("/calls/:roomId/reject", h.Reject)
	rg.POST("/calls/:roomId/invite/:participantId", h.Invite)
	rg.POST("/calls/:roomId/leave/:participantId", h.Leave)
	rg.POST("/calls/:roomId/end", h.End)
	rg.POST("/calls/:roomId/mute", h.ToggleAudio)
	rg.POST("/calls/:roomId/video", h.ToggleVideo)
	rg.POST("/calls/:roomId/retry/:participantId", h.Retry)
}

// Initiate starts an outgoing call
func (h *CallHandler) Initiate(c *gin.Context) {
	var req models.InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	_, err := h.calls.Initiate(c.Request.Context(), call.InitiateRequest{
		RoomID:       req.RoomID,
		Participants: req.Participants,
		AudioOnly:    req.AudioOnly,
		Kind:         call.Kind(req.Kind),
	})
	if err != nil {
		h.fail(c, "initiate", err)
		return
	}
	h.respondStatus(c, http.StatusCreated, req.RoomID)
}

// Get returns the live status of a call, and the registry record when one exists
func (h *CallHandler) Get(c *gin.Context) {
	roomID := c.Param("roomId")
	resp := gin.H{}

	st, err := h.calls.Status(c.Request.Context(), roomID)
	switch {
	case err == nil:
		resp["status"] = st
	case !errors.Is(err, call.ErrNoCall):
		h.fail(c, "status", err)
		return
	}

	if incoming, ok := h.calls.Pending(roomID); ok {
		resp["incoming"] = incoming
	}

	if h.registry != nil {
		rec, err := h.registry.Get(c.Request.Context(), roomID)
		switch {
		case err == nil:
			resp["record"] = rec
		case !errors.Is(err, redis.ErrNotFound):
			h.logger.Warn("Registry lookup failed", zap.String("room", roomID), zap.Error(err))
		}
	}

	if len(resp) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": call.ErrNoCall.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Accept answers the pending incoming call of a room
func (h *CallHandler) Accept(c *gin.Context) {
	var req struct {
		Kind string `json:"kind" binding:"omitempty,oneof=direct group"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	roomID := c.Param("roomId")
	if _, err := h.calls.Accept(c.Request.Context(), roomID, call.Kind(req.Kind)); err != nil {
		h.fail(c, "accept", err)
		return
	}
	h.respondStatus(c, http.StatusOK, roomID)
}

// Reject declines the pending incoming call of a room
func (h *CallHandler) Reject(c *gin.Context) {
	if err := h.calls.Reject(c.Request.Context(), c.Param("roomId")); err != nil {
		h.fail(c, "reject", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Invite adds a participant to a group call
func (h *CallHandler) Invite(c *gin.Context) {
	roomID := c.Param("roomId")
	participant := models.ParticipantID(c.Param("participantId"))
	if err := h.calls.Invite(c.Request.Context(), roomID, participant); err != nil {
		h.fail(c, "invite", err)
		return
	}
	h.respondStatus(c, http.StatusOK, roomID)
}

// Leave removes one participant from a call
func (h *CallHandler) Leave(c *gin.Context) {
	roomID := c.Param("roomId")
	participant := models.ParticipantID(c.Param("participantId"))
	if err := h.calls.Leave(c.Request.Context(), roomID, participant); err != nil {
		h.fail(c, "leave", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// End hangs up a call
func (h *CallHandler) End(c *gin.Context) {
	if err := h.calls.End(c.Request.Context(), c.Param("roomId")); err != nil {
		h.fail(c, "end", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ToggleAudio flips the microphone mute of a call
func (h *CallHandler) ToggleAudio(c *gin.Context) {
	enabled, err := h.calls.ToggleAudio(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.fail(c, "toggle audio", err)
		return
	}
	c.JSON(http.StatusOK, models.ToggleResponse{Enabled: enabled})
}

// ToggleVideo flips the camera of a call
func (h *CallHandler) ToggleVideo(c *gin.Context) {
	enabled, err := h.calls.ToggleVideo(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.fail(c, "toggle video", err)
		return
	}
	c.JSON(http.StatusOK, models.ToggleResponse{Enabled: enabled})
}

// Retry answers a "keep retrying?" prompt for one participant
func (h *CallHandler) Retry(c *gin.Context) {
	var req models.RetryDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	roomID := c.Param("roomId")
	participant := models.ParticipantID(c.Param("participantId"))
	if err := h.calls.ResolveDecision(c.Request.Context(), roomID, participant, req.Retry); err != nil {
		h.fail(c, "retry", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CallHandler) respondStatus(c *gin.Context, code int, roomID string) {
	st, err := h.calls.Status(c.Request.Context(), roomID)
	if err != nil {
		// The call may already be over, e.g. a direct call whose only peer
		// rejected it.
		c.Status(code)
		return
	}
	c.JSON(code, st)
}

func (h *CallHandler) fail(c *gin.Context, op string, err error) {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("Call command failed",
			zap.String("op", op),
			zap.String("room", c.Param("roomId")),
			zap.Error(err))
	}

	body := gin.H{"error": err.Error()}
	var devErr *media.DeviceError
	if errors.As(err, &devErr) {
		body["remediation"] = devErr.Remediation()
	}
	c.JSON(code, body)
}

func errorStatus(err error) int {
	var devErr *media.DeviceError
	switch {
	case errors.Is(err, call.ErrNoCall),
		errors.Is(err, call.ErrNoPendingCall),
		errors.Is(err, call.ErrUnknownParticipant):
		return http.StatusNotFound
	case errors.Is(err, call.ErrCallExists),
		errors.Is(err, call.ErrDuplicateParticipant),
		errors.Is(err, call.ErrCallClosed),
		errors.Is(err, call.ErrNoDecisionPending):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidParticipant),
		errors.Is(err, call.ErrNoActiveContext),
		errors.Is(err, call.ErrTooManyParticipants):
		return http.StatusBadRequest
	case errors.As(err, &devErr):
		return http.StatusFailedDependency
	case errors.Is(err, signaling.ErrBusClosed),
		errors.Is(err, call.ErrManagerClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
