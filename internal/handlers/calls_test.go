package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-calls/internal/call"
	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/redis"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
)

type fakeCalls struct {
	mu sync.Mutex

	err      error
	statuses map[string]call.Status
	pending  map[string]*call.IncomingCall
	toggled  bool

	initiated []call.InitiateRequest
	decisions []string

	subs       []func(call.Event)
	subscribed chan struct{}
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{
		statuses:   map[string]call.Status{},
		pending:    map[string]*call.IncomingCall{},
		subscribed: make(chan struct{}, 1),
	}
}

func (f *fakeCalls) Initiate(_ context.Context, req call.InitiateRequest) (*call.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiated = append(f.initiated, req)
	if f.err == nil {
		f.statuses[req.RoomID] = call.Status{RoomID: req.RoomID, Kind: req.Kind, State: call.CallInitiating}
	}
	return nil, f.err
}

func (f *fakeCalls) Accept(_ context.Context, roomID string, kind call.Kind) (*call.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[roomID]; !ok {
		return nil, call.ErrNoPendingCall
	}
	delete(f.pending, roomID)
	f.statuses[roomID] = call.Status{RoomID: roomID, Kind: kind, State: call.CallActive}
	return nil, nil
}

func (f *fakeCalls) Reject(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[roomID]; !ok {
		return call.ErrNoPendingCall
	}
	delete(f.pending, roomID)
	return nil
}

func (f *fakeCalls) Pending(roomID string) (*call.IncomingCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.pending[roomID]
	return in, ok
}

func (f *fakeCalls) Invite(_ context.Context, _ string, participant models.ParticipantID) error {
	if !participant.Valid() {
		return models.ErrInvalidParticipant
	}
	return f.err
}

func (f *fakeCalls) Leave(_ context.Context, _ string, participant models.ParticipantID) error {
	if !participant.Valid() {
		return models.ErrInvalidParticipant
	}
	return f.err
}

func (f *fakeCalls) End(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.statuses[roomID]; !ok {
		return call.ErrNoCall
	}
	delete(f.statuses, roomID)
	return nil
}

func (f *fakeCalls) ToggleAudio(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggled = !f.toggled
	return !f.toggled, f.err
}

func (f *fakeCalls) ToggleVideo(ctx context.Context, roomID string) (bool, error) {
	return f.ToggleAudio(ctx, roomID)
}

func (f *fakeCalls) ResolveDecision(_ context.Context, roomID string, participant models.ParticipantID, retry bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	verdict := "give-up"
	if retry {
		verdict = "retry"
	}
	f.decisions = append(f.decisions, roomID+"/"+participant.String()+"/"+verdict)
	return f.err
}

func (f *fakeCalls) Status(_ context.Context, roomID string) (call.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[roomID]
	if !ok {
		return call.Status{}, call.ErrNoCall
	}
	return st, nil
}

func (f *fakeCalls) Subscribe(fn func(call.Event)) func() {
	f.mu.Lock()
	f.subs = append(f.subs, fn)
	f.mu.Unlock()
	f.subscribed <- struct{}{}
	return func() {}
}

func (f *fakeCalls) publish(ev call.Event) {
	f.mu.Lock()
	subs := append([]func(call.Event){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

type fakeLookup struct {
	records map[string]*models.CallRecord
}

func (l *fakeLookup) Get(_ context.Context, roomID string) (*models.CallRecord, error) {
	if rec, ok := l.records[roomID]; ok {
		return rec, nil
	}
	return nil, redis.ErrNotFound
}

func newTestRouter(calls CallController, lookup CallLookup) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewCallHandler(calls, lookup, zap.NewNop()).Register(r.Group("/api"))
	return r
}

func request(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestInitiate(t *testing.T) {
	calls := newFakeCalls()
	r := newTestRouter(calls, nil)

	w := request(r, http.MethodPost, "/api/calls", `{"roomId":"room-1","participants":["bob"],"audioOnly":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var st call.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.RoomID != "room-1" || st.State != call.CallInitiating {
		t.Errorf("unexpected status %+v", st)
	}
	if len(calls.initiated) != 1 || !calls.initiated[0].AudioOnly || calls.initiated[0].Participants[0] != "bob" {
		t.Errorf("unexpected request %+v", calls.initiated)
	}
}

func TestInitiateValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing room", `{"participants":["bob"]}`},
		{"no participants", `{"roomId":"room-1","participants":[]}`},
		{"bad kind", `{"roomId":"room-1","participants":["bob"],"kind":"conference"}`},
		{"not json", `{`},
	}
	r := newTestRouter(newFakeCalls(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := request(r, http.MethodPost, "/api/calls", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"call exists", call.ErrCallExists, http.StatusConflict},
		{"direct call size", call.ErrTooManyParticipants, http.StatusBadRequest},
		{"bus down", fmt.Errorf("send offer: %w", signaling.ErrBusClosed), http.StatusServiceUnavailable},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := newFakeCalls()
			calls.err = tt.err
			w := request(newTestRouter(calls, nil), http.MethodPost, "/api/calls", `{"roomId":"room-1","participants":["bob"]}`)
			if w.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, w.Code)
			}
		})
	}
}

func TestDeviceErrorCarriesRemediation(t *testing.T) {
	calls := newFakeCalls()
	calls.err = &media.DeviceError{Kind: media.DevicePermissionDenied, Err: errors.New("denied")}

	w := request(newTestRouter(calls, nil), http.MethodPost, "/api/calls", `{"roomId":"room-1","participants":["bob"]}`)
	if w.Code != http.StatusFailedDependency {
		t.Fatalf("expected 424, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["remediation"] == "" {
		t.Errorf("expected remediation hint, got %v", body)
	}
}

func TestGet(t *testing.T) {
	calls := newFakeCalls()
	calls.statuses["live"] = call.Status{RoomID: "live", State: call.CallActive}
	calls.pending["ringing"] = &call.IncomingCall{RoomID: "ringing", From: "alice"}
	lookup := &fakeLookup{records: map[string]*models.CallRecord{
		"elsewhere": {RoomID: "elsewhere", State: "active", OwnerID: "me"},
	}}
	r := newTestRouter(calls, lookup)

	tests := []struct {
		room string
		code int
		key  string
	}{
		{"live", http.StatusOK, "status"},
		{"ringing", http.StatusOK, "incoming"},
		{"elsewhere", http.StatusOK, "record"},
		{"nothing", http.StatusNotFound, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.room, func(t *testing.T) {
			w := request(r, http.MethodGet, "/api/calls/"+tt.room, "")
			if w.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, w.Code)
			}
			var body map[string]json.RawMessage
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if _, ok := body[tt.key]; !ok {
				t.Errorf("expected %q in %s", tt.key, w.Body.String())
			}
		})
	}
}

func TestAcceptAndReject(t *testing.T) {
	calls := newFakeCalls()
	calls.pending["room-1"] = &call.IncomingCall{RoomID: "room-1", From: "alice"}
	calls.pending["room-2"] = &call.IncomingCall{RoomID: "room-2", From: "carol"}
	r := newTestRouter(calls, nil)

	w := request(r, http.MethodPost, "/api/calls/room-1/accept", `{"kind":"group"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var st call.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Kind != call.KindGroup || st.State != call.CallActive {
		t.Errorf("unexpected status %+v", st)
	}

	if w := request(r, http.MethodPost, "/api/calls/room-1/accept", ""); w.Code != http.StatusNotFound {
		t.Errorf("second accept: expected 404, got %d", w.Code)
	}
	if w := request(r, http.MethodPost, "/api/calls/room-2/reject", ""); w.Code != http.StatusNoContent {
		t.Errorf("reject: expected 204, got %d", w.Code)
	}
	if w := request(r, http.MethodPost, "/api/calls/room-2/reject", ""); w.Code != http.StatusNotFound {
		t.Errorf("second reject: expected 404, got %d", w.Code)
	}
}

func TestPeerCommands(t *testing.T) {
	calls := newFakeCalls()
	calls.statuses["room-1"] = call.Status{RoomID: "room-1", Kind: call.KindGroup, State: call.CallActive}
	r := newTestRouter(calls, nil)

	if w := request(r, http.MethodPost, "/api/calls/room-1/invite/dave", ""); w.Code != http.StatusOK {
		t.Errorf("invite: expected 200, got %d", w.Code)
	}
	if w := request(r, http.MethodPost, "/api/calls/room-1/leave/undefined", ""); w.Code != http.StatusBadRequest {
		t.Errorf("leave undefined: expected 400, got %d", w.Code)
	}
	if w := request(r, http.MethodPost, "/api/calls/room-1/leave/dave", ""); w.Code != http.StatusNoContent {
		t.Errorf("leave: expected 204, got %d", w.Code)
	}

	if w := request(r, http.MethodPost, "/api/calls/room-1/retry/dave", ""); w.Code != http.StatusBadRequest {
		t.Errorf("retry without body: expected 400, got %d", w.Code)
	}
	if w := request(r, http.MethodPost, "/api/calls/room-1/retry/dave", `{"retry":true}`); w.Code != http.StatusNoContent {
		t.Errorf("retry: expected 204, got %d", w.Code)
	}
	if len(calls.decisions) != 1 || calls.decisions[0] != "room-1/dave/retry" {
		t.Errorf("unexpected decisions %v", calls.decisions)
	}

	if w := request(r, http.MethodPost, "/api/calls/room-1/end", ""); w.Code != http.StatusNoContent {
		t.Errorf("end: expected 204, got %d", w.Code)
	}
	if w := request(r, http.MethodPost, "/api/calls/room-1/end", ""); w.Code != http.StatusNotFound {
		t.Errorf("second end: expected 404, got %d", w.Code)
	}
}

func TestToggleReportsEnabled(t *testing.T) {
	r := newTestRouter(newFakeCalls(), nil)

	for i, want := range []bool{false, true} {
		w := request(r, http.MethodPost, "/api/calls/room-1/mute", "")
		if w.Code != http.StatusOK {
			t.Fatalf("toggle %d: expected 200, got %d", i, w.Code)
		}
		var resp models.ToggleResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Enabled != want {
			t.Errorf("toggle %d: enabled %v, want %v", i, resp.Enabled, want)
		}
	}
}

func TestEventsStreamFiltersByRoom(t *testing.T) {
	calls := newFakeCalls()
	srv := httptest.NewServer(newTestRouter(calls, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		select {
		case <-calls.subscribed:
		case <-ctx.Done():
			return
		}
		calls.publish(call.Event{Type: call.EventNotice, RoomID: "other", Message: "not for us"})
		calls.publish(call.Event{Type: call.EventDecision, RoomID: "room-1", Participant: "bob"})
	}()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/calls/room-1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("unexpected content type %q", ct)
	}

	var event, data string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if data != "" {
			break
		}
	}

	if event != string(call.EventDecision) {
		t.Fatalf("expected decision event, got %q (%s)", event, data)
	}
	var ev call.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.RoomID != "room-1" || ev.Participant != "bob" {
		t.Errorf("unexpected event %+v", ev)
	}
}
