package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/webrtc-calls/internal/media/mediatest"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
)

const (
	self = models.ParticipantID("me")
	room = "room-1"

	statsEvery   = 2 * time.Second
	offerTimeout = 30 * time.Second
)

// fakeBus records sent envelopes and lets tests inject inbound ones.
type fakeBus struct {
	mu    sync.Mutex
	sent  []*models.SignalMessage
	state signaling.State
	next  int
	fns   map[int]func(*models.SignalMessage)
}

func newFakeBus() *fakeBus {
	return &fakeBus{state: signaling.StateOpen, fns: map[int]func(*models.SignalMessage){}}
}

func (b *fakeBus) Send(_ context.Context, msg *models.SignalMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != signaling.StateOpen {
		return signaling.ErrBusClosed
	}
	cp := *msg
	b.sent = append(b.sent, &cp)
	return nil
}

func (b *fakeBus) OnMessage(fn func(*models.SignalMessage)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.fns[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.fns, id)
		b.mu.Unlock()
	}
}

func (b *fakeBus) ConnectionState() signaling.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *fakeBus) Close() error {
	b.setState(signaling.StateClosed)
	return nil
}

func (b *fakeBus) setState(s signaling.State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *fakeBus) deliver(msg *models.SignalMessage) {
	b.mu.Lock()
	fns := make([]func(*models.SignalMessage), 0, len(b.fns))
	for _, fn := range b.fns {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (b *fakeBus) listeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fns)
}

// sentOf returns the sent envelopes of type t in order.
func (b *fakeBus) sentOf(t models.SignalType) []*models.SignalMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*models.SignalMessage
	for _, m := range b.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// fakeClock is a Scheduler that only fires when told to.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// pending returns the delays of timers that have neither fired nor stopped.
func (c *fakeClock) pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.d)
		}
	}
	return out
}

func (c *fakeClock) hasPending(d time.Duration) bool {
	for _, p := range c.pending() {
		if p == d {
			return true
		}
	}
	return false
}

// fire runs the oldest pending timer with delay d.
func (c *fakeClock) fire(t *testing.T, d time.Duration) {
	t.Helper()
	c.mu.Lock()
	var target *fakeTimer
	for _, tm := range c.timers {
		if !tm.stopped && !tm.fired && tm.d == d {
			target = tm
			break
		}
	}
	if target != nil {
		target.fired = true
	}
	c.mu.Unlock()
	if target == nil {
		t.Fatalf("no pending timer with delay %v (pending: %v)", d, c.pending())
	}
	target.f()
}

// eventLog collects session events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) ofType(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	t      *testing.T
	sess   *Session
	bus    *fakeBus
	stack  *mediatest.Stack
	clock  *fakeClock
	events *eventLog
}

func newHarness(t *testing.T, kind Kind, audioOnly bool) *harness {
	t.Helper()
	return newHarnessWith(t, mediatest.NewStack(), kind, audioOnly)
}

func newHarnessWith(t *testing.T, stack *mediatest.Stack, kind Kind, audioOnly bool) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		bus:    newFakeBus(),
		stack:  stack,
		clock:  &fakeClock{},
		events: &eventLog{},
	}
	sess, err := NewSession(Options{
		RoomID:        room,
		SelfID:        self,
		Kind:          kind,
		AudioOnly:     audioOnly,
		OfferTimeout:  offerTimeout,
		StatsInterval: statsEvery,
	}, Deps{
		Bus:       h.bus,
		Stack:     h.stack,
		Scheduler: h.clock,
		Listener:  h.events.add,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	h.sess = sess
	t.Cleanup(func() {
		_ = sess.End(context.Background())
		<-sess.Done()
	})
	return h
}

// status doubles as a barrier: it runs after everything posted before it.
func (h *harness) status() Status {
	h.t.Helper()
	st, err := h.sess.Status(context.Background())
	if err != nil {
		h.t.Fatalf("status: %v", err)
	}
	return st
}

func (h *harness) peer(id models.ParticipantID) (PeerStatus, bool) {
	h.t.Helper()
	for _, p := range h.status().Peers {
		if p.Participant == id {
			return p, true
		}
	}
	return PeerStatus{}, false
}

func (h *harness) peerState(id models.ParticipantID) PeerState {
	h.t.Helper()
	p, ok := h.peer(id)
	if !ok {
		h.t.Fatalf("no peer session for %s", id)
	}
	return p.State
}

func (h *harness) initiate(ids ...models.ParticipantID) {
	h.t.Helper()
	if err := h.sess.Initiate(context.Background(), ids); err != nil {
		h.t.Fatalf("initiate: %v", err)
	}
}

// connect drives an offering peer to Connected over tr.
func (h *harness) connect(id models.ParticipantID, tr *mediatest.Transport) {
	h.t.Helper()
	h.sess.HandleEnvelope(answerFrom(id))
	tr.FireTrack(webrtc.RTPCodecTypeAudio)
	tr.FireConnectionState(webrtc.PeerConnectionStateConnected)
	if got := h.peerState(id); got != PeerConnected {
		h.t.Fatalf("peer %s: state %v, want connected", id, got)
	}
}

func offerFrom(id models.ParticipantID) *models.SignalMessage {
	return &models.SignalMessage{
		Type:   models.SignalTypeOffer,
		RoomID: room,
		From:   id,
		To:     self,
		SDP:    &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer-" + string(id)},
	}
}

func answerFrom(id models.ParticipantID) *models.SignalMessage {
	return &models.SignalMessage{
		Type:   models.SignalTypeAnswer,
		RoomID: room,
		From:   id,
		To:     self,
		SDP:    &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer-" + string(id)},
	}
}

func candidateFrom(id models.ParticipantID, c string) *models.SignalMessage {
	return &models.SignalMessage{
		Type:      models.SignalTypeCandidate,
		RoomID:    room,
		From:      id,
		To:        self,
		Candidate: &webrtc.ICECandidateInit{Candidate: c},
	}
}

func endFrom(id models.ParticipantID) *models.SignalMessage {
	return &models.SignalMessage{Type: models.SignalTypeEnd, RoomID: room, From: id}
}
