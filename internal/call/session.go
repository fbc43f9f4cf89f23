// Package call orchestrates peer-to-peer calls: one Session per call, one
// peer session per remote participant, and a Manager that routes signaling
// from the bus to the right Session.
//
// Each Session runs a single event loop. Public methods post a closure to
// the loop and wait for its result; transport callbacks and timers post
// without waiting. All peer state is touched only on the loop.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/metrics"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/quality"
	"github.com/mossy-p/webrtc-calls/internal/reconnect"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
)

const (
	defaultOfferTimeout  = 30 * time.Second
	defaultStatsInterval = 2 * time.Second
)

// ErrTooManyParticipants is returned when a direct call names more than one
// remote participant.
var ErrTooManyParticipants = errors.New("direct call takes exactly one participant")

var errMissingDeps = errors.New("call: bus and media stack are required")

// Options describe one call.
type Options struct {
	ID            string // generated when empty
	RoomID        string
	SelfID        models.ParticipantID
	Kind          Kind
	AudioOnly     bool
	ICEServers    []webrtc.ICEServer
	OfferTimeout  time.Duration
	StatsInterval time.Duration
}

// Deps are the collaborators of a Session. Only Bus and Stack are required.
type Deps struct {
	Bus        signaling.Bus
	Stack      media.Stack
	Capture    *media.SharedCapture
	Supervisor *reconnect.Supervisor
	Scheduler  Scheduler
	Logger     *zap.Logger
	// Listener is called on the session loop and must not block or call
	// back into the Session.
	Listener func(Event)
}

// Session is one logical call.
type Session struct {
	opts       Options
	bus        signaling.Bus
	stack      media.Stack
	capture    *media.SharedCapture
	supervisor *reconnect.Supervisor
	sched      Scheduler
	logger     *zap.Logger
	listener   func(Event)

	ctx    context.Context
	cancel context.CancelFunc

	qmu     sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}

	// loop-owned
	state     CallState
	peers     map[models.ParticipantID]*peerSession
	order     []models.ParticipantID
	createdAt time.Time
	muted     bool
	videoOff  bool
	finished  bool
}

// NewSession starts the event loop of a call in the Idle state.
func NewSession(opts Options, deps Deps) (*Session, error) {
	if opts.RoomID == "" {
		return nil, ErrNoActiveContext
	}
	if !opts.SelfID.Valid() {
		return nil, fmt.Errorf("self: %w", models.ErrInvalidParticipant)
	}
	if deps.Bus == nil || deps.Stack == nil {
		return nil, errMissingDeps
	}
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if opts.Kind == "" {
		opts.Kind = KindDirect
	}
	if opts.OfferTimeout <= 0 {
		opts.OfferTimeout = defaultOfferTimeout
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = defaultStatsInterval
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Scheduler == nil {
		deps.Scheduler = WallClock()
	}
	if deps.Supervisor == nil {
		deps.Supervisor = reconnect.NewSupervisor(reconnect.DefaultPolicy())
	}
	logger := deps.Logger.With(zap.String("call", opts.ID), zap.String("room", opts.RoomID))
	if deps.Capture == nil {
		deps.Capture = media.NewSharedCapture(deps.Stack, logger)
	}

	s := &Session{
		opts:       opts,
		bus:        deps.Bus,
		stack:      deps.Stack,
		capture:    deps.Capture,
		supervisor: deps.Supervisor,
		sched:      deps.Scheduler,
		logger:     logger,
		listener:   deps.Listener,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		peers:      make(map[models.ParticipantID]*peerSession),
		createdAt:  time.Now(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.loop()
	return s, nil
}

func (s *Session) ID() string     { return s.opts.ID }
func (s *Session) RoomID() string { return s.opts.RoomID }
func (s *Session) Kind() Kind     { return s.opts.Kind }

// Done is closed once the call is closed and its loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) loop() {
	defer close(s.done)
	for range s.wake {
		for {
			s.qmu.Lock()
			batch := s.queue
			s.queue = nil
			s.qmu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, f := range batch {
				f()
				if s.finished {
					s.shutdown()
					return
				}
			}
		}
	}
}

func (s *Session) shutdown() {
	s.qmu.Lock()
	s.stopped = true
	s.queue = nil
	s.qmu.Unlock()
	s.cancel()
}

// post queues f on the loop. It reports false once the loop has stopped.
func (s *Session) post(f func()) bool {
	s.qmu.Lock()
	if s.stopped {
		s.qmu.Unlock()
		return false
	}
	s.queue = append(s.queue, f)
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// do runs f on the loop and waits for its result.
func (s *Session) do(ctx context.Context, f func() error) error {
	return s.enqueue(f)(ctx)
}

// enqueue posts f and returns a func that waits for its result. Work queued
// before enqueue returns runs before anything posted afterwards.
func (s *Session) enqueue(f func() error) func(context.Context) error {
	reply := make(chan error, 1)
	if !s.post(func() { reply <- f() }) {
		return func(context.Context) error { return ErrCallClosed }
	}
	return func(ctx context.Context) error {
		select {
		case err := <-reply:
			return err
		case <-s.done:
			select {
			case err := <-reply:
				return err
			default:
				return ErrCallClosed
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Initiate offers the call to each participant.
func (s *Session) Initiate(ctx context.Context, participants []models.ParticipantID) error {
	return s.do(ctx, func() error {
		if s.state != CallIdle {
			return ErrCallExists
		}
		ids, err := s.targets(participants)
		if err != nil {
			return err
		}

		s.createdAt = time.Now()
		s.setState(CallInitiating)
		metrics.CallsTotal.WithLabelValues(string(s.opts.Kind), "outgoing").Inc()

		for _, id := range ids {
			p := s.newPeer(id, RoleInitiator)
			if err := p.startOffer(); err != nil {
				s.finish()
				return err
			}
		}
		return nil
	})
}

func (s *Session) targets(participants []models.ParticipantID) ([]models.ParticipantID, error) {
	var ids []models.ParticipantID
	seen := make(map[models.ParticipantID]bool)
	for _, id := range participants {
		if !id.Valid() || id == s.opts.SelfID {
			return nil, fmt.Errorf("participant %q: %w", id, models.ErrInvalidParticipant)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no participants: %w", models.ErrInvalidParticipant)
	}
	if s.opts.Kind == KindDirect && len(ids) > 1 {
		return nil, ErrTooManyParticipants
	}
	return ids, nil
}

// Invite offers a running group call to one more participant.
func (s *Session) Invite(ctx context.Context, participant models.ParticipantID) error {
	return s.do(ctx, func() error {
		if s.opts.Kind != KindGroup {
			return ErrTooManyParticipants
		}
		if s.state != CallInitiating && s.state != CallActive {
			return ErrCallClosed
		}
		if !participant.Valid() || participant == s.opts.SelfID {
			return fmt.Errorf("participant %q: %w", participant, models.ErrInvalidParticipant)
		}
		if _, ok := s.peers[participant]; ok {
			return fmt.Errorf("%s: %w", participant, ErrDuplicateParticipant)
		}
		p := s.newPeer(participant, RoleInitiator)
		if err := p.startOffer(); err != nil {
			s.dropPeer(p)
			return err
		}
		return nil
	})
}

// Answer accepts an incoming offer. Candidates that arrived with the offer,
// before the call existed, are applied once the offer is.
func (s *Session) Answer(ctx context.Context, offer *models.SignalMessage, early []webrtc.ICECandidateInit) error {
	return s.answer(offer, early)(ctx)
}

func (s *Session) answer(offer *models.SignalMessage, early []webrtc.ICECandidateInit) func(context.Context) error {
	return s.enqueue(func() error {
		if s.state != CallIdle {
			return ErrCallExists
		}
		s.createdAt = time.Now()
		s.setState(CallInitiating)
		metrics.CallsTotal.WithLabelValues(string(s.opts.Kind), "incoming").Inc()

		p := s.newPeer(offer.From, RoleResponder)
		p.pending = append(p.pending, early...)
		if err := p.startAnswer(offer); err != nil {
			s.sendEnd(offer.From)
			s.finish()
			return err
		}
		return nil
	})
}

// HandleEnvelope routes an inbound envelope to its peer session. It does not
// wait; envelopes are applied in the order they are handed in.
func (s *Session) HandleEnvelope(msg *models.SignalMessage) {
	if !s.post(func() { s.route(msg) }) {
		metrics.EnvelopesTotal.WithLabelValues(string(msg.Type), "closed").Inc()
	}
}

// Leave closes the peer session for participant. A direct call ends with
// its only peer.
func (s *Session) Leave(ctx context.Context, participant models.ParticipantID) error {
	return s.do(ctx, func() error {
		p, ok := s.peers[participant]
		if !ok {
			return fmt.Errorf("%s: %w", participant, ErrUnknownParticipant)
		}
		s.sendEnd(participant)
		s.dropPeer(p)
		if s.opts.Kind == KindDirect && len(s.peers) == 0 {
			s.finish()
		}
		return nil
	})
}

// End hangs up on every peer and closes the call.
func (s *Session) End(ctx context.Context) error {
	err := s.do(ctx, func() error {
		s.setState(CallEnding)
		if len(s.peers) == 0 {
			s.sendEnd("")
		}
		for _, id := range s.order {
			if _, ok := s.peers[id]; ok {
				s.sendEnd(id)
			}
		}
		s.finish()
		return nil
	})
	if errors.Is(err, ErrCallClosed) {
		return nil
	}
	return err
}

// discard closes the call without telling anyone. Used when a call fails
// before any envelope was sent.
func (s *Session) discard(ctx context.Context) {
	_ = s.do(ctx, func() error {
		s.finish()
		return nil
	})
}

// ResolveDecision answers a retry prompt for participant.
func (s *Session) ResolveDecision(ctx context.Context, participant models.ParticipantID, retry bool) error {
	return s.do(ctx, func() error {
		p, ok := s.peers[participant]
		if !ok {
			return fmt.Errorf("%s: %w", participant, ErrUnknownParticipant)
		}
		if p.state != PeerFailed || !p.awaitingDecision {
			return ErrNoDecisionPending
		}
		if retry {
			p.retryNow()
			return nil
		}

		p.logger.Info("retry declined")
		s.sendEnd(participant)
		s.dropPeer(p)
		if s.opts.Kind == KindDirect && len(s.peers) == 0 {
			s.finish()
		}
		return nil
	})
}

// ToggleAudio flips the microphone mute for every peer, including peers
// added later. It returns whether audio is now being sent.
func (s *Session) ToggleAudio(ctx context.Context) (bool, error) {
	var enabled bool
	err := s.do(ctx, func() error {
		s.muted = !s.muted
		enabled = !s.muted
		s.applyToggles()
		return nil
	})
	return enabled, err
}

// ToggleVideo flips the camera for every peer. It returns whether video is
// now being sent.
func (s *Session) ToggleVideo(ctx context.Context) (bool, error) {
	var enabled bool
	err := s.do(ctx, func() error {
		s.videoOff = !s.videoOff
		enabled = !s.videoOff
		s.applyToggles()
		return nil
	})
	return enabled, err
}

func (s *Session) applyToggles() {
	for _, p := range s.peers {
		p.applyToggles()
	}
	s.update("", nil)
}

// Status returns a snapshot of the call.
func (s *Session) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.do(ctx, func() error {
		st = s.status()
		return nil
	})
	return st, err
}

func (s *Session) status() Status {
	st := Status{
		CallID:    s.opts.ID,
		RoomID:    s.opts.RoomID,
		Kind:      s.opts.Kind,
		AudioOnly: s.opts.AudioOnly,
		State:     s.state,
		Muted:     s.muted,
		VideoOff:  s.videoOff,
		CreatedAt: s.createdAt,
		Peers:     []PeerStatus{},
	}
	var states []PeerState
	for _, id := range s.order {
		p, ok := s.peers[id]
		if !ok {
			continue
		}
		st.Peers = append(st.Peers, p.status())
		states = append(states, p.state)
	}
	st.Aggregate = Aggregate(states)
	return st
}

func (s *Session) setState(state CallState) {
	if s.state == state {
		return
	}
	s.logger.Info("call state", zap.Stringer("from", s.state), zap.Stringer("to", state))
	s.state = state
}

func (s *Session) newPeer(id models.ParticipantID, role Role) *peerSession {
	p := newPeerSession(s, id, role)
	s.peers[id] = p
	known := false
	for _, o := range s.order {
		if o == id {
			known = true
			break
		}
	}
	if !known {
		s.order = append(s.order, id)
	}
	metrics.ActivePeers.Inc()
	return p
}

// dropPeer closes p and removes it from the call. The closed state is
// published before the peer disappears from status.
func (s *Session) dropPeer(p *peerSession) {
	p.close()
	if s.peers[p.id] == p {
		delete(s.peers, p.id)
	}
}

// deviceLost handles a capture failure during a retry: the peer cannot
// offer again, so it is closed like a declined retry.
func (s *Session) deviceLost(p *peerSession) {
	s.sendEnd(p.id)
	s.dropPeer(p)
	if s.opts.Kind == KindDirect && len(s.peers) == 0 {
		s.finish()
	}
}

// peerConnected moves the call to Active on the first connected peer.
func (s *Session) peerConnected() {
	if s.state == CallInitiating {
		s.setState(CallActive)
	}
}

// finish closes every peer and marks the call closed. The loop exits after
// the current closure.
func (s *Session) finish() {
	if s.finished {
		return
	}
	s.setState(CallEnding)
	for _, id := range s.order {
		if p, ok := s.peers[id]; ok {
			s.dropPeer(p)
		}
	}
	s.setState(CallClosed)
	s.finished = true

	st := s.status()
	s.emit(Event{Type: EventClosed, Status: &st})
}

func (s *Session) send(msg *models.SignalMessage) {
	msg.RoomID = s.opts.RoomID
	msg.From = s.opts.SelfID
	if err := s.bus.Send(s.ctx, msg); err != nil {
		s.logger.Warn("signaling send failed",
			zap.String("type", string(msg.Type)),
			zap.String("target", string(msg.To)),
			zap.Error(err),
		)
	}
}

// sendEnd sends call_end to target, or to the whole room when target is
// empty, if the bus can still deliver it.
func (s *Session) sendEnd(target models.ParticipantID) {
	if s.bus.ConnectionState() != signaling.StateOpen {
		return
	}
	s.send(&models.SignalMessage{Type: models.SignalTypeEnd, To: target})
}

func (s *Session) emit(ev Event) {
	if s.listener == nil {
		return
	}
	ev.RoomID = s.opts.RoomID
	ev.CallID = s.opts.ID
	s.listener(ev)
}

// update publishes the current status, with the sample that triggered it.
func (s *Session) update(participant models.ParticipantID, sample *quality.Sample) {
	if s.listener == nil {
		return
	}
	st := s.status()
	s.emit(Event{Type: EventUpdate, Participant: participant, Status: &st, Quality: sample})
}
