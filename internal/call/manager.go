package call

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/metrics"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/reconnect"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
)

const (
	inboxSize  = 256
	eventsSize = 256

	registryTimeout = 2 * time.Second
	closeTimeout    = 5 * time.Second
)

// Registry mirrors active calls somewhere other devices can see them.
type Registry interface {
	Save(ctx context.Context, rec *models.CallRecord) error
	Delete(ctx context.Context, roomID string) error
}

// Config holds the settings shared by every call of the local participant.
type Config struct {
	SelfID        models.ParticipantID
	ICEServers    []webrtc.ICEServer
	OfferTimeout  time.Duration
	StatsInterval time.Duration
	Policy        reconnect.Policy
}

// ManagerDeps are the collaborators of a Manager. Bus and Stack are required.
type ManagerDeps struct {
	Bus       signaling.Bus
	Stack     media.Stack
	Scheduler Scheduler
	Logger    *zap.Logger
	Registry  Registry
}

// IncomingCall is an offer for a room that has no call yet. It stays pending
// until accepted, rejected, or withdrawn by the caller.
type IncomingCall struct {
	RoomID     string               `json:"roomId"`
	From       models.ParticipantID `json:"from"`
	AudioOnly  bool                 `json:"audioOnly"`
	ReceivedAt time.Time            `json:"receivedAt"`

	Accept func(ctx context.Context) (*Session, error) `json:"-"`
	Reject func(ctx context.Context) error             `json:"-"`

	offer *models.SignalMessage
	early []webrtc.ICECandidateInit
}

// InitiateRequest starts an outgoing call.
type InitiateRequest struct {
	RoomID       string
	Participants []models.ParticipantID
	AudioOnly    bool
	Kind         Kind // direct for one participant, group otherwise, when empty
}

type managed struct {
	sess  *Session
	owner models.ParticipantID
}

// Manager owns the calls of the local participant, one per room, and
// routes bus envelopes to them.
type Manager struct {
	cfg        Config
	bus        signaling.Bus
	stack      media.Stack
	sched      Scheduler
	logger     *zap.Logger
	registry   Registry
	capture    *media.SharedCapture
	supervisor *reconnect.Supervisor

	mu       sync.Mutex
	calls    map[string]*managed
	pending  map[string]*IncomingCall
	incoming []func(*IncomingCall)
	subs     map[int]func(Event)
	nextSub  int
	closed   bool

	inbox  chan *models.SignalMessage
	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	unsubscribe func()
}

// NewManager attaches to the bus and starts routing immediately.
func NewManager(cfg Config, deps ManagerDeps) (*Manager, error) {
	if !cfg.SelfID.Valid() {
		return nil, models.ErrInvalidParticipant
	}
	if deps.Bus == nil || deps.Stack == nil {
		return nil, errMissingDeps
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Scheduler == nil {
		deps.Scheduler = WallClock()
	}
	if cfg.Policy == (reconnect.Policy{}) {
		cfg.Policy = reconnect.DefaultPolicy()
	}

	m := &Manager{
		cfg:        cfg,
		bus:        deps.Bus,
		stack:      deps.Stack,
		sched:      deps.Scheduler,
		logger:     deps.Logger,
		registry:   deps.Registry,
		capture:    media.NewSharedCapture(deps.Stack, deps.Logger),
		supervisor: reconnect.NewSupervisor(cfg.Policy),
		calls:      make(map[string]*managed),
		pending:    make(map[string]*IncomingCall),
		subs:       make(map[int]func(Event)),
		inbox:      make(chan *models.SignalMessage, inboxSize),
		events:     make(chan Event, eventsSize),
		done:       make(chan struct{}),
	}

	m.unsubscribe = m.bus.OnMessage(func(msg *models.SignalMessage) {
		select {
		case m.inbox <- msg:
		case <-m.done:
		}
	})

	m.wg.Add(2)
	go m.dispatchLoop()
	go m.eventLoop()
	return m, nil
}

// OnIncoming registers fn for every new incoming call. It runs on the
// dispatch goroutine and must not block.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.mu.Lock()
	m.incoming = append(m.incoming, fn)
	m.mu.Unlock()
}

// Subscribe registers fn for every call event. The returned func removes it.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Initiate starts an outgoing call in req.RoomID.
func (m *Manager) Initiate(ctx context.Context, req InitiateRequest) (*Session, error) {
	if req.RoomID == "" {
		return nil, ErrNoActiveContext
	}
	kind := req.Kind
	if kind == "" {
		kind = KindDirect
		if len(req.Participants) > 1 {
			kind = KindGroup
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if m.calls[req.RoomID] != nil || m.pending[req.RoomID] != nil {
		m.mu.Unlock()
		return nil, ErrCallExists
	}
	sess, err := m.newSession(req.RoomID, kind, req.AudioOnly)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.track(sess, m.cfg.SelfID)
	m.mu.Unlock()

	if err := sess.Initiate(ctx, req.Participants); err != nil {
		sess.discard(context.Background())
		return nil, err
	}
	m.logger.Info("call started",
		zap.String("room", req.RoomID),
		zap.String("kind", string(kind)),
		zap.Int("participants", len(req.Participants)),
	)
	return sess, nil
}

// Accept answers the pending incoming call in roomID.
func (m *Manager) Accept(ctx context.Context, roomID string, kind Kind) (*Session, error) {
	if kind == "" {
		kind = KindDirect
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	ic := m.pending[roomID]
	if ic == nil {
		m.mu.Unlock()
		return nil, ErrNoPendingCall
	}
	delete(m.pending, roomID)
	metrics.PendingIncoming.Dec()
	sess, err := m.newSession(roomID, kind, ic.AudioOnly)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.track(sess, ic.From)
	// Queued while holding the lock so the answer runs before any envelope
	// dispatched to the new call.
	wait := sess.answer(ic.offer, ic.early)
	m.mu.Unlock()

	if err := wait(ctx); err != nil {
		return nil, err
	}
	m.logger.Info("call accepted", zap.String("room", roomID), zap.String("from", string(ic.From)))
	return sess, nil
}

// Reject declines the pending incoming call in roomID.
func (m *Manager) Reject(ctx context.Context, roomID string) error {
	m.mu.Lock()
	ic := m.pending[roomID]
	if ic != nil {
		delete(m.pending, roomID)
		metrics.PendingIncoming.Dec()
	}
	m.mu.Unlock()
	if ic == nil {
		return ErrNoPendingCall
	}

	m.logger.Info("call rejected", zap.String("room", roomID), zap.String("from", string(ic.From)))
	return m.bus.Send(ctx, &models.SignalMessage{
		Type:   models.SignalTypeRejected,
		RoomID: roomID,
		From:   m.cfg.SelfID,
		To:     ic.From,
	})
}

// Session returns the call in roomID.
func (m *Manager) Session(roomID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.calls[roomID]; c != nil {
		return c.sess, nil
	}
	return nil, ErrNoCall
}

// Pending returns the incoming call waiting in roomID, if any.
func (m *Manager) Pending(roomID string) (*IncomingCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ic, ok := m.pending[roomID]
	return ic, ok
}

func (m *Manager) Invite(ctx context.Context, roomID string, participant models.ParticipantID) error {
	sess, err := m.Session(roomID)
	if err != nil {
		return err
	}
	return sess.Invite(ctx, participant)
}

func (m *Manager) Leave(ctx context.Context, roomID string, participant models.ParticipantID) error {
	sess, err := m.Session(roomID)
	if err != nil {
		return err
	}
	return sess.Leave(ctx, participant)
}

func (m *Manager) End(ctx context.Context, roomID string) error {
	sess, err := m.Session(roomID)
	if err != nil {
		return err
	}
	return sess.End(ctx)
}

func (m *Manager) ToggleAudio(ctx context.Context, roomID string) (bool, error) {
	sess, err := m.Session(roomID)
	if err != nil {
		return false, err
	}
	return sess.ToggleAudio(ctx)
}

func (m *Manager) ToggleVideo(ctx context.Context, roomID string) (bool, error) {
	sess, err := m.Session(roomID)
	if err != nil {
		return false, err
	}
	return sess.ToggleVideo(ctx)
}

func (m *Manager) ResolveDecision(ctx context.Context, roomID string, participant models.ParticipantID, retry bool) error {
	sess, err := m.Session(roomID)
	if err != nil {
		return err
	}
	return sess.ResolveDecision(ctx, participant, retry)
}

func (m *Manager) Status(ctx context.Context, roomID string) (Status, error) {
	sess, err := m.Session(roomID)
	if err != nil {
		return Status{}, err
	}
	return sess.Status(ctx)
}

// Close ends every call and detaches from the bus. The bus itself is left
// open for its owner to close.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	calls := m.calls
	m.calls = make(map[string]*managed)
	for room := range m.pending {
		metrics.PendingIncoming.Dec()
		delete(m.pending, room)
	}
	m.mu.Unlock()

	m.unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	for room, c := range calls {
		if err := c.sess.End(ctx); err != nil {
			m.logger.Warn("end call on close", zap.String("room", room), zap.Error(err))
		}
	}

	close(m.done)
	m.wg.Wait()
	return nil
}

func (m *Manager) newSession(roomID string, kind Kind, audioOnly bool) (*Session, error) {
	return NewSession(Options{
		RoomID:        roomID,
		SelfID:        m.cfg.SelfID,
		Kind:          kind,
		AudioOnly:     audioOnly,
		ICEServers:    m.cfg.ICEServers,
		OfferTimeout:  m.cfg.OfferTimeout,
		StatsInterval: m.cfg.StatsInterval,
	}, Deps{
		Bus:        m.bus,
		Stack:      m.stack,
		Capture:    m.capture,
		Supervisor: m.supervisor,
		Scheduler:  m.sched,
		Logger:     m.logger,
		Listener:   m.publish,
	})
}

// track registers sess and removes it once its loop exits. Called with mu
// held.
func (m *Manager) track(sess *Session, owner models.ParticipantID) {
	c := &managed{sess: sess, owner: owner}
	m.calls[sess.RoomID()] = c
	metrics.ActiveCalls.Inc()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-sess.Done()

		m.mu.Lock()
		if m.calls[sess.RoomID()] == c {
			delete(m.calls, sess.RoomID())
		}
		m.mu.Unlock()
		metrics.ActiveCalls.Dec()

		if m.registry != nil {
			ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
			defer cancel()
			if err := m.registry.Delete(ctx, sess.RoomID()); err != nil {
				m.logger.Warn("registry delete", zap.String("room", sess.RoomID()), zap.Error(err))
			}
		}
	}()
}

// publish hands ev to the event goroutine. It runs on session loops and
// never blocks; events are dropped when subscribers fall behind.
func (m *Manager) publish(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("event dropped", zap.String("type", string(ev.Type)), zap.String("room", ev.RoomID))
	}
}

func (m *Manager) eventLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case ev := <-m.events:
			m.record(ev)
			m.mu.Lock()
			subs := make([]func(Event), 0, len(m.subs))
			for _, fn := range m.subs {
				subs = append(subs, fn)
			}
			m.mu.Unlock()
			for _, fn := range subs {
				fn(ev)
			}
		}
	}
}

// record mirrors state changes into the registry. Quality updates are not
// persisted.
func (m *Manager) record(ev Event) {
	if m.registry == nil || ev.Type != EventUpdate || ev.Quality != nil || ev.Status == nil {
		return
	}
	if ev.Status.State == CallClosed {
		return
	}
	m.mu.Lock()
	c := m.calls[ev.RoomID]
	m.mu.Unlock()
	if c == nil || c.sess.ID() != ev.CallID {
		return
	}

	st := ev.Status
	rec := &models.CallRecord{
		ID:           st.CallID,
		RoomID:       st.RoomID,
		Kind:         string(st.Kind),
		AudioOnly:    st.AudioOnly,
		State:        st.State.String(),
		OwnerID:      c.owner,
		Participants: make([]models.ParticipantID, 0, len(st.Peers)),
		CreatedAt:    st.CreatedAt,
		UpdatedAt:    time.Now(),
	}
	for _, p := range st.Peers {
		rec.Participants = append(rec.Participants, p.Participant)
	}
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := m.registry.Save(ctx, rec); err != nil {
		m.logger.Warn("registry save", zap.String("room", st.RoomID), zap.Error(err))
	}
}

func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case msg := <-m.inbox:
			m.dispatch(msg)
		}
	}
}

// dispatch routes one envelope to the call in its room, or tracks it as an
// incoming call when the room has none.
func (m *Manager) dispatch(msg *models.SignalMessage) {
	if signaling.Validate(msg) != nil || !signaling.Addressed(msg, m.cfg.SelfID) {
		return
	}
	logger := m.logger.With(
		zap.String("room", msg.RoomID),
		zap.String("type", string(msg.Type)),
		zap.String("from", string(msg.From)),
	)

	m.mu.Lock()
	if c := m.calls[msg.RoomID]; c != nil {
		m.mu.Unlock()
		c.sess.HandleEnvelope(msg)
		return
	}
	if m.closed {
		m.mu.Unlock()
		return
	}

	ic := m.pending[msg.RoomID]
	switch msg.Type {
	case models.SignalTypeOffer:
		if ic != nil {
			m.mu.Unlock()
			logger.Debug("room already has a pending call")
			metrics.EnvelopesTotal.WithLabelValues(string(msg.Type), "duplicate").Inc()
			return
		}
		ic = m.newIncoming(msg)
		m.pending[msg.RoomID] = ic
		metrics.PendingIncoming.Inc()
		handlers := slices.Clone(m.incoming)
		m.mu.Unlock()

		logger.Info("incoming call", zap.Bool("audioOnly", msg.IsAudioOnly))
		metrics.EnvelopesTotal.WithLabelValues(string(msg.Type), "incoming").Inc()
		for _, fn := range handlers {
			fn(ic)
		}
		m.publish(Event{Type: EventIncoming, RoomID: msg.RoomID, Participant: msg.From, Incoming: ic})

	case models.SignalTypeCandidate:
		outcome := "unknown"
		if ic != nil && ic.From == msg.From {
			outcome = "dropped"
			if len(ic.early) < maxPendingCandidates {
				ic.early = append(ic.early, *msg.Candidate)
				outcome = "queued"
			}
		}
		m.mu.Unlock()
		metrics.EnvelopesTotal.WithLabelValues(string(msg.Type), outcome).Inc()

	case models.SignalTypeEnd, models.SignalTypeRejected:
		withdrawn := ic != nil && ic.From == msg.From
		if withdrawn {
			delete(m.pending, msg.RoomID)
			metrics.PendingIncoming.Dec()
		}
		m.mu.Unlock()
		if !withdrawn {
			metrics.EnvelopesTotal.WithLabelValues(string(msg.Type), "unknown").Inc()
			return
		}
		logger.Info("incoming call withdrawn")
		metrics.EnvelopesTotal.WithLabelValues(string(msg.Type), "applied").Inc()
		m.publish(Event{Type: EventMissed, RoomID: msg.RoomID, Participant: msg.From, Incoming: ic})

	default:
		m.mu.Unlock()
		logger.Debug("no call in room")
		metrics.EnvelopesTotal.WithLabelValues(string(msg.Type), "unknown").Inc()
	}
}

func (m *Manager) newIncoming(msg *models.SignalMessage) *IncomingCall {
	room := msg.RoomID
	return &IncomingCall{
		RoomID:     room,
		From:       msg.From,
		AudioOnly:  msg.IsAudioOnly,
		ReceivedAt: time.Now(),
		Accept: func(ctx context.Context) (*Session, error) {
			return m.Accept(ctx, room, "")
		},
		Reject: func(ctx context.Context) error {
			return m.Reject(ctx, room)
		},
		offer: msg,
	}
}
