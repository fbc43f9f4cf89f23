package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/metrics"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/quality"
	"github.com/mossy-p/webrtc-calls/internal/reconnect"
)

// maxPendingCandidates bounds the remote candidates held while a transport
// waits for its remote description.
const maxPendingCandidates = 64

// peerSession is the connection to one remote participant. Every field is
// owned by the session loop.
type peerSession struct {
	s      *Session
	id     models.ParticipantID
	role   Role
	state  PeerState
	logger *zap.Logger

	binding *media.Binding
	// epoch increments whenever the binding changes; transport callbacks
	// carrying an older epoch are dropped.
	epoch     uint64
	gathering webrtc.ICEGatheringState

	remoteTrack bool
	transportUp bool
	pending     []webrtc.ICECandidateInit

	tracker          *reconnect.Tracker
	awaitingDecision bool

	startedAt      time.Time
	attemptStarted time.Time

	setup timer
	retry timer
	stats timer

	monitor *quality.Monitor
	last    *quality.Sample
}

func newPeerSession(s *Session, id models.ParticipantID, role Role) *peerSession {
	p := &peerSession{
		s:         s,
		id:        id,
		role:      role,
		state:     PeerIdle,
		logger:    s.logger.With(zap.String("participant", string(id))),
		tracker:   s.supervisor.Track(),
		startedAt: time.Now(),
		monitor:   quality.NewMonitor(),
	}
	p.setup.s, p.retry.s, p.stats.s = s, s, s
	return p
}

func (p *peerSession) setState(state PeerState) {
	if p.state == state {
		return
	}
	p.logger.Debug("peer state", zap.Stringer("from", p.state), zap.Stringer("to", state))
	p.state = state
	metrics.PeerTransitionsTotal.WithLabelValues(state.String()).Inc()
	p.s.update(p.id, nil)
}

func (p *peerSession) status() PeerStatus {
	ps := PeerStatus{
		Participant:      p.id,
		Role:             p.role,
		State:            p.state,
		ICEGathering:     p.gathering.String(),
		Attempts:         p.tracker.Attempts(),
		MaxAttempts:      p.s.supervisor.Policy().MaxAttempts,
		AwaitingDecision: p.awaitingDecision,
		StartedAt:        p.startedAt,
		DurationSeconds:  time.Since(p.startedAt).Seconds(),
		Quality:          p.last,
		Health:           quality.HealthScore(p.last),
	}
	return ps
}

// handlers forwards transport events to the loop, tagged with epoch.
func (p *peerSession) handlers(epoch uint64) media.Handlers {
	guard := func(f func()) {
		p.s.post(func() {
			if p.epoch != epoch || p.binding == nil {
				return
			}
			f()
		})
	}
	return media.Handlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			guard(func() { p.sendCandidate(c) })
		},
		OnConnectionState: func(state webrtc.PeerConnectionState) {
			guard(func() { p.onConnectionState(state) })
		},
		OnICEGatheringState: func(state webrtc.ICEGatheringState) {
			guard(func() { p.gathering = state })
		},
		OnTrack: func(kind webrtc.RTPCodecType) {
			guard(func() { p.onTrack(kind) })
		},
	}
}

func (p *peerSession) bind() error {
	if p.binding != nil {
		p.release()
	}
	p.epoch++
	b, err := media.Bind(p.s.ctx, p.s.stack, p.s.capture, media.BindOptions{
		AudioOnly:  p.s.opts.AudioOnly,
		ICEServers: p.s.opts.ICEServers,
		Handlers:   p.handlers(p.epoch),
	})
	if err != nil {
		return err
	}
	p.binding = b
	p.remoteTrack, p.transportUp = false, false
	p.gathering = webrtc.ICEGatheringStateNew
	p.attemptStarted = time.Now()
	p.applyToggles()
	return nil
}

func (p *peerSession) applyToggles() {
	if p.binding == nil {
		return
	}
	tr := p.binding.Transport
	if err := tr.SetTrackEnabled(webrtc.RTPCodecTypeAudio, !p.s.muted); err != nil {
		p.logger.Warn("toggle audio", zap.Error(err))
	}
	if err := tr.SetTrackEnabled(webrtc.RTPCodecTypeVideo, !p.s.videoOff); err != nil {
		p.logger.Warn("toggle video", zap.Error(err))
	}
}

// bindFailed returns a *media.DeviceError for the caller to handle. Any
// other bind failure goes through the failure path.
func (p *peerSession) bindFailed(err error) error {
	var de *media.DeviceError
	if errors.As(err, &de) {
		metrics.DeviceErrorsTotal.WithLabelValues(de.Kind.String()).Inc()
		p.logger.Error("local capture failed", zap.Stringer("kind", de.Kind), zap.Error(err))
		p.s.emit(Event{Type: EventNotice, Participant: p.id, Message: de.Remediation()})
		return de
	}
	p.negotiationFailed("bind", err)
	return nil
}

func (p *peerSession) negotiationFailed(step string, err error) {
	metrics.NegotiationErrorsTotal.WithLabelValues(step).Inc()
	p.fail(&NegotiationError{Participant: p.id, Step: step, Err: err})
}

// startOffer binds media and sends a fresh offer. Only a device error is
// returned; other failures are routed through the reconnect policy.
func (p *peerSession) startOffer() error {
	p.role = RoleInitiator
	p.setup.stop()
	if err := p.bind(); err != nil {
		return p.bindFailed(err)
	}
	p.setState(PeerOffering)

	tr := p.binding.Transport
	offer, err := tr.CreateOffer()
	if err != nil {
		p.negotiationFailed("create offer", err)
		return nil
	}
	if err := tr.SetLocalDescription(offer); err != nil {
		p.negotiationFailed("set local offer", err)
		return nil
	}

	p.s.send(&models.SignalMessage{
		Type:        models.SignalTypeOffer,
		To:          p.id,
		SDP:         &offer,
		IsAudioOnly: p.s.opts.AudioOnly || p.binding.Capture.AudioOnly(),
	})
	p.setup.arm(p.s.opts.OfferTimeout, func() {
		if p.state == PeerOffering {
			p.fail(errOfferTimeout)
		}
	})
	return nil
}

// startAnswer binds media, applies the remote offer and answers it.
func (p *peerSession) startAnswer(msg *models.SignalMessage) error {
	p.role = RoleResponder
	p.setup.stop()
	p.retry.stop()
	p.awaitingDecision = false
	if err := p.bind(); err != nil {
		return p.bindFailed(err)
	}
	p.setState(PeerAnswering)

	tr := p.binding.Transport
	if err := tr.SetRemoteDescription(*msg.SDP); err != nil {
		p.negotiationFailed("set remote offer", err)
		return nil
	}
	p.flushPending()

	answer, err := tr.CreateAnswer()
	if err != nil {
		p.negotiationFailed("create answer", err)
		return nil
	}
	if err := tr.SetLocalDescription(answer); err != nil {
		p.negotiationFailed("set local answer", err)
		return nil
	}
	p.s.send(&models.SignalMessage{
		Type: models.SignalTypeAnswer,
		To:   p.id,
		SDP:  &answer,
	})
	p.setState(PeerConnecting)
	p.maybeConnected()
	return nil
}

// onAnswer applies a remote answer. Answers outside Offering are stale.
func (p *peerSession) onAnswer(msg *models.SignalMessage) bool {
	if p.state != PeerOffering || p.binding == nil {
		p.logger.Debug("ignoring answer", zap.Stringer("state", p.state))
		return false
	}
	p.setup.stop()
	if err := p.binding.Transport.SetRemoteDescription(*msg.SDP); err != nil {
		p.negotiationFailed("set remote answer", err)
		return true
	}
	p.flushPending()
	p.setState(PeerConnecting)
	p.maybeConnected()
	return true
}

// onRemoteCandidate applies, queues or discards a remote candidate and
// reports which.
func (p *peerSession) onRemoteCandidate(c webrtc.ICECandidateInit) string {
	if p.binding == nil {
		return "discarded"
	}
	tr := p.binding.Transport
	if !tr.HasRemoteDescription() {
		if len(p.pending) >= maxPendingCandidates {
			return "dropped"
		}
		p.pending = append(p.pending, c)
		return "queued"
	}
	if err := tr.AddICECandidate(c); err != nil {
		p.logger.Debug("candidate rejected", zap.Error(err))
		return "rejected"
	}
	return "applied"
}

func (p *peerSession) flushPending() {
	pending := p.pending
	p.pending = nil
	for _, c := range pending {
		if err := p.binding.Transport.AddICECandidate(c); err != nil {
			p.logger.Debug("queued candidate rejected", zap.Error(err))
		}
	}
}

func (p *peerSession) sendCandidate(c webrtc.ICECandidateInit) {
	p.s.send(&models.SignalMessage{
		Type:      models.SignalTypeCandidate,
		To:        p.id,
		Candidate: &c,
	})
}

func (p *peerSession) onTrack(kind webrtc.RTPCodecType) {
	p.logger.Debug("remote track", zap.Stringer("kind", kind))
	p.remoteTrack = true
	p.maybeConnected()
}

func (p *peerSession) onConnectionState(state webrtc.PeerConnectionState) {
	p.logger.Debug("transport state", zap.Stringer("state", state))
	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.transportUp = true
		p.maybeConnected()
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		p.fail(transportFailure{state: state.String()})
	}
}

// maybeConnected enters Connected once a remote track has arrived and the
// transport reports connected.
func (p *peerSession) maybeConnected() {
	if p.state != PeerConnecting || !p.remoteTrack || !p.transportUp {
		return
	}
	p.setup.stop()
	p.tracker.Reset()
	p.awaitingDecision = false
	metrics.SetupDuration.Observe(float64(time.Since(p.attemptStarted).Milliseconds()))
	p.setState(PeerConnected)
	p.logger.Info("peer connected")

	p.monitor.Reset()
	p.stats.arm(p.s.opts.StatsInterval, p.sample)
	p.s.peerConnected()
}

func (p *peerSession) sample() {
	if p.state != PeerConnected || p.binding == nil {
		return
	}
	snap, err := p.binding.Transport.Stats()
	if err != nil {
		p.logger.Debug("stats unavailable", zap.Error(err))
	} else if sample, ok := p.monitor.Observe(snap); ok {
		p.last = &sample
		metrics.QualitySamplesTotal.WithLabelValues(sample.Rating.String()).Inc()
		p.s.update(p.id, &sample)
	}
	p.stats.arm(p.s.opts.StatsInterval, p.sample)
}

// release drops the binding: handlers first, then the capture reference,
// then the transport. The monitor history goes with it.
func (p *peerSession) release() {
	p.setup.stop()
	p.stats.stop()
	if p.binding != nil {
		if err := p.binding.Close(); err != nil {
			p.logger.Debug("transport close", zap.Error(err))
		}
		p.binding = nil
	}
	p.epoch++
	p.pending = nil
	p.remoteTrack, p.transportUp = false, false
	p.monitor.Reset()
	p.last = nil
}

// fail tears down the current attempt and asks the supervisor what next.
func (p *peerSession) fail(cause error) {
	switch {
	case p.state == PeerClosed, p.state == PeerFailed:
		return
	case p.state == PeerReconnecting && p.retry.active():
		return
	}
	p.logger.Warn("peer failed", zap.Stringer("state", p.state), zap.Error(cause))
	p.release()

	d := p.s.supervisor.OnFailure(p.tracker)
	if d.Action == reconnect.ActionRetry {
		metrics.ReconnectAttemptsTotal.Inc()
		p.logger.Info("scheduling reconnect",
			zap.Int("attempt", d.Attempt),
			zap.Duration("delay", d.Delay),
			zap.Bool("last", p.tracker.Exhausted()))
		p.setState(PeerReconnecting)
		p.retry.arm(d.Delay, p.reconnect)
		return
	}

	metrics.DecisionPromptsTotal.Inc()
	p.awaitingDecision = true
	p.setState(PeerFailed)
	p.s.emit(Event{
		Type:        EventDecision,
		Participant: p.id,
		Message:     fmt.Sprintf("Connection to %s could not be restored. Try again?", p.id),
	})
}

// reconnect runs one retry. The initiator re-offers; the responder waits one
// setup window for the remote side's fresh offer.
func (p *peerSession) reconnect() {
	if p.state != PeerReconnecting {
		return
	}
	if p.role == RoleInitiator {
		if err := p.startOffer(); err != nil {
			p.s.deviceLost(p)
		}
		return
	}
	p.setup.arm(p.s.opts.OfferTimeout, func() {
		if p.state == PeerReconnecting {
			p.fail(errOfferTimeout)
		}
	})
}

// retryNow answers a retry prompt with yes.
func (p *peerSession) retryNow() {
	p.logger.Info("manual retry")
	p.awaitingDecision = false
	p.tracker.Reset()
	p.setState(PeerReconnecting)
	p.reconnect()
}

// close releases everything. Safe to call more than once.
func (p *peerSession) close() {
	if p.state == PeerClosed {
		return
	}
	p.retry.stop()
	p.release()
	p.awaitingDecision = false
	p.setState(PeerClosed)
	metrics.ActivePeers.Dec()
}
