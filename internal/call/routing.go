package call

import (
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-calls/internal/metrics"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
)

// route applies one inbound envelope. It runs on the loop. Envelopes that
// cannot be applied are logged and dropped.
func (s *Session) route(msg *models.SignalMessage) {
	outcome := s.dispatch(msg)
	metrics.EnvelopesTotal.WithLabelValues(string(msg.Type), outcome).Inc()
}

func (s *Session) dispatch(msg *models.SignalMessage) string {
	logger := s.logger.With(zap.String("type", string(msg.Type)), zap.String("from", string(msg.From)))

	if err := signaling.Validate(msg); err != nil {
		logger.Debug("invalid envelope", zap.Error(err))
		return "invalid"
	}
	if s.finished || s.state == CallEnding {
		logger.Debug("call ending, envelope dropped")
		return "closed"
	}
	if s.opts.Kind == KindGroup && msg.To == "" && msg.Type != models.SignalTypeEnd {
		logger.Debug("untargeted envelope in group call")
		return "untargeted"
	}

	p, known := s.peers[msg.From]

	switch msg.Type {
	case models.SignalTypeOffer:
		return s.routeOffer(msg, p, logger)

	case models.SignalTypeAnswer:
		if !known {
			logger.Info("answer from unknown participant")
			return "unknown"
		}
		if !p.onAnswer(msg) {
			return "stale"
		}
		return "applied"

	case models.SignalTypeCandidate:
		if !known {
			logger.Debug("candidate from unknown participant")
			return "unknown"
		}
		return p.onRemoteCandidate(*msg.Candidate)

	case models.SignalTypeEnd, models.SignalTypeRejected:
		if !known {
			logger.Debug("hang up from unknown participant")
			return "unknown"
		}
		logger.Info("remote hung up")
		s.dropPeer(p)
		if msg.Type == models.SignalTypeRejected {
			s.emit(Event{Type: EventNotice, Participant: msg.From, Message: string(msg.From) + " declined the call"})
		}
		if s.opts.Kind == KindDirect && len(s.peers) == 0 {
			s.finish()
		}
		return "applied"
	}
	return "unknown-type"
}

// routeOffer opens a responder peer for a new sender, or restarts one that is
// waiting to reconnect. A second offer for a live peer is a duplicate.
func (s *Session) routeOffer(msg *models.SignalMessage, p *peerSession, logger *zap.Logger) string {
	if p == nil {
		if s.opts.Kind == KindDirect && len(s.peers) > 0 {
			logger.Info("offer from a third party in a direct call")
			// Tell the caller now instead of letting its setup window run out.
			s.send(&models.SignalMessage{Type: models.SignalTypeRejected, To: msg.From})
			return "rejected"
		}
		p = s.newPeer(msg.From, RoleResponder)
		if err := p.startAnswer(msg); err != nil {
			s.deviceLost(p)
			return "device-error"
		}
		return "applied"
	}

	switch p.state {
	case PeerReconnecting, PeerFailed:
		logger.Info("fresh offer from reconnecting participant")
		p.retry.stop()
		if err := p.startAnswer(msg); err != nil {
			s.deviceLost(p)
			return "device-error"
		}
		return "applied"
	}
	logger.Info("duplicate offer ignored", zap.Stringer("state", p.state))
	return "duplicate"
}
