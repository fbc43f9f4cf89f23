package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webrtc_calls_active_calls",
		Help: "Number of call sessions not yet closed",
	})
	ActivePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webrtc_calls_active_peers",
		Help: "Number of peer sessions not yet closed",
	})
	PendingIncoming = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webrtc_calls_pending_incoming",
		Help: "Incoming calls waiting for accept or reject",
	})
)

// Counters
var (
	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webrtc_calls_calls_total",
		Help: "Calls started, by kind and direction",
	}, []string{"kind", "direction"})
	EnvelopesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webrtc_calls_envelopes_total",
		Help: "Inbound signaling envelopes by type and outcome",
	}, []string{"type", "outcome"})
	PeerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webrtc_calls_peer_transitions_total",
		Help: "Peer session state transitions by target state",
	}, []string{"state"})
	NegotiationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webrtc_calls_negotiation_errors_total",
		Help: "Offer/answer/candidate steps rejected by the media stack",
	}, []string{"step"})
	ReconnectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webrtc_calls_reconnect_attempts_total",
		Help: "Automatic reconnect attempts scheduled",
	})
	DecisionPromptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webrtc_calls_decision_prompts_total",
		Help: "Times the user was asked whether to keep retrying",
	})
	DeviceErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webrtc_calls_device_errors_total",
		Help: "Local capture failures by kind",
	}, []string{"kind"})
	QualitySamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webrtc_calls_quality_samples_total",
		Help: "Smoothed quality samples by rating",
	}, []string{"rating"})
)

// Histograms
var (
	SetupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "webrtc_calls_setup_duration_ms",
		Help:    "Time from peer session start to first connected state in milliseconds",
		Buckets: []float64{250, 500, 1000, 2000, 5000, 10000, 30000},
	})
)
