package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-calls/internal/quality"
)

// ICE timeouts. A relay path can drop out for a few seconds during failover;
// the transport should not report failed before it has a chance to recover.
const (
	iceDisconnectedTimeout = 10 * time.Second
	iceFailedTimeout       = 30 * time.Second
	iceKeepaliveInterval   = 2 * time.Second
)

// PionStack is the Stack implementation backed by pion/webrtc.
type PionStack struct {
	api     *webrtc.API
	devices *devices
	logger  *zap.Logger
}

// NewStack builds the pion API: codecs, default interceptors, and a setting
// engine that logs through zap.
func NewStack(logger *zap.Logger) (*PionStack, error) {
	dev, err := newDevices(logger)
	if err != nil {
		return nil, fmt.Errorf("init capture devices: %w", err)
	}

	m := &webrtc.MediaEngine{}
	if err := dev.registerCodecs(m); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(logger)}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	return &PionStack{api: api, devices: dev, logger: logger}, nil
}

func (s *PionStack) AcquireLocalMedia(ctx context.Context, audioOnly bool) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.devices.open(audioOnly)
	if err != nil {
		return nil, NewDeviceError(err, audioOnly)
	}
	return c, nil
}

func (s *PionStack) CreateTransport(ctx context.Context, iceServers []webrtc.ICEServer) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	t := &peerTransport{
		pc:      pc,
		logger:  s.logger,
		senders: make(map[webrtc.RTPCodecType]*localSender),
	}
	t.wire()
	return t, nil
}

type localSender struct {
	sender  *webrtc.RTPSender
	track   webrtc.TrackLocal
	enabled bool
}

type peerTransport struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger

	handlers  atomic.Pointer[Handlers]
	gathering atomic.Bool

	mu      sync.Mutex
	senders map[webrtc.RTPCodecType]*localSender

	closeOnce sync.Once
	closeErr  error
}

// wire installs the pion callbacks once. They forward to whatever Handlers are
// currently subscribed.
func (t *peerTransport) wire() {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		h := t.handlers.Load()
		if h == nil {
			return
		}
		if c == nil {
			if h.OnICEGatheringState != nil {
				h.OnICEGatheringState(webrtc.ICEGatheringStateComplete)
			}
			return
		}
		if !t.gathering.Swap(true) && h.OnICEGatheringState != nil {
			h.OnICEGatheringState(webrtc.ICEGatheringStateGathering)
		}
		if h.OnICECandidate != nil {
			h.OnICECandidate(c.ToJSON())
		}
	})

	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if h := t.handlers.Load(); h != nil && h.OnConnectionState != nil {
			h.OnConnectionState(state)
		}
	})

	t.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.logger.Debug("remote track",
			zap.String("kind", remote.Kind().String()),
			zap.String("codec", remote.Codec().MimeType),
		)
		if h := t.handlers.Load(); h != nil && h.OnTrack != nil {
			h.OnTrack(remote.Kind())
		}
		// Nothing renders the remote media here; keep reading so the
		// interceptors see the packets and the stats stay current.
		go drain(remote)
	})
}

func drain(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := remote.Read(buf); err != nil {
			return
		}
	}
}

func (t *peerTransport) Subscribe(h Handlers) { t.handlers.Store(&h) }

func (t *peerTransport) Unsubscribe() { t.handlers.Store(nil) }

func (t *peerTransport) AddLocalTrack(track webrtc.TrackLocal) error {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return err
	}
	go func() {
		// Read incoming RTCP so interceptors (NACK, reports) keep working.
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	t.mu.Lock()
	t.senders[track.Kind()] = &localSender{sender: sender, track: track, enabled: true}
	t.mu.Unlock()
	return nil
}

func (t *peerTransport) AddRecvOnly(kind webrtc.RTPCodecType) error {
	_, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

// SetTrackEnabled mutes or unmutes the local track of kind by detaching it
// from its sender. Kinds without a local track are ignored.
func (t *peerTransport) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ls, ok := t.senders[kind]
	if !ok || ls.enabled == enabled {
		return nil
	}
	var track webrtc.TrackLocal
	if enabled {
		track = ls.track
	}
	if err := ls.sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("replace %s track: %w", kind, err)
	}
	ls.enabled = enabled
	return nil
}

func (t *peerTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *peerTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *peerTransport) SetLocalDescription(d webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(d)
}

func (t *peerTransport) SetRemoteDescription(d webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(d)
}

func (t *peerTransport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *peerTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

// Stats sums inbound RTP across all received streams and takes the round
// trip time from the nominated, succeeded candidate pair.
func (t *peerTransport) Stats() (quality.Snapshot, error) {
	if t.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return quality.Snapshot{}, errors.New("transport closed")
	}
	snap := quality.Snapshot{Timestamp: time.Now()}
	for _, s := range t.pc.GetStats() {
		switch st := s.(type) {
		case webrtc.InboundRTPStreamStats:
			snap.HasInbound = true
			snap.BytesReceived += st.BytesReceived
			snap.PacketsReceived += uint64(st.PacketsReceived)
			snap.PacketsLost += int64(st.PacketsLost)
			if st.Jitter > snap.JitterSeconds {
				snap.JitterSeconds = st.Jitter
			}
		case webrtc.ICECandidatePairStats:
			if st.State != webrtc.StatsICECandidatePairStateSucceeded || !st.Nominated {
				continue
			}
			snap.HasCandidatePair = true
			snap.RoundTripSeconds = st.CurrentRoundTripTime
		}
	}
	return snap, nil
}

func (t *peerTransport) Close() error {
	t.closeOnce.Do(func() {
		t.handlers.Store(nil)
		t.closeErr = t.pc.Close()
	})
	return t.closeErr
}
