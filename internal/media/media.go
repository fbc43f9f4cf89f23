// Package media binds call orchestration to the underlying WebRTC stack.
//
// The call package never touches a pion PeerConnection directly. It talks to a
// Stack, which acquires local capture and creates Transports; one Binding per
// remote participant owns exactly one Transport plus a reference on the shared
// local Capture.
package media

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/webrtc-calls/internal/quality"
)

// Stack is the capability surface of the media/transport layer.
type Stack interface {
	// AcquireLocalMedia opens the local camera and microphone, or only the
	// microphone when audioOnly is set. Failures are *DeviceError.
	AcquireLocalMedia(ctx context.Context, audioOnly bool) (Capture, error)
	CreateTransport(ctx context.Context, iceServers []webrtc.ICEServer) (Transport, error)
}

// Capture is an acquired set of local tracks.
type Capture interface {
	Tracks() []webrtc.TrackLocal
	AudioOnly() bool
	// Stop releases the devices. Safe to call more than once.
	Stop()
}

// Handlers receive transport events. They are invoked on stack goroutines.
type Handlers struct {
	OnICECandidate      func(webrtc.ICECandidateInit)
	OnConnectionState   func(webrtc.PeerConnectionState)
	OnICEGatheringState func(webrtc.ICEGatheringState)
	OnTrack             func(kind webrtc.RTPCodecType)
}

// Transport is one peer-to-peer connection.
type Transport interface {
	// Subscribe installs h, replacing any previous handlers.
	Subscribe(h Handlers)
	// Unsubscribe detaches all handlers; no callback runs after it returns.
	Unsubscribe()

	AddLocalTrack(track webrtc.TrackLocal) error
	AddRecvOnly(kind webrtc.RTPCodecType) error
	SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(webrtc.ICECandidateInit) error

	Stats() (quality.Snapshot, error)

	// Close tears the connection down. Safe to call more than once.
	Close() error
}
