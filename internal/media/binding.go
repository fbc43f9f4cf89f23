package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Binding is the media state owned by one peer session: a transport and a
// reference on the shared local capture.
type Binding struct {
	Transport Transport
	Capture   Capture

	release   func()
	closeOnce sync.Once
	closeErr  error
}

// BindOptions configures Bind.
type BindOptions struct {
	AudioOnly  bool
	ICEServers []webrtc.ICEServer
	Handlers   Handlers
}

// Bind acquires local capture, creates a transport, attaches the local tracks
// and subscribes the handlers. Media kinds with no local track are added as
// receive-only so the remote side can still send them.
func Bind(ctx context.Context, stack Stack, shared *SharedCapture, opts BindOptions) (*Binding, error) {
	capture, release, err := shared.Acquire(ctx, opts.AudioOnly)
	if err != nil {
		return nil, err
	}

	tr, err := stack.CreateTransport(ctx, opts.ICEServers)
	if err != nil {
		release()
		return nil, fmt.Errorf("create transport: %w", err)
	}
	b := &Binding{Transport: tr, Capture: capture, release: release}

	have := map[webrtc.RTPCodecType]bool{}
	for _, track := range capture.Tracks() {
		if err := tr.AddLocalTrack(track); err != nil {
			b.Close()
			return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		have[track.Kind()] = true
	}

	want := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if !opts.AudioOnly {
		want = append(want, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range want {
		if have[kind] {
			continue
		}
		if err := tr.AddRecvOnly(kind); err != nil {
			b.Close()
			return nil, fmt.Errorf("add recvonly %s: %w", kind, err)
		}
	}

	tr.Subscribe(opts.Handlers)
	return b, nil
}

// Close detaches the transport handlers, drops the capture reference, then
// closes the transport. Safe to call more than once.
func (b *Binding) Close() error {
	b.closeOnce.Do(func() {
		b.Transport.Unsubscribe()
		b.release()
		b.closeErr = b.Transport.Close()
	})
	return b.closeErr
}
