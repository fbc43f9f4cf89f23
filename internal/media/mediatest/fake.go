// Package mediatest provides an in-memory media.Stack for tests.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/quality"
)

// Recorder keeps an ordered log of stack operations.
type Recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *Recorder) add(format string, args ...interface{}) {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

// Events returns a copy of the log.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// Stack is a fake media.Stack. Set the Fail fields before use.
type Stack struct {
	Log *Recorder

	mu            sync.Mutex
	FailVideo     error
	FailAudio     error
	FailTransport error
	captures      []*Capture
	transports    []*Transport
}

func NewStack() *Stack {
	return &Stack{Log: &Recorder{}}
}

func (s *Stack) AcquireLocalMedia(_ context.Context, audioOnly bool) (media.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !audioOnly && s.FailVideo != nil {
		s.Log.add("acquire.fail video")
		return nil, s.FailVideo
	}
	if s.FailAudio != nil {
		s.Log.add("acquire.fail audio")
		return nil, s.FailAudio
	}

	c := &Capture{ID: len(s.captures) + 1, audioOnly: audioOnly, log: s.Log}
	c.tracks = append(c.tracks, mustTrack(webrtc.MimeTypeOpus, "audio"))
	if !audioOnly {
		c.tracks = append(c.tracks, mustTrack(webrtc.MimeTypeVP8, "video"))
	}
	s.captures = append(s.captures, c)
	s.Log.add("acquire %d audioOnly=%v", c.ID, audioOnly)
	return c, nil
}

func (s *Stack) CreateTransport(_ context.Context, _ []webrtc.ICEServer) (media.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailTransport != nil {
		return nil, s.FailTransport
	}
	t := &Transport{ID: len(s.transports) + 1, log: s.Log, enabled: map[webrtc.RTPCodecType]bool{}}
	s.transports = append(s.transports, t)
	s.Log.add("transport.create %d", t.ID)
	return t, nil
}

// Transports returns every transport created so far.
func (s *Stack) Transports() []*Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Transport(nil), s.transports...)
}

// Last returns the most recently created transport, or nil.
func (s *Stack) Last() *Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.transports) == 0 {
		return nil
	}
	return s.transports[len(s.transports)-1]
}

// Open counts transports that have not been closed.
func (s *Stack) Open() int {
	n := 0
	for _, t := range s.Transports() {
		if !t.Closed() {
			n++
		}
	}
	return n
}

// Captures returns every capture acquired so far.
func (s *Stack) Captures() []*Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Capture(nil), s.captures...)
}

func mustTrack(mime, id string) webrtc.TrackLocal {
	t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "local")
	if err != nil {
		panic(err)
	}
	return t
}

// Capture is a fake media.Capture.
type Capture struct {
	ID        int
	audioOnly bool
	tracks    []webrtc.TrackLocal
	log       *Recorder

	mu    sync.Mutex
	stops int
}

func (c *Capture) Tracks() []webrtc.TrackLocal { return c.tracks }
func (c *Capture) AudioOnly() bool             { return c.audioOnly }

func (c *Capture) Stop() {
	c.mu.Lock()
	c.stops++
	first := c.stops == 1
	c.mu.Unlock()
	if first {
		c.log.add("capture.stop %d", c.ID)
	}
}

// Stops returns how many times Stop was called.
func (c *Capture) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

// Transport is a fake media.Transport. Tests drive it with the Fire methods.
type Transport struct {
	ID  int
	log *Recorder

	mu            sync.Mutex
	handlers      *media.Handlers
	closes        int
	local         *webrtc.SessionDescription
	remote        *webrtc.SessionDescription
	candidates    []webrtc.ICECandidateInit
	localTracks   []webrtc.TrackLocal
	recvOnly      []webrtc.RTPCodecType
	enabled       map[webrtc.RTPCodecType]bool
	snapshot      quality.Snapshot
	FailOffer     error
	FailAnswer    error
	FailSetRemote error
}

var errClosed = errors.New("transport closed")

func (t *Transport) Subscribe(h media.Handlers) {
	t.mu.Lock()
	t.handlers = &h
	t.mu.Unlock()
}

func (t *Transport) Unsubscribe() {
	t.mu.Lock()
	t.handlers = nil
	t.mu.Unlock()
	t.log.add("transport.unsubscribe %d", t.ID)
}

func (t *Transport) AddLocalTrack(track webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localTracks = append(t.localTracks, track)
	t.enabled[track.Kind()] = true
	return nil
}

func (t *Transport) AddRecvOnly(kind webrtc.RTPCodecType) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recvOnly = append(t.recvOnly, kind)
	return nil
}

func (t *Transport) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.enabled[kind]; ok {
		t.enabled[kind] = enabled
	}
	return nil
}

// TrackEnabled reports whether the local track of kind is being sent.
func (t *Transport) TrackEnabled(kind webrtc.RTPCodecType) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled[kind]
}

// RecvOnly returns the kinds added as receive-only.
func (t *Transport) RecvOnly() []webrtc.RTPCodecType {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.RTPCodecType(nil), t.recvOnly...)
}

func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closes > 0 {
		return webrtc.SessionDescription{}, errClosed
	}
	if t.FailOffer != nil {
		return webrtc.SessionDescription{}, t.FailOffer
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", t.ID)}, nil
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closes > 0 {
		return webrtc.SessionDescription{}, errClosed
	}
	if t.FailAnswer != nil {
		return webrtc.SessionDescription{}, t.FailAnswer
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", t.ID)}, nil
}

func (t *Transport) SetLocalDescription(d webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = &d
	return nil
}

func (t *Transport) SetRemoteDescription(d webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailSetRemote != nil {
		return t.FailSetRemote
	}
	t.remote = &d
	t.log.add("transport.remote %d %s", t.ID, d.Type)
	return nil
}

func (t *Transport) HasRemoteDescription() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote != nil
}

// Remote returns the applied remote description, or nil.
func (t *Transport) Remote() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, c)
	return nil
}

// Candidates returns the applied remote candidates in order.
func (t *Transport) Candidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.candidates...)
}

// SetSnapshot sets what the next Stats call returns.
func (t *Transport) SetSnapshot(s quality.Snapshot) {
	t.mu.Lock()
	t.snapshot = s
	t.mu.Unlock()
}

func (t *Transport) Stats() (quality.Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closes > 0 {
		return quality.Snapshot{}, errClosed
	}
	return t.snapshot, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closes++
	first := t.closes == 1
	t.handlers = nil
	t.mu.Unlock()
	if first {
		t.log.add("transport.close %d", t.ID)
	}
	return nil
}

// Closed reports whether Close has been called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes > 0
}

// Closes returns how many times Close was called.
func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

func (t *Transport) current() *media.Handlers {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers
}

// FireConnectionState delivers a connection state change to the subscriber.
func (t *Transport) FireConnectionState(s webrtc.PeerConnectionState) {
	if h := t.current(); h != nil && h.OnConnectionState != nil {
		h.OnConnectionState(s)
	}
}

// FireTrack delivers a remote track of kind.
func (t *Transport) FireTrack(kind webrtc.RTPCodecType) {
	if h := t.current(); h != nil && h.OnTrack != nil {
		h.OnTrack(kind)
	}
}

// FireCandidate delivers a locally gathered candidate.
func (t *Transport) FireCandidate(c webrtc.ICECandidateInit) {
	if h := t.current(); h != nil && h.OnICECandidate != nil {
		h.OnICECandidate(c)
	}
}

// Subscribed reports whether handlers are installed.
func (t *Transport) Subscribed() bool { return t.current() != nil }
