package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// SharedCapture hands out references to one local Capture. The devices are
// opened on the first Acquire and stopped when the last reference is released.
type SharedCapture struct {
	stack  Stack
	logger *zap.Logger

	mu   sync.Mutex
	cur  Capture
	refs int
}

func NewSharedCapture(stack Stack, logger *zap.Logger) *SharedCapture {
	return &SharedCapture{stack: stack, logger: logger}
}

// Acquire returns the shared capture and a release func. A video request that
// fails is retried once with audio-only constraints before giving up. The
// release func is idempotent.
func (s *SharedCapture) Acquire(ctx context.Context, audioOnly bool) (Capture, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur == nil {
		c, err := s.open(ctx, audioOnly)
		if err != nil {
			return nil, nil, err
		}
		s.cur = c
	}
	s.refs++

	var once sync.Once
	return s.cur, func() { once.Do(s.release) }, nil
}

func (s *SharedCapture) open(ctx context.Context, audioOnly bool) (Capture, error) {
	c, err := s.stack.AcquireLocalMedia(ctx, audioOnly)
	if err == nil {
		return c, nil
	}
	if audioOnly {
		return nil, NewDeviceError(err, true)
	}

	s.logger.Warn("video capture failed, falling back to audio-only", zap.Error(err))
	c, err = s.stack.AcquireLocalMedia(ctx, true)
	if err != nil {
		return nil, NewDeviceError(err, true)
	}
	return c, nil
}

func (s *SharedCapture) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs--
	if s.refs > 0 {
		return
	}
	s.refs = 0
	if s.cur != nil {
		s.cur.Stop()
		s.cur = nil
		s.logger.Debug("local capture stopped")
	}
}

// Refs returns the number of outstanding references.
func (s *SharedCapture) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// trackCapture is a Capture over a fixed set of tracks.
type trackCapture struct {
	tracks    []webrtc.TrackLocal
	audioOnly bool
	stop      func()
	once      sync.Once
}

func (c *trackCapture) Tracks() []webrtc.TrackLocal { return c.tracks }

func (c *trackCapture) AudioOnly() bool { return c.audioOnly }

func (c *trackCapture) Stop() {
	c.once.Do(func() {
		if c.stop != nil {
			c.stop()
		}
	})
}
