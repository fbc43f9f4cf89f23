//go:build !linux

package media

import (
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// devices has no capture drivers outside Linux; calls run receive-only.
type devices struct {
	logger *zap.Logger
}

func newDevices(logger *zap.Logger) (*devices, error) {
	return &devices{logger: logger}, nil
}

func (d *devices) registerCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (d *devices) open(audioOnly bool) (Capture, error) {
	d.logger.Info("no capture drivers on this platform, running receive-only")
	return &trackCapture{audioOnly: audioOnly}, nil
}
