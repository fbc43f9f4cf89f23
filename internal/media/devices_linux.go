//go:build linux

package media

import (
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// devices captures camera and microphone through pion/mediadevices
// (V4L2 and malgo).
type devices struct {
	selector *mediadevices.CodecSelector
	logger   *zap.Logger
}

func newDevices(logger *zap.Logger) (*devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &devices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logger,
	}, nil
}

func (d *devices) registerCodecs(m *webrtc.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

func (d *devices) open(audioOnly bool) (Capture, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if !audioOnly {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras emit broken frames.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	tracks := stream.GetTracks()
	local := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, track := range tracks {
		kind := track.Kind()
		track.OnEnded(func(err error) {
			if err != nil {
				d.logger.Warn("local track ended", zap.String("kind", kind.String()), zap.Error(err))
			}
		})
		local = append(local, track)
	}
	d.logger.Info("local media captured", zap.Int("tracks", len(local)), zap.Bool("audioOnly", audioOnly))

	return &trackCapture{
		tracks:    local,
		audioOnly: audioOnly,
		stop: func() {
			for _, track := range tracks {
				track.Close()
			}
		},
	}, nil
}
