//go:build linux && cgo

package call

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Devices captures camera, microphone and screen through pion/mediadevices
// (V4L2 + malgo + X11 on Linux) and encodes with VP8 + Opus.
type Devices struct {
	logger *slog.Logger
	codecs *mediadevices.CodecSelector
}

func NewDevices(logger *slog.Logger) (*Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &Devices{
		logger: logger,
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (d *Devices) NewPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	d.codecs.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	// The default disconnectedTimeout of 5 s ends calls on brief NAT
	// hiccups; give ICE time to recover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	return api.NewPeerConnection(cfg)
}

func (d *Devices) GetUserMedia(audio, video bool) ([]Track, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.codecs}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only: some cameras expose an MJPEG node that
			// produces frames the VP8 encoder cannot digest.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Ideal: 1280}
			c.Height = prop.IntRanged{Ideal: 720}
		}
	}
	if audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	return d.wrap(stream.GetTracks()), nil
}

func (d *Devices) GetDisplayMedia() (Track, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: d.codecs,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	stream, err := mediadevices.GetDisplayMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	tracks := d.wrap(stream.GetTracks())
	for _, t := range tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			return t, nil
		}
	}
	closeTracks(tracks)
	return nil, errors.New("call: display capture produced no video track")
}

func (d *Devices) wrap(tracks []mediadevices.Track) []Track {
	out := make([]Track, 0, len(tracks))
	for _, t := range tracks {
		logger := d.logger
		t.OnEnded(func(err error) {
			if err != nil {
				logger.Debug("local track ended", "error", err)
			}
		})
		dt := &deviceTrack{track: t}
		dt.enabled.Store(true)
		out = append(out, dt)
	}
	return out
}

// deviceTrack pairs a capture track with its mute flag. Actual muting
// happens at the RTP sender, which detaches the track; the flag only
// mirrors that for state queries.
type deviceTrack struct {
	track   mediadevices.Track
	enabled atomic.Bool
}

func (t *deviceTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }
func (t *deviceTrack) Local() webrtc.TrackLocal  { return t.track }
func (t *deviceTrack) Enabled() bool             { return t.enabled.Load() }
func (t *deviceTrack) SetEnabled(v bool)         { t.enabled.Store(v) }
func (t *deviceTrack) Close() error              { return t.track.Close() }
