//go:build !linux || !cgo

package call

import (
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Devices on non-Linux platforms builds peer connections with the
// default codecs but has no capture path: pion/mediadevices needs the
// platform drivers (V4L2, malgo, X11) that only the Linux build wires.
type Devices struct {
	logger *slog.Logger
}

func NewDevices(logger *slog.Logger) (*Devices, error) {
	return &Devices{logger: logger}, nil
}

func (d *Devices) NewPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)
	return api.NewPeerConnection(cfg)
}

func (d *Devices) GetUserMedia(audio, video bool) ([]Track, error) {
	return nil, ErrMediaUnavailable
}

func (d *Devices) GetDisplayMedia() (Track, error) {
	return nil, ErrMediaUnavailable
}
