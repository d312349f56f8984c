package call

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrMediaUnavailable is returned when the platform has no usable
// capture devices or the build lacks capture support.
var ErrMediaUnavailable = errors.New("call: local media capture unavailable")

// Track is one local outgoing media track plus its mute flag. The flag
// records the desired state; the manager enforces it by detaching the
// track from its RTP sender while muted.
type Track interface {
	Kind() webrtc.RTPCodecType
	Local() webrtc.TrackLocal
	Enabled() bool
	SetEnabled(bool)
	Close() error
}

// MediaSource acquires local capture and builds peer connections whose
// media engine understands the tracks it produces. Implementations must
// be safe for use from multiple goroutines.
type MediaSource interface {
	NewPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error)
	// GetUserMedia opens microphone and/or camera capture.
	GetUserMedia(audio, video bool) ([]Track, error)
	// GetDisplayMedia opens a screen-capture video track.
	GetDisplayMedia() (Track, error)
}

func closeTracks(tracks []Track) {
	for _, t := range tracks {
		_ = t.Close()
	}
}
