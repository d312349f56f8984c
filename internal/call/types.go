package call

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/campuslink/campuscall/internal/models"
	"github.com/campuslink/campuscall/internal/signaling"
)

// State is the session-level lifecycle of the local call attempt. It is
// driven by, but distinct from, the shared invitation status.
type State string

const (
	StateIdle State = "idle"
	// StateCalling covers negotiation on both sides: an outgoing
	// invitation awaiting an answer, or an accepted incoming call whose
	// transport has not connected yet.
	StateCalling State = "calling"
	StateRinging State = "ringing"
	StateActive  State = "active"
)

var (
	ErrBusy           = errors.New("call: another call is in progress")
	ErrNoIncomingCall = errors.New("call: no incoming invitation")
	ErrNoSession      = errors.New("call: no active session")
	ErrAborted        = errors.New("call: session ended during setup")
)

// Signaler is the only surface the session manager needs from the
// signaling layer.
type Signaler interface {
	SelfID() string
	SendInvitation(ctx context.Context, toUserID string, callType models.CallType, offer *webrtc.SessionDescription) (*models.CallInvitation, error)
	AcceptInvitation(ctx context.Context, id string, answer *webrtc.SessionDescription) error
	RejectInvitation(ctx context.Context, id string) error
	EndInvitation(ctx context.Context, id string) error
	AppendIceCandidate(ctx context.Context, id string, candidate webrtc.ICECandidateInit) error
	Events() <-chan signaling.InvitationEvent
}
