package call

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/campuslink/campuscall/internal/models"
	"github.com/campuslink/campuscall/internal/signaling"
	"github.com/campuslink/campuscall/internal/store"
)

const (
	callerID = "11111111-1111-1111-1111-111111111111"
	calleeID = "22222222-2222-2222-2222-222222222222"
	thirdID  = "33333333-3333-3333-3333-333333333333"
)

type fakeTrack struct {
	kind    webrtc.RTPCodecType
	local   webrtc.TrackLocal
	enabled atomic.Bool
	closed  atomic.Bool
}

func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) Local() webrtc.TrackLocal  { return t.local }
func (t *fakeTrack) Enabled() bool             { return t.enabled.Load() }
func (t *fakeTrack) SetEnabled(v bool)         { t.enabled.Store(v) }
func (t *fakeTrack) Close() error {
	t.closed.Store(true)
	return nil
}

// fakeMedia hands out static sample tracks and plain peer connections,
// and remembers every track it produced so tests can assert cleanup.
type fakeMedia struct {
	produced []*fakeTrack
	userErr  error
}

func newFakeTrack(kind webrtc.RTPCodecType, id string) (*fakeTrack, error) {
	var capability webrtc.RTPCodecCapability
	if kind == webrtc.RTPCodecTypeVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	} else {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	}
	local, err := webrtc.NewTrackLocalStaticSample(capability, id, "fake-media")
	if err != nil {
		return nil, err
	}
	t := &fakeTrack{kind: kind, local: local}
	t.enabled.Store(true)
	return t, nil
}

func (f *fakeMedia) NewPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error) {
	return webrtc.NewPeerConnection(cfg)
}

func (f *fakeMedia) GetUserMedia(audio, video bool) ([]Track, error) {
	if f.userErr != nil {
		return nil, f.userErr
	}
	var out []Track
	if audio {
		t, err := newFakeTrack(webrtc.RTPCodecTypeAudio, "audio")
		if err != nil {
			return nil, err
		}
		f.produced = append(f.produced, t)
		out = append(out, t)
	}
	if video {
		t, err := newFakeTrack(webrtc.RTPCodecTypeVideo, "video")
		if err != nil {
			return nil, err
		}
		f.produced = append(f.produced, t)
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeMedia) GetDisplayMedia() (Track, error) {
	t, err := newFakeTrack(webrtc.RTPCodecTypeVideo, "screen")
	if err != nil {
		return nil, err
	}
	f.produced = append(f.produced, t)
	return t, nil
}

type peer struct {
	channel *signaling.Channel
	media   *fakeMedia
	manager *Manager
}

func newPeer(t *testing.T, m *store.Memory, userID string, chanOpts []signaling.Option, opts ...Option) *peer {
	t.Helper()
	channel := signaling.New(m, userID, chanOpts...)
	if err := channel.Start(); err != nil {
		t.Fatalf("channel Start: %v", err)
	}
	media := &fakeMedia{}
	opts = append([]Option{WithICEServers(nil)}, opts...)
	manager := NewManager(channel, media, opts...)
	t.Cleanup(func() {
		manager.Close()
		channel.Close()
	})
	return &peer{channel: channel, media: media, manager: manager}
}

func waitState(t *testing.T, m *Manager, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}

func TestCallConnectsEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("establishes a real peer connection")
	}
	m := store.NewMemory()
	defer m.Close()

	caller := newPeer(t, m, callerID, nil)
	callee := newPeer(t, m, calleeID, nil)

	ctx := context.Background()
	if err := caller.manager.StartCall(ctx, calleeID, models.CallTypeVideo); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if got := caller.manager.State(); got != StateCalling {
		t.Fatalf("caller state = %s, want calling", got)
	}

	waitState(t, callee.manager, StateRinging, 2*time.Second)
	inv := callee.manager.Invitation()
	if inv == nil || inv.FromUserID != callerID || inv.CallType != models.CallTypeVideo {
		t.Fatalf("callee invitation = %+v", inv)
	}

	if err := callee.manager.AcceptCall(ctx); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}

	// Loopback host candidates are enough to connect in-process.
	waitState(t, caller.manager, StateActive, 15*time.Second)
	waitState(t, callee.manager, StateActive, 15*time.Second)

	caller.manager.EndCall(ctx)
	waitState(t, caller.manager, StateIdle, 2*time.Second)
	waitState(t, callee.manager, StateIdle, 5*time.Second)

	for _, track := range caller.media.produced {
		if !track.closed.Load() {
			t.Fatal("caller track left open after hangup")
		}
	}
}

func TestRejectReturnsCallerToIdle(t *testing.T) {
	m := store.NewMemory()
	defer m.Close()

	var notices []string
	caller := newPeer(t, m, callerID, nil, WithNoticeFunc(func(msg string) {
		notices = append(notices, msg)
	}))
	callee := newPeer(t, m, calleeID, nil)

	ctx := context.Background()
	if err := caller.manager.StartCall(ctx, calleeID, models.CallTypeAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitState(t, callee.manager, StateRinging, 2*time.Second)

	if err := callee.manager.RejectCall(ctx); err != nil {
		t.Fatalf("RejectCall: %v", err)
	}
	waitState(t, callee.manager, StateIdle, time.Second)
	waitState(t, caller.manager, StateIdle, 2*time.Second)

	found := false
	for _, n := range notices {
		if n == "call rejected" {
			found = true
		}
	}
	if !found {
		t.Fatalf("caller notices = %v, want call rejected", notices)
	}

	for _, track := range caller.media.produced {
		if !track.closed.Load() {
			t.Fatal("caller track left open after reject")
		}
	}
}

func TestUnansweredCallTimesOut(t *testing.T) {
	m := store.NewMemory()
	defer m.Close()

	timeoutOpt := []signaling.Option{signaling.WithInviteTimeout(100 * time.Millisecond)}
	caller := newPeer(t, m, callerID, timeoutOpt)
	callee := newPeer(t, m, calleeID, timeoutOpt)

	ctx := context.Background()
	if err := caller.manager.StartCall(ctx, calleeID, models.CallTypeVideo); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitState(t, callee.manager, StateRinging, 2*time.Second)

	// Nobody answers: the timer rejects and both sides drop the call.
	waitState(t, caller.manager, StateIdle, 3*time.Second)
	waitState(t, callee.manager, StateIdle, 3*time.Second)
}

func TestStartCallWhileBusyFails(t *testing.T) {
	m := store.NewMemory()
	defer m.Close()

	caller := newPeer(t, m, callerID, nil)

	ctx := context.Background()
	if err := caller.manager.StartCall(ctx, calleeID, models.CallTypeVideo); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := caller.manager.StartCall(ctx, thirdID, models.CallTypeVideo); !errors.Is(err, ErrBusy) {
		t.Fatalf("second StartCall = %v, want ErrBusy", err)
	}
}

func TestIncomingWhileBusyIsAutoRejected(t *testing.T) {
	m := store.NewMemory()
	defer m.Close()

	alice := newPeer(t, m, callerID, nil)
	carol := newPeer(t, m, thirdID, nil)

	ctx := context.Background()
	// Alice is mid-call-attempt to someone else.
	if err := alice.manager.StartCall(ctx, calleeID, models.CallTypeVideo); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	// Carol calls Alice; Alice's manager declines automatically.
	if err := carol.manager.StartCall(ctx, callerID, models.CallTypeAudio); err != nil {
		t.Fatalf("carol StartCall: %v", err)
	}
	waitState(t, carol.manager, StateIdle, 3*time.Second)

	// Alice's own attempt is unaffected.
	if got := alice.manager.State(); got != StateCalling {
		t.Fatalf("alice state = %s, want calling", got)
	}
}

func TestAcceptWithoutIncomingFails(t *testing.T) {
	m := store.NewMemory()
	defer m.Close()

	p := newPeer(t, m, callerID, nil)
	if err := p.manager.AcceptCall(context.Background()); !errors.Is(err, ErrNoIncomingCall) {
		t.Fatalf("AcceptCall = %v, want ErrNoIncomingCall", err)
	}
	if err := p.manager.RejectCall(context.Background()); !errors.Is(err, ErrNoIncomingCall) {
		t.Fatalf("RejectCall = %v, want ErrNoIncomingCall", err)
	}
}

func TestEndCallIsIdempotent(t *testing.T) {
	m := store.NewMemory()
	defer m.Close()

	p := newPeer(t, m, callerID, nil)
	ctx := context.Background()

	// Ending while idle is a no-op.
	p.manager.EndCall(ctx)
	p.manager.EndCall(ctx)

	if err := p.manager.StartCall(ctx, calleeID, models.CallTypeVideo); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	p.manager.EndCall(ctx)
	p.manager.EndCall(ctx)
	waitState(t, p.manager, StateIdle, time.Second)

	for _, track := range p.media.produced {
		if !track.closed.Load() {
			t.Fatal("track left open after hangup")
		}
	}
}

func TestMediaFailureAbortsStart(t *testing.T) {
	m := store.NewMemory()
	defer m.Close()

	p := newPeer(t, m, callerID, nil)
	p.media.userErr = ErrMediaUnavailable

	err := p.manager.StartCall(context.Background(), calleeID, models.CallTypeVideo)
	if !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("StartCall = %v, want media error", err)
	}
	waitState(t, p.manager, StateIdle, time.Second)

	// No invitation should exist after an aborted start.
	recs, selErr := m.Select(context.Background(), "call_invitations", nil)
	if selErr != nil {
		t.Fatalf("Select: %v", selErr)
	}
	if len(recs) != 0 {
		t.Fatalf("found %d invitations after aborted start", len(recs))
	}
}

func TestCalleeMediaFailureRejectsCall(t *testing.T) {
	m := store.NewMemory()
	defer m.Close()

	var rejected atomic.Bool
	caller := newPeer(t, m, callerID, nil, WithNoticeFunc(func(msg string) {
		if msg == "call rejected" {
			rejected.Store(true)
		}
	}))
	callee := newPeer(t, m, calleeID, nil)

	ctx := context.Background()
	if err := caller.manager.StartCall(ctx, calleeID, models.CallTypeVideo); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitState(t, callee.manager, StateRinging, 2*time.Second)

	// Camera denied on answer: the invitation must resolve so the
	// caller does not ring out the full timeout.
	callee.media.userErr = ErrMediaUnavailable
	if err := callee.manager.AcceptCall(ctx); !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("AcceptCall = %v, want media error", err)
	}
	waitState(t, callee.manager, StateIdle, time.Second)
	waitState(t, caller.manager, StateIdle, 2*time.Second)

	if !rejected.Load() {
		t.Fatal("caller never observed the rejection")
	}
}

func TestToggleAudioDetachesSenderTrack(t *testing.T) {
	m := store.NewMemory()
	defer m.Close()

	p := newPeer(t, m, callerID, nil)
	ctx := context.Background()
	if err := p.manager.StartCall(ctx, calleeID, models.CallTypeVideo); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	p.manager.mu.Lock()
	sender := p.manager.senders[webrtc.RTPCodecTypeAudio]
	p.manager.mu.Unlock()
	if sender == nil {
		t.Fatal("no audio sender after StartCall")
	}

	// Mute detaches the track from the sender so no samples leave.
	if p.manager.ToggleAudio() {
		t.Fatal("first toggle should disable audio")
	}
	if sender.Track() != nil {
		t.Fatal("muted audio track still attached to its sender")
	}
	if !p.manager.ToggleAudio() {
		t.Fatal("second toggle should re-enable audio")
	}
	if sender.Track() == nil {
		t.Fatal("unmuted audio track not reattached")
	}
}

func TestDuplicateTerminalEventIsIgnored(t *testing.T) {
	m := store.NewMemory()
	defer m.Close()

	var noticeCount atomic.Int32
	caller := newPeer(t, m, callerID, nil, WithNoticeFunc(func(msg string) {
		if msg == "call rejected" {
			noticeCount.Add(1)
		}
	}))
	callee := newPeer(t, m, calleeID, nil)

	ctx := context.Background()
	if err := caller.manager.StartCall(ctx, calleeID, models.CallTypeAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitState(t, callee.manager, StateRinging, 2*time.Second)
	id := callee.manager.Invitation().ID

	if err := callee.manager.RejectCall(ctx); err != nil {
		t.Fatalf("RejectCall: %v", err)
	}
	waitState(t, caller.manager, StateIdle, 2*time.Second)

	// Redeliver the terminal status straight through the store. The
	// session is gone, so the event must fall on the floor.
	if err := m.Update(ctx, "call_invitations",
		store.Filter{"id": id},
		store.Record{"status": string(models.CallStatusRejected)}); err != nil {
		t.Fatalf("redeliver update: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if got := caller.manager.State(); got != StateIdle {
		t.Fatalf("caller state after duplicate event = %s, want idle", got)
	}
	if n := noticeCount.Load(); n != 1 {
		t.Fatalf("reject notice fired %d times, want 1", n)
	}
}

func TestTransportFailureEndsCall(t *testing.T) {
	m := store.NewMemory()
	defer m.Close()

	caller := newPeer(t, m, callerID, nil)
	callee := newPeer(t, m, calleeID, nil)

	ctx := context.Background()
	if err := caller.manager.StartCall(ctx, calleeID, models.CallTypeAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitState(t, callee.manager, StateRinging, 2*time.Second)
	id := caller.manager.Invitation().ID

	caller.manager.mu.Lock()
	g := caller.manager.gen
	caller.manager.mu.Unlock()

	caller.manager.handleConnectionState(g, webrtc.PeerConnectionStateFailed)
	waitState(t, caller.manager, StateIdle, 2*time.Second)
	// The hangup resolves the invitation, so the other side drops too.
	waitState(t, callee.manager, StateIdle, 2*time.Second)

	recs, err := m.Select(ctx, "call_invitations", store.Filter{"id": id})
	if err != nil || len(recs) != 1 {
		t.Fatalf("Select: %v, %d records", err, len(recs))
	}
	if status := recs[0]["status"]; status != string(models.CallStatusEnded) {
		t.Fatalf("invitation status = %v, want ended", status)
	}

	// A callback from the torn-down connection changes nothing.
	caller.manager.handleConnectionState(g, webrtc.PeerConnectionStateFailed)
	if got := caller.manager.State(); got != StateIdle {
		t.Fatalf("state after stale callback = %s, want idle", got)
	}
}

func TestToggleAudioFlipsTrackFlag(t *testing.T) {
	m := store.NewMemory()
	defer m.Close()

	p := newPeer(t, m, callerID, nil)
	ctx := context.Background()

	if p.manager.ToggleAudio() {
		t.Fatal("toggle with no session should report false")
	}

	if err := p.manager.StartCall(ctx, calleeID, models.CallTypeVideo); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	if p.manager.ToggleAudio() {
		t.Fatal("first toggle should disable audio")
	}
	if !p.manager.ToggleAudio() {
		t.Fatal("second toggle should re-enable audio")
	}
	if !p.manager.VideoEnabled() {
		t.Fatal("video flag disturbed by audio toggle")
	}
}
