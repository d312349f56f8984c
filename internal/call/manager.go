// Package call drives the local media and the peer connection of one
// audio/video call through the offer/answer/ICE handshake, keyed off
// signaling events. One Manager owns at most one live call attempt.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/campuslink/campuscall/internal/models"
	"github.com/campuslink/campuscall/internal/signaling"
	"github.com/campuslink/campuscall/internal/store"
)

const signalOpTimeout = 10 * time.Second

// DefaultICEServers is the fixed public STUN set used when no ICE
// configuration is supplied. No TURN: NAT traversal then depends on at
// least one side being reachable directly.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// Manager owns the local media, the peer connection and the session
// state machine for one call attempt at a time.
type Manager struct {
	sig    Signaler
	media  MediaSource
	logger *slog.Logger

	iceServers []webrtc.ICEServer
	onState    func(State)
	onNotice   func(string)

	done      chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	state         State
	callType      models.CallType
	gen           uint64
	pc            *webrtc.PeerConnection
	tracks        []Track
	senders       map[webrtc.RTPCodecType]*webrtc.RTPSender
	screenSharing bool
	audioEnabled  bool
	videoEnabled  bool
	invitation    *models.CallInvitation
	pendingLocal  []webrtc.ICECandidateInit
	applied       int
	remoteTracks  []*webrtc.TrackRemote
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithICEServers(servers []webrtc.ICEServer) Option {
	return func(m *Manager) { m.iceServers = servers }
}

// WithStateFunc registers an observer fired on every session state
// change, outside the manager lock.
func WithStateFunc(fn func(State)) Option {
	return func(m *Manager) { m.onState = fn }
}

// WithNoticeFunc registers an observer for user-visible notices such as
// "call rejected".
func WithNoticeFunc(fn func(string)) Option {
	return func(m *Manager) { m.onNotice = fn }
}

// NewManager creates a session manager and starts consuming signaling
// events immediately.
func NewManager(sig Signaler, media MediaSource, opts ...Option) *Manager {
	m := &Manager{
		sig:        sig,
		media:      media,
		logger:     slog.Default(),
		iceServers: DefaultICEServers,
		done:       make(chan struct{}),
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.dispatchLoop()
	return m
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Invitation returns a copy of the invitation driving the current
// session, or nil when idle.
func (m *Manager) Invitation() *models.CallInvitation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.invitation == nil {
		return nil
	}
	cp := *m.invitation
	return &cp
}

func (m *Manager) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioEnabled
}

func (m *Manager) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoEnabled
}

func (m *Manager) ScreenSharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screenSharing
}

// RemoteTracks returns the remote tracks received so far in this call.
func (m *Manager) RemoteTracks() []*webrtc.TrackRemote {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(m.remoteTracks))
	copy(out, m.remoteTracks)
	return out
}

// StartCall places an outgoing call: captures local media, builds the
// peer connection, publishes the offer through a new invitation. Any
// failure tears the session back down to idle.
func (m *Manager) StartCall(ctx context.Context, toUserID string, callType models.CallType) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrBusy
	}
	m.state = StateCalling
	m.callType = callType
	g := m.gen
	m.mu.Unlock()
	m.notifyState(StateCalling)

	tracks, err := m.media.GetUserMedia(true, callType == models.CallTypeVideo)
	if err != nil {
		m.abortSetup(g)
		m.notice("failed to start call")
		return fmt.Errorf("media access: %w", err)
	}

	pc, err := m.setupPeerConnection(g, tracks)
	if err != nil {
		closeTracks(tracks)
		m.abortSetup(g)
		m.notice("failed to start call")
		return err
	}

	offer, err := pc.CreateOffer(nil)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		m.abortSetup(g)
		m.notice("failed to start call")
		return fmt.Errorf("create offer: %w", err)
	}

	inv, err := m.sig.SendInvitation(ctx, toUserID, callType, pc.LocalDescription())
	if err != nil {
		m.abortSetup(g)
		m.notice("failed to start call")
		return err
	}

	m.mu.Lock()
	if m.gen != g {
		m.mu.Unlock()
		// Torn down while the invitation was in flight; retract it.
		endCtx, cancel := context.WithTimeout(context.Background(), signalOpTimeout)
		defer cancel()
		_ = m.sig.EndInvitation(endCtx, inv.ID)
		return ErrAborted
	}
	m.invitation = inv
	pending := m.pendingLocal
	m.pendingLocal = nil
	m.mu.Unlock()

	for _, cand := range pending {
		if err := m.sig.AppendIceCandidate(ctx, inv.ID, cand); err != nil {
			m.logger.Debug("publish candidate failed", "invitation_id", inv.ID, "error", err)
		}
	}

	m.logger.Info("call started", "invitation_id", inv.ID, "to_user_id", toUserID, "call_type", callType)
	return nil
}

// AcceptCall answers the ringing invitation. On any failure the
// invitation is rejected and the session resets.
func (m *Manager) AcceptCall(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRinging || m.invitation == nil {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	inv := *m.invitation
	g := m.gen
	m.state = StateCalling
	m.mu.Unlock()
	m.notifyState(StateCalling)

	if inv.Offer == nil {
		m.rejectAndReset(ctx, g, inv.ID)
		return errors.New("call: invitation carries no offer")
	}

	tracks, err := m.media.GetUserMedia(true, inv.CallType == models.CallTypeVideo)
	if err != nil {
		m.rejectAndReset(ctx, g, inv.ID)
		return fmt.Errorf("media access: %w", err)
	}

	pc, err := m.setupPeerConnection(g, tracks)
	if err != nil {
		closeTracks(tracks)
		m.rejectAndReset(ctx, g, inv.ID)
		return err
	}

	if err := pc.SetRemoteDescription(*inv.Offer); err != nil {
		m.rejectAndReset(ctx, g, inv.ID)
		return fmt.Errorf("apply offer: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err != nil {
		m.rejectAndReset(ctx, g, inv.ID)
		return fmt.Errorf("create answer: %w", err)
	}

	if err := m.sig.AcceptInvitation(ctx, inv.ID, pc.LocalDescription()); err != nil {
		m.rejectAndReset(ctx, g, inv.ID)
		return err
	}

	// Candidates the caller published while we were ringing.
	m.applyRemoteCandidates(g, &inv)

	m.logger.Info("call accepted", "invitation_id", inv.ID, "from_user_id", inv.FromUserID)
	return nil
}

// RejectCall declines the ringing invitation. No media was acquired, so
// only the invitation needs resolving.
func (m *Manager) RejectCall(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRinging || m.invitation == nil {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	id := m.invitation.ID
	m.teardownLocked()
	m.mu.Unlock()
	m.notifyState(StateIdle)

	if err := m.sig.RejectInvitation(ctx, id); err != nil && !errors.Is(err, signaling.ErrNotPending) {
		return err
	}
	return nil
}

// EndCall hangs up from any non-idle state: stops every local track,
// closes the peer connection and marks the invitation ended
// best-effort. Calling it while idle is a no-op.
func (m *Manager) EndCall(ctx context.Context) {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	inv := m.invitation
	m.teardownLocked()
	m.mu.Unlock()
	m.notifyState(StateIdle)

	if inv != nil {
		if err := m.sig.EndInvitation(ctx, inv.ID); err != nil && !errors.Is(err, signaling.ErrResolved) {
			// Peer may never learn; local teardown still completes.
			m.logger.Warn("end invitation failed", "invitation_id", inv.ID, "error", err)
		}
	}
}

// ToggleAudio mutes or unmutes the outgoing audio. Returns the new
// enabled value; false with no local media.
func (m *Manager) ToggleAudio() bool {
	return m.toggleTrack(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo mutes or unmutes the outgoing video.
func (m *Manager) ToggleVideo() bool {
	return m.toggleTrack(webrtc.RTPCodecTypeVideo)
}

// toggleTrack detaches the track from its RTP sender on mute and
// reattaches on unmute, so a muted track sends nothing rather than
// carrying a flag the capture path ignores.
func (m *Manager) toggleTrack(kind webrtc.RTPCodecType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.trackByKindLocked(kind)
	if t == nil {
		return false
	}
	enabled := !t.Enabled()
	if sender := m.senders[kind]; sender != nil {
		var local webrtc.TrackLocal
		if enabled {
			local = t.Local()
		}
		if err := sender.ReplaceTrack(local); err != nil {
			m.logger.Warn("toggle track failed", "kind", kind.String(), "error", err)
			return t.Enabled()
		}
	}
	t.SetEnabled(enabled)
	if kind == webrtc.RTPCodecTypeAudio {
		m.audioEnabled = enabled
	} else {
		m.videoEnabled = enabled
	}
	return enabled
}

// ToggleScreenShare swaps the outgoing video track for display capture
// and back, without renegotiation. A failed capture leaves the session
// untouched.
func (m *Manager) ToggleScreenShare(ctx context.Context) error {
	m.mu.Lock()
	if m.pc == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	sender := m.senders[webrtc.RTPCodecTypeVideo]
	if sender == nil {
		m.mu.Unlock()
		return errors.New("call: session has no video track")
	}
	sharing := m.screenSharing
	g := m.gen
	m.mu.Unlock()

	if !sharing {
		screen, err := m.media.GetDisplayMedia()
		if err != nil {
			return fmt.Errorf("screen capture: %w", err)
		}
		return m.swapVideoTrack(g, sender, screen, true)
	}

	cam, err := m.media.GetUserMedia(false, true)
	if err != nil {
		return fmt.Errorf("camera reacquire: %w", err)
	}
	var video Track
	for _, t := range cam {
		if t.Kind() == webrtc.RTPCodecTypeVideo && video == nil {
			video = t
		} else {
			_ = t.Close()
		}
	}
	if video == nil {
		return ErrMediaUnavailable
	}
	return m.swapVideoTrack(g, sender, video, false)
}

// Close stops the event loop and ends any live call.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	ctx, cancel := context.WithTimeout(context.Background(), signalOpTimeout)
	defer cancel()
	m.EndCall(ctx)
}

func (m *Manager) swapVideoTrack(g uint64, sender *webrtc.RTPSender, next Track, sharing bool) error {
	m.mu.Lock()
	if m.gen != g || m.pc == nil {
		m.mu.Unlock()
		_ = next.Close()
		return ErrAborted
	}
	// A muted video stays muted across the swap: the sender keeps no
	// track until the next unmute attaches the replacement.
	var local webrtc.TrackLocal
	if m.videoEnabled {
		local = next.Local()
	}
	if err := sender.ReplaceTrack(local); err != nil {
		m.mu.Unlock()
		_ = next.Close()
		return fmt.Errorf("replace track: %w", err)
	}
	old := m.takeVideoTrackLocked()
	next.SetEnabled(m.videoEnabled)
	m.tracks = append(m.tracks, next)
	m.screenSharing = sharing
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (m *Manager) setupPeerConnection(g uint64, tracks []Track) (*webrtc.PeerConnection, error) {
	pc, err := m.media.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	senders := make(map[webrtc.RTPCodecType]*webrtc.RTPSender, len(tracks))
	for _, t := range tracks {
		sender, err := pc.AddTrack(t.Local())
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
		senders[t.Kind()] = sender
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		m.publishLocalCandidate(g, cand.ToJSON())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.mu.Lock()
		if m.gen == g {
			m.remoteTracks = append(m.remoteTracks, track)
		}
		m.mu.Unlock()
		m.logger.Debug("remote track received", "kind", track.Kind().String())
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.handleConnectionState(g, s)
	})

	m.mu.Lock()
	if m.gen != g || m.state == StateIdle {
		m.mu.Unlock()
		_ = pc.Close()
		return nil, ErrAborted
	}
	m.pc = pc
	m.tracks = tracks
	m.senders = senders
	m.audioEnabled = m.trackByKindLocked(webrtc.RTPCodecTypeAudio) != nil
	m.videoEnabled = m.trackByKindLocked(webrtc.RTPCodecTypeVideo) != nil
	m.mu.Unlock()
	return pc, nil
}

func (m *Manager) handleConnectionState(g uint64, s webrtc.PeerConnectionState) {
	m.logger.Debug("connection state", "state", s.String())
	switch s {
	case webrtc.PeerConnectionStateConnected:
		m.mu.Lock()
		if m.gen == g && m.state == StateCalling {
			m.state = StateActive
			m.mu.Unlock()
			m.notifyState(StateActive)
			return
		}
		m.mu.Unlock()
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		go m.endIfCurrent(g)
	}
}

// endIfCurrent is the auto-hangup path for peer loss. The generation
// check makes stale connection-state callbacks harmless.
func (m *Manager) endIfCurrent(g uint64) {
	m.mu.Lock()
	if m.gen != g || m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	inv := m.invitation
	m.teardownLocked()
	m.mu.Unlock()
	m.notifyState(StateIdle)
	m.notice("call ended")

	if inv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), signalOpTimeout)
		defer cancel()
		if err := m.sig.EndInvitation(ctx, inv.ID); err != nil && !errors.Is(err, signaling.ErrResolved) {
			m.logger.Debug("end invitation failed", "invitation_id", inv.ID, "error", err)
		}
	}
}

func (m *Manager) dispatchLoop() {
	for {
		select {
		case <-m.done:
			return
		case ev := <-m.sig.Events():
			m.handleEvent(ev)
		}
	}
}

func (m *Manager) handleEvent(ev signaling.InvitationEvent) {
	inv := ev.Invitation
	switch {
	case ev.Type == store.EventInsert &&
		inv.ToUserID == m.sig.SelfID() &&
		inv.Status == models.CallStatusPending:
		m.handleIncoming(inv)
	case ev.Type == store.EventUpdate:
		m.handleUpdate(inv)
	}
}

func (m *Manager) handleIncoming(inv models.CallInvitation) {
	m.mu.Lock()
	if m.invitation != nil && m.invitation.ID == inv.ID {
		// Redelivered insert for the call we already track.
		m.mu.Unlock()
		return
	}
	if m.state != StateIdle {
		m.mu.Unlock()
		// Busy: decline now instead of letting the caller ring out.
		ctx, cancel := context.WithTimeout(context.Background(), signalOpTimeout)
		defer cancel()
		if err := m.sig.RejectInvitation(ctx, inv.ID); err != nil && !errors.Is(err, signaling.ErrNotPending) {
			m.logger.Debug("busy reject failed", "invitation_id", inv.ID, "error", err)
		}
		return
	}
	m.state = StateRinging
	m.callType = inv.CallType
	cp := inv
	m.invitation = &cp
	m.mu.Unlock()
	m.notifyState(StateRinging)
	m.logger.Info("incoming call", "invitation_id", inv.ID, "from_user_id", inv.FromUserID, "call_type", inv.CallType)
}

func (m *Manager) handleUpdate(inv models.CallInvitation) {
	m.mu.Lock()
	if m.invitation == nil || m.invitation.ID != inv.ID {
		m.mu.Unlock()
		return
	}
	cp := inv
	m.invitation = &cp
	state := m.state
	g := m.gen
	pc := m.pc
	m.mu.Unlock()

	switch inv.Status {
	case models.CallStatusPending:
		m.applyRemoteCandidates(g, &inv)

	case models.CallStatusAccepted:
		if state == StateCalling && inv.Answer != nil && pc != nil && pc.CurrentRemoteDescription() == nil {
			if err := pc.SetRemoteDescription(*inv.Answer); err != nil {
				m.logger.Warn("apply answer failed", "invitation_id", inv.ID, "error", err)
				m.endIfCurrent(g)
				return
			}
		}
		m.applyRemoteCandidates(g, &inv)

	case models.CallStatusRejected:
		m.resetOnRemote(g, "call rejected")

	case models.CallStatusEnded:
		m.resetOnRemote(g, "call ended")
	}
}

// resetOnRemote tears the session down in response to a terminal status
// observed on the shared invitation. The invitation is already resolved,
// so there is nothing left to notify.
func (m *Manager) resetOnRemote(g uint64, noticeMsg string) {
	m.mu.Lock()
	if m.gen != g || m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.mu.Unlock()
	m.notifyState(StateIdle)
	m.notice(noticeMsg)
}

func (m *Manager) applyRemoteCandidates(g uint64, inv *models.CallInvitation) {
	m.mu.Lock()
	if m.gen != g || m.pc == nil || m.pc.CurrentRemoteDescription() == nil {
		m.mu.Unlock()
		return
	}
	if m.applied >= len(inv.IceCandidates) {
		m.mu.Unlock()
		return
	}
	batch := inv.IceCandidates[m.applied:]
	m.applied = len(inv.IceCandidates)
	pc := m.pc
	m.mu.Unlock()

	self := m.sig.SelfID()
	for _, entry := range batch {
		if entry.SenderID == self {
			continue
		}
		if err := pc.AddICECandidate(entry.Candidate); err != nil {
			m.logger.Debug("add remote candidate failed", "error", err)
		}
	}
}

func (m *Manager) publishLocalCandidate(g uint64, cand webrtc.ICECandidateInit) {
	m.mu.Lock()
	if m.gen != g {
		m.mu.Unlock()
		return
	}
	if m.invitation == nil {
		// Gathered before the invitation row exists; flushed by StartCall.
		m.pendingLocal = append(m.pendingLocal, cand)
		m.mu.Unlock()
		return
	}
	id := m.invitation.ID
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), signalOpTimeout)
	defer cancel()
	if err := m.sig.AppendIceCandidate(ctx, id, cand); err != nil {
		m.logger.Debug("publish candidate failed", "invitation_id", id, "error", err)
	}
}

// rejectAndReset handles a failed accept: the caller is still waiting,
// so resolve the invitation before dropping back to idle.
func (m *Manager) rejectAndReset(ctx context.Context, g uint64, id string) {
	m.abortSetup(g)
	if err := m.sig.RejectInvitation(ctx, id); err != nil && !errors.Is(err, signaling.ErrNotPending) {
		m.logger.Debug("reject after failed accept", "invitation_id", id, "error", err)
	}
}

// abortSetup undoes a partially built session after a setup step
// failed, unless a newer attempt already owns the manager.
func (m *Manager) abortSetup(g uint64) {
	m.mu.Lock()
	if m.gen != g {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.mu.Unlock()
	m.notifyState(StateIdle)
}

// teardownLocked releases every per-call resource and bumps the
// generation so in-flight async results are discarded.
func (m *Manager) teardownLocked() {
	closeTracks(m.tracks)
	if m.pc != nil {
		_ = m.pc.Close()
	}
	m.pc = nil
	m.tracks = nil
	m.senders = nil
	m.invitation = nil
	m.pendingLocal = nil
	m.remoteTracks = nil
	m.applied = 0
	m.screenSharing = false
	m.audioEnabled = false
	m.videoEnabled = false
	m.callType = ""
	m.state = StateIdle
	m.gen++
}

func (m *Manager) trackByKindLocked(kind webrtc.RTPCodecType) Track {
	for _, t := range m.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func (m *Manager) takeVideoTrackLocked() Track {
	for i, t := range m.tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			m.tracks = append(m.tracks[:i], m.tracks[i+1:]...)
			return t
		}
	}
	return nil
}

func (m *Manager) notifyState(s State) {
	if m.onState != nil {
		m.onState(s)
	}
}

func (m *Manager) notice(msg string) {
	if m.onNotice != nil {
		m.onNotice(msg)
	}
}
