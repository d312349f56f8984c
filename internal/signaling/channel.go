// Package signaling exchanges call setup and teardown intent between two
// users through the shared call_invitations table of a generic data store.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/campuslink/campuscall/internal/models"
	"github.com/campuslink/campuscall/internal/store"
)

const invitationsTable = "call_invitations"

var (
	// ErrNotPending is returned when a conditional transition out of
	// pending loses: the invitation was already resolved by the other
	// side or by the timeout.
	ErrNotPending = errors.New("signaling: invitation is not pending")

	// ErrResolved is returned by EndInvitation when the invitation is
	// already in a terminal state.
	ErrResolved = errors.New("signaling: invitation already resolved")

	ErrChannelClosed = errors.New("signaling: channel closed")
)

// InvitationEvent is one change notification for an invitation involving
// the local user. Delivery is at-least-once; consumers must tolerate
// duplicates.
type InvitationEvent struct {
	Type       store.EventType
	Invitation models.CallInvitation
}

// Channel relays call invitations for one authenticated user. The
// identity is fixed at construction so the channel never has to reach
// into an ambient auth context.
type Channel struct {
	st            store.Store
	selfID        string
	logger        *slog.Logger
	inviteTimeout time.Duration

	events chan InvitationEvent
	done   chan struct{}

	mu     sync.Mutex
	timers map[string]*time.Timer
	subs   []store.Subscription
	closed bool
}

type Option func(*Channel)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

// WithInviteTimeout overrides the 60 s auto-reject timer for outgoing
// invitations. Test helper and tunable.
func WithInviteTimeout(d time.Duration) Option {
	return func(c *Channel) { c.inviteTimeout = d }
}

const defaultInviteTimeout = 60 * time.Second

func New(st store.Store, selfUserID string, opts ...Option) *Channel {
	c := &Channel{
		st:            st,
		selfID:        selfUserID,
		logger:        slog.Default(),
		inviteTimeout: defaultInviteTimeout,
		events:        make(chan InvitationEvent, 64),
		done:          make(chan struct{}),
		timers:        make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SelfID returns the identity this channel acts as.
func (c *Channel) SelfID() string {
	return c.selfID
}

// Start subscribes to invitation changes involving the local user:
// new incoming invitations plus updates on either side of a call the
// user participates in.
func (c *Channel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if len(c.subs) > 0 {
		return nil
	}

	specs := []struct {
		events []store.EventType
		filter store.Filter
	}{
		{[]store.EventType{store.EventInsert}, store.Filter{"to_user_id": c.selfID}},
		{[]store.EventType{store.EventUpdate}, store.Filter{"to_user_id": c.selfID}},
		{[]store.EventType{store.EventUpdate}, store.Filter{"from_user_id": c.selfID}},
	}
	for _, spec := range specs {
		sub, err := c.st.Subscribe(invitationsTable, spec.events, spec.filter, c.handleStoreEvent)
		if err != nil {
			for _, s := range c.subs {
				_ = s.Close()
			}
			c.subs = nil
			return fmt.Errorf("subscribe invitations: %w", err)
		}
		c.subs = append(c.subs, sub)
	}
	return nil
}

// Events delivers invitation changes. The channel is closed by Close.
func (c *Channel) Events() <-chan InvitationEvent {
	return c.events
}

// SendInvitation creates a pending invitation carrying the local offer
// and arms the auto-reject timer. On store failure no invitation exists
// and the error is returned as-is.
func (c *Channel) SendInvitation(ctx context.Context, toUserID string, callType models.CallType, offer *webrtc.SessionDescription) (*models.CallInvitation, error) {
	inv := models.CallInvitation{
		FromUserID:    c.selfID,
		ToUserID:      toUserID,
		CallType:      callType,
		Status:        models.CallStatusPending,
		Offer:         offer,
		IceCandidates: []models.IceCandidate{},
	}
	rec, err := store.Encode(&inv)
	if err != nil {
		return nil, err
	}
	delete(rec, "id")
	delete(rec, "created_at")

	created, err := c.st.Insert(ctx, invitationsTable, rec)
	if err != nil {
		return nil, fmt.Errorf("send invitation: %w", err)
	}

	var out models.CallInvitation
	if err := store.Decode(created, &out); err != nil {
		return nil, err
	}

	c.armTimeout(out.ID)
	c.logger.Debug("invitation sent", "invitation_id", out.ID, "to_user_id", toUserID, "call_type", callType)
	return &out, nil
}

// AcceptInvitation transitions pending→accepted and stores the answer.
// The update is conditional on the current status, so accepting an
// already-resolved invitation fails with ErrNotPending.
func (c *Channel) AcceptInvitation(ctx context.Context, id string, answer *webrtc.SessionDescription) error {
	err := c.st.Update(ctx, invitationsTable,
		store.Filter{"id": id, "status": models.CallStatusPending},
		store.Record{"status": models.CallStatusAccepted, "answer": answer},
	)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotPending
	}
	if err != nil {
		return fmt.Errorf("accept invitation: %w", err)
	}
	return nil
}

// RejectInvitation transitions pending→rejected.
func (c *Channel) RejectInvitation(ctx context.Context, id string) error {
	c.stopTimeout(id)
	err := c.st.Update(ctx, invitationsTable,
		store.Filter{"id": id, "status": models.CallStatusPending},
		store.Record{"status": models.CallStatusRejected},
	)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotPending
	}
	if err != nil {
		return fmt.Errorf("reject invitation: %w", err)
	}
	return nil
}

// EndInvitation transitions a live invitation to ended. Terminal states
// stay untouched; callers on teardown paths treat ErrResolved as done.
func (c *Channel) EndInvitation(ctx context.Context, id string) error {
	c.stopTimeout(id)
	for _, from := range []models.CallStatus{models.CallStatusAccepted, models.CallStatusPending} {
		err := c.st.Update(ctx, invitationsTable,
			store.Filter{"id": id, "status": from},
			store.Record{"status": models.CallStatusEnded},
		)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("end invitation: %w", err)
		}
	}
	return ErrResolved
}

// AppendIceCandidate records one gathered candidate on the shared
// invitation. Uses the store's atomic array append when available and
// falls back to read-modify-write otherwise.
func (c *Channel) AppendIceCandidate(ctx context.Context, id string, candidate webrtc.ICECandidateInit) error {
	entry := models.IceCandidate{SenderID: c.selfID, Candidate: candidate}

	if appender, ok := c.st.(store.ArrayAppender); ok {
		if err := appender.AppendToArray(ctx, invitationsTable, id, "ice_candidates", entry); err != nil {
			return fmt.Errorf("append candidate: %w", err)
		}
		return nil
	}

	// Lossy under concurrent appends from both peers; stores should
	// implement ArrayAppender.
	recs, err := c.st.Select(ctx, invitationsTable, store.Filter{"id": id})
	if err != nil {
		return fmt.Errorf("append candidate: %w", err)
	}
	if len(recs) == 0 {
		return fmt.Errorf("append candidate: %w", store.ErrNotFound)
	}
	var inv models.CallInvitation
	if err := store.Decode(recs[0], &inv); err != nil {
		return err
	}
	candidates := append(inv.IceCandidates, entry)
	err = c.st.Update(ctx, invitationsTable,
		store.Filter{"id": id},
		store.Record{"ice_candidates": candidates},
	)
	if err != nil {
		return fmt.Errorf("append candidate: %w", err)
	}
	return nil
}

// ListOnlineUsers returns the current online roster excluding self.
// The result is a snapshot; re-query for freshness.
func (c *Channel) ListOnlineUsers(ctx context.Context) ([]models.User, error) {
	recs, err := c.st.Select(ctx, "users", store.Filter{"is_online": true})
	if err != nil {
		return nil, fmt.Errorf("list online users: %w", err)
	}
	users := make([]models.User, 0, len(recs))
	for _, rec := range recs {
		var u models.User
		if err := store.Decode(rec, &u); err != nil {
			return nil, err
		}
		if u.ID == c.selfID {
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

// Close cancels all pending timers and detaches the store
// subscriptions. The events channel stays open; consumers stop reading
// on their own shutdown signal.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	// Events is left open: store callbacks may still be in flight and
	// the done channel already unblocks them. Consumers select on their
	// own shutdown signal.
	close(c.done)
}

func (c *Channel) handleStoreEvent(ev store.Event) {
	var inv models.CallInvitation
	if err := store.Decode(ev.Record, &inv); err != nil {
		c.logger.Debug("bad invitation event", "error", err)
		return
	}
	if !inv.Involves(c.selfID) {
		return
	}

	// A sent invitation reached a terminal state: the timer is moot.
	if inv.FromUserID == c.selfID && inv.Status.Terminal() {
		c.stopTimeout(inv.ID)
	}

	select {
	case <-c.done:
	case c.events <- InvitationEvent{Type: ev.Type, Invitation: inv}:
	}
}

func (c *Channel) armTimeout(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.timers[id] = time.AfterFunc(c.inviteTimeout, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := c.st.Update(ctx, invitationsTable,
			store.Filter{"id": id, "status": models.CallStatusPending},
			store.Record{"status": models.CallStatusRejected},
		)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Answered or cancelled in time.
		case err != nil:
			c.logger.Warn("invitation timeout reject failed", "invitation_id", id, "error", err)
		default:
			c.logger.Info("invitation timed out", "invitation_id", id)
		}
		c.stopTimeout(id)
	})
}

func (c *Channel) stopTimeout(id string) {
	c.mu.Lock()
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()
}
