package signaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/campuslink/campuscall/internal/models"
	"github.com/campuslink/campuscall/internal/store"
)

const (
	aliceID = "11111111-1111-1111-1111-111111111111"
	bobID   = "22222222-2222-2222-2222-222222222222"
)

func testOffer() *webrtc.SessionDescription {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
}

func testAnswer() *webrtc.SessionDescription {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
}

func newPair(t *testing.T, opts ...Option) (*store.Memory, *Channel, *Channel) {
	t.Helper()
	m := store.NewMemory()
	t.Cleanup(func() { m.Close() })

	alice := New(m, aliceID, opts...)
	bob := New(m, bobID, opts...)
	if err := alice.Start(); err != nil {
		t.Fatalf("alice Start: %v", err)
	}
	if err := bob.Start(); err != nil {
		t.Fatalf("bob Start: %v", err)
	}
	t.Cleanup(func() {
		alice.Close()
		bob.Close()
	})
	return m, alice, bob
}

func waitEvent(t *testing.T, ch <-chan InvitationEvent, want store.EventType, status models.CallStatus) InvitationEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want && ev.Invitation.Status == status {
				return ev
			}
			// At-least-once delivery: skip duplicates and intermediate
			// updates.
		case <-deadline:
			t.Fatalf("timed out waiting for %s event with status %s", want, status)
		}
	}
}

func invitationStatus(t *testing.T, m *store.Memory, id string) models.CallStatus {
	t.Helper()
	recs, err := m.Select(context.Background(), "call_invitations", store.Filter{"id": id})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records for id %s", len(recs), id)
	}
	var inv models.CallInvitation
	if err := store.Decode(recs[0], &inv); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return inv.Status
}

func TestSendInvitationDeliversToCallee(t *testing.T) {
	_, alice, bob := newPair(t)

	inv, err := alice.SendInvitation(context.Background(), bobID, models.CallTypeVideo, testOffer())
	if err != nil {
		t.Fatalf("SendInvitation: %v", err)
	}
	if inv.ID == "" {
		t.Fatal("expected generated invitation id")
	}
	if inv.Status != models.CallStatusPending {
		t.Fatalf("status = %s, want pending", inv.Status)
	}

	ev := waitEvent(t, bob.Events(), store.EventInsert, models.CallStatusPending)
	if ev.Invitation.ID != inv.ID {
		t.Fatalf("event invitation id = %s, want %s", ev.Invitation.ID, inv.ID)
	}
	if ev.Invitation.FromUserID != aliceID || ev.Invitation.ToUserID != bobID {
		t.Fatalf("parties = %s -> %s", ev.Invitation.FromUserID, ev.Invitation.ToUserID)
	}
	if ev.Invitation.Offer == nil || ev.Invitation.Offer.SDP != testOffer().SDP {
		t.Fatal("offer not carried through the store")
	}
}

func TestAcceptInvitationStoresAnswerAndNotifiesCaller(t *testing.T) {
	_, alice, bob := newPair(t)
	ctx := context.Background()

	inv, err := alice.SendInvitation(ctx, bobID, models.CallTypeAudio, testOffer())
	if err != nil {
		t.Fatalf("SendInvitation: %v", err)
	}
	waitEvent(t, bob.Events(), store.EventInsert, models.CallStatusPending)

	if err := bob.AcceptInvitation(ctx, inv.ID, testAnswer()); err != nil {
		t.Fatalf("AcceptInvitation: %v", err)
	}

	ev := waitEvent(t, alice.Events(), store.EventUpdate, models.CallStatusAccepted)
	if ev.Invitation.Answer == nil || ev.Invitation.Answer.SDP != testAnswer().SDP {
		t.Fatal("answer not delivered to caller")
	}
	// The offer is immutable through the accept transition.
	if ev.Invitation.Offer == nil || ev.Invitation.Offer.SDP != testOffer().SDP {
		t.Fatal("offer changed during accept")
	}
}

func TestAcceptAfterResolveLosesRace(t *testing.T) {
	_, alice, bob := newPair(t)
	ctx := context.Background()

	inv, err := alice.SendInvitation(ctx, bobID, models.CallTypeVideo, testOffer())
	if err != nil {
		t.Fatalf("SendInvitation: %v", err)
	}

	// Caller cancels before the callee answers.
	if err := alice.EndInvitation(ctx, inv.ID); err != nil {
		t.Fatalf("EndInvitation: %v", err)
	}

	if err := bob.AcceptInvitation(ctx, inv.ID, testAnswer()); !errors.Is(err, ErrNotPending) {
		t.Fatalf("AcceptInvitation after end = %v, want ErrNotPending", err)
	}
	if err := bob.RejectInvitation(ctx, inv.ID); !errors.Is(err, ErrNotPending) {
		t.Fatalf("RejectInvitation after end = %v, want ErrNotPending", err)
	}
}

func TestEndInvitationTransitions(t *testing.T) {
	m, alice, bob := newPair(t)
	ctx := context.Background()

	inv, err := alice.SendInvitation(ctx, bobID, models.CallTypeVideo, testOffer())
	if err != nil {
		t.Fatalf("SendInvitation: %v", err)
	}
	if err := bob.AcceptInvitation(ctx, inv.ID, testAnswer()); err != nil {
		t.Fatalf("AcceptInvitation: %v", err)
	}

	if err := bob.EndInvitation(ctx, inv.ID); err != nil {
		t.Fatalf("EndInvitation from accepted: %v", err)
	}
	if got := invitationStatus(t, m, inv.ID); got != models.CallStatusEnded {
		t.Fatalf("status = %s, want ended", got)
	}

	// Ending again is a no-op on an already terminal invitation.
	if err := alice.EndInvitation(ctx, inv.ID); !errors.Is(err, ErrResolved) {
		t.Fatalf("second EndInvitation = %v, want ErrResolved", err)
	}
	if got := invitationStatus(t, m, inv.ID); got != models.CallStatusEnded {
		t.Fatalf("terminal status changed to %s", got)
	}
}

func TestInvitationTimesOutToRejected(t *testing.T) {
	m, alice, _ := newPair(t, WithInviteTimeout(30*time.Millisecond))

	inv, err := alice.SendInvitation(context.Background(), bobID, models.CallTypeVideo, testOffer())
	if err != nil {
		t.Fatalf("SendInvitation: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if invitationStatus(t, m, inv.ID) == models.CallStatusRejected {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("invitation never timed out, status = %s", invitationStatus(t, m, inv.ID))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAcceptBeatsTimeout(t *testing.T) {
	m, alice, bob := newPair(t, WithInviteTimeout(100*time.Millisecond))
	ctx := context.Background()

	inv, err := alice.SendInvitation(ctx, bobID, models.CallTypeVideo, testOffer())
	if err != nil {
		t.Fatalf("SendInvitation: %v", err)
	}
	if err := bob.AcceptInvitation(ctx, inv.ID, testAnswer()); err != nil {
		t.Fatalf("AcceptInvitation: %v", err)
	}

	// Wait past the timeout; the accepted status must hold because the
	// timer's conditional reject no longer matches.
	time.Sleep(250 * time.Millisecond)
	if got := invitationStatus(t, m, inv.ID); got != models.CallStatusAccepted {
		t.Fatalf("status = %s, want accepted after timeout passed", got)
	}
}

func TestAppendIceCandidateCarriesSender(t *testing.T) {
	_, alice, bob := newPair(t)
	ctx := context.Background()

	inv, err := alice.SendInvitation(ctx, bobID, models.CallTypeVideo, testOffer())
	if err != nil {
		t.Fatalf("SendInvitation: %v", err)
	}

	if err := alice.AppendIceCandidate(ctx, inv.ID, webrtc.ICECandidateInit{Candidate: "candidate:a"}); err != nil {
		t.Fatalf("alice AppendIceCandidate: %v", err)
	}
	if err := bob.AppendIceCandidate(ctx, inv.ID, webrtc.ICECandidateInit{Candidate: "candidate:b"}); err != nil {
		t.Fatalf("bob AppendIceCandidate: %v", err)
	}

	// The second append is visible to the caller as an update carrying
	// the full array.
	deadline := time.After(2 * time.Second)
	for {
		var ev InvitationEvent
		select {
		case ev = <-alice.Events():
		case <-deadline:
			t.Fatal("timed out waiting for candidate updates")
		}
		if len(ev.Invitation.IceCandidates) < 2 {
			continue
		}
		got := ev.Invitation.IceCandidates
		if got[0].SenderID != aliceID || got[0].Candidate.Candidate != "candidate:a" {
			t.Fatalf("first entry = %+v", got[0])
		}
		if got[1].SenderID != bobID || got[1].Candidate.Candidate != "candidate:b" {
			t.Fatalf("second entry = %+v", got[1])
		}
		return
	}
}

func TestListOnlineUsersExcludesSelf(t *testing.T) {
	m, alice, _ := newPair(t)
	ctx := context.Background()

	for _, u := range []models.User{
		{ID: aliceID, Username: "alice", IsOnline: true},
		{ID: bobID, Username: "bob", IsOnline: true},
		{ID: "33333333-3333-3333-3333-333333333333", Username: "carol", IsOnline: false},
	} {
		rec, err := store.Encode(&u)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if _, err := m.Insert(ctx, "users", rec); err != nil {
			t.Fatalf("Insert user: %v", err)
		}
	}

	users, err := alice.ListOnlineUsers(ctx)
	if err != nil {
		t.Fatalf("ListOnlineUsers: %v", err)
	}
	if len(users) != 1 || users[0].Username != "bob" {
		t.Fatalf("users = %+v, want only bob", users)
	}
}

func TestEventsForUninvolvedUsersAreDropped(t *testing.T) {
	m, _, bob := newPair(t)
	ctx := context.Background()

	carol := New(m, "33333333-3333-3333-3333-333333333333")
	if err := carol.Start(); err != nil {
		t.Fatalf("carol Start: %v", err)
	}
	defer carol.Close()

	if _, err := bob.SendInvitation(ctx, aliceID, models.CallTypeAudio, testOffer()); err != nil {
		t.Fatalf("SendInvitation: %v", err)
	}

	select {
	case ev := <-carol.Events():
		t.Fatalf("carol received event for a call she is not part of: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
