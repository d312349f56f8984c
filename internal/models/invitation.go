package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"gorm.io/gorm"
)

// CallType distinguishes audio-only calls from calls with video.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// CallStatus is the lifecycle state of a call invitation.
// Keep values stable because they are stored and sent over the feed.
type CallStatus string

const (
	CallStatusPending  CallStatus = "pending"
	CallStatusAccepted CallStatus = "accepted"
	CallStatusRejected CallStatus = "rejected"
	CallStatusEnded    CallStatus = "ended"
)

// Terminal reports whether no further status transition is allowed.
func (s CallStatus) Terminal() bool {
	return s == CallStatusRejected || s == CallStatusEnded
}

// IceCandidate is one connectivity option gathered by a peer during
// negotiation. Both peers append into the same shared array on the
// invitation, so every entry carries the sender's user id and readers
// skip the entries they wrote themselves.
type IceCandidate struct {
	SenderID  string                  `json:"sender_id"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// CallInvitation is the single shared record coordinating one call
// attempt between two users. The caller creates it with the offer,
// the callee resolves it with an answer or a rejection, and either
// side may mark it ended.
type CallInvitation struct {
	ID            string                     `gorm:"type:varchar(36);primaryKey" json:"id"`
	FromUserID    string                     `gorm:"type:varchar(36);not null;index" json:"from_user_id"`
	ToUserID      string                     `gorm:"type:varchar(36);not null;index" json:"to_user_id"`
	CallType      CallType                   `gorm:"type:varchar(10);not null" json:"call_type"`
	Status        CallStatus                 `gorm:"type:varchar(10);not null;index" json:"status"`
	Offer         *webrtc.SessionDescription `gorm:"serializer:json;type:text" json:"offer,omitempty"`
	Answer        *webrtc.SessionDescription `gorm:"serializer:json;type:text" json:"answer,omitempty"`
	IceCandidates []IceCandidate             `gorm:"serializer:json;type:text" json:"ice_candidates"`
	CreatedAt     time.Time                  `json:"created_at"`
}

func (CallInvitation) TableName() string {
	return "call_invitations"
}

func (i *CallInvitation) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	return nil
}

// Involves reports whether userID is one of the two call parties.
func (i *CallInvitation) Involves(userID string) bool {
	return i.FromUserID == userID || i.ToUserID == userID
}
