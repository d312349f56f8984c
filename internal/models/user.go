package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is a registered account. IsOnline mirrors whether the user
// currently holds a live event-feed connection; the relay maintains it
// on connect and disconnect.
type User struct {
	ID         string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Username   string    `gorm:"type:varchar(100);uniqueIndex;not null" json:"username"`
	IsOnline   bool      `gorm:"not null;default:false;index" json:"is_online"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}
