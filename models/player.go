package models

import (
	"time"

	"gorm.io/gorm"
)

type PlayerStatus string

const (
	PlayerStatusActive   PlayerStatus = "active"
	PlayerStatusInactive PlayerStatus = "inactive"
	PlayerStatusBanned   PlayerStatus = "banned"
)

// Player is a local snapshot of user data needed for the capture game.
// Owned and managed solely by the Prize service.
// Populated via sync worker from Profile Service's user table; the points
// ledger (TotalPoints/Level) is owned here, not synced.
type Player struct {
	ID             string       `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID string       `gorm:"uniqueIndex;not null" json:"external_user_id"` // The profile service's UUID
	Username       string       `gorm:"index;not null" json:"username"`
	Email          string       `json:"email,omitempty"`
	Status         PlayerStatus `gorm:"not null;default:'active';index" json:"status"`

	TotalPoints   int64      `gorm:"default:0" json:"total_points"`
	Level         int        `gorm:"default:1" json:"level"`
	LastLevelUpAt *time.Time `json:"last_level_up_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
