package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

type ActionType string

const (
	ActionPrizeClaim        ActionType = "prize_claim"
	ActionPurchase          ActionType = "purchase"
	ActionAchievementUnlock ActionType = "achievement_unlock"
	ActionProfileUpdate     ActionType = "profile_update"
)

// Monetizable reports whether the action issues rewards or spends currency.
// Conflict resolution for these is always server-wins.
func (t ActionType) Monetizable() bool {
	switch t {
	case ActionPrizeClaim, ActionPurchase, ActionAchievementUnlock:
		return true
	case ActionProfileUpdate:
		return false
	}
	return true // unknown types are treated as monetizable: fail closed
}

type ActionStatus string

const (
	ActionStatusPending  ActionStatus = "pending"
	ActionStatusSyncing  ActionStatus = "syncing"
	ActionStatusSynced   ActionStatus = "synced"
	ActionStatusFailed   ActionStatus = "failed"
	ActionStatusConflict ActionStatus = "conflict"
)

// ConflictPolicy is the client's declared preference for non-monetizable
// actions. Monetizable actions ignore it.
type ConflictPolicy string

const (
	PolicyServerWins ConflictPolicy = "server_wins"
	PolicyClientWins ConflictPolicy = "client_wins"
	PolicyMerge      ConflictPolicy = "merge"
)

// ActionPayload stores as JSONB in postgres (plain JSON text elsewhere).
type ActionPayload map[string]interface{}

func (p ActionPayload) Value() (driver.Value, error) {
	if p == nil {
		p = ActionPayload{}
	}
	return json.Marshal(p)
}

func (p *ActionPayload) Scan(src interface{}) error {
	if src == nil {
		*p = ActionPayload{}
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return errors.New("action payload: unsupported scan type")
	}
}

// OfflineAction is one client-buffered action awaiting reconciliation.
// The ID is generated client-side, so resubmitting an unacknowledged batch
// collides on the primary key instead of duplicating work. Mutated only by
// the sync service.
type OfflineAction struct {
	ID         string        `gorm:"primaryKey;type:uuid" json:"id"`
	UserID     string        `gorm:"index;not null" json:"user_id"`
	ActionType ActionType    `gorm:"not null" json:"action_type"`
	Payload    ActionPayload `gorm:"type:jsonb" json:"payload"`

	ClientTimestamp time.Time  `gorm:"not null" json:"client_timestamp"`
	ServerTimestamp *time.Time `json:"server_timestamp,omitempty"`

	Attempts       int          `gorm:"not null;default:0" json:"attempts"`
	Status         ActionStatus `gorm:"not null;default:'pending';index" json:"status"`
	ResultCode     string       `json:"result_code,omitempty"`
	ConflictDetail string       `gorm:"type:text" json:"conflict_detail,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
