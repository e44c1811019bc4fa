package models

import "time"

// RiskProfile is a derived cache of a user's recent claim risk, recomputed by
// a background worker. Advisory only: admission never reads it.
type RiskProfile struct {
	ID           string    `gorm:"primaryKey;type:uuid" json:"id"`
	UserID       string    `gorm:"uniqueIndex;not null" json:"user_id"`
	WindowDays   int       `gorm:"not null;default:7" json:"window_days"`
	ClaimCount   int64     `gorm:"not null;default:0" json:"claim_count"`
	FlaggedCount int64     `gorm:"not null;default:0" json:"flagged_count"`
	AvgRiskScore float64   `gorm:"not null;default:0" json:"avg_risk_score"`
	MaxRiskScore int       `gorm:"not null;default:0" json:"max_risk_score"`
	ComputedAt   time.Time `json:"computed_at"`
}
