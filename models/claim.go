package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// ClaimStatus is the admission state of a capture attempt
type ClaimStatus string

const (
	ClaimStatusPending  ClaimStatus = "pending"
	ClaimStatusApproved ClaimStatus = "approved"
	ClaimStatusRejected ClaimStatus = "rejected"
	ClaimStatusFlagged  ClaimStatus = "flagged"
)

// SignalCode is the fixed set of anti-cheat signals. Adding a code here means
// updating every switch that renders or weighs signals.
type SignalCode string

const (
	SignalSpeedExceeded      SignalCode = "speed_exceeded"
	SignalTeleport           SignalCode = "teleport"
	SignalAccuracyTooPrecise SignalCode = "accuracy_too_precise"
	SignalAccuracyTooPoor    SignalCode = "accuracy_too_poor"
	SignalAttestationMissing SignalCode = "attestation_missing"
	SignalAttestationBad     SignalCode = "attestation_mismatch"
	SignalRateExceeded       SignalCode = "rate_exceeded"
)

// RiskSignal is one raised anti-cheat signal with the weight it contributed
// and the measured value that raised it, so reviewers see *why*.
type RiskSignal struct {
	Code   SignalCode `json:"code"`
	Weight int        `json:"weight"`
	Detail string     `json:"detail"`
}

// RiskSignals stores as JSONB in postgres (plain JSON text elsewhere).
type RiskSignals []RiskSignal

func (s RiskSignals) Value() (driver.Value, error) {
	if s == nil {
		s = RiskSignals{}
	}
	return json.Marshal(s)
}

func (s *RiskSignals) Scan(src interface{}) error {
	if src == nil {
		*s = RiskSignals{}
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return errors.New("risk signals: unsupported scan type")
	}
}

// Claim records every capture attempt, successful or not. Created at most once
// per (user, prize); immutable once approved/rejected except through a
// ClaimOverride row.
type Claim struct {
	ID      string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID  string `gorm:"index;not null;uniqueIndex:idx_claims_user_prize" json:"user_id"`
	PrizeID string `gorm:"not null;uniqueIndex:idx_claims_user_prize" json:"prize_id"`

	Latitude  float64 `gorm:"not null" json:"latitude"`
	Longitude float64 `gorm:"not null" json:"longitude"`
	AccuracyM float64 `json:"accuracy_m"`
	DistanceM float64 `gorm:"not null" json:"distance_m"`

	RiskScore   int         `gorm:"not null;default:0" json:"risk_score"`
	RiskSignals RiskSignals `gorm:"type:jsonb" json:"risk_signals"`

	Status        ClaimStatus `gorm:"not null;default:'pending';index" json:"status"`
	RejectReason  string      `json:"reject_reason,omitempty"`
	PointsAwarded int64       `gorm:"default:0" json:"points_awarded"`

	// Client-supplied token; the unique index is the sole defence against
	// double-crediting on retry.
	IdempotencyKey string `gorm:"uniqueIndex;not null" json:"idempotency_key"`

	ClaimedAt time.Time `json:"claimed_at" gorm:"autoCreateTime;index"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// OverrideDecision is the terminal state an admin assigns to a flagged claim
type OverrideDecision string

const (
	OverrideApprove OverrideDecision = "approved"
	OverrideReject  OverrideDecision = "rejected"
)

// ClaimOverride is the append-only record of an admin resolving a FLAGGED
// claim. The original claim keeps its risk data; only its status moves.
type ClaimOverride struct {
	ID        string           `gorm:"primaryKey;type:uuid" json:"id"`
	ClaimID   string           `gorm:"index;not null" json:"claim_id"`
	Decision  OverrideDecision `gorm:"not null" json:"decision"`
	ActorID   string           `gorm:"not null" json:"actor_id"`
	Notes     string           `gorm:"type:text" json:"notes"`
	CreatedAt time.Time        `json:"created_at" gorm:"autoCreateTime"`
}
