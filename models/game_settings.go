package models

import "time"

// GameSettings is the single DB row of hot tunables. Written by the admin
// service (out of scope here); this service only reads it and re-reads on
// config.updated bus events.
type GameSettings struct {
	ID int `gorm:"primaryKey" json:"id"` // always 1

	HintRadiusM      float64 `gorm:"default:50" json:"hint_radius_m"`
	VisibleRadiusM   float64 `gorm:"default:20" json:"visible_radius_m"`
	CatchableRadiusM float64 `gorm:"default:5" json:"catchable_radius_m"`

	MaxSpeedKmh           float64 `gorm:"default:150" json:"max_speed_kmh"`
	TeleportWindowSeconds int     `gorm:"default:300" json:"teleport_window_seconds"`
	TeleportGraceSeconds  int     `gorm:"default:30" json:"teleport_grace_seconds"`
	MinPlausibleAccuracyM float64 `gorm:"default:1" json:"min_plausible_accuracy_m"`
	MaxUsableAccuracyM    float64 `gorm:"default:100" json:"max_usable_accuracy_m"`
	MaxAttemptsPerMinute  int     `gorm:"default:10" json:"max_attempts_per_minute"`

	ClaimCooldownSeconds int `gorm:"default:30" json:"claim_cooldown_seconds"`
	DailyClaimLimit      int `gorm:"default:50" json:"daily_claim_limit"`

	RiskThreshold     int `gorm:"default:50" json:"risk_threshold"`
	CriticalThreshold int `gorm:"default:75" json:"critical_threshold"`

	WeightSpeed       int `gorm:"default:30" json:"weight_speed"`
	WeightTeleport    int `gorm:"default:55" json:"weight_teleport"`
	WeightAccuracy    int `gorm:"default:25" json:"weight_accuracy"`
	WeightPoorAccuracy int `gorm:"default:10" json:"weight_poor_accuracy"`
	WeightAttestation int `gorm:"default:35" json:"weight_attestation"`
	WeightRate        int `gorm:"default:20" json:"weight_rate"`

	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
