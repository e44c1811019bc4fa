package models

import (
	"time"

	"gorm.io/gorm"
)

type PrizeRarity string

const (
	PrizeRarityCommon    PrizeRarity = "common"
	PrizeRarityUncommon  PrizeRarity = "uncommon"
	PrizeRarityRare      PrizeRarity = "rare"
	PrizeRarityEpic      PrizeRarity = "epic"
	PrizeRarityLegendary PrizeRarity = "legendary"
)

// PrizeStatus indicates whether a prize can currently be captured
type PrizeStatus string

const (
	PrizeStatusActive   PrizeStatus = "active"
	PrizeStatusPaused   PrizeStatus = "paused"
	PrizeStatusExpired  PrizeStatus = "expired"
	PrizeStatusDepleted PrizeStatus = "depleted"
)

// Prize is a virtual prize anchored to real-world GPS coordinates.
// Rows are owned by the catalog/partner service; this service reads them for
// proximity and admission, and only flips status (expired/depleted) and
// decrements quantity on approved captures.
type Prize struct {
	ID       string      `gorm:"primaryKey;type:uuid" json:"id"`
	Name     string      `gorm:"not null" json:"name"`
	Category string      `gorm:"index" json:"category"` // e.g., "coffee", "voucher", "collectible"
	Rarity   PrizeRarity `gorm:"not null;default:'common'" json:"rarity"`

	Latitude     float64 `gorm:"not null;index" json:"latitude"`
	Longitude    float64 `gorm:"not null;index" json:"longitude"`
	CatchRadiusM float64 `gorm:"not null;default:5" json:"catch_radius_m"`

	PointsValue       int64       `gorm:"not null;default:10" json:"points_value"`
	Status            PrizeStatus `gorm:"not null;default:'active';index" json:"status"`
	QuantityRemaining int         `gorm:"not null;default:1" json:"quantity_remaining"`
	ExpiresAt         *time.Time  `json:"expires_at,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Capturable reports whether the prize can be claimed at time now.
func (p *Prize) Capturable(now time.Time) bool {
	if p.Status != PrizeStatusActive {
		return false
	}
	if p.QuantityRemaining <= 0 {
		return false
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return false
	}
	return true
}
