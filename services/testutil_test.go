package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"geo-prize-system/bus"
	"geo-prize-system/config"
	"geo-prize-system/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Reference point used across geo-dependent tests (downtown Tunis).
const (
	testLat = 36.8065
	testLng = 10.1815
)

// metersPerDegreeLat at the mean Earth radius used by the production math.
const metersPerDegreeLat = 111194.9

// north shifts a latitude by roughly m meters.
func north(lat, m float64) float64 {
	return lat + m/metersPerDegreeLat
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	// Named shared-cache DSN so the pool sees one database; capped at a
	// single connection to keep sqlite's locking out of the way.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get raw connection: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&models.Player{},
		&models.Prize{},
		&models.Claim{},
		&models.ClaimOverride{},
		&models.OfflineAction{},
		&models.RiskProfile{},
		&models.GameSettings{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func seedPlayer(t *testing.T, db *gorm.DB, externalID string) *models.Player {
	t.Helper()
	p := &models.Player{
		ID:             uuid.NewString(),
		ExternalUserID: externalID,
		Username:       "player-" + externalID,
		Status:         models.PlayerStatusActive,
		Level:          1,
	}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("failed to seed player %s: %v", externalID, err)
	}
	return p
}

func seedPrize(t *testing.T, db *gorm.DB, lat, lng float64, mods ...func(*models.Prize)) *models.Prize {
	t.Helper()
	p := &models.Prize{
		ID:                uuid.NewString(),
		Name:              "Espresso Voucher",
		Category:          "coffee",
		Rarity:            models.PrizeRarityCommon,
		Latitude:          lat,
		Longitude:         lng,
		CatchRadiusM:      5,
		PointsValue:       10,
		Status:            models.PrizeStatusActive,
		QuantityRemaining: 5,
	}
	for _, m := range mods {
		m(p)
	}
	// GORM's Create swaps a zero QuantityRemaining for the column default (1)
	// and backfills the struct with it, so remember the intended value and
	// force-write it when a test seeds an exhausted prize.
	quantity := p.QuantityRemaining
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("failed to seed prize: %v", err)
	}
	if quantity == 0 {
		if err := db.Model(p).UpdateColumn("quantity_remaining", 0).Error; err != nil {
			t.Fatalf("failed to zero prize quantity: %v", err)
		}
		p.QuantityRemaining = 0
	}
	return p
}

// testRules mirrors the production defaults but disables attestation and the
// cooldown so individual tests only see the checks they exercise.
func testRules() config.Static {
	return config.Static{
		HintRadiusM:      50,
		VisibleRadiusM:   20,
		CatchableRadiusM: 5,

		MaxSpeedKmh:           150,
		TeleportWindowSeconds: 300,
		TeleportGraceSeconds:  30,
		MinPlausibleAccuracyM: 1,
		MaxUsableAccuracyM:    100,
		MaxAttemptsPerMinute:  10,

		ClaimCooldownSeconds: 0,
		DailyClaimLimit:      50,

		RiskThreshold:     50,
		CriticalThreshold: 75,

		WeightSpeed:        30,
		WeightTeleport:     55,
		WeightAccuracy:     25,
		WeightPoorAccuracy: 10,
		WeightAttestation:  35,
		WeightRate:         20,

		RequireAttestation: false,
	}
}

func newClaimService(db *gorm.DB, rules config.Provider) (*ClaimService, *bus.MemoryBus, *MemoryLocationStore) {
	b := bus.NewMemoryBus()
	store := NewMemoryLocationStore(DefaultLocationTTL)
	scorer := NewRiskScorer(db, store, rules, nil)
	return NewClaimService(db, rules, store, scorer, b), b, store
}

// stubAttestor is a canned AttestationVerifier.
type stubAttestor struct {
	ok  bool
	err error
}

func (s stubAttestor) VerifyAttestation(_ context.Context, _, _ string) (bool, error) {
	return s.ok, s.err
}

// midday is a fixed mid-day timestamp so same-day rate-limit tests never
// straddle midnight.
var midday = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
