package workers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"geo-prize-system/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newWorkerDB(t *testing.T) *gorm.DB {
	t.Helper()
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

	if err := db.AutoMigrate(&models.Claim{}, &models.RiskProfile{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func seedClaim(t *testing.T, db *gorm.DB, userID string, status models.ClaimStatus, score int, at time.Time) {
	t.Helper()
	c := models.Claim{
		ID:             uuid.NewString(),
		UserID:         userID,
		PrizeID:        uuid.NewString(),
		IdempotencyKey: uuid.NewString(),
		Status:         status,
		RiskScore:      score,
		ClaimedAt:      at,
	}
	if err := db.Create(&c).Error; err != nil {
		t.Fatalf("failed to seed claim: %v", err)
	}
}

func TestRecomputeAllAggregatesWindow(t *testing.T) {
	db := newWorkerDB(t)
	w := NewRiskProfileWorker(db)
	now := time.Now()

	seedClaim(t, db, "u1", models.ClaimStatusApproved, 10, now.Add(-time.Hour))
	seedClaim(t, db, "u1", models.ClaimStatusFlagged, 60, now.Add(-2*time.Hour))
	seedClaim(t, db, "u1", models.ClaimStatusRejected, 90, now.Add(-3*time.Hour))
	// Outside the rolling window: must not count.
	seedClaim(t, db, "u1", models.ClaimStatusFlagged, 100, now.AddDate(0, 0, -RiskProfileWindowDays-1))
	seedClaim(t, db, "u2", models.ClaimStatusApproved, 0, now.Add(-time.Minute))

	if err := w.RecomputeAll(context.Background()); err != nil {
		t.Fatalf("RecomputeAll failed: %v", err)
	}

	var p1 models.RiskProfile
	if err := db.First(&p1, "user_id = ?", "u1").Error; err != nil {
		t.Fatalf("profile for u1 missing: %v", err)
	}
	if p1.ClaimCount != 3 || p1.FlaggedCount != 1 || p1.MaxRiskScore != 90 {
		t.Errorf("u1 profile = %+v, want 3 claims / 1 flagged / max 90", p1)
	}
	wantAvg := (10.0 + 60.0 + 90.0) / 3
	if p1.AvgRiskScore < wantAvg-0.01 || p1.AvgRiskScore > wantAvg+0.01 {
		t.Errorf("u1 avg = %v, want %v", p1.AvgRiskScore, wantAvg)
	}

	var p2 models.RiskProfile
	if err := db.First(&p2, "user_id = ?", "u2").Error; err != nil {
		t.Fatalf("profile for u2 missing: %v", err)
	}
	if p2.ClaimCount != 1 || p2.FlaggedCount != 0 {
		t.Errorf("u2 profile = %+v", p2)
	}
}

func TestRecomputeAllUpsertsInPlace(t *testing.T) {
	db := newWorkerDB(t)
	w := NewRiskProfileWorker(db)
	ctx := context.Background()
	now := time.Now()

	seedClaim(t, db, "u1", models.ClaimStatusApproved, 5, now.Add(-time.Hour))
	if err := w.RecomputeAll(ctx); err != nil {
		t.Fatalf("first recompute failed: %v", err)
	}

	seedClaim(t, db, "u1", models.ClaimStatusFlagged, 65, now.Add(-time.Minute))
	if err := w.RecomputeAll(ctx); err != nil {
		t.Fatalf("second recompute failed: %v", err)
	}

	var n int64
	db.Model(&models.RiskProfile{}).Where("user_id = ?", "u1").Count(&n)
	if n != 1 {
		t.Fatalf("%d profile rows for u1, want 1", n)
	}
	var p models.RiskProfile
	db.First(&p, "user_id = ?", "u1")
	if p.ClaimCount != 2 || p.FlaggedCount != 1 || p.MaxRiskScore != 65 {
		t.Errorf("profile after upsert = %+v", p)
	}
}

func TestRecomputeAllNoClaimsIsNoop(t *testing.T) {
	db := newWorkerDB(t)
	w := NewRiskProfileWorker(db)
	if err := w.RecomputeAll(context.Background()); err != nil {
		t.Fatalf("RecomputeAll on empty table failed: %v", err)
	}
	var n int64
	db.Model(&models.RiskProfile{}).Count(&n)
	if n != 0 {
		t.Errorf("%d profile rows created with no claims", n)
	}
}
