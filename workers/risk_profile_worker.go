// workers/risk_profile_worker.go
package workers

import (
	"context"
	"log"
	"time"

	"geo-prize-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RiskProfileWindowDays is how far back the rolling aggregates look.
const RiskProfileWindowDays = 7

// RiskProfileWorker recomputes the cached per-user risk aggregates from
// recent claims. The cache is advisory — admission never reads it — so the
// worker can lag without correctness impact.
type RiskProfileWorker struct {
	DB *gorm.DB
}

func NewRiskProfileWorker(db *gorm.DB) *RiskProfileWorker {
	return &RiskProfileWorker{DB: db}
}

// PollRiskProfiles recomputes profiles for users with claims inside the
// window, on a fixed interval, until ctx is cancelled.
func PollRiskProfiles(ctx context.Context, w *RiskProfileWorker, pollInterval time.Duration) {
	log.Println("Starting risk profile polling...")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Risk profile polling stopped.")
			return
		case <-ticker.C:
			if err := w.RecomputeAll(ctx); err != nil {
				log.Printf("❌ Error recomputing risk profiles: %v", err)
			}
		}
	}
}

type riskAggregateRow struct {
	UserID       string
	ClaimCount   int64
	FlaggedCount int64
	AvgRiskScore float64
	MaxRiskScore int
}

// RecomputeAll aggregates claims inside the window per user and upserts the
// risk_profiles rows in one pass.
func (w *RiskProfileWorker) RecomputeAll(ctx context.Context) error {
	since := time.Now().AddDate(0, 0, -RiskProfileWindowDays)

	var rows []riskAggregateRow
	err := w.DB.WithContext(ctx).Model(&models.Claim{}).
		Select(`user_id,
			COUNT(*) AS claim_count,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS flagged_count,
			AVG(risk_score) AS avg_risk_score,
			MAX(risk_score) AS max_risk_score`, models.ClaimStatusFlagged).
		Where("claimed_at >= ?", since).
		Group("user_id").
		Scan(&rows).Error
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	now := time.Now()
	profiles := make([]models.RiskProfile, 0, len(rows))
	for _, r := range rows {
		profiles = append(profiles, models.RiskProfile{
			ID:           uuid.NewString(),
			UserID:       r.UserID,
			WindowDays:   RiskProfileWindowDays,
			ClaimCount:   r.ClaimCount,
			FlaggedCount: r.FlaggedCount,
			AvgRiskScore: r.AvgRiskScore,
			MaxRiskScore: r.MaxRiskScore,
			ComputedAt:   now,
		})
	}

	if err := w.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"window_days", "claim_count", "flagged_count",
			"avg_risk_score", "max_risk_score", "computed_at",
		}),
	}).Create(&profiles).Error; err != nil {
		return err
	}

	log.Printf("📊 Recomputed %d risk profile(s)", len(profiles))
	return nil
}
