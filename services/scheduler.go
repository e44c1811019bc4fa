// services/scheduler.go
package services

import (
	"log"
	"time"

	"geo-prize-system/models"

	"github.com/go-co-op/gocron/v2"
	"gorm.io/gorm"
)

// StartMaintenanceScheduler runs the periodic catalog and queue upkeep:
// expiring prizes whose window has passed and pruning long-settled offline
// actions. Returns the scheduler so main can Shutdown it.
func StartMaintenanceScheduler(db *gorm.DB) gocron.Scheduler {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	// Every minute: expire prizes past their window
	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			res := db.Model(&models.Prize{}).
				Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", models.PrizeStatusActive, time.Now()).
				Update("status", models.PrizeStatusExpired)
			if res.Error != nil {
				log.Printf("[Scheduler] prize expiry sweep failed: %v", res.Error)
				return
			}
			if res.RowsAffected > 0 {
				log.Printf("✅ Expired %d prize(s)", res.RowsAffected)
			}
		}),
	)

	// Hourly: prune offline actions settled more than 30 days ago
	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Hour),
		gocron.NewTask(func() {
			cutoff := time.Now().AddDate(0, 0, -30)
			res := db.Where("status IN ? AND updated_at < ?",
				[]models.ActionStatus{models.ActionStatusSynced, models.ActionStatusConflict}, cutoff).
				Delete(&models.OfflineAction{})
			if res.Error != nil {
				log.Printf("[Scheduler] offline action prune failed: %v", res.Error)
				return
			}
			if res.RowsAffected > 0 {
				log.Printf("✅ Pruned %d settled offline action(s)", res.RowsAffected)
			}
		}),
	)

	return sched
}
