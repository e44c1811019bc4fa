// workers/review_export_worker.go
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"geo-prize-system/bus"
	"geo-prize-system/models"
	"geo-prize-system/utils"

	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

// ReviewExportWorker batches flagged-claim events and uploads a JSON review
// bundle to R2 for the human review queue. Purely additive: losing a bundle
// loses nothing, the claims stay FLAGGED in the database.
type ReviewExportWorker struct {
	DB       *gorm.DB
	Bus      bus.Bus
	Interval time.Duration

	mu      sync.Mutex
	pending []string // claim IDs waiting for the next bundle
}

func NewReviewExportWorker(db *gorm.DB, b bus.Bus) *ReviewExportWorker {
	return &ReviewExportWorker{
		DB:       db,
		Bus:      b,
		Interval: 5 * time.Minute,
	}
}

// Start subscribes to flagged-claim events and flushes bundles on a timer
// until ctx is cancelled.
func (w *ReviewExportWorker) Start(ctx context.Context) {
	if !utils.R2Ready() {
		log.Println("⚠️ R2 not configured — flagged-claim review export disabled")
		return
	}

	unsubscribe := w.Bus.Subscribe(bus.TopicClaimFlagged, func(ev bus.Event) {
		claimID, _ := ev.Payload["claim_id"].(string)
		if claimID == "" {
			return
		}
		w.mu.Lock()
		w.pending = append(w.pending, claimID)
		w.mu.Unlock()
	})

	go func() {
		defer unsubscribe()
		log.Println("📦 Starting flagged-claim review export worker...")

		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Println("Review export worker stopped.")
				return
			case <-ticker.C:
				if err := w.flush(ctx); err != nil {
					log.Printf("❌ Review bundle export failed: %v", err)
				}
			}
		}
	}()
}

type reviewBundle struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Claims      []bundledClaim `json:"claims"`
}

type bundledClaim struct {
	Claim models.Claim  `json:"claim"`
	Prize *models.Prize `json:"prize,omitempty"`
}

// flush drains the pending IDs and uploads one bundle. IDs are put back on
// failure so the next tick retries the same window.
func (w *ReviewExportWorker) flush(ctx context.Context) error {
	w.mu.Lock()
	ids := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	restore := func() {
		w.mu.Lock()
		w.pending = append(ids, w.pending...)
		w.mu.Unlock()
	}

	var claims []models.Claim
	if err := w.DB.WithContext(ctx).Where("id IN ? AND status = ?", ids, models.ClaimStatusFlagged).Find(&claims).Error; err != nil {
		restore()
		return err
	}
	if len(claims) == 0 {
		// Everything already resolved by review; nothing to export.
		return nil
	}

	bundle := reviewBundle{GeneratedAt: time.Now().UTC()}
	for _, cl := range claims {
		bc := bundledClaim{Claim: cl}
		var prize models.Prize
		if err := w.DB.WithContext(ctx).First(&prize, "id = ?", cl.PrizeID).Error; err == nil {
			bc.Prize = &prize
		}
		bundle.Claims = append(bundle.Claims, bc)
	}

	body, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		restore()
		return err
	}

	key := fmt.Sprintf("review-bundles/%s/%s.json",
		bundle.GeneratedAt.Format("2006-01-02"),
		slug.Make(fmt.Sprintf("flagged-%s-%d", bundle.GeneratedAt.Format("150405"), len(bundle.Claims))),
	)
	if err := utils.UploadJSONToR2(ctx, key, body); err != nil {
		restore()
		return err
	}

	log.Printf("📦 Exported %d flagged claim(s) to %s", len(bundle.Claims), key)
	return nil
}
