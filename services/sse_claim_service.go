package services

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"geo-prize-system/models"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// StreamUserClaimsSSE streams claim status changes for the authenticated
// user — most usefully the moment a flagged claim gets resolved by review.
func (s *ClaimService) StreamUserClaimsSSE(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	// SSE headers
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	db := s.DB

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		var lastMaxUpdatedAt time.Time

		// Initialize cursor
		var latest models.Claim
		if err := db.
			Where("user_id = ?", userID).
			Order("updated_at DESC").
			First(&latest).Error; err == nil {
			lastMaxUpdatedAt = latest.UpdatedAt
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("SSE init error for user %s: %v", userID, err)
		}

		// Initial keepalive (comment event)
		w.WriteString(":\n\n")
		w.Flush()

		for {
			select {
			case <-ticker.C:
				var changed []models.Claim

				err := db.
					Where("user_id = ?", userID).
					Where("updated_at > ?", lastMaxUpdatedAt).
					Order("updated_at ASC").
					Find(&changed).Error

				if err != nil {
					log.Printf("SSE query error for user %s: %v", userID, err)
					continue
				}

				if len(changed) == 0 {
					continue
				}

				lastMaxUpdatedAt = changed[len(changed)-1].UpdatedAt

				for _, cl := range changed {
					payload, _ := json.Marshal(cl)

					fmt.Fprintf(w,
						"event: claim\ndata: %s\n\n",
						payload,
					)
				}

				// This is the REAL "flush"
				if err := w.Flush(); err != nil {
					// Client disconnected
					return
				}

			case <-c.Context().Done():
				// Client closed connection
				return
			}
		}
	})

	return nil
}
