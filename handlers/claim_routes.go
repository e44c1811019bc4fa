// handlers/claim_routes.go
package handlers

import (
	"geo-prize-system/bus"
	"geo-prize-system/middleware"
	"geo-prize-system/models"
	"geo-prize-system/services"

	"github.com/gofiber/fiber/v2"
)

type captureRequest struct {
	PrizeID  string `json:"prize_id" validate:"required,uuid"`
	Location struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Accuracy  float64 `json:"accuracy"`
		SpeedKmh  float64 `json:"speed_kmh"`
	} `json:"location"`
	DeviceInfo     models.DeviceInfo `json:"device_info"`
	IdempotencyKey string            `json:"idempotency_key"`
}

func (r *captureRequest) toAdmission(userID string) services.AdmissionRequest {
	return services.AdmissionRequest{
		UserID:         userID,
		PrizeID:        r.PrizeID,
		Latitude:       r.Location.Latitude,
		Longitude:      r.Location.Longitude,
		AccuracyM:      r.Location.Accuracy,
		SpeedKmh:       r.Location.SpeedKmh,
		Device:         r.DeviceInfo,
		IdempotencyKey: r.IdempotencyKey,
	}
}

func SetupClaimRoutes(app *fiber.App, claimService *services.ClaimService, authClient *services.AuthServiceClient, eventBus bus.Bus) {
	securedGroup := app.Group("/", middleware.UserContextMiddleware())

	securedGroup.Post("/claims", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		var req captureRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "cause": err.Error()})
		}
		if req.PrizeID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "prize_id is required"})
		}

		result, err := claimService.Admit(c.Context(), req.toAdmission(userID))
		if err != nil {
			return renderAdmissionError(c, err)
		}

		switch result.Claim.Status {
		case models.ClaimStatusFlagged:
			return c.JSON(fiber.Map{
				"status":         "flagged",
				"pending_review": true,
				"claim":          result.Claim,
				"duplicate":      result.Duplicate,
			})
		case models.ClaimStatusRejected:
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"status":    "rejected",
				"reason":    result.Claim.RejectReason,
				"claim":     result.Claim,
				"duplicate": result.Duplicate,
			})
		default:
			return c.JSON(fiber.Map{
				"status":         "approved",
				"claim":          result.Claim,
				"points_awarded": result.PointsAwarded,
				"new_level":      result.NewLevel,
				"leveled_up":     result.LeveledUp,
				"animation":      result.Animation,
				"duplicate":      result.Duplicate,
			})
		}
	})

	// Dry run for client UX gating (enabling the capture button). Never
	// writes a claim.
	securedGroup.Post("/claims/prevalidate", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		var req captureRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "cause": err.Error()})
		}

		result, err := claimService.Prevalidate(c.Context(), req.toAdmission(userID))
		if err != nil {
			if ae, ok := services.AsAdmissionError(err); ok {
				return c.JSON(fiber.Map{
					"would_approve": false,
					"code":          ae.Code,
					"message":       ae.Message,
					"meta":          ae.Meta,
				})
			}
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "prevalidation failed", "cause": err.Error()})
		}

		return c.JSON(fiber.Map{
			"would_approve": result.Claim.Status == models.ClaimStatusApproved,
			"status":        result.Claim.Status,
			"distance_m":    result.Claim.DistanceM,
			"risk_score":    result.Claim.RiskScore,
			"risk_signals":  result.Claim.RiskSignals,
		})
	})

	// Live stream of the user's claim status changes (review resolutions).
	// EventSource can't set headers, so this authenticates via query params.
	app.Get("/claims/stream", middleware.SSEAuthMiddleware(authClient), claimService.StreamUserClaimsSSE)

	// Admin endpoints
	adminGroup := app.Group("/s/admin", middleware.UserContextMiddleware(), middleware.RequireRole("admin"))

	adminGroup.Post("/claims/:id/override", func(c *fiber.Ctx) error {
		actorID := c.Locals("user_id").(string)
		claimID := c.Params("id")

		var req struct {
			Decision models.OverrideDecision `json:"decision" validate:"required,oneof=approved rejected"`
			Notes    string                  `json:"notes" validate:"max=1000"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "cause": err.Error()})
		}

		claim, err := claimService.Override(c.Context(), claimID, req.Decision, actorID, req.Notes)
		if err != nil {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error": "override failed",
				"cause": err.Error(),
			})
		}

		return c.JSON(fiber.Map{
			"message": "claim resolved",
			"claim":   claim,
		})
	})

	adminGroup.Post("/config/reload", func(c *fiber.Ctx) error {
		if err := eventBus.Publish(c.Context(), bus.Event{Topic: bus.TopicConfigUpdated}); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "failed to broadcast config reload",
				"cause": err.Error(),
			})
		}
		return c.JSON(fiber.Map{"message": "config reload broadcast"})
	})
}

func renderAdmissionError(c *fiber.Ctx, err error) error {
	if ae, ok := services.AsAdmissionError(err); ok {
		return c.Status(ae.HTTPStatus()).JSON(fiber.Map{
			"status": "rejected",
			"code":   ae.Code,
			"error":  ae.Message,
			"meta":   ae.Meta,
		})
	}
	// Transient: safe to retry with the same idempotency key.
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error":     "temporary failure, retry with the same idempotency key",
		"cause":     err.Error(),
		"retriable": true,
	})
}
