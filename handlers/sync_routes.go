// handlers/sync_routes.go
package handlers

import (
	"geo-prize-system/middleware"
	"geo-prize-system/models"
	"geo-prize-system/services"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

func SetupSyncRoutes(app *fiber.App, syncService *services.SyncService) {
	securedGroup := app.Group("/", middleware.UserContextMiddleware())

	securedGroup.Post("/sync/actions", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		var req struct {
			Actions            []services.IncomingAction `json:"actions"`
			ConflictResolution models.ConflictPolicy     `json:"conflict_resolution"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "cause": err.Error()})
		}
		if len(req.Actions) == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "actions must not be empty"})
		}
		if len(req.Actions) > 100 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "at most 100 actions per batch"})
		}

		results, err := syncService.SyncBatch(c.Context(), userID, req.Actions, req.ConflictResolution)
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "sync failed",
				"cause": err.Error(),
			})
		}

		return c.JSON(fiber.Map{"results": results})
	})

	securedGroup.Get("/sync/status", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		status, err := syncService.Status(c.Context(), userID)
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "failed to load sync status",
				"cause": err.Error(),
			})
		}
		return c.JSON(status)
	})

	securedGroup.Post("/sync/retry", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		results, err := syncService.RetryFailed(c.Context(), userID)
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "retry failed",
				"cause": err.Error(),
			})
		}
		return c.JSON(fiber.Map{"results": results})
	})

	securedGroup.Get("/user/profile", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)
		db := syncService.DB

		var player models.Player
		if err := db.Where("external_user_id = ?", userID).First(&player).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown user"})
			}
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "failed to load profile", "cause": err.Error()})
		}

		// Risk profile is a derived cache; missing just means the worker
		// hasn't gotten to this user yet.
		var risk models.RiskProfile
		var riskOut *models.RiskProfile
		if err := db.Where("user_id = ?", userID).First(&risk).Error; err == nil {
			riskOut = &risk
		}

		return c.JSON(fiber.Map{
			"external_user_id": player.ExternalUserID,
			"username":         player.Username,
			"status":           player.Status,
			"total_points":     player.TotalPoints,
			"level":            player.Level,
			"last_level_up_at": player.LastLevelUpAt,
			"risk_profile":     riskOut,
		})
	})
}
