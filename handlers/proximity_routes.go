// handlers/proximity_routes.go
package handlers

import (
	"strconv"

	"geo-prize-system/middleware"
	"geo-prize-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupProximityRoutes(app *fiber.App, proximityService *services.ProximityService) {
	securedGroup := app.Group("/", middleware.UserContextMiddleware())

	// The map view polls this while the player walks around, so it is the
	// hottest route in the service. Heavy lifting is cached inside the
	// proximity service.
	securedGroup.Get("/prizes/nearby", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
		lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
		if errLat != nil || errLng != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "lat and lng query params are required numbers",
			})
		}

		zones, err := proximityService.Nearby(c.Context(), userID, lat, lng)
		if err != nil {
			if ae, ok := services.AsAdmissionError(err); ok {
				return c.Status(ae.HTTPStatus()).JSON(fiber.Map{
					"error": ae.Message,
					"code":  ae.Code,
					"meta":  ae.Meta,
				})
			}
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "failed to load nearby prizes",
				"cause": err.Error(),
			})
		}

		return c.JSON(fiber.Map{
			"catchable": orEmpty(zones.Catchable),
			"visible":   orEmpty(zones.Visible),
			"hint":      orEmpty(zones.Hint),
		})
	})
}

func orEmpty(list []services.NearbyPrize) []services.NearbyPrize {
	if list == nil {
		return []services.NearbyPrize{}
	}
	return list
}
