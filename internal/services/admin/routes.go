package admin

import (
	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/automarket-api/internal/middleware"
)

// SetupRoutes настраивает маршруты админки и присутствия
func (s *AdminService) SetupRoutes(app *fiber.App, authMiddleware fiber.Handler) {
	presence := app.Group("/api/presence")
	presence.Use(authMiddleware)
	presence.Get("/:userId", s.GetPresence)

	admin := app.Group("/api/admin")
	admin.Use(authMiddleware)
	admin.Use(middleware.AdminMiddleware())
	admin.Get("/stats", s.GetStats)
	admin.Get("/snapshots/:channel", s.GetSnapshot)
}
