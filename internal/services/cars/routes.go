package cars

import (
	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/automarket-api/internal/middleware"
)

// SetupRoutes настраивает маршруты для API объявлений
func (s *CarService) SetupRoutes(app *fiber.App, authMiddleware fiber.Handler) {
	// Публичный каталог
	app.Get("/api/cars", s.ListCars)

	// Свои объявления регистрируются раньше /:id, иначе "my" попадёт в параметр
	my := app.Group("/api/cars/my")
	my.Use(authMiddleware)
	my.Get("/", s.GetMyCars)

	app.Get("/api/cars/:id", s.GetCar)

	// Защищенные маршруты
	protected := app.Group("/api/cars")
	protected.Use(authMiddleware)
	protected.Post("/", s.CreateCar)

	// Модерация
	admin := app.Group("/api/admin/cars")
	admin.Use(authMiddleware)
	admin.Use(middleware.AdminMiddleware())
	admin.Patch("/:id/status", s.UpdateStatus)
}
