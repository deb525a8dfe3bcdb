package bookings

import (
	"github.com/gofiber/fiber/v3"
)

// SetupRoutes настраивает маршруты для API заявок
func (s *BookingService) SetupRoutes(app *fiber.App, authMiddleware fiber.Handler) {
	api := app.Group("/api/bookings")

	// Защищенные маршруты (требуют авторизации)
	api.Use(authMiddleware)

	api.Post("/", s.CreateBooking)
	api.Get("/my", s.GetMyBookings)

	// Подтверждение или отмена заявки
	api.Patch("/:id/status", s.UpdateBookingStatus)
}
