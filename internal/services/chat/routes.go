package chat

import (
	"github.com/gofiber/fiber/v3"
)

// SetupRoutes настраивает маршруты для API переписки
func (s *ChatService) SetupRoutes(app *fiber.App, authMiddleware fiber.Handler) {
	api := app.Group("/api/conversations")

	// Защищенные маршруты (требуют авторизации)
	api.Use(authMiddleware)

	// Список переписок с числом непрочитанных
	api.Get("/", s.GetConversations)

	// История для загрузки сообщений клиентом
	api.Get("/:carId/:userId/messages", s.GetMessages)

	// Отметка о прочтении
	api.Post("/:carId/:userId/read", s.MarkRead)
}
