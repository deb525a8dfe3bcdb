package chat

import (
	"context"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rajivgeraev/automarket-api/internal/db"
	"github.com/rajivgeraev/automarket-api/internal/middleware"
	"github.com/rajivgeraev/automarket-api/internal/models"
	"github.com/rajivgeraev/automarket-api/internal/realtime"
	"github.com/rajivgeraev/automarket-api/internal/utils"
)

// ChatRepository хранилище переписок
type ChatRepository interface {
	ListConversations(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error)
	History(ctx context.Context, userID, otherID, carID uuid.UUID, limit, offset int) ([]models.Message, int, error)
	MarkConversationRead(ctx context.Context, readerID, otherPartyID, carID uuid.UUID) ([]string, error)
}

// Notifier доставляет событие живым соединениям пользователя
type Notifier interface {
	SendToUser(userID string, event realtime.Event) int
}

// ChatService представляет сервис для работы с перепиской
type ChatService struct {
	chats    ChatRepository
	notifier Notifier
	logger   *zap.Logger
}

// NewChatService создает новый экземпляр ChatService
func NewChatService(chats ChatRepository, notifier Notifier, logger *zap.Logger) *ChatService {
	return &ChatService{
		chats:    chats,
		notifier: notifier,
		logger:   logger.Named("chat"),
	}
}

// GetConversations возвращает список переписок пользователя
func (s *ChatService) GetConversations(c fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Пользователь не авторизован"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	conversations, err := s.chats.ListConversations(ctx, userID)
	if err != nil {
		s.logger.Error("list conversations", zap.String("user_id", userID.String()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка получения переписок"})
	}

	unread := 0
	for _, conv := range conversations {
		unread += conv.UnreadCount
	}

	return c.JSON(fiber.Map{
		"conversations": conversations,
		"count":         len(conversations),
		"unread":        unread,
	})
}

// parseConversation разбирает :carId и :userId. Переписка с самим собой не существует.
func parseConversation(c fiber.Ctx, userID uuid.UUID) (carID, otherID uuid.UUID, ok bool) {
	carID, err := uuid.Parse(c.Params("carId"))
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	otherID, err = uuid.Parse(c.Params("userId"))
	if err != nil || otherID == userID {
		return uuid.Nil, uuid.Nil, false
	}
	return carID, otherID, true
}

// GetMessages возвращает страницу переписки по автомобилю с собеседником
func (s *ChatService) GetMessages(c fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Пользователь не авторизован"})
	}
	carID, otherID, ok := parseConversation(c, userID)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID переписки"})
	}
	page, limit, offset := utils.PageQuery(c)

	ctx, cancel := db.GetContext()
	defer cancel()

	messages, total, err := s.chats.History(ctx, userID, otherID, carID, limit, offset)
	if err != nil {
		s.logger.Error("history", zap.String("user_id", userID.String()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка получения сообщений"})
	}

	return c.JSON(models.NewPage(messages, total, page, limit))
}

// MarkRead отмечает переписку прочитанной и уведомляет собеседника
func (s *ChatService) MarkRead(c fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Пользователь не авторизован"})
	}
	carID, otherID, ok := parseConversation(c, userID)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID переписки"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	marked, err := s.chats.MarkConversationRead(ctx, userID, otherID, carID)
	if err != nil {
		s.logger.Error("mark read", zap.String("user_id", userID.String()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка обновления статуса прочтения"})
	}

	if len(marked) > 0 && s.notifier != nil {
		s.notifier.SendToUser(otherID.String(), realtime.Event{
			Type:       realtime.EventMessageSeen,
			CarID:      carID.String(),
			MessageIDs: marked,
			UserID:     userID.String(),
		})
	}

	return c.JSON(fiber.Map{"marked": marked, "count": len(marked)})
}
