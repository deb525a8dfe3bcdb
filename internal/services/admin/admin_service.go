package admin

import (
	"context"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rajivgeraev/automarket-api/internal/db"
	"github.com/rajivgeraev/automarket-api/internal/models"
	"github.com/rajivgeraev/automarket-api/internal/realtime"
)

// StatsProvider источник снимков админской панели
type StatsProvider interface {
	Stats(ctx context.Context) (models.StatsSnapshot, error)
	Snapshot(ctx context.Context, channel string) (any, error)
}

// PresenceChecker отвечает, есть ли у пользователя живое соединение
type PresenceChecker interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// AdminService сводка и присутствие для админки и собеседников
type AdminService struct {
	stats    StatsProvider
	presence PresenceChecker
	logger   *zap.Logger
}

// NewAdminService создает новый экземпляр AdminService
func NewAdminService(stats StatsProvider, presence PresenceChecker, logger *zap.Logger) *AdminService {
	return &AdminService{
		stats:    stats,
		presence: presence,
		logger:   logger.Named("admin"),
	}
}

// GetStats возвращает текущую сводку
func (s *AdminService) GetStats(c fiber.Ctx) error {
	ctx, cancel := db.GetContext()
	defer cancel()

	stats, err := s.stats.Stats(ctx)
	if err != nil {
		s.logger.Error("stats snapshot", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка получения статистики"})
	}
	return c.JSON(stats)
}

// GetSnapshot отдаёт снимок канала, тот же, что шлюз присылает по request_snapshot
func (s *AdminService) GetSnapshot(c fiber.Ctx) error {
	channel := c.Params("channel")
	if !realtime.IsSnapshotChannel(channel) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Неизвестный канал"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	snapshot, err := s.stats.Snapshot(ctx, channel)
	if err != nil {
		s.logger.Error("channel snapshot", zap.String("channel", channel), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка получения данных"})
	}
	return c.JSON(fiber.Map{"channel": channel, "snapshot": snapshot})
}

// GetPresence сообщает, в сети ли пользователь
func (s *AdminService) GetPresence(c fiber.Ctx) error {
	userID, err := uuid.Parse(c.Params("userId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID пользователя"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	online, err := s.presence.IsOnline(ctx, userID.String())
	if err != nil {
		s.logger.Warn("presence lookup", zap.String("user_id", userID.String()), zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Статус недоступен"})
	}
	return c.JSON(fiber.Map{"user_id": userID, "online": online})
}
