package auth

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	initdata "github.com/telegram-mini-apps/init-data-golang"
	"go.uber.org/zap"

	"github.com/rajivgeraev/automarket-api/internal/config"
	"github.com/rajivgeraev/automarket-api/internal/db"
	"github.com/rajivgeraev/automarket-api/internal/models"
	"github.com/rajivgeraev/automarket-api/internal/realtime"
	"github.com/rajivgeraev/automarket-api/internal/utils"
)

// UserRepository хранилище пользователей, нужное для входа
type UserRepository interface {
	UpsertTelegramUser(ctx context.Context, tg db.TelegramUser) (models.User, bool, error)
	EnsureDevUser(ctx context.Context, username, role string) (models.User, bool, error)
}

// AuthService – структура для обработки авторизации
type AuthService struct {
	cfg        *config.Config
	jwtService *utils.JWTService
	users      UserRepository
	events     realtime.Publisher
	logger     *zap.Logger
}

// NewAuthService – конструктор AuthService
func NewAuthService(cfg *config.Config, jwtService *utils.JWTService, users UserRepository,
	events realtime.Publisher, logger *zap.Logger) *AuthService {
	return &AuthService{
		cfg:        cfg,
		jwtService: jwtService,
		users:      users,
		events:     events,
		logger:     logger.Named("auth"),
	}
}

// TelegramAuthHandler проверяет initData, создает пользователя и возвращает JWT
func (s *AuthService) TelegramAuthHandler(c fiber.Ctx) error {
	var payload struct {
		InitData string `json:"init_data"`
	}

	if err := c.Bind().Body(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
	}

	// Проверяем initData
	expiration := 24 * time.Hour
	if err := initdata.Validate(payload.InitData, s.cfg.TelegramBotToken, expiration); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid Telegram data"})
	}

	// Парсим данные
	data, err := initdata.Parse(payload.InitData)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Failed to parse initData"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	raw, _ := json.Marshal(data.User)
	user, isNew, err := s.users.UpsertTelegramUser(ctx, db.TelegramUser{
		TelegramID:   data.User.ID,
		Username:     data.User.Username,
		FirstName:    data.User.FirstName,
		LastName:     data.User.LastName,
		PhotoURL:     data.User.PhotoURL,
		IsPremium:    data.User.IsPremium,
		LanguageCode: data.User.LanguageCode,
		RawData:      raw,
	})
	if err != nil {
		s.logger.Error("upsert telegram user", zap.Int64("telegram_id", data.User.ID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to save user"})
	}

	return s.issueToken(c, user, isNew)
}

// DevAuthHandler выдаёт токен без Telegram. Доступен только в development.
func (s *AuthService) DevAuthHandler(c fiber.Ctx) error {
	if !s.cfg.IsDevelopment() {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Not found"})
	}

	var payload struct {
		Username string `json:"username"`
		Role     string `json:"role"`
	}
	if err := c.Bind().Body(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
	}

	payload.Username = strings.TrimSpace(payload.Username)
	if payload.Username == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Username is required"})
	}
	if payload.Role != models.RoleAdmin {
		payload.Role = models.RoleUser
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	user, isNew, err := s.users.EnsureDevUser(ctx, payload.Username, payload.Role)
	if err != nil {
		s.logger.Error("ensure dev user", zap.String("username", payload.Username), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to save user"})
	}

	return s.issueToken(c, user, isNew)
}

func (s *AuthService) issueToken(c fiber.Ctx, user models.User, isNew bool) error {
	if user.Role == "" {
		user.Role = models.RoleUser
	}

	jwtToken, err := s.jwtService.GenerateToken(user.ID.String(), user.Role)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to generate JWT"})
	}

	if isNew {
		ctx, cancel := db.GetContext()
		defer cancel()
		if err := s.events.Publish(ctx, realtime.ChannelNewUsers, user); err != nil {
			s.logger.Warn("publish new user", zap.Error(err))
		}
	}

	return c.JSON(fiber.Map{
		"token": jwtToken,
		"user":  user,
	})
}
