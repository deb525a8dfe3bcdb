package bookings

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rajivgeraev/automarket-api/internal/db"
	"github.com/rajivgeraev/automarket-api/internal/middleware"
	"github.com/rajivgeraev/automarket-api/internal/models"
	"github.com/rajivgeraev/automarket-api/internal/realtime"
	"github.com/rajivgeraev/automarket-api/internal/utils"
)

// BookingRepository хранилище заявок
type BookingRepository interface {
	CreateBooking(ctx context.Context, b models.Booking) (models.Booking, error)
	GetBooking(ctx context.Context, id uuid.UUID) (models.Booking, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Booking, int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
}

// BookingService представляет сервис заявок на покупку, аренду и тест-драйв
type BookingService struct {
	bookings BookingRepository
	events   realtime.Publisher
	logger   *zap.Logger
}

// NewBookingService создает новый экземпляр BookingService
func NewBookingService(bookings BookingRepository, events realtime.Publisher, logger *zap.Logger) *BookingService {
	return &BookingService{
		bookings: bookings,
		events:   events,
		logger:   logger.Named("bookings"),
	}
}

// CreateBooking создает новую заявку
func (s *BookingService) CreateBooking(c fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Пользователь не авторизован"})
	}

	var requestData struct {
		CarID     string     `json:"car_id"`
		Kind      string     `json:"kind"`
		StartDate *time.Time `json:"start_date"`
		EndDate   *time.Time `json:"end_date"`
		Comment   string     `json:"comment"`
	}

	if err := c.Bind().Body(&requestData); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат данных"})
	}

	carID, err := uuid.Parse(requestData.CarID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID объявления"})
	}
	if !models.ValidBookingKind(requestData.Kind) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неизвестный тип заявки"})
	}

	// Для аренды нужен период
	if requestData.Kind == models.BookingRental {
		if requestData.StartDate == nil || requestData.EndDate == nil || !requestData.EndDate.After(*requestData.StartDate) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Укажите корректный период аренды"})
		}
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	booking, err := s.bookings.CreateBooking(ctx, models.Booking{
		CarID:     carID,
		UserID:    userID,
		Kind:      requestData.Kind,
		StartDate: requestData.StartDate,
		EndDate:   requestData.EndDate,
		Comment:   strings.TrimSpace(requestData.Comment),
	})
	switch {
	case errors.Is(err, db.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Объявление не найдено"})
	case errors.Is(err, db.ErrForbidden):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Нельзя оформить заявку на свой автомобиль"})
	case err != nil:
		s.logger.Error("create booking", zap.String("user_id", userID.String()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка создания заявки"})
	}

	s.publish(ctx, booking)
	return c.Status(fiber.StatusCreated).JSON(booking)
}

// GetMyBookings возвращает заявки пользователя и заявки на его автомобили
func (s *BookingService) GetMyBookings(c fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Пользователь не авторизован"})
	}
	page, limit, offset := utils.PageQuery(c)

	ctx, cancel := db.GetContext()
	defer cancel()

	bookings, total, err := s.bookings.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		s.logger.Error("list bookings", zap.String("user_id", userID.String()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка получения заявок"})
	}

	return c.JSON(models.NewPage(bookings, total, page, limit))
}

// canChangeStatus владелец автомобиля и администратор подтверждают и отклоняют,
// автор заявки может только отменить
func canChangeStatus(b models.Booking, userID uuid.UUID, isAdmin bool, status string) bool {
	if b.Status != models.BookingPending {
		return false
	}
	if isAdmin || (b.Car != nil && b.Car.OwnerID == userID) {
		return true
	}
	return b.UserID == userID && status == models.BookingCancelled
}

// UpdateBookingStatus обновляет статус заявки
func (s *BookingService) UpdateBookingStatus(c fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Пользователь не авторизован"})
	}

	bookingID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID заявки"})
	}

	var requestData struct {
		Status string `json:"status"`
	}
	if err := c.Bind().Body(&requestData); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат данных"})
	}
	if requestData.Status != models.BookingConfirmed && requestData.Status != models.BookingCancelled {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Некорректный статус"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	booking, err := s.bookings.GetBooking(ctx, bookingID)
	if errors.Is(err, db.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Заявка не найдена"})
	}
	if err != nil {
		s.logger.Error("get booking", zap.String("booking_id", bookingID.String()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка получения заявки"})
	}

	if !canChangeStatus(booking, userID, middleware.IsAdmin(c), requestData.Status) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Нет прав на изменение заявки"})
	}

	if err := s.bookings.UpdateStatus(ctx, bookingID, requestData.Status); err != nil {
		s.logger.Error("update booking", zap.String("booking_id", bookingID.String()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка обновления заявки"})
	}

	booking.Status = requestData.Status
	booking.UpdatedAt = time.Now()
	s.publish(ctx, booking)

	return c.JSON(booking)
}

func (s *BookingService) publish(ctx context.Context, b models.Booking) {
	if err := s.events.Publish(ctx, realtime.ChannelBookings, b); err != nil {
		s.logger.Warn("publish booking", zap.String("booking_id", b.ID.String()), zap.Error(err))
	}
}
