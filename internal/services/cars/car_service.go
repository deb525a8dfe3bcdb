package cars

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
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

// CarRepository хранилище объявлений
type CarRepository interface {
	ListCars(ctx context.Context, f models.CarFilter, limit, offset int) ([]models.Car, int, error)
	GetCar(ctx context.Context, id uuid.UUID) (models.Car, error)
	IncrementViews(ctx context.Context, id uuid.UUID) (int, error)
	CreateCar(ctx context.Context, car models.Car, images []db.NewCarImage) (models.Car, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
}

// RequestImage представляет структуру изображения в запросе создания объявления
type RequestImage struct {
	URL                string          `json:"url"`
	PublicID           string          `json:"public_id"`
	CloudinaryResponse json.RawMessage `json:"cloudinary_response,omitempty"`
}

// CarViewEvent событие канала car_views
type CarViewEvent struct {
	CarID uuid.UUID `json:"car_id"`
	Make  string    `json:"make"`
	Model string    `json:"model"`
	Views int       `json:"views"`
}

// CarService представляет сервис для работы с объявлениями
type CarService struct {
	cars   CarRepository
	events realtime.Publisher
	logger *zap.Logger
}

// NewCarService создает новый экземпляр CarService
func NewCarService(cars CarRepository, events realtime.Publisher, logger *zap.Logger) *CarService {
	return &CarService{
		cars:   cars,
		events: events,
		logger: logger.Named("cars"),
	}
}

// parseFilter разбирает параметры каталога из строки запроса
func parseFilter(c fiber.Ctx) models.CarFilter {
	f := models.CarFilter{
		Make:  strings.TrimSpace(c.Query("make")),
		Model: strings.TrimSpace(c.Query("model")),
		City:  strings.TrimSpace(c.Query("city")),
		Sort:  c.Query("sort", "newest"),
	}
	f.MinPrice, _ = strconv.ParseInt(c.Query("min_price"), 10, 64)
	f.MaxPrice, _ = strconv.ParseInt(c.Query("max_price"), 10, 64)
	f.MinYear, _ = strconv.Atoi(c.Query("min_year"))
	f.MaxYear, _ = strconv.Atoi(c.Query("max_year"))
	if raw := c.Query("for_rent"); raw != "" {
		if forRent, err := strconv.ParseBool(raw); err == nil {
			f.ForRent = &forRent
		}
	}
	return f
}

// ListCars возвращает публичный каталог активных объявлений
func (s *CarService) ListCars(c fiber.Ctx) error {
	f := parseFilter(c)
	f.Status = models.CarStatusActive
	page, limit, offset := utils.PageQuery(c)

	ctx, cancel := db.GetContext()
	defer cancel()

	cars, total, err := s.cars.ListCars(ctx, f, limit, offset)
	if err != nil {
		s.logger.Error("list cars", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка получения объявлений"})
	}

	return c.JSON(models.NewPage(cars, total, page, limit))
}

// GetMyCars возвращает объявления текущего пользователя в любом статусе
func (s *CarService) GetMyCars(c fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Пользователь не авторизован"})
	}

	f := parseFilter(c)
	f.OwnerID = &userID
	if status := c.Query("status"); models.ValidCarStatus(status) {
		f.Status = status
	}
	page, limit, offset := utils.PageQuery(c)

	ctx, cancel := db.GetContext()
	defer cancel()

	cars, total, err := s.cars.ListCars(ctx, f, limit, offset)
	if err != nil {
		s.logger.Error("list own cars", zap.String("user_id", userID.String()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка получения объявлений"})
	}

	return c.JSON(models.NewPage(cars, total, page, limit))
}

// GetCar возвращает объявление и засчитывает просмотр
func (s *CarService) GetCar(c fiber.Ctx) error {
	carID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID объявления"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	car, err := s.cars.GetCar(ctx, carID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && car.Status != models.CarStatusActive) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Объявление не найдено"})
	}
	if err != nil {
		s.logger.Error("get car", zap.String("car_id", carID.String()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка получения объявления"})
	}

	views, err := s.cars.IncrementViews(ctx, carID)
	if err != nil {
		// Просмотр не засчитан, но объявление отдаём
		s.logger.Warn("increment views", zap.String("car_id", carID.String()), zap.Error(err))
	} else {
		car.Views = views
		s.publish(ctx, realtime.ChannelCarViews, CarViewEvent{
			CarID: car.ID, Make: car.Make, Model: car.Model, Views: views,
		})
	}

	return c.JSON(car)
}

// CreateCar обрабатывает создание нового объявления. Объявление уходит на модерацию.
func (s *CarService) CreateCar(c fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Пользователь не авторизован"})
	}

	var requestData struct {
		Make        string         `json:"make"`
		Model       string         `json:"model"`
		Year        int            `json:"year"`
		Price       int64          `json:"price"`
		Mileage     int            `json:"mileage"`
		City        string         `json:"city"`
		Description string         `json:"description"`
		ForRent     bool           `json:"for_rent"`
		RentPerDay  int64          `json:"rent_per_day"`
		Images      []RequestImage `json:"images"`
	}

	if err := c.Bind().Body(&requestData); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат данных"})
	}

	car := models.Car{
		OwnerID:     userID,
		Make:        strings.TrimSpace(requestData.Make),
		Model:       strings.TrimSpace(requestData.Model),
		Year:        requestData.Year,
		Price:       requestData.Price,
		Mileage:     requestData.Mileage,
		City:        strings.TrimSpace(requestData.City),
		Description: strings.TrimSpace(requestData.Description),
		ForRent:     requestData.ForRent,
		RentPerDay:  requestData.RentPerDay,
		Status:      models.CarStatusPending,
	}
	if msg := validateCar(car, time.Now()); msg != "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
	}

	images := make([]db.NewCarImage, 0, len(requestData.Images))
	for _, img := range requestData.Images {
		if img.URL == "" || img.PublicID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "У изображения должны быть url и public_id"})
		}
		images = append(images, db.NewCarImage{
			URL:                img.URL,
			PublicID:           img.PublicID,
			CloudinaryResponse: img.CloudinaryResponse,
		})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	created, err := s.cars.CreateCar(ctx, car, images)
	if err != nil {
		s.logger.Error("create car", zap.String("user_id", userID.String()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка сохранения объявления"})
	}

	s.publish(ctx, realtime.ChannelActivity, models.ActivityItem{
		Kind:        "car",
		RefID:       created.ID,
		Description: created.Make + " " + created.Model + " (" + created.Status + ")",
		At:          created.CreatedAt,
	})

	return c.Status(fiber.StatusCreated).JSON(created)
}

// validateCar возвращает текст ошибки или пустую строку
func validateCar(car models.Car, now time.Time) string {
	switch {
	case car.Make == "" || car.Model == "":
		return "Марка и модель обязательны"
	case car.Year < 1900 || car.Year > now.Year()+1:
		return "Некорректный год выпуска"
	case car.Price <= 0:
		return "Цена должна быть больше нуля"
	case car.Mileage < 0:
		return "Пробег не может быть отрицательным"
	case car.ForRent && car.RentPerDay <= 0:
		return "Укажите стоимость аренды в сутки"
	}
	return ""
}

// UpdateStatus модерация объявления администратором
func (s *CarService) UpdateStatus(c fiber.Ctx) error {
	carID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Неверный формат ID объявления"})
	}

	var requestData struct {
		Status string `json:"status"`
	}
	if err := c.Bind().Body(&requestData); err != nil || !models.ValidCarStatus(requestData.Status) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Некорректный статус"})
	}

	ctx, cancel := db.GetContext()
	defer cancel()

	if err := s.cars.UpdateStatus(ctx, carID, requestData.Status); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Объявление не найдено"})
		}
		s.logger.Error("update car status", zap.String("car_id", carID.String()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Ошибка обновления статуса"})
	}

	s.publish(ctx, realtime.ChannelActivity, models.ActivityItem{
		Kind:        "car",
		RefID:       carID,
		Description: "status: " + requestData.Status,
		At:          time.Now(),
	})

	return c.JSON(fiber.Map{"id": carID, "status": requestData.Status})
}

func (s *CarService) publish(ctx context.Context, channel string, payload any) {
	if err := s.events.Publish(ctx, channel, payload); err != nil {
		s.logger.Warn("publish admin event", zap.String("channel", channel), zap.Error(err))
	}
}
