package cloudinary

import (
	"net/url"
	"strconv"
	"time"

	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rajivgeraev/automarket-api/internal/config"
)

// CloudinaryService предоставляет методы для работы с Cloudinary
type CloudinaryService struct {
	cfg          config.CloudinaryConfig
	uploadFolder string
	uploadPreset string
	now          func() time.Time
	logger       *zap.Logger
}

// NewCloudinaryService создает новый экземпляр CloudinaryService
func NewCloudinaryService(cfg config.CloudinaryConfig, logger *zap.Logger) *CloudinaryService {
	return &CloudinaryService{
		cfg:          cfg,
		uploadFolder: cfg.UploadFolder,
		uploadPreset: cfg.UploadPreset,
		now:          time.Now,
		logger:       logger.Named("cloudinary"),
	}
}

// UploadParams параметры подписанной загрузки в Cloudinary
type UploadParams struct {
	Timestamp    string `json:"timestamp"`
	Signature    string `json:"signature"`
	APIKey       string `json:"api_key"`
	CloudName    string `json:"cloud_name"`
	Folder       string `json:"folder"`
	UploadPreset string `json:"upload_preset,omitempty"`
	CarID        string `json:"car_id"`
}

// SignUpload подписывает параметры загрузки для папки автомобиля carID
func (s *CloudinaryService) SignUpload(carID string) (UploadParams, error) {
	params := UploadParams{
		Timestamp:    strconv.FormatInt(s.now().Unix(), 10),
		APIKey:       s.cfg.APIKey,
		CloudName:    s.cfg.CloudName,
		Folder:       s.uploadFolder + "/" + carID,
		UploadPreset: s.uploadPreset,
		CarID:        carID,
	}

	// Подписываются все параметры, которые клиент отправит вместе с файлом
	values := url.Values{}
	values.Set("timestamp", params.Timestamp)
	values.Set("folder", params.Folder)
	if params.UploadPreset != "" {
		values.Set("upload_preset", params.UploadPreset)
	}

	signature, err := api.SignParameters(values, s.cfg.APISecret)
	if err != nil {
		return UploadParams{}, err
	}
	params.Signature = signature
	return params, nil
}

// GenerateUploadParams создаёт параметры для загрузки изображений
func (s *CloudinaryService) GenerateUploadParams(c fiber.Ctx) error {
	// Генерируем ID для объявления, если не передан
	carID := c.Query("car_id")
	if carID == "" {
		carID = uuid.New().String()
	} else if _, err := uuid.Parse(carID); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid car_id"})
	}

	params, err := s.SignUpload(carID)
	if err != nil {
		s.logger.Error("sign upload params", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to sign upload"})
	}
	return c.JSON(params)
}
