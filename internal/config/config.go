package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config структура конфигурации
type Config struct {
	TelegramBotToken string
	JWTSecret        string
	DatabaseURL      string
	DatabaseConfig   DatabaseConfig
	CloudinaryConfig CloudinaryConfig
	RealtimeConfig   RealtimeConfig
	HTTPPort         string
	AllowedOrigins   []string
	AppEnv           string
}

// DatabaseConfig содержит конфигурацию базы данных
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// CloudinaryConfig содержит конфигурацию для Cloudinary
type CloudinaryConfig struct {
	CloudName    string
	APIKey       string
	APISecret    string
	UploadPreset string
	UploadFolder string
}

// RealtimeConfig содержит настройки WebSocket-шлюза
type RealtimeConfig struct {
	SocketPort       string
	RedisAddr        string // пусто - присутствие хранится в памяти процесса
	RedisPassword    string
	KafkaBrokers     []string // пусто - шина событий внутри процесса
	KafkaAdminTopic  string
	TypingTTL        time.Duration
	HandshakeTimeout time.Duration
}

// IsDevelopment возвращает true для локального окружения
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// LoadConfig загружает переменные из .env
func LoadConfig() (*Config, error) {
	// .env необязателен, в контейнере переменные приходят из окружения
	_ = godotenv.Load()

	dbConfig := DatabaseConfig{
		Host:     getEnv("PGHOST", "localhost"),
		Port:     getEnv("PGPORT", "5432"),
		User:     getEnv("PGUSER", "automarket_user"),
		Password: getEnv("PGPASSWORD", "automarket_pass"),
		Name:     getEnv("PGDATABASE", "automarket"),
		SSLMode:  getEnv("PGSSLMODE", "disable"),
	}

	// Формируем строку подключения к базе данных
	dbURL := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		dbConfig.User, dbConfig.Password, dbConfig.Host, dbConfig.Port, dbConfig.Name, dbConfig.SSLMode)

	typingTTL, err := getDuration("TYPING_TTL", 5*time.Second)
	if err != nil {
		return nil, err
	}
	handshakeTimeout, err := getDuration("HANDSHAKE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		DatabaseURL:      getEnv("DATABASE_URL", dbURL),
		DatabaseConfig:   dbConfig,
		CloudinaryConfig: CloudinaryConfig{
			CloudName:    getEnv("CLOUDINARY_CLOUD_NAME", ""),
			APIKey:       getEnv("CLOUDINARY_API_KEY", ""),
			APISecret:    getEnv("CLOUDINARY_API_SECRET", ""),
			UploadPreset: getEnv("CLOUDINARY_UPLOAD_PRESET", "automarket_cars"),
			UploadFolder: getEnv("CLOUDINARY_UPLOAD_FOLDER", "cars"),
		},
		RealtimeConfig: RealtimeConfig{
			SocketPort:       getEnv("SOCKET_PORT", "8090"),
			RedisAddr:        getEnv("REDIS_ADDR", ""),
			RedisPassword:    getEnv("REDIS_PASSWORD", ""),
			KafkaBrokers:     splitList(getEnv("KAFKA_BROKERS", "")),
			KafkaAdminTopic:  getEnv("KAFKA_ADMIN_TOPIC", "admin-events"),
			TypingTTL:        typingTTL,
			HandshakeTimeout: handshakeTimeout,
		},
		HTTPPort:       getEnv("PORT", "8080"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),
		AppEnv:         getEnv("APP_ENV", "production"), // По умолчанию production
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("не задана переменная окружения JWT_SECRET")
	}
	if cfg.TelegramBotToken == "" && !cfg.IsDevelopment() {
		return nil, errors.New("не задана переменная окружения TELEGRAM_BOT_TOKEN")
	}

	return cfg, nil
}

// getEnv получает переменную окружения или использует дефолтное значение
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getDuration читает длительность в формате time.ParseDuration или в секундах
func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("некорректное значение %s: %w", key, err)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
