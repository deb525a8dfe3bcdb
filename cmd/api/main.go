package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rajivgeraev/automarket-api/internal/config"
	"github.com/rajivgeraev/automarket-api/internal/db"
	"github.com/rajivgeraev/automarket-api/internal/middleware"
	"github.com/rajivgeraev/automarket-api/internal/realtime"
	"github.com/rajivgeraev/automarket-api/internal/services/admin"
	"github.com/rajivgeraev/automarket-api/internal/services/auth"
	"github.com/rajivgeraev/automarket-api/internal/services/bookings"
	"github.com/rajivgeraev/automarket-api/internal/services/cars"
	"github.com/rajivgeraev/automarket-api/internal/services/chat"
	"github.com/rajivgeraev/automarket-api/internal/services/cloudinary"
	"github.com/rajivgeraev/automarket-api/internal/utils"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	// Загружаем конфигурацию
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	if cfg.IsDevelopment() {
		if dev, err := zap.NewDevelopment(); err == nil {
			log = dev
		}
	}

	// Инициализируем базу данных
	pool, err := db.InitDB(cfg, log)
	if err != nil {
		log.Fatal("init database", zap.Error(err))
	}
	defer db.CloseDB()

	rt := cfg.RealtimeConfig
	presence, closePresence := newPresence(rt, log)
	defer closePresence()
	bus := newBus(rt, log)
	defer bus.Close()

	jwtService := utils.NewJWTService(cfg.JWTSecret)
	users := db.NewUserStore(pool)
	chats := db.NewChatStore(pool)
	stats := db.NewStatsStore(pool, presence)

	// WebSocket-шлюз
	manager := realtime.NewManager(realtime.Deps{
		Store:          chats,
		Snapshots:      stats,
		Presence:       presence,
		Bus:            bus,
		JWT:            jwtService,
		Logger:         log,
		TypingTTL:      rt.TypingTTL,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	manager.Start()

	// Создаём экземпляр Fiber
	app := fiber.New(fiber.Config{
		AppName:      "AutoMarket API",
		ErrorHandler: errorHandler,
	})

	// Добавляем middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowCredentials: false,
	}))

	authMiddleware := middleware.AuthMiddleware(jwtService)

	// Регистрируем маршруты
	auth.NewAuthService(cfg, jwtService, users, bus, log).SetupRoutes(app)
	cloudinary.NewCloudinaryService(cfg.CloudinaryConfig, log).SetupRoutes(app, authMiddleware)
	cars.NewCarService(db.NewCarStore(pool), bus, log).SetupRoutes(app, authMiddleware)
	bookings.NewBookingService(db.NewBookingStore(pool), bus, log).SetupRoutes(app, authMiddleware)
	chat.NewChatService(chats, manager, log).SetupRoutes(app, authMiddleware)
	admin.NewAdminService(stats, presence, log).SetupRoutes(app, authMiddleware)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", manager.ServeWS)
	socketServer := &http.Server{
		Addr:              ":" + rt.SocketPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("socket server started", zap.String("port", rt.SocketPort))
		if err := socketServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("socket server", zap.Error(err))
		}
	}()

	go func() {
		log.Info("api server started", zap.String("port", cfg.HTTPPort))
		if err := app.Listen(":" + cfg.HTTPPort); err != nil {
			log.Fatal("api server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := socketServer.Shutdown(ctx); err != nil {
		log.Warn("socket server shutdown", zap.Error(err))
	}
	manager.Shutdown()
	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Warn("api server shutdown", zap.Error(err))
	}
}

// newPresence выбирает Redis, если он настроен, иначе память процесса
func newPresence(rt config.RealtimeConfig, log *zap.Logger) (realtime.Presence, func()) {
	if rt.RedisAddr == "" {
		log.Info("presence kept in memory")
		return realtime.NewMemoryPresence(), func() {}
	}

	rdb := redis.NewClient(&redis.Options{Addr: rt.RedisAddr, Password: rt.RedisPassword})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("connect redis", zap.String("addr", rt.RedisAddr), zap.Error(err))
	}
	log.Info("presence stored in redis", zap.String("addr", rt.RedisAddr))
	return realtime.NewRedisPresence(rdb), func() { _ = rdb.Close() }
}

// newBus выбирает Kafka, если заданы брокеры, иначе шину внутри процесса
func newBus(rt config.RealtimeConfig, log *zap.Logger) realtime.Bus {
	if len(rt.KafkaBrokers) == 0 {
		log.Info("admin events stay in process")
		return realtime.NewLocalBus()
	}
	log.Info("admin events go through kafka",
		zap.Strings("brokers", rt.KafkaBrokers), zap.String("topic", rt.KafkaAdminTopic))
	return realtime.NewKafkaBus(rt.KafkaBrokers, rt.KafkaAdminTopic, log)
}

// errorHandler обрабатывает ошибки Fiber
func errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	// Проверяем, является ли ошибка из Fiber
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}

	// Отправляем ошибку в JSON
	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}
