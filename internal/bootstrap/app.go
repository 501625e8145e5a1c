package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	httpHandler "lingo-social/internal/handler/http"
	wsHandler "lingo-social/internal/handler/websocket"
	"lingo-social/internal/hub"
	"lingo-social/internal/infra/media"
	gormpersistence "lingo-social/internal/infra/persistence/gorm"
	"lingo-social/internal/infra/setup"
	redisstate "lingo-social/internal/infra/state/redis"
	"lingo-social/internal/infra/storage"
	"lingo-social/internal/middleware"
	"lingo-social/internal/service"
	"lingo-social/internal/tasks"
	"lingo-social/internal/worker"
)

// App 结构体包含应用的所有组件和配置
type App struct {
	Config      *Config
	Log         *logrus.Logger
	DB          *gorm.DB
	RedisClient *redis.Client
	AsynqClient *asynq.Client
	AsynqServer *worker.WorkerServer // 未配置 LiveKit 时为 nil
	Hub         *hub.Hub
	HttpServer  *http.Server
}

// NewLogger 按配置初始化 logrus
func NewLogger(cfg *Config) *logrus.Logger {
	log := logrus.New()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	}
	logLevel, _ := logrus.ParseLevel(cfg.LogLevel) // cfg.LogLevel 已被 LoadConfig 验证
	log.SetLevel(logLevel)
	log.SetOutput(os.Stdout)
	// 包级 logrus 调用 (service / hub) 与 App logger 保持一致
	logrus.SetFormatter(log.Formatter)
	logrus.SetLevel(logLevel)
	return log
}

// Migrate 只执行数据库迁移，供 migrate 子命令使用
func Migrate(cfg *Config, log *logrus.Logger) error {
	db, err := setup.InitDB(cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to init DB: %w", err)
	}
	if err := setup.MigrateDB(db); err != nil {
		return fmt.Errorf("failed to migrate DB: %w", err)
	}
	log.WithField("driver", cfg.DB.Driver).Info("Database migrated")
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	return nil
}

// NewApp 创建并初始化应用的所有组件
func NewApp(cfg *Config, log *logrus.Logger) (*App, error) {
	// 1. 初始化基础设施
	log.Info("Initializing infrastructure...")
	db, err := setup.InitDB(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to init DB: %w", err)
	}
	log.WithField("driver", cfg.DB.Driver).Info("Database initialized")

	if err = setup.MigrateDB(db); err != nil {
		return nil, fmt.Errorf("failed to migrate DB: %w", err)
	}
	log.Info("Database migrated")

	redisClient, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to init Redis: %w", err)
	}
	log.Info("Redis client initialized")

	redisClientOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	asynqClient := asynq.NewClient(redisClientOpt)
	log.Info("Asynq client initialized")

	objectStore, err := newObjectStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init object store: %w", err)
	}
	log.WithField("storage_driver", cfg.StorageDriver).Info("Object store initialized")

	// 2. 媒体中继 (可选)
	var (
		relay       *media.LiveKitRelay
		credentials service.CredentialIssuer
		relaySync   service.RelaySyncQueue
	)
	if cfg.LiveKitEnabled() {
		relay, err = media.NewLiveKitRelay(cfg.LiveKit, log)
		if err != nil {
			return nil, fmt.Errorf("failed to init LiveKit relay: %w", err)
		}
		credentials = relay
		relaySync = tasks.NewRelayDispatcher(asynqClient)
		log.WithField("livekit_url", cfg.LiveKit.URL).Info("Media relay initialized")
	} else {
		log.Warn("LIVEKIT_API_KEY/LIVEKIT_API_SECRET not set, voice rooms run without media credentials")
	}
	log.Info("Infrastructure initialized successfully")

	// 3. 初始化 Repositories
	userRepo := gormpersistence.NewGormUserRepository(db)
	socialRepo := gormpersistence.NewGormSocialRepository(db)
	convRepo := gormpersistence.NewGormConversationRepository(db)
	voiceRepo := gormpersistence.NewGormVoiceRoomRepository(db)
	presenceRepo := redisstate.NewRedisPresenceRepository(redisClient, cfg.KeyPrefix)
	log.Info("Repositories initialized")

	// 4. Hub 先于 Service 创建，Service 通过 Broadcaster 接口推送事件
	hubInstance := hub.NewHub(redisClient, cfg.KeyPrefix)
	log.Info("Hub initialized")

	// 5. 初始化 Services
	authService, err := service.NewAuthService(userRepo, cfg.JWTSecret, cfg.JWTExpiryHours)
	if err != nil {
		return nil, fmt.Errorf("failed to create AuthService: %w", err)
	}
	socialService := service.NewSocialService(socialRepo, userRepo)
	presenceService := service.NewPresenceService(presenceRepo, convRepo, hubInstance, cfg.PresenceTTL)
	dmService := service.NewDMService(convRepo, userRepo, socialService, presenceService, hubInstance)
	voiceService := service.NewVoiceService(voiceRepo, userRepo, socialService, credentials, relaySync, hubInstance)
	uploadService := service.NewUploadService(objectStore)
	log.Info("Services initialized")

	dispatcher := hub.NewDispatcher(hubInstance, dmService, voiceService, presenceService)

	// 6. 初始化 Handlers
	authHandler := httpHandler.NewAuthHandler(authService)
	convHandler := httpHandler.NewConversationHandler(dmService)
	voiceHandler := httpHandler.NewVoiceRoomHandler(voiceService)
	socialHandler := httpHandler.NewSocialHandler(socialService)
	uploadHandler := httpHandler.NewUploadHandler(uploadService)
	websocketHandler := wsHandler.NewWebSocketHandler(hubInstance, dispatcher, cfg.CORSOrigins)
	log.Info("Handlers initialized")

	// 7. Worker Server 只负责中继同步，没有中继时不启动
	var workerServer *worker.WorkerServer
	if relay != nil {
		workerServer = worker.NewWorkerServer(redisClientOpt, relay, voiceRepo, cfg.WorkerConcurrency, log)
		log.Info("Worker server initialized")
	}

	// 8. 初始化 Gin Engine 和路由
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(log))
	router.Use(CORSMiddleware(cfg.CORSOrigins))
	router.Use(middleware.RateLimit(redisClient, cfg.KeyPrefix, cfg.RateLimitMax, cfg.RateLimitWindow))

	if local, ok := objectStore.(*storage.LocalStore); ok && strings.HasPrefix(cfg.UploadBaseURL, "/") {
		router.Static(cfg.UploadBaseURL, local.Dir())
	}

	api := router.Group("/api")
	authRoutes := api.Group("/auth")
	{
		authRoutes.POST("/register", authHandler.Register)
		authRoutes.POST("/login", authHandler.Login)
	}

	authed := api.Group("").Use(middleware.Auth(cfg.JWTSecret))
	{
		authed.GET("/conversations", convHandler.List)
		authed.POST("/conversations", convHandler.Start)
		authed.GET("/conversations/unread-count", convHandler.UnreadCount)
		authed.POST("/conversations/:id/read", convHandler.MarkRead)
		authed.GET("/conversations/:id/messages", convHandler.Messages)
		authed.POST("/conversations/:id/messages", convHandler.Send)
		authed.DELETE("/messages/:id", convHandler.DeleteMessage)
		authed.POST("/dm/upload", uploadHandler.Upload)

		authed.POST("/users/:id/block", socialHandler.Block)
		authed.DELETE("/users/:id/block", socialHandler.Unblock)

		authed.GET("/voice-rooms", voiceHandler.List)
		authed.POST("/voice-rooms", voiceHandler.Create)
		authed.GET("/voice-rooms/mine", voiceHandler.Mine)
		authed.GET("/voice-rooms/:id", voiceHandler.Get)
		authed.DELETE("/voice-rooms/:id", voiceHandler.Close)
		authed.POST("/voice-rooms/:id/join", voiceHandler.Join)
		authed.POST("/voice-rooms/:id/leave", voiceHandler.Leave)
		authed.DELETE("/voice-rooms/:id/leave", voiceHandler.Leave)
		authed.POST("/voice-rooms/:id/request-stage", voiceHandler.RequestStage)
		authed.DELETE("/voice-rooms/:id/request-stage", voiceHandler.CancelStageRequest)
		authed.GET("/voice-rooms/:id/stage-requests", voiceHandler.StageRequests)
		authed.POST("/voice-rooms/:id/grant-stage", voiceHandler.GrantStage)
		authed.POST("/voice-rooms/:id/remove-from-stage", voiceHandler.RemoveFromStage)
		authed.POST("/voice-rooms/:id/leave-stage", voiceHandler.LeaveStage)
		authed.POST("/voice-rooms/:id/mute", voiceHandler.SetMute)
		authed.GET("/voice-rooms/:id/messages", voiceHandler.ListChat)
		authed.POST("/voice-rooms/:id/messages", voiceHandler.SendChat)
	}

	router.GET("/ws", middleware.Auth(cfg.JWTSecret), websocketHandler.HandleConnection)
	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	log.Info("Router setup complete")

	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		Config:      cfg,
		Log:         log,
		DB:          db,
		RedisClient: redisClient,
		AsynqClient: asynqClient,
		AsynqServer: workerServer,
		Hub:         hubInstance,
		HttpServer:  httpServer,
	}, nil
}

func newObjectStore(cfg *Config) (service.ObjectStore, error) {
	if cfg.StorageDriver == "minio" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return storage.NewMinioStore(ctx, cfg.Minio)
	}
	return storage.NewLocalStore(cfg.UploadDir, cfg.UploadBaseURL)
}

// Start 启动应用的所有后台 Goroutine 和 HTTP 服务器
func (a *App) Start() {
	go a.Hub.Run()
	a.Log.Info("Hub routine started")

	if a.AsynqServer != nil {
		go a.AsynqServer.Start()
		a.Log.Info("Asynq worker server routine started")
	}

	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
}

// Shutdown 优雅地关闭应用
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")

	// 1. 先停 HTTP，不再接受新连接
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	} else {
		a.Log.Info("HTTP server shut down gracefully.")
	}

	// 2. 停止 Hub 的跨实例订阅
	if a.Hub != nil {
		a.Hub.StopAllSubscriptions()
	}

	// 3. 等待中继同步任务处理完
	if a.AsynqServer != nil {
		a.AsynqServer.Shutdown()
	}

	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq client: %v", err)
		}
	}

	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		} else {
			a.Log.Info("Redis connection closed.")
		}
	}

	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			a.Log.Errorf("Error closing database connection: %v", err)
		}
	}

	a.Log.Info("Application shutdown complete.")
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" && !strings.Contains(c.Request.URL.RawQuery, "token=") {
			path = path + "?" + c.Request.URL.RawQuery
		}

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
		})
		if userID, ok := middleware.UserID(c); ok {
			entry = entry.WithField("user_id", userID)
		}

		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			entry.Error(errorMessage)
			return
		}
		switch {
		case statusCode >= 500:
			entry.Error("Server error")
		case statusCode >= 400:
			entry.Warn("Client error")
		default:
			entry.Info("Request handled")
		}
	}
}

// CORSMiddleware 回显允许列表中的 Origin
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = true
		}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowed["*"] || allowed[origin]) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
