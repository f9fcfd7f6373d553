package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/pose-landmarker/server/cache"
	"github.com/san-kum/pose-landmarker/server/config"
	"github.com/san-kum/pose-landmarker/server/handlers"
	"github.com/san-kum/pose-landmarker/server/media"
	"github.com/san-kum/pose-landmarker/server/middleware"
	"github.com/san-kum/pose-landmarker/server/ml"
	"github.com/san-kum/pose-landmarker/server/models"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	detection   *handlers.DetectionHandler
	mlClient    *ml.Client
	cache       cache.Cache
	rateLimiter *middleware.RateLimiter
	config      *config.Config
}

func main() {
	cfg := config.LoadConfig()

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	server.Close()
	logger.Info("Server exited")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapConfig := zap.NewDevelopmentConfig()
	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zapConfig.Level = level
	return zapConfig.Build()
}

func newCache(cfg *config.Config, logger *zap.Logger) cache.Cache {
	switch cfg.Cache.Backend {
	case "none":
		return nil
	case "redis":
		redisCache, err := cache.NewRedisCache(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Cache.TTL,
			logger,
		)
		if err == nil {
			return redisCache
		}
		logger.Warn("Failed to connect to Redis, using memory cache", zap.Error(err))
	}
	return cache.NewMemoryCache(cfg.Cache.MaxSize, cfg.Cache.TTL, logger)
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	settings, err := cfg.PoseConfiguration(models.ModeImage)
	if err != nil {
		return nil, fmt.Errorf("invalid landmarker settings: %w", err)
	}

	mlClient, err := ml.NewClient(cfg.ML.BaseURL, ml.ClientConfig{
		Timeout:             cfg.ML.Timeout,
		MaxRetries:          cfg.ML.MaxRetries,
		RetryDelay:          cfg.ML.RetryDelay,
		HealthCheckInterval: cfg.ML.HealthCheckInterval,
		AsyncQueueSize:      cfg.Landmarker.AsyncQueueSize,
	}, logger.Named("ml"))
	if err != nil {
		return nil, fmt.Errorf("failed to create ML client: %w", err)
	}

	resultCache := newCache(cfg, logger)

	detection, err := handlers.NewDetectionHandler(mlClient, media.Codec{}, resultCache, handlers.DetectionOptions{
		Settings:          settings,
		CPUFallback:       cfg.Landmarker.CPUFallback,
		VideoIntervalMs:   cfg.Landmarker.VideoIntervalMs,
		ExecutorQueueSize: cfg.Landmarker.ExecutorQueueSize,
		MaxVideoJobs:      cfg.Landmarker.MaxVideoJobs,
		MaxVideoSize:      cfg.Security.MaxVideoSize,
	}, logger)
	if err != nil {
		mlClient.Close()
		if resultCache != nil {
			resultCache.Close()
		}
		return nil, fmt.Errorf("failed to initialize pose landmarker: %w", err)
	}

	wsHandler := handlers.NewWebSocketHandler(mlClient, media.Codec{}, detection, cfg.Security.AllowedOrigins, logger.Named("ws"))
	detection.SetLiveStats(wsHandler.Stats)

	rateLimiter := middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)

	authMiddleware := middleware.NewAuthMiddleware(cfg.Security.JWTSecretKey, logger)

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))

	server := &Server{
		router:      router,
		logger:      logger,
		detection:   detection,
		mlClient:    mlClient,
		cache:       resultCache,
		rateLimiter: rateLimiter,
		config:      cfg,
	}
	server.setupRoutes(wsHandler, authMiddleware)

	return server, nil
}

func (s *Server) setupRoutes(wsHandler *handlers.WebSocketHandler, auth *middleware.AuthMiddleware) {
	health := middleware.HealthCheck("pose-landmarker", s.mlClient.HealthCheck)
	s.router.GET("/health", health)

	s.router.GET("/ws", s.rateLimiter.RateLimit(), wsHandler.HandleWebSocket)

	api := s.router.Group("/api/v1")
	api.GET("/health", health)

	detect := api.Group("/")
	detect.Use(s.rateLimiter.RateLimit())
	detect.Use(middleware.ContentTypes("application/json", "multipart/form-data"))
	{
		detect.POST("/detect/image",
			middleware.RequestSizeLimit(s.config.Security.MaxRequestSize),
			middleware.RequestTimeout(s.config.Security.RequestTimeout),
			s.detection.DetectImage)
		detect.POST("/detect/video",
			middleware.RequestSizeLimit(s.config.Security.MaxVideoSize),
			s.detection.UploadVideo)
	}

	api.GET("/video-job/:job_id", s.rateLimiter.RateLimit(), s.detection.GetVideoJobStatus)
	api.GET("/stats", s.rateLimiter.RateLimit(), s.detection.GetStats)

	admin := api.Group("/admin")
	admin.Use(auth.RequireAuth())
	admin.Use(auth.RequireRole("admin"))
	{
		admin.GET("/config", s.detection.GetConfig)
		admin.PUT("/config", middleware.ContentTypes("application/json"), s.detection.UpdateConfig)
		admin.GET("/cache-stats", s.detection.GetCacheStats)
		admin.GET("/rate-limit", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.rateLimiter.GetGlobalStats())
		})
	}
}

// Close releases pipelines before the engine client they run on.
func (s *Server) Close() {
	s.detection.Shutdown()
	s.rateLimiter.Shutdown()

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("Failed to close cache", zap.Error(err))
		}
	}
	s.mlClient.Close()
}
