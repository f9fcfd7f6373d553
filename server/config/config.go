package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/san-kum/pose-landmarker/server/models"
	"go.uber.org/zap"
)

type Config struct {
	Server     ServerConfig     `json:"server"`
	ML         MLConfig         `json:"ml"`
	Landmarker LandmarkerConfig `json:"landmarker"`
	Security   SecurityConfig   `json:"security"`
	Redis      RedisConfig      `json:"redis"`
	Cache      CacheConfig      `json:"cache"`
	Logging    LoggingConfig    `json:"logging"`
}

type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	Environment  string        `json:"environment"`
}

type MLConfig struct {
	BaseURL             string        `json:"base_url"`
	Timeout             time.Duration `json:"timeout"`
	MaxRetries          int           `json:"max_retries"`
	RetryDelay          time.Duration `json:"retry_delay"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
}

// LandmarkerConfig holds the startup settings for every pipeline the server
// creates. Enum fields use their wire names (FULL, GPU, ...).
type LandmarkerConfig struct {
	MinPoseDetectionConfidence float64 `json:"min_pose_detection_confidence"`
	MinPoseTrackingConfidence  float64 `json:"min_pose_tracking_confidence"`
	MinPosePresenceConfidence  float64 `json:"min_pose_presence_confidence"`
	NumPoses                   int     `json:"num_poses"`
	Model                      string  `json:"model"`
	Delegate                   string  `json:"delegate"`
	CPUFallback                bool    `json:"cpu_fallback"`
	VideoIntervalMs            int64   `json:"video_interval_ms"`
	AsyncQueueSize             int     `json:"async_queue_size"`
	ExecutorQueueSize          int     `json:"executor_queue_size"`
	MaxVideoJobs               int     `json:"max_video_jobs"`
}

type SecurityConfig struct {
	JWTSecretKey   string        `json:"jwt_secret_key"`
	AllowedOrigins []string      `json:"allowed_origins"`
	RateLimitRPS   int           `json:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst"`
	MaxRequestSize int64         `json:"max_request_size"`
	MaxVideoSize   int64         `json:"max_video_size"`
	RequestTimeout time.Duration `json:"request_timeout"`
	EnableHTTPS    bool          `json:"enable_https"`
	CertFile       string        `json:"cert_file"`
	KeyFile        string        `json:"key_file"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type CacheConfig struct {
	Backend string        `json:"backend"`
	MaxSize int           `json:"max_size"`
	TTL     time.Duration `json:"ttl"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

func LoadConfig() *Config {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:  getEnv("ENVIRONMENT", "development"),
		},
		ML: MLConfig{
			BaseURL:             getEnv("ML_BASE_URL", "http://localhost:5000"),
			Timeout:             getEnvAsDuration("ML_TIMEOUT", 30*time.Second),
			MaxRetries:          getEnvAsInt("ML_MAX_RETRIES", 3),
			RetryDelay:          getEnvAsDuration("ML_RETRY_DELAY", 1*time.Second),
			HealthCheckInterval: getEnvAsDuration("ML_HEALTH_CHECK_INTERVAL", 30*time.Second),
		},
		Landmarker: LandmarkerConfig{
			MinPoseDetectionConfidence: getEnvAsFloat("POSE_MIN_DETECTION_CONFIDENCE", models.DefaultPoseDetectionConfidence),
			MinPoseTrackingConfidence:  getEnvAsFloat("POSE_MIN_TRACKING_CONFIDENCE", models.DefaultPoseTrackingConfidence),
			MinPosePresenceConfidence:  getEnvAsFloat("POSE_MIN_PRESENCE_CONFIDENCE", models.DefaultPosePresenceConfidence),
			NumPoses:                   getEnvAsInt("POSE_NUM_POSES", models.DefaultNumPoses),
			Model:                      getEnv("POSE_MODEL", "FULL"),
			Delegate:                   getEnv("POSE_DELEGATE", "CPU"),
			CPUFallback:                getEnvAsBool("POSE_CPU_FALLBACK", true),
			VideoIntervalMs:            getEnvAsInt64("POSE_VIDEO_INTERVAL_MS", 300),
			AsyncQueueSize:             getEnvAsInt("POSE_ASYNC_QUEUE_SIZE", 4),
			ExecutorQueueSize:          getEnvAsInt("POSE_EXECUTOR_QUEUE_SIZE", 32),
			MaxVideoJobs:               getEnvAsInt("POSE_MAX_VIDEO_JOBS", 100),
		},
		Security: SecurityConfig{
			JWTSecretKey:   getEnv("JWT_SECRET_KEY", ""),
			AllowedOrigins: getEnvAsStringSlice("ALLOWED_ORIGINS", []string{"*"}),
			RateLimitRPS:   getEnvAsInt("RATE_LIMIT_RPS", 100),
			RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 200),
			MaxRequestSize: getEnvAsInt64("MAX_REQUEST_SIZE", 10*1024*1024), // 10MB
			MaxVideoSize:   getEnvAsInt64("MAX_VIDEO_SIZE", 200*1024*1024),
			RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
			EnableHTTPS:    getEnvAsBool("ENABLE_HTTPS", false),
			CertFile:       getEnv("CERT_FILE", ""),
			KeyFile:        getEnv("KEY_FILE", ""),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Backend: getEnv("CACHE_BACKEND", "memory"),
			MaxSize: getEnvAsInt("CACHE_MAX_SIZE", 1000),
			TTL:     getEnvAsDuration("CACHE_TTL", 10*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config
}

// PoseConfiguration converts the landmarker section for the given mode.
func (c *Config) PoseConfiguration(mode models.Mode) (models.Configuration, error) {
	model, err := models.ParseModelVariant(c.Landmarker.Model)
	if err != nil {
		return models.Configuration{}, err
	}
	delegate, err := models.ParseDelegate(c.Landmarker.Delegate)
	if err != nil {
		return models.Configuration{}, err
	}

	cfg := models.Configuration{
		MinPoseDetectionConfidence: c.Landmarker.MinPoseDetectionConfidence,
		MinPoseTrackingConfidence:  c.Landmarker.MinPoseTrackingConfidence,
		MinPosePresenceConfidence:  c.Landmarker.MinPosePresenceConfidence,
		NumPoses:                   c.Landmarker.NumPoses,
		Model:                      model,
		Delegate:                   delegate,
		Mode:                       mode,
	}
	return cfg, cfg.Validate()
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "server port must be between 1 and 65535")
	}

	if c.ML.BaseURL == "" {
		errors = append(errors, "ML base URL is required")
	}

	if _, err := c.PoseConfiguration(models.ModeImage); err != nil {
		errors = append(errors, err.Error())
	}

	if c.Landmarker.VideoIntervalMs <= 0 {
		errors = append(errors, "video interval must be positive")
	}

	if c.Landmarker.AsyncQueueSize < 1 || c.Landmarker.ExecutorQueueSize < 1 {
		errors = append(errors, "queue sizes must be at least 1")
	}

	if c.Security.JWTSecretKey == "" {
		logger.Warn("JWT secret key not set, admin endpoints are disabled")
	}

	if c.Security.MaxRequestSize <= 0 || c.Security.MaxVideoSize <= 0 {
		errors = append(errors, "max request size must be positive")
	}

	switch c.Cache.Backend {
	case "memory", "none":
	case "redis":
		if c.Redis.Host == "" {
			errors = append(errors, "Redis host is required")
		}
		if c.Redis.Port < 1 || c.Redis.Port > 65535 {
			errors = append(errors, "Redis port must be between 1 and 65535")
		}
	default:
		errors = append(errors, fmt.Sprintf("unknown cache backend %q", c.Cache.Backend))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, ", "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
