package config

import (
	"testing"
	"time"

	"github.com/san-kum/pose-landmarker/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "FULL", cfg.Landmarker.Model)
	assert.Equal(t, int64(300), cfg.Landmarker.VideoIntervalMs)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	require.NoError(t, cfg.ValidateConfig(zaptest.NewLogger(t)))

	pose, err := cfg.PoseConfiguration(models.ModeVideo)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultConfiguration().MinPoseDetectionConfidence, pose.MinPoseDetectionConfidence)
	assert.Equal(t, models.ModeVideo, pose.Mode)
	assert.Equal(t, models.DelegateCPU, pose.Delegate)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("POSE_MODEL", "heavy")
	t.Setenv("POSE_DELEGATE", "GPU")
	t.Setenv("POSE_MIN_TRACKING_CONFIDENCE", "0.8")
	t.Setenv("POSE_NUM_POSES", "3")
	t.Setenv("CACHE_TTL", "90s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg := LoadConfig()
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Security.AllowedOrigins)

	pose, err := cfg.PoseConfiguration(models.ModeLiveStream)
	require.NoError(t, err)
	assert.Equal(t, models.ModelHeavy, pose.Model)
	assert.Equal(t, models.DelegateGPU, pose.Delegate)
	assert.Equal(t, 0.8, pose.MinPoseTrackingConfidence)
	assert.Equal(t, 3, pose.NumPoses)
}

func TestValidateConfigAggregatesProblems(t *testing.T) {
	t.Setenv("SERVER_PORT", "70000")
	t.Setenv("POSE_MIN_DETECTION_CONFIDENCE", "1.5")
	t.Setenv("CACHE_BACKEND", "memcached")

	err := LoadConfig().ValidateConfig(zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server port")
	assert.Contains(t, err.Error(), "min_pose_detection_confidence")
	assert.Contains(t, err.Error(), "memcached")
}

func TestPoseConfigurationRejectsUnknownDelegate(t *testing.T) {
	t.Setenv("POSE_DELEGATE", "TPU")
	_, err := LoadConfig().PoseConfiguration(models.ModeImage)
	assert.Error(t, err)
}
