package cache

import (
	"context"
	"testing"
	"time"

	"github.com/san-kum/pose-landmarker/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMemoryCacheRoundTripsBundles(t *testing.T) {
	c := NewMemoryCache(4, time.Minute, zaptest.NewLogger(t))
	defer c.Close()
	ctx := context.Background()

	bundle := models.NewResultBundle([]models.DetectionResult{{
		TimestampMs: 33,
		Landmarks:   [][]models.NormalizedLandmark{{{X: 0.25, Y: 0.75, Visibility: 0.9}}},
	}}, 12, 480, 640)
	require.NoError(t, c.Set(ctx, "k", bundle))

	var got models.ResultBundle
	require.NoError(t, c.Get(ctx, "k", &got))
	assert.Equal(t, int64(12), got.InferenceTimeMs())
	assert.Equal(t, 640, got.InputImageWidth())
	result, ok := got.Result(0)
	require.True(t, ok)
	assert.Equal(t, 0.75, result.Landmarks[0][0].Y)

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Items)
}

func TestMemoryCacheMissAndExpiry(t *testing.T) {
	c := NewMemoryCache(4, time.Minute, zaptest.NewLogger(t))
	defer c.Close()
	ctx := context.Background()

	var v string
	assert.ErrorIs(t, c.Get(ctx, "absent", &v), ErrCacheMiss)

	require.NoError(t, c.SetWithTTL(ctx, "short", "x", -time.Second))
	assert.ErrorIs(t, c.Get(ctx, "short", &v), ErrCacheMiss)
	exists, err := c.Exists(ctx, "short")
	require.NoError(t, err)
	assert.False(t, exists)

	stats, _ := c.GetStats(ctx)
	assert.Equal(t, int64(2), stats.Misses)
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewMemoryCache(2, time.Minute, zaptest.NewLogger(t))
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", 1))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, c.Set(ctx, "b", 2))
	time.Sleep(2 * time.Millisecond)

	var v int
	require.NoError(t, c.Get(ctx, "a", &v))
	require.NoError(t, c.Set(ctx, "c", 3))

	exists, _ := c.Exists(ctx, "b")
	assert.False(t, exists)
	exists, _ = c.Exists(ctx, "a")
	assert.True(t, exists)

	require.NoError(t, c.Delete(ctx, "a"))
	exists, _ = c.Exists(ctx, "a")
	assert.False(t, exists)
}

func TestImageResultKeyDependsOnConfiguration(t *testing.T) {
	cfg := models.DefaultConfiguration()
	data := []byte("png bytes")

	key := ImageResultKey(data, cfg)
	assert.Equal(t, key, ImageResultKey(data, cfg))

	cfg.Model = models.ModelHeavy
	assert.NotEqual(t, key, ImageResultKey(data, cfg))
	assert.NotEqual(t, key, ImageResultKey([]byte("other"), models.DefaultConfiguration()))
}

func TestRedisCacheUnreachable(t *testing.T) {
	_, err := NewRedisCache("127.0.0.1", 1, "", 0, time.Minute, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestMemoryCacheCloseIsIdempotent(t *testing.T) {
	c := NewMemoryCache(1, time.Minute, zaptest.NewLogger(t))
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
