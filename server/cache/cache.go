package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/san-kum/pose-landmarker/server/models"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache stores JSON-encoded values. Get decodes into dest and returns
// ErrCacheMiss for absent or expired keys.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}) error

	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	Get(ctx context.Context, key string, dest interface{}) error

	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Backend   string `json:"backend"`
	Connected bool   `json:"connected"`
	Items     int64  `json:"items"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Info      string `json:"info"`
}

func GenerateCacheKey(components ...string) string {
	h := md5.New()
	for _, component := range components {
		h.Write([]byte(component))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ImageResultKey identifies the detection result for an encoded image under a
// given configuration.
func ImageResultKey(data []byte, cfg models.Configuration) string {
	return fmt.Sprintf("image:%s", GenerateCacheKey(string(data), cfg.Fingerprint()))
}
