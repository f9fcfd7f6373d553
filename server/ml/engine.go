package ml

import (
	"errors"
	"fmt"
	"sync"

	"github.com/san-kum/pose-landmarker/server/models"
	"go.uber.org/zap"
)

// Engine is a live pose landmarker instance. Detect and DetectForVideo return
// a nil result when the model produced nothing for the frame.
type Engine interface {
	Detect(frame *models.Frame) (*models.DetectionResult, error)
	DetectForVideo(frame *models.Frame, timestampMs int64) (*models.DetectionResult, error)
	// DetectAsync submits the frame and returns without waiting; the outcome
	// arrives on the callbacks registered at build time.
	DetectAsync(frame *models.Frame, timestampMs int64) error
	Close() error
}

// Builder creates engine instances. Implementations should return a
// *models.ConfigError so callers can tell capability failures apart.
type Builder interface {
	Build(opts Options) (Engine, error)
}

type ResultCallback func(result *models.DetectionResult, input models.InputMeta)

type ErrorCallback func(err error)

type Options struct {
	ModelAssetPath             string
	Delegate                   models.Delegate
	RunningMode                models.Mode
	MinPoseDetectionConfidence float64
	MinPoseTrackingConfidence  float64
	MinPosePresenceConfidence  float64
	NumPoses                   int

	// Only set for LIVE_STREAM.
	ResultCallback ResultCallback
	ErrorCallback  ErrorCallback
}

// Callbacks are the live-stream hooks the adapter registers with the engine.
type Callbacks struct {
	OnResult ResultCallback
	OnError  ErrorCallback
}

// OptionsFor translates a configuration into engine build options.
func OptionsFor(cfg models.Configuration, callbacks Callbacks) Options {
	opts := Options{
		ModelAssetPath:             cfg.Model.AssetPath(),
		Delegate:                   cfg.Delegate,
		RunningMode:                cfg.Mode,
		MinPoseDetectionConfidence: cfg.MinPoseDetectionConfidence,
		MinPoseTrackingConfidence:  cfg.MinPoseTrackingConfidence,
		MinPosePresenceConfidence:  cfg.MinPosePresenceConfidence,
		NumPoses:                   cfg.NumPoses,
	}
	if cfg.Mode == models.ModeLiveStream {
		opts.ResultCallback = callbacks.OnResult
		opts.ErrorCallback = callbacks.OnError
	}
	return opts
}

// Landmarker owns at most one engine instance. Configure and Teardown must not
// overlap with detection calls; the mutex only protects the handle itself.
type Landmarker struct {
	builder Builder
	logger  *zap.Logger

	mu     sync.RWMutex
	engine Engine
}

func NewLandmarker(builder Builder, logger *zap.Logger) *Landmarker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Landmarker{
		builder: builder,
		logger:  logger,
	}
}

// Configure closes any live instance and builds a new one.
func (l *Landmarker) Configure(cfg models.Configuration, callbacks Callbacks) error {
	if cfg.Mode == models.ModeLiveStream && (callbacks.OnResult == nil || callbacks.OnError == nil) {
		return models.NewConfigError(models.ConfigStructural, models.ErrListenerRequired)
	}

	if err := l.Teardown(); err != nil {
		l.logger.Warn("Failed to close previous pose landmarker", zap.Error(err))
	}

	opts := OptionsFor(cfg, callbacks)
	engine, err := l.builder.Build(opts)
	if err != nil {
		var cfgErr *models.ConfigError
		if !errors.As(err, &cfgErr) {
			err = models.NewConfigError(models.ConfigStructural, err)
		}
		l.logger.Error("Pose landmarker failed to load",
			zap.String("model", opts.ModelAssetPath),
			zap.Stringer("delegate", opts.Delegate),
			zap.Error(err))
		return err
	}
	if engine == nil {
		return models.NewConfigError(models.ConfigStructural, fmt.Errorf("builder returned no engine"))
	}

	l.mu.Lock()
	l.engine = engine
	l.mu.Unlock()

	l.logger.Info("Pose landmarker initialized",
		zap.String("model", opts.ModelAssetPath),
		zap.Stringer("delegate", opts.Delegate),
		zap.Stringer("mode", opts.RunningMode))
	return nil
}

// Teardown releases the live instance, if any. Safe to call repeatedly.
func (l *Landmarker) Teardown() error {
	l.mu.Lock()
	engine := l.engine
	l.engine = nil
	l.mu.Unlock()

	if engine == nil {
		return nil
	}
	return engine.Close()
}

func (l *Landmarker) IsActive() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.engine != nil
}

func (l *Landmarker) current() (Engine, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.engine == nil {
		return nil, models.ErrEngineClosed
	}
	return l.engine, nil
}

func (l *Landmarker) Detect(frame *models.Frame) (*models.DetectionResult, error) {
	engine, err := l.current()
	if err != nil {
		return nil, err
	}
	return engine.Detect(frame)
}

func (l *Landmarker) DetectForVideo(frame *models.Frame, timestampMs int64) (*models.DetectionResult, error) {
	engine, err := l.current()
	if err != nil {
		return nil, err
	}
	return engine.DetectForVideo(frame, timestampMs)
}

func (l *Landmarker) DetectAsync(frame *models.Frame, timestampMs int64) error {
	engine, err := l.current()
	if err != nil {
		return err
	}
	return engine.DetectAsync(frame, timestampMs)
}
