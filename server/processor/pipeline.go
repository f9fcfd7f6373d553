package processor

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/san-kum/pose-landmarker/server/ml"
	"github.com/san-kum/pose-landmarker/server/models"
	"go.uber.org/zap"
)

const (
	msgInitFailed     = "Pose Landmarker failed to initialize. See error logs for details"
	msgDetectFailed   = "Pose Landmarker failed to detect."
	msgVideoNoResult  = "ResultBundle could not be returned in detectVideoFile"
	msgVideoNoFrame   = "Frame at specified time could not be retrieved when detecting in video."
	msgUnknownFailure = "An unknown error has occurred"
)

// Pipeline drives one pose landmarker in a single running mode. Configure,
// Close and the Detect methods must not overlap; live-stream results are
// delivered to the listener from the engine's goroutine.
type Pipeline struct {
	landmarker *ml.Landmarker
	listener   models.Listener
	logger     *zap.Logger
	clock      Clock

	mu       sync.RWMutex
	config   models.Configuration
	progress func(done, total int64)

	statsMu sync.Mutex
	stats   PipelineStats
}

type PipelineStats struct {
	StartTime        time.Time `json:"start_time"`
	TotalProcessed   int64     `json:"total_processed"`
	Succeeded        int64     `json:"succeeded"`
	Failed           int64     `json:"failed"`
	AverageLatencyMs float64   `json:"average_latency_ms"`
	Mode             string    `json:"mode"`
	Active           bool      `json:"active"`
}

// NewPipeline returns an unconfigured pipeline; call Configure before use.
// listener may be nil except for LIVE_STREAM.
func NewPipeline(builder ml.Builder, listener models.Listener, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		landmarker: ml.NewLandmarker(builder, logger),
		listener:   listener,
		logger:     logger,
		clock:      MonotonicClock(),
		config:     models.DefaultConfiguration(),
		stats:      PipelineStats{StartTime: time.Now()},
	}
}

// Configure tears down any live engine and builds a new one for cfg.
func (p *Pipeline) Configure(cfg models.Configuration) error {
	if err := cfg.Validate(); err != nil {
		return models.NewConfigError(models.ConfigStructural, err)
	}
	if cfg.Mode == models.ModeLiveStream && p.listener == nil {
		return models.NewConfigError(models.ConfigStructural, models.ErrListenerRequired)
	}

	p.mu.Lock()
	p.config = cfg
	p.mu.Unlock()

	var callbacks ml.Callbacks
	if cfg.Mode == models.ModeLiveStream {
		callbacks = ml.Callbacks{
			OnResult: p.onEngineResult,
			OnError:  p.onEngineError,
		}
	}

	if err := p.landmarker.Configure(cfg, callbacks); err != nil {
		p.notifyError(msgInitFailed, models.ErrorKindFor(err))
		return err
	}
	return nil
}

// ConfigureWithCPUFallback retries on the CPU delegate when the model rejects
// the GPU. It returns the configuration that is actually in effect.
func (p *Pipeline) ConfigureWithCPUFallback(cfg models.Configuration) (models.Configuration, error) {
	err := p.Configure(cfg)
	if err == nil || cfg.Delegate != models.DelegateGPU || !models.IsCapabilityError(err) {
		return cfg, err
	}

	p.logger.Warn("GPU delegate unsupported, falling back to CPU",
		zap.String("model", cfg.Model.AssetPath()),
		zap.Error(err))
	cfg.Delegate = models.DelegateCPU
	return cfg, p.Configure(cfg)
}

// Close releases the engine. The pipeline can be configured again later.
func (p *Pipeline) Close() error {
	return p.landmarker.Teardown()
}

func (p *Pipeline) IsClosed() bool {
	return !p.landmarker.IsActive()
}

func (p *Pipeline) Config() models.Configuration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

func (p *Pipeline) Mode() models.Mode {
	return p.Config().Mode
}

// SetVideoProgress registers a hook called after each sampled video frame.
func (p *Pipeline) SetVideoProgress(fn func(done, total int64)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = fn
}

func (p *Pipeline) requireMode(op string, want models.Mode) error {
	current := p.Mode()
	switch current {
	case models.ModeImage, models.ModeVideo, models.ModeLiveStream:
		if current == want {
			return nil
		}
		return fmt.Errorf("%w: attempting to call %s while not using RunningMode.%s (running %s)",
			models.ErrUsage, op, want, current)
	default:
		return fmt.Errorf("%w: %s called with unknown running mode %s", models.ErrUsage, op, current)
	}
}

// DetectImage runs one synchronous detection on a still image.
func (p *Pipeline) DetectImage(img image.Image) (*models.ResultBundle, error) {
	if err := p.requireMode("DetectImage", models.ModeImage); err != nil {
		return nil, err
	}

	start := p.clock.NowMs()
	rgba := ToRGBA(img)
	result, err := p.landmarker.Detect(models.NewFrame(rgba, 0))
	if err != nil || result == nil {
		p.recordFailure()
		p.notifyError(msgDetectFailed, models.ErrorKindOther)
		return nil, inferenceError(msgDetectFailed, err)
	}

	elapsed := p.clock.NowMs() - start
	p.recordSuccess(elapsed)
	return models.NewResultBundle([]models.DetectionResult{*result}, elapsed, rgba.Rect.Dy(), rgba.Rect.Dx()), nil
}

// DetectVideoFile samples src every intervalMs, from 0 through the duration,
// and detects on each frame in order. Any failed frame discards the whole
// run. The bundle's inference time is the average per sampled frame.
func (p *Pipeline) DetectVideoFile(src VideoSource, intervalMs int64) (*models.ResultBundle, error) {
	if err := p.requireMode("DetectVideoFile", models.ModeVideo); err != nil {
		return nil, err
	}
	if intervalMs <= 0 {
		return nil, fmt.Errorf("%w: inference interval must be positive, got %dms", models.ErrUsage, intervalMs)
	}

	start := p.clock.NowMs()

	durationMs, err := src.DurationMs()
	if err != nil || durationMs < 0 {
		return nil, p.failVideo(sourceError("video duration unavailable", err))
	}
	// Decoders may emit frames smaller than the container's declared size.
	first, err := src.FrameAt(0)
	if err != nil || first == nil || first.Bounds().Empty() {
		return nil, p.failVideo(sourceError("first video frame unavailable", err))
	}
	width, height := first.Bounds().Dx(), first.Bounds().Dy()

	p.mu.RLock()
	progress := p.progress
	p.mu.RUnlock()

	frameCount := durationMs / intervalMs
	sampled := frameCount + 1
	results := make([]models.DetectionResult, 0, sampled)

	for i := int64(0); i <= frameCount; i++ {
		timestampMs := i * intervalMs

		img, err := src.FrameAt(timestampMs)
		if err != nil || img == nil {
			return nil, p.failVideo(sourceError(msgVideoNoFrame, err))
		}

		frame := models.NewFrame(ToRGBA(img), timestampMs)
		result, err := p.landmarker.DetectForVideo(frame, timestampMs)
		if err != nil || result == nil {
			return nil, p.failVideo(inferenceError(msgVideoNoResult, err))
		}
		results = append(results, *result)

		if progress != nil {
			progress(i+1, sampled)
		}
	}

	perFrameMs := (p.clock.NowMs() - start) / sampled
	p.recordSuccess(perFrameMs)

	p.logger.Debug("Video detection finished",
		zap.Int64("duration_ms", durationMs),
		zap.Int64("frames", sampled),
		zap.Int64("per_frame_ms", perFrameMs))

	return models.NewResultBundle(results, perFrameMs, height, width), nil
}

func (p *Pipeline) failVideo(err error) error {
	p.recordFailure()
	message := msgVideoNoResult
	if errors.Is(err, models.ErrSource) {
		message = msgVideoNoFrame
	}
	p.notifyError(message, models.ErrorKindOther)
	p.logger.Warn("Video detection aborted", zap.Error(err))
	return err
}

// DetectLiveStream normalizes a camera frame and submits it without waiting.
// The result arrives on the listener.
func (p *Pipeline) DetectLiveStream(buf CameraBuffer, isFrontCamera bool) error {
	if err := p.requireMode("DetectLiveStream", models.ModeLiveStream); err != nil {
		return err
	}

	frameTime := p.clock.NowMs()

	frame, err := NormalizeCameraBuffer(buf, isFrontCamera)
	if err != nil {
		p.recordFailure()
		p.notifyError(err.Error(), models.ErrorKindOther)
		return err
	}

	return p.DetectAsync(frame, frameTime)
}

// DetectAsync submits an already normalized frame tagged with frameTime. The
// caller's frame is left unchanged.
func (p *Pipeline) DetectAsync(frame *models.Frame, frameTime int64) error {
	if err := p.requireMode("DetectAsync", models.ModeLiveStream); err != nil {
		return err
	}

	submitted := *frame
	submitted.TimestampMs = frameTime
	if err := p.landmarker.DetectAsync(&submitted, frameTime); err != nil {
		p.recordFailure()
		err = fmt.Errorf("%w: %w", models.ErrInference, err)
		p.notifyError(err.Error(), models.ErrorKindOther)
		return err
	}
	return nil
}

// onEngineResult runs on the engine's goroutine.
func (p *Pipeline) onEngineResult(result *models.DetectionResult, input models.InputMeta) {
	latencyMs := p.clock.NowMs() - result.TimestampMs
	p.recordSuccess(latencyMs)

	if p.listener != nil {
		p.listener.OnResults(models.NewResultBundle(
			[]models.DetectionResult{*result}, latencyMs, input.Height, input.Width))
	}
}

// onEngineError runs on the engine's goroutine.
func (p *Pipeline) onEngineError(err error) {
	p.recordFailure()

	message := msgUnknownFailure
	if err != nil && err.Error() != "" {
		message = err.Error()
	}
	p.notifyError(message, models.ErrorKindFor(err))
}

func (p *Pipeline) notifyError(message string, kind models.ErrorKind) {
	if p.listener != nil {
		p.listener.OnError(message, kind)
	}
}

func (p *Pipeline) recordSuccess(latencyMs int64) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	p.stats.TotalProcessed++
	p.stats.Succeeded++

	current := float64(latencyMs)
	if p.stats.AverageLatencyMs == 0 {
		p.stats.AverageLatencyMs = current
	} else {
		alpha := 0.1
		p.stats.AverageLatencyMs = alpha*current + (1-alpha)*p.stats.AverageLatencyMs
	}
}

func (p *Pipeline) recordFailure() {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.TotalProcessed++
	p.stats.Failed++
}

func (p *Pipeline) Stats() PipelineStats {
	p.statsMu.Lock()
	stats := p.stats
	p.statsMu.Unlock()

	stats.Mode = p.Mode().String()
	stats.Active = !p.IsClosed()
	return stats
}

func inferenceError(message string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", models.ErrInference, message)
	}
	return fmt.Errorf("%w: %s: %w", models.ErrInference, message, cause)
}

func sourceError(message string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", models.ErrSource, message)
	}
	return fmt.Errorf("%w: %s: %w", models.ErrSource, message, cause)
}
