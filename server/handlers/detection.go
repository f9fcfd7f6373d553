package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/san-kum/pose-landmarker/server/cache"
	"github.com/san-kum/pose-landmarker/server/ml"
	"github.com/san-kum/pose-landmarker/server/models"
	"github.com/san-kum/pose-landmarker/server/processor"
	"go.uber.org/zap"
)

const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

type DetectionOptions struct {
	Settings          models.Configuration
	CPUFallback       bool
	VideoIntervalMs   int64
	ExecutorQueueSize int
	MaxVideoJobs      int
	MaxVideoSize      int64
	TempDir           string
}

type VideoJob struct {
	ID          string               `json:"id"`
	Filename    string               `json:"filename"`
	Status      string               `json:"status"`
	Progress    float64              `json:"progress"`
	IntervalMs  int64                `json:"interval_ms"`
	CreatedAt   time.Time            `json:"created_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	Result      *models.ResultBundle `json:"result,omitempty"`
	Error       string               `json:"error,omitempty"`
}

type ImageUploadRequest struct {
	ImageData string `json:"image_data" binding:"required"`
}

// DetectionHandler serves still-image and recorded-video detection. Each mode
// has its own pipeline, and every call into a pipeline runs on that mode's
// executor, so configuration and detection never overlap.
type DetectionHandler struct {
	codec  Codec
	cache  cache.Cache
	logger *zap.Logger
	opts   DetectionOptions

	image     *processor.Pipeline
	imageExec *processor.ProcessingQueue
	video     *processor.Pipeline
	videoExec *processor.ProcessingQueue

	mu        sync.RWMutex
	settings  models.Configuration
	jobs      map[string]*VideoJob
	jobOrder  []string
	liveStats func() any
}

// NewDetectionHandler builds both pipelines with opts.Settings. resultCache
// may be nil.
func NewDetectionHandler(builder ml.Builder, codec Codec, resultCache cache.Cache, opts DetectionOptions, logger *zap.Logger) (*DetectionHandler, error) {
	if opts.ExecutorQueueSize < 1 {
		opts.ExecutorQueueSize = 32
	}
	if opts.VideoIntervalMs <= 0 {
		opts.VideoIntervalMs = 300
	}

	h := &DetectionHandler{
		codec:     codec,
		cache:     resultCache,
		logger:    logger,
		opts:      opts,
		image:     processor.NewPipeline(builder, nil, logger.Named("image")),
		imageExec: processor.NewExecutor(opts.ExecutorQueueSize),
		video:     processor.NewPipeline(builder, nil, logger.Named("video")),
		videoExec: processor.NewExecutor(opts.ExecutorQueueSize),
		jobs:      make(map[string]*VideoJob),
	}

	if err := h.applySettings(opts.Settings); err != nil {
		h.Shutdown()
		return nil, err
	}
	return h, nil
}

// Settings returns the configuration currently in effect. Delegate reflects
// any CPU fallback.
func (h *DetectionHandler) Settings() models.Configuration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.settings
}

func (h *DetectionHandler) CPUFallback() bool {
	return h.opts.CPUFallback
}

// SetLiveStats adds the live-stream section to GET /stats.
func (h *DetectionHandler) SetLiveStats(fn func() any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.liveStats = fn
}

func (h *DetectionHandler) configure(p *processor.Pipeline, cfg models.Configuration) (models.Configuration, error) {
	if h.opts.CPUFallback {
		return p.ConfigureWithCPUFallback(cfg)
	}
	return cfg, p.Configure(cfg)
}

// applySettings reconfigures the image pipeline first; the video pipeline
// follows with whatever delegate the image pipeline ended up on.
func (h *DetectionHandler) applySettings(cfg models.Configuration) error {
	ctx := context.Background()

	imageCfg := cfg
	imageCfg.Mode = models.ModeImage
	var effective models.Configuration
	err := h.imageExec.Do(ctx, func() error {
		var err error
		effective, err = h.configure(h.image, imageCfg)
		return err
	})
	if err != nil {
		return err
	}

	videoCfg := effective
	videoCfg.Mode = models.ModeVideo
	err = h.videoExec.Do(ctx, func() error {
		_, err := h.configure(h.video, videoCfg)
		return err
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.settings = effective
	h.mu.Unlock()

	h.logger.Info("Landmarker settings applied",
		zap.Stringer("model", effective.Model),
		zap.Stringer("delegate", effective.Delegate),
		zap.Int("num_poses", effective.NumPoses))
	return nil
}

func (h *DetectionHandler) DetectImage(c *gin.Context) {
	data, err := readImagePayload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	withOverlay := c.Query("overlay") == "png"

	if h.cache != nil && !withOverlay {
		var cached models.ResultBundle
		if err := h.cache.Get(ctx, cache.ImageResultKey(data, h.Settings()), &cached); err == nil {
			c.JSON(http.StatusOK, gin.H{"result": &cached, "cached": true})
			return
		}
	}

	img, err := h.codec.DecodeImage(data)
	if err != nil {
		if !errors.Is(err, models.ErrSource) {
			err = fmt.Errorf("%w: %w", models.ErrSource, err)
		}
		respondError(c, err)
		return
	}

	var used models.Configuration
	bundle, err := h.imageExec.Submit(ctx, func() (*models.ResultBundle, error) {
		used = h.image.Config()
		return h.image.DetectImage(img)
	})
	if err != nil {
		h.logger.Warn("Image detection failed", zap.Error(err), zap.String("client_ip", c.ClientIP()))
		respondError(c, err)
		return
	}

	if h.cache != nil {
		if err := h.cache.Set(ctx, cache.ImageResultKey(data, used), bundle); err != nil {
			h.logger.Warn("Failed to cache detection result", zap.Error(err))
		}
	}

	if withOverlay {
		png, err := h.codec.Annotate(img, bundle, 0, models.ModeImage)
		if err != nil {
			respondError(c, err)
			return
		}
		c.Data(http.StatusOK, "image/png", png)
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": bundle, "cached": false})
}

func (h *DetectionHandler) UploadVideo(c *gin.Context) {
	file, header, err := c.Request.FormFile("video")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No video uploaded"})
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !isValidVideoExt(ext) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid file type"})
		return
	}
	if h.opts.MaxVideoSize > 0 && header.Size > h.opts.MaxVideoSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Video too large", "max_size": h.opts.MaxVideoSize})
		return
	}

	interval := h.opts.VideoIntervalMs
	if raw := c.PostForm("interval_ms"); raw != "" {
		interval, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || interval <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "interval_ms must be a positive integer"})
			return
		}
	}

	path, err := h.spool(file, ext)
	if err != nil {
		h.logger.Error("Failed to store uploaded video", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store video"})
		return
	}

	job := &VideoJob{
		ID:         uuid.NewString(),
		Filename:   header.Filename,
		Status:     JobQueued,
		IntervalMs: interval,
		CreatedAt:  time.Now(),
	}
	h.trackJob(job)

	item := processor.NewQueueItem(func() (*models.ResultBundle, error) {
		return h.runVideoJob(job.ID, path, interval)
	})
	if !h.videoExec.Enqueue(item) {
		os.Remove(path)
		h.finishJob(job.ID, nil, processor.ErrQueueFull)
		respondError(c, processor.ErrQueueFull)
		return
	}

	h.logger.Info("Video job queued",
		zap.String("job_id", job.ID),
		zap.String("filename", header.Filename),
		zap.Int64("interval_ms", interval))

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": job.ID,
		"status": JobQueued,
	})
}

func (h *DetectionHandler) spool(file multipart.File, ext string) (string, error) {
	tmp, err := os.CreateTemp(h.opts.TempDir, "pose-video-*"+ext)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// runVideoJob runs on the video executor.
func (h *DetectionHandler) runVideoJob(id, path string, intervalMs int64) (*models.ResultBundle, error) {
	defer os.Remove(path)

	h.updateJob(id, func(job *VideoJob) { job.Status = JobProcessing })

	video, err := h.codec.OpenVideo(path)
	if err != nil {
		h.finishJob(id, nil, err)
		return nil, err
	}
	defer video.Close()

	h.video.SetVideoProgress(func(done, total int64) {
		h.updateJob(id, func(job *VideoJob) {
			job.Progress = float64(done) / float64(total) * 100
		})
	})
	defer h.video.SetVideoProgress(nil)

	bundle, err := h.video.DetectVideoFile(video, intervalMs)
	h.finishJob(id, bundle, err)
	return bundle, err
}

func (h *DetectionHandler) trackJob(job *VideoJob) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.jobs[job.ID] = job
	h.jobOrder = append(h.jobOrder, job.ID)

	if h.opts.MaxVideoJobs <= 0 || len(h.jobs) <= h.opts.MaxVideoJobs {
		return
	}
	for i, id := range h.jobOrder {
		if old := h.jobs[id]; old != nil && (old.Status == JobCompleted || old.Status == JobFailed) {
			delete(h.jobs, id)
			h.jobOrder = append(h.jobOrder[:i], h.jobOrder[i+1:]...)
			return
		}
	}
}

func (h *DetectionHandler) updateJob(id string, fn func(job *VideoJob)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if job, ok := h.jobs[id]; ok {
		fn(job)
	}
}

func (h *DetectionHandler) finishJob(id string, bundle *models.ResultBundle, err error) {
	now := time.Now()
	h.updateJob(id, func(job *VideoJob) {
		job.CompletedAt = &now
		if err != nil {
			job.Status = JobFailed
			job.Error = err.Error()
			return
		}
		job.Status = JobCompleted
		job.Progress = 100
		job.Result = bundle
	})

	if err != nil {
		h.logger.Warn("Video job failed", zap.String("job_id", id), zap.Error(err))
	} else {
		h.logger.Info("Video job completed", zap.String("job_id", id), zap.Int("frames", bundle.Len()))
	}
}

func (h *DetectionHandler) Job(id string) (VideoJob, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	job, ok := h.jobs[id]
	if !ok {
		return VideoJob{}, false
	}
	return *job, true
}

func (h *DetectionHandler) GetVideoJobStatus(c *gin.Context) {
	job, ok := h.Job(c.Param("job_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *DetectionHandler) GetStats(c *gin.Context) {
	h.mu.RLock()
	counts := make(map[string]int)
	for _, job := range h.jobs {
		counts[job.Status]++
	}
	liveStats := h.liveStats
	h.mu.RUnlock()

	response := gin.H{
		"pipelines": gin.H{
			"image": h.image.Stats(),
			"video": h.video.Stats(),
		},
		"queues": gin.H{
			"image": h.imageExec.GetQueueStats(),
			"video": h.videoExec.GetQueueStats(),
		},
		"video_jobs": counts,
		"settings":   h.Settings(),
	}
	if liveStats != nil {
		response["live"] = liveStats()
	}

	c.JSON(http.StatusOK, response)
}

func (h *DetectionHandler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"settings":     h.Settings(),
		"cpu_fallback": h.opts.CPUFallback,
	})
}

// UpdateConfig merges the request body into the current settings and rebuilds
// both pipelines.
func (h *DetectionHandler) UpdateConfig(c *gin.Context) {
	cfg := h.Settings()
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid configuration: " + err.Error()})
		return
	}
	cfg.Mode = models.ModeImage
	if err := cfg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	previous := h.Settings()
	if err := h.applySettings(cfg); err != nil {
		h.logger.Error("Failed to apply landmarker settings", zap.Error(err))
		if restoreErr := h.applySettings(previous); restoreErr != nil {
			h.logger.Error("Failed to restore landmarker settings", zap.Error(restoreErr))
		}
		respondError(c, err)
		return
	}

	h.logger.Info("Landmarker settings updated", zap.String("subject", c.GetString("subject")))
	c.JSON(http.StatusOK, gin.H{"settings": h.Settings()})
}

func (h *DetectionHandler) GetCacheStats(c *gin.Context) {
	if h.cache == nil {
		c.JSON(http.StatusOK, cache.CacheStats{Backend: "none"})
		return
	}
	stats, err := h.cache.GetStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Shutdown closes both pipelines on their executors and stops the executors.
func (h *DetectionHandler) Shutdown() {
	ctx := context.Background()
	for _, lane := range []struct {
		pipeline *processor.Pipeline
		exec     *processor.ProcessingQueue
	}{{h.image, h.imageExec}, {h.video, h.videoExec}} {
		err := lane.exec.Do(ctx, lane.pipeline.Close)
		if shutdownErr := lane.exec.Shutdown(5 * time.Second); shutdownErr != nil {
			h.logger.Warn("Executor shutdown", zap.Error(shutdownErr))
		}
		if errors.Is(err, processor.ErrQueueFull) {
			err = lane.pipeline.Close()
		}
		if err != nil && !errors.Is(err, processor.ErrQueueStopped) {
			h.logger.Warn("Failed to close pipeline", zap.Error(err))
		}
	}
}

func readImagePayload(c *gin.Context) ([]byte, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		file, _, err := c.Request.FormFile("image")
		if err != nil {
			return nil, fmt.Errorf("no image uploaded")
		}
		defer file.Close()
		return io.ReadAll(file)
	}

	var request ImageUploadRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		return nil, fmt.Errorf("invalid request format")
	}
	return decodeDataURL(request.ImageData)
}

// decodeDataURL accepts "data:<type>;base64,<payload>" or bare base64.
func decodeDataURL(dataURL string) ([]byte, error) {
	payload := dataURL
	if _, after, found := strings.Cut(dataURL, ","); found {
		payload = after
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("invalid image data: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image data")
	}
	return data, nil
}

func isValidVideoExt(ext string) bool {
	switch ext {
	case ".mp4", ".avi", ".mov", ".mkv", ".webm":
		return true
	default:
		return false
	}
}
