package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/san-kum/pose-landmarker/server/models"
	"go.uber.org/zap"
)

// ErrNoResult is reported when the sidecar answered but found nothing to return.
var ErrNoResult = errors.New("pose landmarker returned no result")

const codeDelegateUnsupported = "delegate_unsupported"

// Client talks to the inference sidecar that hosts the pose landmarker model.
// It implements Builder; every Build opens a server-side session.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	config     ClientConfig

	stopOnce sync.Once
	stopCh   chan struct{}
}

type ClientConfig struct {
	Timeout             time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
	AsyncQueueSize      int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:             30 * time.Second,
		MaxRetries:          3,
		RetryDelay:          1 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		AsyncQueueSize:      2,
	}
}

type sessionRequest struct {
	ModelAssetPath             string  `json:"model_asset_path"`
	Delegate                   string  `json:"delegate"`
	RunningMode                string  `json:"running_mode"`
	MinPoseDetectionConfidence float64 `json:"min_pose_detection_confidence"`
	MinPoseTrackingConfidence  float64 `json:"min_pose_tracking_confidence"`
	MinPosePresenceConfidence  float64 `json:"min_pose_presence_confidence"`
	NumPoses                   int     `json:"num_poses"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type detectRequest struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Pixels      []byte `json:"pixels"`
	TimestampMs int64  `json:"timestamp_ms"`
}

type detectResponse struct {
	TimestampMs    int64                         `json:"timestamp_ms"`
	Landmarks      [][]models.NormalizedLandmark `json:"landmarks"`
	WorldLandmarks [][]models.Landmark           `json:"world_landmarks"`
}

// statusError is a response the sidecar actually produced.
type statusError struct {
	status int
	body   errorResponse
}

func (e *statusError) Error() string {
	msg := e.body.Message
	if msg == "" {
		msg = http.StatusText(e.status)
	}
	return fmt.Sprintf("inference service error (status %d): %s", e.status, msg)
}

func NewClient(baseURL string, config ClientConfig, logger *zap.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("inference service URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.AsyncQueueSize <= 0 {
		config.AsyncQueueSize = 1
	}

	client := &Client{
		baseURL: baseURL,
		logger:  logger,
		config:  config,
		stopCh:  make(chan struct{}),
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: true,
			},
		},
	}

	if err := client.HealthCheck(context.Background()); err != nil {
		logger.Warn("Inference service not available at startup", zap.Error(err))
	}

	if config.HealthCheckInterval > 0 {
		go client.startHealthChecker()
	}

	return client, nil
}

// Build opens a model session. A 422 with code delegate_unsupported is a
// capability failure; anything else that prevents the session is structural.
func (c *Client) Build(opts Options) (Engine, error) {
	request := sessionRequest{
		ModelAssetPath:             opts.ModelAssetPath,
		Delegate:                   opts.Delegate.String(),
		RunningMode:                opts.RunningMode.String(),
		MinPoseDetectionConfidence: opts.MinPoseDetectionConfidence,
		MinPoseTrackingConfidence:  opts.MinPoseTrackingConfidence,
		MinPosePresenceConfidence:  opts.MinPosePresenceConfidence,
		NumPoses:                   opts.NumPoses,
	}

	var response sessionResponse
	err := c.doWithRetry(http.MethodPost, "/sessions", request, &response)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.status == http.StatusUnprocessableEntity && se.body.Code == codeDelegateUnsupported {
			return nil, models.NewConfigError(models.ConfigCapability, err)
		}
		return nil, models.NewConfigError(models.ConfigStructural, err)
	}
	if response.SessionID == "" {
		return nil, models.NewConfigError(models.ConfigStructural, fmt.Errorf("inference service returned an empty session id"))
	}

	s := &session{
		client: c,
		id:     response.SessionID,
		opts:   opts,
	}
	if opts.RunningMode == models.ModeLiveStream {
		s.async = make(chan asyncItem, c.config.AsyncQueueSize)
		s.wg.Add(1)
		go s.asyncLoop()
	}

	c.logger.Debug("Inference session opened",
		zap.String("session_id", s.id),
		zap.String("model", opts.ModelAssetPath))
	return s, nil
}

func (c *Client) detect(sessionID string, frame *models.Frame, timestampMs int64) (*models.DetectionResult, error) {
	request := detectRequest{
		Width:       frame.Width(),
		Height:      frame.Height(),
		Pixels:      packPixels(frame),
		TimestampMs: timestampMs,
	}

	var response detectResponse
	found := true
	err := c.doWithRetry(http.MethodPost, "/sessions/"+sessionID+"/detect", request, &response)
	if errors.Is(err, errNoContent) {
		found = false
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	return &models.DetectionResult{
		TimestampMs:    timestampMs,
		Landmarks:      response.Landmarks,
		WorldLandmarks: response.WorldLandmarks,
	}, nil
}

func (c *Client) closeSession(sessionID string) error {
	return c.doWithRetry(http.MethodDelete, "/sessions/"+sessionID, nil, nil)
}

var errNoContent = errors.New("no content")

func (c *Client) doWithRetry(method, path string, body, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying inference service request",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			time.Sleep(c.config.RetryDelay * time.Duration(attempt))
		}

		err := c.do(method, path, body, out)
		if err == nil || errors.Is(err, errNoContent) {
			return err
		}
		lastErr = err

		var se *statusError
		if errors.As(err, &se) && se.status < http.StatusInternalServerError {
			return err
		}
	}

	return fmt.Errorf("inference service request failed after %d attempts: %w",
		c.config.MaxRetries+1, lastErr)
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	request, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("User-Agent", "pose-landmarker/1.0")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNoContent:
		if out != nil {
			return errNoContent
		}
		return nil
	case response.StatusCode >= 200 && response.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	default:
		se := &statusError{status: response.StatusCode}
		bodyBytes, _ := io.ReadAll(response.Body)
		if jsonErr := json.Unmarshal(bodyBytes, &se.body); jsonErr != nil {
			se.body.Message = string(bodyBytes)
		}
		return se
	}
}

func (c *Client) HealthCheck(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service unhealthy (status %d)", response.StatusCode)
	}

	return nil
}

func (c *Client) startHealthChecker() {
	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.HealthCheck(context.Background()); err != nil {
				c.logger.Error("Inference service health check failed", zap.Error(err))
			} else {
				c.logger.Debug("Inference service health check passed")
			}
		case <-c.stopCh:
			return
		}
	}
}

// Close stops the background health checker. Open sessions are closed by
// their owners.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// packPixels returns the frame as tightly packed RGBA rows.
func packPixels(frame *models.Frame) []byte {
	img := frame.Image
	w, h := frame.Width(), frame.Height()
	rowLen := w * 4
	if img.Stride == rowLen && len(img.Pix) == rowLen*h {
		return img.Pix
	}
	out := make([]byte, 0, rowLen*h)
	for y := 0; y < h; y++ {
		start := y * img.Stride
		out = append(out, img.Pix[start:start+rowLen]...)
	}
	return out
}

type asyncItem struct {
	frame       *models.Frame
	timestampMs int64
}

type session struct {
	client *Client
	id     string
	opts   Options

	mu     sync.RWMutex
	closed bool
	async  chan asyncItem
	wg     sync.WaitGroup
}

func (s *session) Detect(frame *models.Frame) (*models.DetectionResult, error) {
	return s.client.detect(s.id, frame, 0)
}

func (s *session) DetectForVideo(frame *models.Frame, timestampMs int64) (*models.DetectionResult, error) {
	return s.client.detect(s.id, frame, timestampMs)
}

// DetectAsync never blocks: when the queue is full the frame is dropped and
// an error is returned to the caller.
func (s *session) DetectAsync(frame *models.Frame, timestampMs int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return models.ErrEngineClosed
	}
	if s.async == nil {
		return fmt.Errorf("session %s was not opened for LIVE_STREAM", s.id)
	}

	select {
	case s.async <- asyncItem{frame: frame, timestampMs: timestampMs}:
		return nil
	default:
		return fmt.Errorf("inference queue full, frame at %dms dropped", timestampMs)
	}
}

func (s *session) asyncLoop() {
	defer s.wg.Done()

	for item := range s.async {
		result, err := s.client.detect(s.id, item.frame, item.timestampMs)
		switch {
		case err != nil:
			s.reportError(err)
		case result == nil:
			s.reportError(ErrNoResult)
		default:
			if s.opts.ResultCallback != nil {
				s.opts.ResultCallback(result, models.InputMeta{
					Width:  item.frame.Width(),
					Height: item.frame.Height(),
				})
			}
		}
	}
}

func (s *session) reportError(err error) {
	if s.opts.ErrorCallback != nil {
		s.opts.ErrorCallback(err)
	}
}

// Close drains pending live frames, then releases the server-side session.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.async != nil {
		close(s.async)
	}
	s.mu.Unlock()

	s.wg.Wait()

	if err := s.client.closeSession(s.id); err != nil {
		return fmt.Errorf("failed to close session %s: %w", s.id, err)
	}
	s.client.logger.Debug("Inference session closed", zap.String("session_id", s.id))
	return nil
}
