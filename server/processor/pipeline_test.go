package processor

import (
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/san-kum/pose-landmarker/server/ml"
	"github.com/san-kum/pose-landmarker/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type manualClock struct {
	now atomic.Int64
}

func (c *manualClock) NowMs() int64     { return c.now.Load() }
func (c *manualClock) Advance(ms int64) { c.now.Add(ms) }
func (c *manualClock) Set(ms int64)     { c.now.Store(ms) }

func newManualClock(start int64) *manualClock {
	c := &manualClock{}
	c.Set(start)
	return c
}

// fakeEngine advances the clock by cost on every detection.
type fakeEngine struct {
	opts  ml.Options
	clock *manualClock
	cost  int64

	mu       sync.Mutex
	calls    []int64
	failAt   map[int64]bool
	noResult bool
	closed   bool
}

func (e *fakeEngine) result(ts int64) *models.DetectionResult {
	return &models.DetectionResult{
		TimestampMs: ts,
		Landmarks:   [][]models.NormalizedLandmark{{{X: 0.5, Y: 0.5}}},
	}
}

func (e *fakeEngine) record(ts int64) (fail bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, ts)
	e.clock.Advance(e.cost)
	return e.failAt[ts]
}

func (e *fakeEngine) Detect(*models.Frame) (*models.DetectionResult, error) {
	if e.record(0) {
		return nil, errors.New("graph failed")
	}
	if e.noResult {
		return nil, nil
	}
	return e.result(0), nil
}

func (e *fakeEngine) DetectForVideo(_ *models.Frame, ts int64) (*models.DetectionResult, error) {
	if e.record(ts) {
		return nil, nil
	}
	return e.result(ts), nil
}

func (e *fakeEngine) DetectAsync(frame *models.Frame, ts int64) error {
	fail := e.record(ts)
	go func() {
		if fail {
			e.opts.ErrorCallback(nil)
			return
		}
		e.opts.ResultCallback(e.result(ts), models.InputMeta{Width: frame.Width(), Height: frame.Height()})
	}()
	return nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) timestamps() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64(nil), e.calls...)
}

type fakeBuilder struct {
	clock   *manualClock
	cost    int64
	failAt  map[int64]bool
	errs    []error
	options []ml.Options
	engines []*fakeEngine
}

func (b *fakeBuilder) Build(opts ml.Options) (ml.Engine, error) {
	b.options = append(b.options, opts)
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	engine := &fakeEngine{opts: opts, clock: b.clock, cost: b.cost, failAt: b.failAt}
	b.engines = append(b.engines, engine)
	return engine, nil
}

type recordingListener struct {
	mu      sync.Mutex
	bundles []*models.ResultBundle
	errors  []string
}

func (l *recordingListener) OnResults(bundle *models.ResultBundle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bundles = append(l.bundles, bundle)
}

func (l *recordingListener) OnError(message string, _ models.ErrorKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, message)
}

func (l *recordingListener) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

type fakeVideo struct {
	durationMs int64
	width      int
	height     int
	missing    map[int64]bool
	requested  []int64
}

func (v *fakeVideo) DurationMs() (int64, error) { return v.durationMs, nil }

func (v *fakeVideo) FrameAt(ts int64) (image.Image, error) {
	v.requested = append(v.requested, ts)
	if v.missing[ts] {
		return nil, errors.New("seek past end")
	}
	return image.NewRGBA(image.Rect(0, 0, v.width, v.height)), nil
}

func newTestPipeline(t *testing.T, mode models.Mode, listener models.Listener) (*Pipeline, *fakeBuilder, *manualClock) {
	t.Helper()
	clock := newManualClock(1000)
	builder := &fakeBuilder{clock: clock, cost: 10}
	p := NewPipeline(builder, listener, zaptest.NewLogger(t))
	p.clock = clock

	cfg := models.DefaultConfiguration()
	cfg.Mode = mode
	require.NoError(t, p.Configure(cfg))
	return p, builder, clock
}

func TestPipelineRejectsWrongMode(t *testing.T) {
	listener := &recordingListener{}
	p, builder, _ := newTestPipeline(t, models.ModeImage, listener)

	_, err := p.DetectVideoFile(&fakeVideo{durationMs: 100, width: 4, height: 4}, 10)
	assert.ErrorIs(t, err, models.ErrUsage)
	assert.ErrorIs(t, p.DetectLiveStream(rowBuffer(0), false), models.ErrUsage)
	assert.Empty(t, builder.engines[0].timestamps(), "engine must not be invoked")

	p, builder, _ = newTestPipeline(t, models.ModeVideo, listener)
	_, err = p.DetectImage(image.NewRGBA(image.Rect(0, 0, 2, 2)))
	assert.ErrorIs(t, err, models.ErrUsage)
	assert.Empty(t, builder.engines[0].timestamps())
}

func TestPipelineDetectImage(t *testing.T) {
	p, _, _ := newTestPipeline(t, models.ModeImage, nil)

	bundle, err := p.DetectImage(image.NewNRGBA(image.Rect(0, 0, 640, 480)))
	require.NoError(t, err)
	assert.Equal(t, 1, bundle.Len())
	assert.Equal(t, int64(10), bundle.InferenceTimeMs())
	assert.Equal(t, 480, bundle.InputImageHeight())
	assert.Equal(t, 640, bundle.InputImageWidth())
}

func TestPipelineDetectImageFailure(t *testing.T) {
	listener := &recordingListener{}
	p, builder, _ := newTestPipeline(t, models.ModeImage, listener)
	builder.engines[0].noResult = true

	bundle, err := p.DetectImage(image.NewRGBA(image.Rect(0, 0, 2, 2)))
	assert.Nil(t, bundle)
	assert.ErrorIs(t, err, models.ErrInference)
	assert.Equal(t, 1, listener.errorCount())
}

func TestPipelineDetectVideoSamplesEveryInterval(t *testing.T) {
	p, builder, _ := newTestPipeline(t, models.ModeVideo, nil)
	video := &fakeVideo{durationMs: 1000, width: 320, height: 240}

	var progress [][2]int64
	p.SetVideoProgress(func(done, total int64) {
		progress = append(progress, [2]int64{done, total})
	})

	bundle, err := p.DetectVideoFile(video, 300)
	require.NoError(t, err)

	assert.Equal(t, []int64{0, 300, 600, 900}, builder.engines[0].timestamps())
	require.Equal(t, 4, bundle.Len())
	for i, result := range bundle.Results() {
		assert.Equal(t, int64(i*300), result.TimestampMs)
	}
	assert.Equal(t, int64(10), bundle.InferenceTimeMs(), "40ms over 4 frames")
	assert.Equal(t, 240, bundle.InputImageHeight())
	assert.Equal(t, 320, bundle.InputImageWidth())
	assert.Equal(t, [2]int64{4, 4}, progress[len(progress)-1])
}

func TestPipelineDetectVideoShortClip(t *testing.T) {
	p, _, _ := newTestPipeline(t, models.ModeVideo, nil)

	bundle, err := p.DetectVideoFile(&fakeVideo{durationMs: 50, width: 8, height: 8}, 300)
	require.NoError(t, err)
	assert.Equal(t, 1, bundle.Len())
}

func TestPipelineDetectVideoAbortsOnFailure(t *testing.T) {
	listener := &recordingListener{}
	p, builder, _ := newTestPipeline(t, models.ModeVideo, listener)
	builder.engines[0].failAt = map[int64]bool{600: true}

	bundle, err := p.DetectVideoFile(&fakeVideo{durationMs: 1000, width: 8, height: 8}, 300)
	assert.Nil(t, bundle)
	assert.ErrorIs(t, err, models.ErrInference)
	assert.Equal(t, []int64{0, 300, 600}, builder.engines[0].timestamps())
	assert.Equal(t, []string{msgVideoNoResult}, listener.errors)

	_, err = p.DetectVideoFile(&fakeVideo{durationMs: 1000, width: 8, height: 8, missing: map[int64]bool{300: true}}, 300)
	assert.ErrorIs(t, err, models.ErrSource)

	_, err = p.DetectVideoFile(&fakeVideo{durationMs: 1000, width: 8, height: 8}, 0)
	assert.ErrorIs(t, err, models.ErrUsage)
}

func TestPipelineLiveStreamDeliversResults(t *testing.T) {
	listener := NewChannelListener(4)
	p, builder, clock := newTestPipeline(t, models.ModeLiveStream, listener)
	builder.engines[0].cost = 25

	clock.Set(5000)
	require.NoError(t, p.DetectLiveStream(rowBuffer(90), false))

	select {
	case event := <-listener.Events():
		require.False(t, event.IsError())
		result, ok := event.Bundle.Result(0)
		require.True(t, ok)
		assert.Equal(t, int64(5000), result.TimestampMs)
		assert.Equal(t, int64(25), event.Bundle.InferenceTimeMs())
		assert.Equal(t, 3, event.Bundle.InputImageHeight())
		assert.Equal(t, 1, event.Bundle.InputImageWidth())
	case <-time.After(time.Second):
		t.Fatal("no result delivered")
	}
}

func TestPipelineLiveStreamErrorUsesDefaultMessage(t *testing.T) {
	listener := NewChannelListener(4)
	p, builder, clock := newTestPipeline(t, models.ModeLiveStream, listener)
	builder.engines[0].failAt = map[int64]bool{2000: true}

	clock.Set(2000)
	require.NoError(t, p.DetectLiveStream(rowBuffer(0), false))

	select {
	case event := <-listener.Events():
		require.True(t, event.IsError())
		assert.Equal(t, msgUnknownFailure, event.Message)
		assert.Equal(t, models.ErrorKindOther, event.Kind)
	case <-time.After(time.Second):
		t.Fatal("no error delivered")
	}
}

func nextEvent(t *testing.T, listener *ChannelListener) Event {
	t.Helper()
	select {
	case event := <-listener.Events():
		return event
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestPipelineLiveStreamContinuesAfterFrameError(t *testing.T) {
	listener := NewChannelListener(4)
	p, builder, clock := newTestPipeline(t, models.ModeLiveStream, listener)
	builder.engines[0].failAt = map[int64]bool{100: true}

	clock.Set(100)
	require.NoError(t, p.DetectLiveStream(rowBuffer(0), false))
	assert.True(t, nextEvent(t, listener).IsError())

	clock.Set(200)
	require.NoError(t, p.DetectLiveStream(rowBuffer(0), false))
	event := nextEvent(t, listener)
	require.False(t, event.IsError())
	result, ok := event.Bundle.Result(0)
	require.True(t, ok)
	assert.Equal(t, int64(200), result.TimestampMs)

	assert.False(t, p.IsClosed())
	assert.Len(t, builder.engines, 1)
	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Succeeded)
}

func TestPipelineDetectAsyncLeavesCallerFrame(t *testing.T) {
	listener := NewChannelListener(1)
	p, builder, _ := newTestPipeline(t, models.ModeLiveStream, listener)

	frame := models.NewFrame(image.NewRGBA(image.Rect(0, 0, 2, 2)), 7)
	require.NoError(t, p.DetectAsync(frame, 300))
	assert.Equal(t, int64(7), frame.TimestampMs)

	event := nextEvent(t, listener)
	require.False(t, event.IsError())
	result, _ := event.Bundle.Result(0)
	assert.Equal(t, int64(300), result.TimestampMs)
	assert.Equal(t, []int64{300}, builder.engines[0].timestamps())
}

func TestPipelineLiveStreamRequiresListener(t *testing.T) {
	builder := &fakeBuilder{clock: newManualClock(0)}
	p := NewPipeline(builder, nil, zaptest.NewLogger(t))

	cfg := models.DefaultConfiguration()
	cfg.Mode = models.ModeLiveStream
	err := p.Configure(cfg)
	assert.ErrorIs(t, err, models.ErrListenerRequired)
	assert.Empty(t, builder.options)
}

func TestPipelineReconfigureAndClose(t *testing.T) {
	p, builder, _ := newTestPipeline(t, models.ModeImage, nil)

	cfg := p.Config()
	cfg.Model = models.ModelLite
	require.NoError(t, p.Configure(cfg))
	require.Len(t, builder.engines, 2)
	assert.True(t, builder.engines[0].closed)
	assert.Equal(t, models.AssetLite, builder.options[1].ModelAssetPath)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, p.IsClosed())

	_, err := p.DetectImage(image.NewRGBA(image.Rect(0, 0, 2, 2)))
	assert.ErrorIs(t, err, models.ErrEngineClosed)
}

func TestPipelineReconfigureSameSettingsIsIdempotent(t *testing.T) {
	clock := newManualClock(0)
	builder := &fakeBuilder{clock: clock, cost: 10}
	p := NewPipeline(builder, nil, zaptest.NewLogger(t))
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))

	cfg := models.DefaultConfiguration()
	cfg.MinPoseDetectionConfidence = 0.3
	cfg.MinPoseTrackingConfidence = 0.6
	cfg.MinPosePresenceConfidence = 0.7
	require.NoError(t, p.Configure(cfg))
	first, err := p.DetectImage(img)
	require.NoError(t, err)
	firstConfig := p.Config()

	require.NoError(t, p.Close())
	assert.True(t, p.IsClosed())
	require.NoError(t, p.Configure(cfg))

	assert.False(t, p.IsClosed())
	assert.Equal(t, firstConfig, p.Config())
	require.Len(t, builder.options, 2)
	assert.Equal(t, builder.options[0], builder.options[1])

	second, err := p.DetectImage(img)
	require.NoError(t, err)
	assert.Equal(t, first.Results(), second.Results())
	assert.Equal(t, first.InferenceTimeMs(), second.InferenceTimeMs())
	assert.Equal(t, first.InputImageWidth(), second.InputImageWidth())
	assert.Equal(t, first.InputImageHeight(), second.InputImageHeight())
}

func TestPipelineFallsBackToCPU(t *testing.T) {
	listener := &recordingListener{}
	clock := newManualClock(0)
	builder := &fakeBuilder{
		clock: clock,
		errs:  []error{models.NewConfigError(models.ConfigCapability, errors.New("delegate rejected"))},
	}
	p := NewPipeline(builder, listener, zaptest.NewLogger(t))

	cfg := models.DefaultConfiguration()
	cfg.Delegate = models.DelegateGPU
	effective, err := p.ConfigureWithCPUFallback(cfg)
	require.NoError(t, err)

	assert.Equal(t, models.DelegateCPU, effective.Delegate)
	require.Len(t, builder.options, 2)
	assert.Equal(t, models.DelegateGPU, builder.options[0].Delegate)
	assert.Equal(t, models.DelegateCPU, builder.options[1].Delegate)
	assert.Equal(t, []string{msgInitFailed}, listener.errors)
	assert.False(t, p.IsClosed())
}

func TestPipelineStats(t *testing.T) {
	p, builder, _ := newTestPipeline(t, models.ModeImage, nil)
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))

	_, err := p.DetectImage(img)
	require.NoError(t, err)
	builder.engines[0].noResult = true
	_, err = p.DetectImage(img)
	require.Error(t, err)

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.TotalProcessed)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, float64(10), stats.AverageLatencyMs)
	assert.Equal(t, "IMAGE", stats.Mode)
	assert.True(t, stats.Active)
}
