package overlay

import (
	"sync"
	"testing"

	"github.com/san-kum/pose-landmarker/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct{ x, y float64 }

type line struct{ from, to point }

type recordingCanvas struct {
	points []point
	lines  []line
	paints []Paint
}

func (c *recordingCanvas) DrawPoint(x, y float64, paint Paint) {
	c.points = append(c.points, point{x, y})
	c.paints = append(c.paints, paint)
}

func (c *recordingCanvas) DrawLine(x1, y1, x2, y2 float64, paint Paint) {
	c.lines = append(c.lines, line{point{x1, y1}, point{x2, y2}})
	c.paints = append(c.paints, paint)
}

func pose(n int, x, y float64) []models.NormalizedLandmark {
	out := make([]models.NormalizedLandmark, n)
	for i := range out {
		out[i] = models.NormalizedLandmark{X: x, Y: y}
	}
	return out
}

func bundleOf(poses ...[]models.NormalizedLandmark) *models.ResultBundle {
	return models.NewResultBundle([]models.DetectionResult{{Landmarks: poses}}, 5, 480, 640)
}

func TestScaleFactor(t *testing.T) {
	assert.Equal(t, 2.0, ScaleFactor(models.ModeImage, 1280, 960, 640, 480))
	assert.Equal(t, 1.5, ScaleFactor(models.ModeImage, 1280, 720, 640, 480))
	assert.Equal(t, 2.0, ScaleFactor(models.ModeLiveStream, 1280, 720, 640, 480))

	contain := ScaleFactor(models.ModeVideo, 1000, 500, 640, 480)
	cover := ScaleFactor(models.ModeLiveStream, 1000, 500, 640, 480)
	assert.InDelta(t, 1.0417, contain, 1e-4)
	assert.InDelta(t, 1.5625, cover, 1e-9)
	assert.NotEqual(t, contain, cover)

	assert.Equal(t, 1.0, ScaleFactor(models.ModeImage, 100, 100, 0, 0))
	assert.Equal(t, 1.0, ScaleFactor(models.Mode(42), 1280, 960, 640, 480))
}

func TestScreenPoint(t *testing.T) {
	x, y := ScreenPoint(models.NormalizedLandmark{X: 0.5, Y: 0.5}, 640, 480, 2.0)
	assert.Equal(t, 640.0, x)
	assert.Equal(t, 480.0, y)
}

func TestRendererDrawsNothingWithoutResult(t *testing.T) {
	r := NewRenderer()
	canvas := &recordingCanvas{}

	r.Clear()
	r.Render(canvas, 1280, 720)
	assert.Empty(t, canvas.points)
	assert.Empty(t, canvas.lines)

	r.SetResult(bundleOf(pose(models.NumLandmarks, 0.5, 0.5)), 480, 640, models.ModeImage)
	r.Clear()
	r.Render(canvas, 1280, 720)
	assert.Empty(t, canvas.points)
	assert.Empty(t, canvas.lines)
}

func TestRendererDrawsPointsAndSkeleton(t *testing.T) {
	r := NewRenderer()
	r.SetResult(bundleOf(pose(models.NumLandmarks, 0.5, 0.5)), 480, 640, models.ModeImage)

	canvas := &recordingCanvas{}
	r.Render(canvas, 1280, 960)

	assert.Equal(t, 2.0, r.ScaleFactor())
	require.Len(t, canvas.points, models.NumLandmarks)
	assert.Len(t, canvas.lines, len(models.PoseConnections))
	assert.Equal(t, point{640, 480}, canvas.points[0])

	lastPaint := canvas.paints[len(canvas.paints)-1]
	assert.Equal(t, PointColor, lastPaint.Color)
	assert.True(t, lastPaint.Fill)
	assert.Equal(t, LineColor, canvas.paints[0].Color)
	assert.Equal(t, float64(DefaultStrokeWidth), canvas.paints[0].StrokeWidth)
}

func TestRendererResolvesEdgesAgainstFirstPose(t *testing.T) {
	r := NewRenderer()
	r.SetResult(bundleOf(
		pose(models.NumLandmarks, 0.25, 0.25),
		pose(models.NumLandmarks, 0.75, 0.75),
	), 480, 640, models.ModeImage)

	canvas := &recordingCanvas{}
	r.Render(canvas, 640, 480)

	assert.Len(t, canvas.points, 2*models.NumLandmarks)
	require.Len(t, canvas.lines, 2*len(models.PoseConnections))
	for _, l := range canvas.lines {
		assert.Equal(t, point{160, 120}, l.from)
		assert.Equal(t, point{160, 120}, l.to)
	}
	assert.Contains(t, canvas.points, point{480, 360})
}

func TestRendererSkipsEdgesMissingFromFirstPose(t *testing.T) {
	r := NewRenderer()
	r.SetResult(bundleOf(pose(12, 0.1, 0.1)), 480, 640, models.ModeImage)

	canvas := &recordingCanvas{}
	assert.NotPanics(t, func() { r.Render(canvas, 640, 480) })
	assert.Len(t, canvas.points, 12)
	assert.Len(t, canvas.lines, 9)
}

func TestRendererSetResultRecomputesScale(t *testing.T) {
	r := NewRenderer()
	assert.Equal(t, 1.0, r.ScaleFactor())

	r.SetResult(bundleOf(pose(1, 0.5, 0.5)), 480, 640, models.ModeLiveStream)
	r.Render(&recordingCanvas{}, 1000, 500)
	assert.InDelta(t, 1.5625, r.ScaleFactor(), 1e-9)

	r.SetResult(bundleOf(pose(1, 0.5, 0.5)), 480, 640, models.ModeImage)
	assert.InDelta(t, 1.0417, r.ScaleFactor(), 1e-4)
}

func TestRendererShowFrame(t *testing.T) {
	bundle := models.NewResultBundle([]models.DetectionResult{
		{Landmarks: [][]models.NormalizedLandmark{pose(1, 0.1, 0.1)}},
		{Landmarks: [][]models.NormalizedLandmark{pose(1, 0.9, 0.9)}},
	}, 5, 100, 100)

	r := NewRenderer()
	r.SetResult(bundle, 100, 100, models.ModeVideo)
	r.ShowFrame(1)

	canvas := &recordingCanvas{}
	r.Render(canvas, 100, 100)
	require.Len(t, canvas.points, 1)
	assert.InDelta(t, 90.0, canvas.points[0].x, 1e-9)

	r.ShowFrame(7)
	canvas = &recordingCanvas{}
	r.Render(canvas, 100, 100)
	assert.Empty(t, canvas.points)
}

func TestRendererClearResetsPaints(t *testing.T) {
	r := NewRenderer()
	r.SetPaints(Paint{StrokeWidth: 1}, Paint{StrokeWidth: 1})
	r.Clear()
	r.SetResult(bundleOf(pose(1, 0, 0)), 480, 640, models.ModeImage)

	canvas := &recordingCanvas{}
	r.Render(canvas, 640, 480)
	require.Len(t, canvas.paints, 1)
	assert.Equal(t, DefaultPointPaint(), canvas.paints[0])
}

func TestRendererConcurrentSetAndRender(t *testing.T) {
	r := NewRenderer()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			r.SetResult(bundleOf(pose(models.NumLandmarks, 0.5, 0.5)), 480, 640, models.ModeLiveStream)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			r.Render(&recordingCanvas{}, 1280, 720)
		}
	}()
	wg.Wait()
}
