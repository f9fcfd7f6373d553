// Package overlay draws pose landmarks and the skeleton on top of the image
// they were detected in.
package overlay

import (
	"image/color"
	"math"
	"sync"

	"github.com/san-kum/pose-landmarker/server/models"
)

const DefaultStrokeWidth = 12

var (
	PointColor = color.RGBA{R: 255, G: 255, A: 255}
	LineColor  = color.RGBA{R: 0x00, G: 0x7F, B: 0x8B, A: 255}
)

type Paint struct {
	Color       color.RGBA
	StrokeWidth float64
	Fill        bool
}

func DefaultPointPaint() Paint {
	return Paint{Color: PointColor, StrokeWidth: DefaultStrokeWidth, Fill: true}
}

func DefaultLinePaint() Paint {
	return Paint{Color: LineColor, StrokeWidth: DefaultStrokeWidth}
}

// Canvas is the drawing surface supplied by the host on each render pass.
type Canvas interface {
	DrawPoint(x, y float64, paint Paint)
	DrawLine(x1, y1, x2, y2 float64, paint Paint)
}

// ScaleFactor fits an imageW x imageH source into the surface: contain for
// IMAGE and VIDEO, cover for LIVE_STREAM. Any other mode yields 1.
func ScaleFactor(mode models.Mode, surfaceW, surfaceH, imageW, imageH int) float64 {
	if imageW <= 0 || imageH <= 0 {
		return 1
	}
	sx := float64(surfaceW) / float64(imageW)
	sy := float64(surfaceH) / float64(imageH)

	switch mode {
	case models.ModeLiveStream:
		return math.Max(sx, sy)
	case models.ModeImage, models.ModeVideo:
		return math.Min(sx, sy)
	}
	return 1
}

// ScreenPoint maps a normalized landmark onto the surface. The result is
// anchored at the surface origin, without centering.
func ScreenPoint(lm models.NormalizedLandmark, imageW, imageH int, scale float64) (float64, float64) {
	return lm.X * float64(imageW) * scale, lm.Y * float64(imageH) * scale
}

// Renderer holds the latest result bundle for a view. SetResult may be called
// from the engine goroutine while the host renders.
type Renderer struct {
	mu          sync.RWMutex
	bundle      *models.ResultBundle
	frame       int
	imageWidth  int
	imageHeight int
	mode        models.Mode
	surfaceW    int
	surfaceH    int
	scale       float64
	pointPaint  Paint
	linePaint   Paint
}

func NewRenderer() *Renderer {
	return &Renderer{
		scale:      1,
		pointPaint: DefaultPointPaint(),
		linePaint:  DefaultLinePaint(),
	}
}

// SetResult replaces the drawn bundle and resets the shown frame to the first.
// The scale factor is recomputed against the last rendered surface.
func (r *Renderer) SetResult(bundle *models.ResultBundle, imageHeight, imageWidth int, mode models.Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundle = bundle
	r.frame = 0
	r.imageHeight = imageHeight
	r.imageWidth = imageWidth
	r.mode = mode
	if r.surfaceW > 0 && r.surfaceH > 0 {
		r.scale = ScaleFactor(mode, r.surfaceW, r.surfaceH, imageWidth, imageHeight)
	}
}

// ShowFrame selects which result of a multi-frame bundle is drawn.
func (r *Renderer) ShowFrame(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frame = index
}

// Clear drops the bundle and restores the default paints.
func (r *Renderer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundle = nil
	r.frame = 0
	r.scale = 1
	r.pointPaint = DefaultPointPaint()
	r.linePaint = DefaultLinePaint()
}

func (r *Renderer) SetPaints(point, line Paint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pointPaint = point
	r.linePaint = line
}

// ScaleFactor is the factor for the current result on the last rendered
// surface, or 1 before the first render pass.
func (r *Renderer) ScaleFactor() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scale
}

// Render draws the current result onto canvas. Every pose gets its landmark
// points; skeleton lines are always resolved against pose 0, once per pose.
func (r *Renderer) Render(canvas Canvas, surfaceW, surfaceH int) {
	r.mu.Lock()
	if r.bundle == nil {
		r.mu.Unlock()
		return
	}
	result, ok := r.bundle.Result(r.frame)
	if !ok {
		r.mu.Unlock()
		return
	}
	r.surfaceW, r.surfaceH = surfaceW, surfaceH
	r.scale = ScaleFactor(r.mode, surfaceW, surfaceH, r.imageWidth, r.imageHeight)
	scale, w, h := r.scale, r.imageWidth, r.imageHeight
	pointPaint, linePaint := r.pointPaint, r.linePaint
	r.mu.Unlock()

	if len(result.Landmarks) == 0 {
		return
	}
	first := result.Landmarks[0]

	for range result.Landmarks {
		for _, conn := range models.PoseConnections {
			if conn.Start >= len(first) || conn.End >= len(first) {
				continue
			}
			x1, y1 := ScreenPoint(first[conn.Start], w, h, scale)
			x2, y2 := ScreenPoint(first[conn.End], w, h, scale)
			canvas.DrawLine(x1, y1, x2, y2, linePaint)
		}
	}

	for _, pose := range result.Landmarks {
		for _, lm := range pose {
			x, y := ScreenPoint(lm, w, h, scale)
			canvas.DrawPoint(x, y, pointPaint)
		}
	}
}
