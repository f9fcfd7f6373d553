package processor

import (
	"fmt"
	"image"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/san-kum/pose-landmarker/server/models"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// CameraBuffer is one RGBA plane as delivered by a camera, together with the
// rotation that brings it upright.
type CameraBuffer struct {
	Width           int
	Height          int
	Stride          int
	Pix             []byte
	RotationDegrees int
}

// VideoSource yields decoded frames of a recorded video.
type VideoSource interface {
	DurationMs() (int64, error)
	// FrameAt returns the frame closest to timestampMs.
	FrameAt(timestampMs int64) (image.Image, error)
}

// NormalizeCameraBuffer returns an upright frame, mirrored when it comes from
// a front-facing camera. The camera plane is copied, never retained.
func NormalizeCameraBuffer(buf CameraBuffer, isFrontCamera bool) (*models.Frame, error) {
	switch buf.RotationDegrees {
	case 0, 90, 180, 270:
	default:
		return nil, fmt.Errorf("%w: unsupported rotation %d degrees", models.ErrSource, buf.RotationDegrees)
	}
	if buf.Width <= 0 || buf.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid camera frame size %dx%d", models.ErrSource, buf.Width, buf.Height)
	}
	stride := buf.Stride
	if stride == 0 {
		stride = buf.Width * 4
	}
	if stride < buf.Width*4 || len(buf.Pix) < stride*(buf.Height-1)+buf.Width*4 {
		return nil, fmt.Errorf("%w: camera plane too short for %dx%d", models.ErrSource, buf.Width, buf.Height)
	}

	src := image.NewRGBA(image.Rect(0, 0, buf.Width, buf.Height))
	rowLen := buf.Width * 4
	for y := 0; y < buf.Height; y++ {
		copy(src.Pix[y*src.Stride:y*src.Stride+rowLen], buf.Pix[y*stride:y*stride+rowLen])
	}

	m := orientationMatrix(buf.RotationDegrees, isFrontCamera, float64(buf.Width), float64(buf.Height))
	return models.NewFrame(transform(src, m), 0), nil
}

// orientationMatrix rotates by degrees and then, for front cameras, mirrors
// horizontally about the source frame's own width and height.
func orientationMatrix(degrees int, mirror bool, width, height float64) mgl64.Mat3 {
	m := mgl64.HomogRotate2D(mgl64.DegToRad(float64(degrees)))
	if mirror {
		flip := mgl64.Translate2D(width, height).
			Mul3(mgl64.Scale2D(-1, 1)).
			Mul3(mgl64.Translate2D(-width, -height))
		m = flip.Mul3(m)
	}
	return m
}

// transform resamples src through m. The output covers the transformed
// bounds, so translation components of m do not shift the content.
func transform(src *image.RGBA, m mgl64.Mat3) *image.RGBA {
	w, h := float64(src.Rect.Dx()), float64(src.Rect.Dy())

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, corner := range []mgl64.Vec3{{0, 0, 1}, {w, 0, 1}, {0, h, 1}, {w, h, 1}} {
		p := m.Mul3x1(corner)
		minX, maxX = math.Min(minX, p.X()), math.Max(maxX, p.X())
		minY, maxY = math.Min(minY, p.Y()), math.Max(maxY, p.Y())
	}

	outW := int(math.Round(maxX - minX))
	outH := int(math.Round(maxY - minY))
	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))

	// Shift the content so the transformed bounds start at the origin.
	aff := f64.Aff3{
		m.At(0, 0), m.At(0, 1), m.At(0, 2) - minX,
		m.At(1, 0), m.At(1, 1), m.At(1, 2) - minY,
	}
	draw.NearestNeighbor.Transform(dst, aff, src, src.Bounds(), draw.Src, nil)
	return dst
}

// ToRGBA returns img itself when it is already an origin-anchored RGBA image
// and a converted copy otherwise. img is never modified.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Copy(dst, image.Point{}, img, b, draw.Src, nil)
	return dst
}
