// Package media decodes images and videos and draws overlays with OpenCV.
package media

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/san-kum/pose-landmarker/server/models"
	"gocv.io/x/gocv"
)

// VideoFile reads frames from a recorded video by timestamp.
type VideoFile struct {
	path    string
	mu      sync.Mutex
	capture *gocv.VideoCapture
	frame   gocv.Mat
}

func OpenVideoFile(path string) (*VideoFile, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open video %s: %w", models.ErrSource, path, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("%w: video %s could not be opened", models.ErrSource, path)
	}
	return &VideoFile{
		path:    path,
		capture: capture,
		frame:   gocv.NewMat(),
	}, nil
}

// DurationMs derives the duration from the frame count and frame rate.
func (v *VideoFile) DurationMs() (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	frames := v.capture.Get(gocv.VideoCaptureFrameCount)
	fps := v.capture.Get(gocv.VideoCaptureFPS)
	if frames <= 0 || fps <= 0 {
		return 0, fmt.Errorf("%w: video %s reports no duration", models.ErrSource, v.path)
	}
	return int64(frames / fps * 1000), nil
}

// FrameAt seeks to timestampMs and decodes the next frame.
func (v *VideoFile) FrameAt(timestampMs int64) (image.Image, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.capture.Set(gocv.VideoCapturePosMsec, float64(timestampMs))
	if ok := v.capture.Read(&v.frame); !ok || v.frame.Empty() {
		return nil, fmt.Errorf("%w: no frame at %dms in %s", models.ErrSource, timestampMs, v.path)
	}
	return v.frame.ToImage()
}

func (v *VideoFile) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return errors.Join(v.frame.Close(), v.capture.Close())
}
