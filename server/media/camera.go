package media

import (
	"errors"
	"fmt"
	"image"

	"github.com/san-kum/pose-landmarker/server/models"
	"github.com/san-kum/pose-landmarker/server/processor"
	"gocv.io/x/gocv"
)

// Camera grabs frames from a capture device as camera buffers.
type Camera struct {
	capture  *gocv.VideoCapture
	frame    gocv.Mat
	rotation int
	front    bool
}

func OpenCamera(device, rotationDegrees int, front bool) (*Camera, error) {
	capture, err := gocv.VideoCaptureDevice(device)
	if err != nil {
		return nil, fmt.Errorf("%w: open camera %d: %w", models.ErrSource, device, err)
	}
	return &Camera{
		capture:  capture,
		frame:    gocv.NewMat(),
		rotation: rotationDegrees,
		front:    front,
	}, nil
}

func (c *Camera) IsFront() bool {
	return c.front
}

// Next blocks until the device delivers a frame.
func (c *Camera) Next() (processor.CameraBuffer, error) {
	if ok := c.capture.Read(&c.frame); !ok || c.frame.Empty() {
		return processor.CameraBuffer{}, fmt.Errorf("%w: camera returned no frame", models.ErrSource)
	}
	img, err := c.frame.ToImage()
	if err != nil {
		return processor.CameraBuffer{}, err
	}

	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = processor.ToRGBA(img)
	}
	return processor.CameraBuffer{
		Width:           rgba.Rect.Dx(),
		Height:          rgba.Rect.Dy(),
		Stride:          rgba.Stride,
		Pix:             rgba.Pix,
		RotationDegrees: c.rotation,
	}, nil
}

func (c *Camera) Close() error {
	return errors.Join(c.frame.Close(), c.capture.Close())
}
