package media

import (
	"image"

	"github.com/san-kum/pose-landmarker/server/handlers"
	"github.com/san-kum/pose-landmarker/server/models"
)

// Codec is the OpenCV-backed handlers.Codec.
type Codec struct{}

var _ handlers.Codec = Codec{}

func (Codec) DecodeImage(data []byte) (image.Image, error) {
	return DecodeImage(data)
}

func (Codec) OpenVideo(path string) (handlers.Video, error) {
	video, err := OpenVideoFile(path)
	if err != nil {
		return nil, err
	}
	return video, nil
}

func (Codec) Annotate(img image.Image, bundle *models.ResultBundle, frame int, mode models.Mode) ([]byte, error) {
	return Annotate(img, bundle, frame, mode)
}
