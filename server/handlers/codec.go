package handlers

import (
	"image"

	"github.com/san-kum/pose-landmarker/server/models"
	"github.com/san-kum/pose-landmarker/server/processor"
)

// Codec decodes uploads and renders annotated previews.
type Codec interface {
	DecodeImage(data []byte) (image.Image, error)
	OpenVideo(path string) (Video, error)
	Annotate(img image.Image, bundle *models.ResultBundle, frame int, mode models.Mode) ([]byte, error)
}

type Video interface {
	processor.VideoSource
	Close() error
}
