package capture

import (
	"context"
	"fmt"
	"image"
	"io"
	"time"

	"safetyvision/internal/models"

	"github.com/disintegration/imaging"
)

// StillImage yields a single decoded image, then io.EOF.
type StillImage struct {
	img  image.Image
	done bool
}

func OpenImage(path string) (*StillImage, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceOpen, path, err)
	}
	return NewStillImage(img), nil
}

func NewStillImage(img image.Image) *StillImage {
	return &StillImage{img: img}
}

func (s *StillImage) Read(ctx context.Context) (models.Frame, error) {
	if err := ctx.Err(); err != nil {
		return models.Frame{}, err
	}
	if s.done {
		return models.Frame{}, io.EOF
	}
	s.done = true
	return models.Frame{Pixels: s.img, Timestamp: time.Now(), Index: 1}, nil
}

func (s *StillImage) Close() error {
	s.done = true
	return nil
}
