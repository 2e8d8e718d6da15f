package capture

import (
	"context"
	"fmt"
	"io"
	"time"

	"safetyvision/internal/models"

	"gocv.io/x/gocv"
)

// Camera pulls frames from an OpenCV capture device by index.
type Camera struct {
	id    int
	cap   *gocv.VideoCapture
	mat   gocv.Mat
	index uint64
}

func OpenCamera(id int) (*Camera, error) {
	vc, err := gocv.OpenVideoCapture(id)
	if err != nil {
		return nil, fmt.Errorf("%w: camera %d: %v", ErrSourceOpen, id, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: camera %d", ErrSourceOpen, id)
	}

	return &Camera{id: id, cap: vc, mat: gocv.NewMat()}, nil
}

// Read returns io.EOF once the device stops delivering frames.
func (c *Camera) Read(ctx context.Context) (models.Frame, error) {
	if err := ctx.Err(); err != nil {
		return models.Frame{}, err
	}

	if ok := c.cap.Read(&c.mat); !ok || c.mat.Empty() {
		return models.Frame{}, io.EOF
	}

	img, err := c.mat.ToImage()
	if err != nil {
		return models.Frame{}, fmt.Errorf("camera %d: convert frame: %w", c.id, err)
	}

	c.index++
	return models.Frame{Pixels: img, Timestamp: time.Now(), Index: c.index}, nil
}

func (c *Camera) Close() error {
	c.mat.Close()
	return c.cap.Close()
}
