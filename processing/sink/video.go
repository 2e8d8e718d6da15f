package sink

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

const (
	VideoCodec = "mp4v"
	VideoFPS   = 30.0
)

// VideoWriter records frames to a file. The container is opened on the first
// frame because OpenCV needs the frame size up front.
type VideoWriter struct {
	mu sync.Mutex

	path   string
	fps    float64
	writer *gocv.VideoWriter
	size   image.Point
	frames uint64
}

func NewVideoWriter(path string) *VideoWriter {
	return &VideoWriter{path: path, fps: VideoFPS}
}

func (v *VideoWriter) Path() string { return v.path }

func (v *VideoWriter) Frames() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frames
}

func (v *VideoWriter) Write(img image.Image) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	size := img.Bounds().Size()

	if v.writer == nil {
		w, err := gocv.VideoWriterFile(v.path, VideoCodec, v.fps, size.X, size.Y, true)
		if err != nil {
			return fmt.Errorf("open video writer %s: %w", v.path, err)
		}
		if !w.IsOpened() {
			w.Close()
			return fmt.Errorf("open video writer %s: codec %s unavailable", v.path, VideoCodec)
		}
		v.writer = w
		v.size = size
	}

	if size != v.size {
		return fmt.Errorf("frame size %v differs from video size %v", size, v.size)
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return fmt.Errorf("convert frame: %w", err)
	}
	defer mat.Close()

	if err := v.writer.Write(mat); err != nil {
		return err
	}
	v.frames++
	return nil
}

func (v *VideoWriter) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.writer == nil {
		return nil
	}
	err := v.writer.Close()
	v.writer = nil
	return err
}
