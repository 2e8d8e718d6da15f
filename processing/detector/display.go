package detector

import (
	"context"
	"errors"
	"image"
	"time"

	"safetyvision/internal/models"

	"github.com/sirupsen/logrus"
)

// FrameSource is anything the loop can pull frames from.
type FrameSource interface {
	Read(ctx context.Context) (models.Frame, error)
	Close() error
}

// ErrDisplayClosed is returned by Show once the user has closed the display.
var ErrDisplayClosed = errors.New("display closed")

// Display shows annotated frames and reports key presses.
type Display interface {
	Show(img image.Image, stats models.FrameStats) error
	// PollKey waits at most wait for a key press.
	PollKey(wait time.Duration) (rune, bool)
	Close() error
}

type FrameSink interface {
	Write(img image.Image) error
	Close() error
}

type ScreenshotWriter interface {
	Save(img image.Image) (string, error)
}

// HeadlessDisplay logs frame stats at debug level and never reports keys.
type HeadlessDisplay struct {
	log *logrus.Entry
}

func NewHeadlessDisplay(log *logrus.Entry) *HeadlessDisplay {
	return &HeadlessDisplay{log: log}
}

func (d *HeadlessDisplay) Show(_ image.Image, s models.FrameStats) error {
	d.log.WithFields(logrus.Fields{
		"fps":        s.FPS,
		"detections": s.Detections,
		"latency":    s.Latency,
	}).Debug("frame")
	return nil
}

func (d *HeadlessDisplay) PollKey(wait time.Duration) (rune, bool) {
	return 0, false
}

func (d *HeadlessDisplay) Close() error { return nil }
