package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"safetyvision/internal/models"
)

var ErrSourceOpen = errors.New("cannot open frame source")

// VideoStreamer produces frames on a channel from a background reader.
type VideoStreamer interface {
	Start() error
	Stop()
	FrameChan() <-chan image.Image
	ErrorChan() <-chan error
}

// StreamSource turns a VideoStreamer into a pull source: each Read blocks for
// the next frame. A closed frame channel or a stream error reads as io.EOF.
type StreamSource struct {
	streamer VideoStreamer
	index    uint64
	lastErr  error
}

func NewStreamSource(s VideoStreamer) (*StreamSource, error) {
	if err := s.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceOpen, err)
	}
	return &StreamSource{streamer: s}, nil
}

func (s *StreamSource) Read(ctx context.Context) (models.Frame, error) {
	select {
	case <-ctx.Done():
		return models.Frame{}, ctx.Err()

	case img, ok := <-s.streamer.FrameChan():
		if !ok || img == nil {
			return models.Frame{}, s.endOfStream()
		}
		s.index++
		return models.Frame{Pixels: img, Timestamp: time.Now(), Index: s.index}, nil

	case err, ok := <-s.streamer.ErrorChan():
		if ok && err != nil {
			s.lastErr = err
		}
		return models.Frame{}, s.endOfStream()
	}
}

// Err reports the stream error that ended the source, if any.
func (s *StreamSource) Err() error {
	return s.lastErr
}

func (s *StreamSource) endOfStream() error {
	if s.lastErr != nil {
		return fmt.Errorf("%w: %v", io.EOF, s.lastErr)
	}
	return io.EOF
}

func (s *StreamSource) Close() error {
	s.streamer.Stop()
	return nil
}
