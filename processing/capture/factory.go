package capture

import (
	"context"
	"fmt"

	"safetyvision/internal/config"
	"safetyvision/internal/models"
)

type Source interface {
	Read(ctx context.Context) (models.Frame, error)
	Close() error
}

func Open(cfg *config.Config) (Source, error) {
	switch cfg.ActiveSource {
	case config.SourceCamera:
		return OpenCamera(cfg.Camera.ID)
	case config.SourceDevice:
		return NewStreamSource(NewFFmpegWebcam(cfg.Webcam.Name, cfg.GetFPS(), 0, 0))
	case config.SourceVideo:
		streamer, err := NewLocalStreamer(cfg.Video.Path, cfg.GetFPS(), 0, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceOpen, err)
		}
		return NewStreamSource(streamer)
	case config.SourceImage:
		return OpenImage(cfg.Image.Path)
	default:
		return nil, fmt.Errorf("%w: unknown source %q", ErrSourceOpen, cfg.ActiveSource)
	}
}
