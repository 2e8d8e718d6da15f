package sink

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
)

const ScreenshotLayout = "20060102_150405"

type Screenshots struct {
	Dir    string
	Prefix string
	Now    func() time.Time
}

func NewScreenshots(dir string) *Screenshots {
	return &Screenshots{Dir: dir, Prefix: "human_detection", Now: time.Now}
}

func (s *Screenshots) Name(t time.Time) string {
	return fmt.Sprintf("%s_%s.jpg", s.Prefix, t.Format(ScreenshotLayout))
}

// Save writes img as JPEG and returns the file path.
func (s *Screenshots) Save(img image.Image) (string, error) {
	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, s.Name(s.Now()))
	if err := imaging.Save(img, path, imaging.JPEGQuality(95)); err != nil {
		return "", fmt.Errorf("save screenshot: %w", err)
	}
	return path, nil
}
