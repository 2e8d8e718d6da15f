package batch

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"safetyvision/internal/models"
	"safetyvision/processing/detector"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
)

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// Runner annotates every image in InputDir and writes copies under the same
// name to OutputDir.
type Runner struct {
	InputDir   string
	OutputDir  string
	Confidence float64

	Ensemble *detector.Ensemble
	Out      io.Writer
	Log      *logrus.Entry
}

type Report struct {
	Processed  int
	Failed     int
	Detections int
	Written    []string
}

func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func (r *Runner) Run(ctx context.Context) (Report, error) {
	var report Report

	files, err := ListImages(r.InputDir)
	if err != nil {
		return report, fmt.Errorf("read input folder: %w", err)
	}

	if err := os.MkdirAll(r.OutputDir, 0o755); err != nil {
		return report, fmt.Errorf("create output folder: %w", err)
	}

	th := models.Thresholds{Confidence: r.Confidence, IoU: 0.45}

	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		n, path, err := r.processOne(ctx, name, th)
		if err != nil {
			report.Failed++
			r.Log.WithError(err).WithField("file", name).Error("skipping image")
			continue
		}

		report.Processed++
		report.Detections += n
		report.Written = append(report.Written, path)
		fmt.Fprintf(r.Out, "Saved: %s\n", path)
	}

	fmt.Fprintf(r.Out, "Processed %d image(s), %d failed\n", report.Processed, report.Failed)
	return report, nil
}

func (r *Runner) processOne(ctx context.Context, name string, th models.Thresholds) (int, string, error) {
	img, err := imaging.Open(filepath.Join(r.InputDir, name), imaging.AutoOrientation(true))
	if err != nil {
		return 0, "", err
	}

	res := r.Ensemble.Detect(ctx, img, th)
	if res.Failed() {
		return 0, "", res.Err
	}

	out := filepath.Join(r.OutputDir, name)
	if err := imaging.Save(res.Frame, out); err != nil {
		return 0, "", err
	}
	return len(res.Detections), out, nil
}

// StrictAbove wraps a predictor so only scores strictly above Min survive.
type StrictAbove struct {
	detector.Predictor
	Min float64
}

func (s StrictAbove) Predict(ctx context.Context, img image.Image, th models.Thresholds) ([]models.RawDetection, error) {
	raw, err := s.Predictor.Predict(ctx, img, th)
	if err != nil {
		return nil, err
	}

	kept := raw[:0:0]
	for _, d := range raw {
		if d.Confidence > s.Min {
			kept = append(kept, d)
		}
	}
	return kept, nil
}

func (s StrictAbove) Close() error {
	if c, ok := s.Predictor.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
