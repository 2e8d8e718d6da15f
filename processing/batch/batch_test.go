package batch

import (
	"bytes"
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"

	"safetyvision/internal/logging"
	"safetyvision/internal/models"
	"safetyvision/processing/detector"
	"safetyvision/processing/render"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticModel struct{ dets []models.RawDetection }

func (m staticModel) Predict(context.Context, image.Image, models.Thresholds) ([]models.RawDetection, error) {
	return m.dets, nil
}

func writeImage(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, imaging.Save(image.NewNRGBA(image.Rect(0, 0, 64, 48)), path))
}

func TestListImagesFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.PNG", "a.jpg", "c.jpeg", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.jpg"), 0o755))

	files, err := ListImages(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg", "b.PNG", "c.jpeg"}, files)
}

func TestRunnerWritesOneOutputPerImage(t *testing.T) {
	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "result_photos")
	writeImage(t, filepath.Join(in, "one.png"))
	writeImage(t, filepath.Join(in, "two.jpg"))
	require.NoError(t, os.WriteFile(filepath.Join(in, "broken.png"), []byte("not an image"), 0o644))

	fire := StrictAbove{Min: 0.5, Predictor: staticModel{dets: []models.RawDetection{
		{Confidence: 0.9, Box: models.Box{X1: 5, Y1: 5, X2: 30, Y2: 30}},
		{Confidence: 0.5, Box: models.Box{X1: 1, Y1: 1, X2: 3, Y2: 3}},
	}}}
	tool := StrictAbove{Min: 0.5, Predictor: staticModel{}}

	ens := detector.NewEnsemble(render.NewBatch(), logging.Component(logging.Discard(), "test"),
		detector.Member{Name: "FireExtinguisher", Model: fire, Labels: detector.FixedLabel("FireExtinguisher")},
		detector.Member{Name: "ToolBox", Model: tool, Labels: detector.FixedLabel("ToolBox")},
	)

	var stdout bytes.Buffer
	r := &Runner{
		InputDir:   in,
		OutputDir:  out,
		Confidence: 0.5,
		Ensemble:   ens,
		Out:        &stdout,
		Log:        logging.Component(logging.Discard(), "test"),
	}

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.Detections)
	assert.Equal(t, []string{filepath.Join(out, "one.png"), filepath.Join(out, "two.jpg")}, report.Written)

	for _, p := range report.Written {
		_, err := os.Stat(p)
		require.NoError(t, err)
	}
	assert.Contains(t, stdout.String(), "Saved: "+filepath.Join(out, "one.png"))
	assert.Contains(t, stdout.String(), "Processed 2 image(s), 1 failed")
}

func TestRunnerMissingInput(t *testing.T) {
	r := &Runner{InputDir: filepath.Join(t.TempDir(), "nope"), OutputDir: t.TempDir(), Out: &bytes.Buffer{}}
	_, err := r.Run(context.Background())
	assert.Error(t, err)
}

func TestStrictAboveDropsEqualScores(t *testing.T) {
	p := StrictAbove{Min: 0.5, Predictor: staticModel{dets: []models.RawDetection{
		{Confidence: 0.5}, {Confidence: 0.51}, {Confidence: 0.2},
	}}}
	dets, err := p.Predict(context.Background(), nil, models.Thresholds{})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, 0.51, dets[0].Confidence)
}
