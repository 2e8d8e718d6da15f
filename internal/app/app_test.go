package app

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"safetyvision/internal/config"
	"safetyvision/internal/models"
	"safetyvision/processing/capture"
	"safetyvision/processing/detector"
	"safetyvision/processing/inference"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

type staticModel struct{ dets []models.RawDetection }

func (m staticModel) Predict(context.Context, image.Image, models.Thresholds) ([]models.RawDetection, error) {
	return m.dets, nil
}

type fakeLoader struct {
	loaded []string
	closed bool
}

func (l *fakeLoader) Load(spec inference.ModelSpec) (detector.Predictor, error) {
	l.loaded = append(l.loaded, spec.Name)
	return staticModel{dets: []models.RawDetection{
		{ClassID: 0, Confidence: 0.5, Box: models.Box{X1: 2, Y1: 2, X2: 20, Y2: 20}},
		{ClassID: 0, Confidence: 0.9, Box: models.Box{X1: 4, Y1: 4, X2: 30, Y2: 30}},
	}}, nil
}

func (l *fakeLoader) Device() string { return "CPU (test)" }
func (l *fakeLoader) Close() error   { l.closed = true; return nil }

type harness struct {
	out        bytes.Buffer
	loader     *fakeLoader
	loaderMade bool
	opened     bool
	frame      image.Image
}

func newHarness() *harness {
	return &harness{
		loader: &fakeLoader{},
		frame:  imaging.New(64, 48, color.NRGBA{R: 40, G: 40, B: 40, A: 255}),
	}
}

func (h *harness) run(t *testing.T, args ...string) error {
	t.Helper()

	deps := Deps{
		OpenSource: func(*config.Config) (detector.FrameSource, error) {
			h.opened = true
			return capture.NewStillImage(h.frame), nil
		},
		NewLoader: func(string, string, *logrus.Entry) (Loader, error) {
			h.loaderMade = true
			return h.loader, nil
		},
		NewViewer: func(string, *config.Config) Viewer {
			t.Fatal("viewer must not be created in tests")
			return nil
		},
		Out: &h.out,
	}

	a := New(deps)
	a.ExitErrHandler = func(*cli.Context, error) {}

	base := []string{"safetyvision", "--config", filepath.Join(t.TempDir(), "missing.json"), "--log-level", "panic"}
	return a.Run(append(base, args...))
}

func touch(t *testing.T, path string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("onnx"), 0o644))
	return path
}

func TestRealtimeMissingModelOpensNothing(t *testing.T) {
	h := newHarness()
	err := h.run(t, "realtime", "--headless", "--model", filepath.Join(t.TempDir(), "nope.onnx"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.Equal(t, 1, ExitCode(err))
	assert.False(t, h.opened, "source must not be opened")
	assert.False(t, h.loaderMade, "runtime must not be created")
}

func TestRealtimeHeadlessStillImage(t *testing.T) {
	dir := t.TempDir()
	h := newHarness()

	err := h.run(t, "realtime", "--headless",
		"--model", touch(t, filepath.Join(dir, "best.onnx")),
		"--equipment-model", touch(t, filepath.Join(dir, "model2", "best.onnx")),
		"--image", "ignored.jpg",
	)
	require.NoError(t, err)

	assert.True(t, h.opened)
	assert.Equal(t, []string{"human", "equipment"}, h.loader.loaded)
	assert.True(t, h.loader.closed)

	out := h.out.String()
	assert.Contains(t, out, "Final Statistics:")
	assert.Contains(t, out, "Total frames processed: 1")
	assert.Contains(t, out, "Device used: CPU (test)")
}

func TestRealtimeRejectsInvalidConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"confidence": 1.5}`), 0o644))

	h := newHarness()
	err := h.run(t, "--config", cfgPath, "realtime", "--headless",
		"--model", touch(t, filepath.Join(dir, "best.onnx")),
		"--equipment-model", touch(t, filepath.Join(dir, "eq.onnx")),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confidence 1.50 out of range")
	assert.False(t, h.opened)
	assert.False(t, h.loaderMade)
}

func TestThresholdFlagsOutOfRange(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"conf above one", []string{"realtime", "--headless", "--conf", "1.5"}, "--conf 1.50 out of range"},
		{"negative iou", []string{"realtime", "--headless", "--iou", "-0.1"}, "--iou -0.10 out of range"},
		{"dashboard conf", []string{"dashboard", "--conf", "2"}, "--conf 2.00 out of range"},
		{"batch conf", []string{"batch", "--conf", "1.5"}, "--conf 1.50 out of range"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			h := newHarness()
			model := touch(t, filepath.Join(dir, "best.onnx"))
			args := append([]string{}, tc.args...)
			if tc.args[0] == "batch" {
				args = append(args, "--input", dir, "--model", "Fire="+model)
			} else {
				args = append(args, "--model", model,
					"--equipment-model", touch(t, filepath.Join(dir, "eq.onnx")))
			}

			err := h.run(t, args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
			assert.Equal(t, 1, ExitCode(err))
			assert.False(t, h.opened)
			assert.False(t, h.loaderMade)
		})
	}
}

func TestRealtimeSourceFailure(t *testing.T) {
	dir := t.TempDir()
	h := newHarness()

	deps := Deps{
		OpenSource: func(*config.Config) (detector.FrameSource, error) {
			return nil, capture.ErrSourceOpen
		},
		NewLoader: func(string, string, *logrus.Entry) (Loader, error) { return h.loader, nil },
		Out:       &h.out,
	}
	a := New(deps)
	a.ExitErrHandler = func(*cli.Context, error) {}

	err := a.Run([]string{"safetyvision", "--config", filepath.Join(dir, "none.json"), "--log-level", "panic",
		"realtime", "--headless",
		"--model", touch(t, filepath.Join(dir, "best.onnx")),
		"--equipment-model", touch(t, filepath.Join(dir, "eq.onnx")),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not open camera source")
	assert.True(t, h.loader.closed, "models are released when the source fails")
}

func TestBatchWritesAnnotatedCopies(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "test_images")
	out := filepath.Join(dir, "result_photos")
	require.NoError(t, os.MkdirAll(in, 0o755))
	require.NoError(t, imaging.Save(imaging.New(40, 40, color.White), filepath.Join(in, "a.png")))

	h := newHarness()
	err := h.run(t, "batch",
		"--input", in,
		"--output", out,
		"--model", "FireExtinguisher="+touch(t, filepath.Join(dir, "fire.onnx")),
		"--model", "ToolBox="+touch(t, filepath.Join(dir, "tool.onnx")),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"FireExtinguisher", "ToolBox"}, h.loader.loaded)
	_, err = os.Stat(filepath.Join(out, "a.png"))
	assert.NoError(t, err)
	assert.Contains(t, h.out.String(), "Saved: "+filepath.Join(out, "a.png"))
	assert.Contains(t, h.out.String(), "Processed 1 image(s), 0 failed")
}

func TestBatchMissingModel(t *testing.T) {
	h := newHarness()
	err := h.run(t, "batch", "--input", t.TempDir(), "--model", "Fire=/no/such/model.onnx")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.False(t, h.loaderMade)
}

func TestParseModelFlag(t *testing.T) {
	mc, err := parseModelFlag("OxygenTank=runs/detect/OxygenTank/weights/best.onnx")
	require.NoError(t, err)
	assert.Equal(t, config.ModelConfig{
		Name:  "OxygenTank",
		Label: "OxygenTank",
		Path:  "runs/detect/OxygenTank/weights/best.onnx",
	}, mc)

	for _, bad := range []string{"", "noequals", "=path", "Name="} {
		_, err := parseModelFlag(bad)
		assert.Error(t, err, bad)
	}
}

func TestLabelerFor(t *testing.T) {
	raw := models.RawDetection{ClassID: 2}

	assert.Equal(t, "human", labelerFor(config.ModelConfig{Label: "human"}).Label(raw))
	assert.Equal(t, "oxygen tank", labelerFor(config.ModelConfig{Classes: config.DefaultEquipmentClasses}).Label(raw))
	assert.Equal(t, "class_2", labelerFor(config.ModelConfig{}).Label(raw))
}

func TestCheckModelFilesSkipsRemote(t *testing.T) {
	assert.NoError(t, checkModelFiles(config.ModelConfig{Path: "ws://localhost:8080/ws"}))
	err := checkModelFiles(config.ModelConfig{Path: "/definitely/missing.onnx"})
	assert.True(t, errors.Is(err, inference.ErrModelNotFound))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 3, ExitCode(cli.Exit("x", 3)))
}
