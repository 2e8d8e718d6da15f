package inference

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"safetyvision/internal/logging"
	"safetyvision/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
)

// tensor builds a [4+C, N] buffer from per-anchor rows of cx, cy, w, h, scores...
func tensor(numClasses int, anchors ...[]float32) []float32 {
	n := len(anchors)
	out := make([]float32, (4+numClasses)*n)
	for i, a := range anchors {
		for k, v := range a {
			out[k*n+i] = v
		}
	}
	return out
}

func TestDecode(t *testing.T) {
	out := tensor(3,
		[]float32{100, 100, 20, 40, 0.1, 0.9, 0.2},
		[]float32{300, 200, 10, 10, 0.2, 0.1, 0.3},
		[]float32{50, 60, 10, 20, 0.6, 0.0, 0.0},
	)

	dets := decode(out, 3, 3, 0.5)
	require.Len(t, dets, 2)

	assert.Equal(t, 1, dets[0].ClassID)
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-6)
	assert.Equal(t, models.Box{X1: 90, Y1: 80, X2: 110, Y2: 120}, dets[0].Box)

	assert.Equal(t, 0, dets[1].ClassID)
	assert.Equal(t, models.Box{X1: 45, Y1: 50, X2: 55, Y2: 70}, dets[1].Box)
}

func TestDecodeShortBuffer(t *testing.T) {
	assert.Nil(t, decode(make([]float32, 10), 3, 8400, 0.5))
}

func TestNonMaxSuppressionPerClass(t *testing.T) {
	box := models.Box{X1: 0, Y1: 0, X2: 100, Y2: 100}
	shifted := models.Box{X1: 5, Y1: 5, X2: 105, Y2: 105}
	far := models.Box{X1: 300, Y1: 300, X2: 350, Y2: 350}

	dets := []models.RawDetection{
		{ClassID: 0, Confidence: 0.6, Box: shifted},
		{ClassID: 0, Confidence: 0.9, Box: box},
		{ClassID: 1, Confidence: 0.8, Box: shifted},
		{ClassID: 0, Confidence: 0.5, Box: far},
	}

	kept := nonMaxSuppression(dets, 0.45, MaxDetections)
	require.Len(t, kept, 3)
	assert.Equal(t, 0.9, kept[0].Confidence)
	assert.Equal(t, 1, kept[1].ClassID)
	assert.Equal(t, far, kept[2].Box)
}

func TestNonMaxSuppressionLimit(t *testing.T) {
	var dets []models.RawDetection
	for i := 0; i < 10; i++ {
		x := float64(i * 100)
		dets = append(dets, models.RawDetection{Confidence: 0.5, Box: models.Box{X1: x, X2: x + 10, Y2: 10}})
	}
	assert.Len(t, nonMaxSuppression(dets, 0.5, 4), 4)
}

func TestPreprocessPlanarLayout(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 51, A: 255})
		}
	}

	dst := make([]float32, 3*4*4)
	preprocess(img, 4, 4, dst)

	assert.InDelta(t, 1.0, dst[0], 1e-3)
	assert.InDelta(t, 0.0, dst[16], 1e-3)
	assert.InDelta(t, 0.2, dst[32], 1e-3)
}

func TestLayoutFallbacks(t *testing.T) {
	w, h := inputSize(ort.NewShape(1, 3, -1, -1), 0)
	assert.Equal(t, 640, w)
	assert.Equal(t, 640, h)

	w, h = inputSize(ort.NewShape(1, 3, 320, 480), 0)
	assert.Equal(t, 480, w)
	assert.Equal(t, 320, h)

	classes, anchors := outputLayout(ort.NewShape(1, 7, 8400), 1, 640, 640)
	assert.Equal(t, 3, classes)
	assert.Equal(t, 8400, anchors)

	classes, anchors = outputLayout(ort.NewShape(1, -1, -1), 3, 640, 640)
	assert.Equal(t, 3, classes)
	assert.Equal(t, 8400, anchors)
}

func TestParseDevice(t *testing.T) {
	cases := map[string]Device{
		"":       {Kind: DeviceAuto},
		"auto":   {Kind: DeviceAuto},
		"CPU":    {Kind: DeviceCPU},
		"cuda":   {Kind: DeviceCUDA},
		"cuda:1": {Kind: DeviceCUDA, ID: 1},
	}
	for in, want := range cases {
		got, err := ParseDevice(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDevice("tpu")
	assert.Error(t, err)
	_, err = ParseDevice("cuda:x")
	assert.Error(t, err)

	assert.Equal(t, "CUDA:1", Device{Kind: DeviceCUDA, ID: 1}.String())
	assert.Contains(t, Device{Kind: DeviceCPU}.String(), "CPU")
}

func TestLoadMissingModel(t *testing.T) {
	r := &Runtime{
		requested: Device{Kind: DeviceCPU},
		log:       logging.Component(logging.Discard(), "inference"),
	}

	_, err := r.Load(ModelSpec{Path: filepath.Join(t.TempDir(), "missing.onnx")})
	require.ErrorIs(t, err, ErrModelNotFound)
}
