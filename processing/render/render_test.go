package render

import (
	"image"
	"image/color"
	"testing"

	"safetyvision/internal/models"

	"github.com/stretchr/testify/assert"
)

func rgbaAt(img image.Image, x, y int) color.RGBA {
	return color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
}

func grey(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 100, 100, 100, 255
	}
	return img
}

func TestAnnotateDrawsClassColourOnCopy(t *testing.T) {
	src := grey(400, 300)
	r := NewLive()

	out := r.Annotate(src, []models.Detection{
		{ClassName: "human", Confidence: 0.87, Box: models.Box{X1: 100, Y1: 100, X2: 200, Y2: 200}},
		{ClassName: "ladder", Confidence: 0.5, Box: models.Box{X1: 250, Y1: 150, X2: 300, Y2: 250}},
	})

	assert.Equal(t, color.RGBA{128, 0, 128, 255}, rgbaAt(out, 150, 199))
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, rgbaAt(out, 299, 200))
	// inside the box stays untouched
	assert.Equal(t, color.RGBA{100, 100, 100, 255}, rgbaAt(src, 150, 150))
	assert.Equal(t, rgbaAt(src, 150, 150), rgbaAt(out, 150, 150))
	// source frame is not modified
	assert.Equal(t, color.RGBA{100, 100, 100, 255}, rgbaAt(src, 150, 199))
}

func TestLabelFormats(t *testing.T) {
	d := models.Detection{ClassName: "toolbox", Confidence: 0.87}
	assert.Equal(t, "toolbox: 87.00%", NewLive().Label(d))
	assert.Equal(t, "toolbox 0.87", NewBatch().Label(d))
}

func TestPaletteFallback(t *testing.T) {
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, LivePalette().Color("unknown"))
	assert.Equal(t, color.RGBA{0, 255, 255, 255}, BatchPalette().Color("unknown"))
	assert.Equal(t, color.RGBA{255, 165, 0, 255}, LivePalette().Color("toolbox"))
}

func TestDrawStatsPanel(t *testing.T) {
	src := grey(640, 480)
	out := NewLive().DrawStats(src, models.FrameStats{FPS: 25, Detections: 3, Device: "CPU", Confidence: 0.5})

	assert.Equal(t, color.RGBA{255, 255, 255, 255}, rgbaAt(out, 10, 50))
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, rgbaAt(out, 250, 100))
	assert.Equal(t, rgbaAt(src, 400, 400), rgbaAt(out, 400, 400))
}

func TestAnnotateBoxAtEdgeDoesNotPanic(t *testing.T) {
	src := grey(50, 50)
	assert.NotPanics(t, func() {
		NewLive().Annotate(src, []models.Detection{
			{ClassName: "human", Confidence: 1, Box: models.Box{X1: 0, Y1: 0, X2: 50, Y2: 50}},
		})
	})
}
