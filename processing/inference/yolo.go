package inference

import (
	"image"
	"image/color"
	"sort"

	"safetyvision/internal/models"

	"github.com/nfnt/resize"
)

// preprocess stretches img to w x h and writes planar RGB scaled to [0,1] into dst.
func preprocess(img image.Image, w, h int, dst []float32) {
	resized := resize.Resize(uint(w), uint(h), img, resize.Bilinear)
	b := resized.Bounds()
	plane := w * h

	if rgba, ok := resized.(*image.RGBA); ok {
		for y := 0; y < h; y++ {
			row := rgba.Pix[(y)*rgba.Stride:]
			for x := 0; x < w; x++ {
				i := y*w + x
				p := row[x*4 : x*4+3]
				dst[i] = float32(p[0]) / 255.0
				dst[plane+i] = float32(p[1]) / 255.0
				dst[2*plane+i] = float32(p[2]) / 255.0
			}
		}
		return
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBAModel.Convert(resized.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			i := y*w + x
			dst[i] = float32(c.R) / 255.0
			dst[plane+i] = float32(c.G) / 255.0
			dst[2*plane+i] = float32(c.B) / 255.0
		}
	}
}

// decode reads a [4+C, N] tensor of (cx, cy, w, h, scores...) in model-input
// pixels and keeps anchors whose best class score reaches conf.
func decode(out []float32, numClasses, numAnchors int, conf float64) []models.RawDetection {
	if len(out) < (4+numClasses)*numAnchors {
		return nil
	}

	var dets []models.RawDetection
	for i := 0; i < numAnchors; i++ {
		classID, prob := 0, float32(-1)
		for j := 0; j < numClasses; j++ {
			if curr := out[numAnchors*(j+4)+i]; curr > prob {
				prob = curr
				classID = j
			}
		}

		if float64(prob) < conf {
			continue
		}

		cx := float64(out[i])
		cy := float64(out[numAnchors+i])
		bw := float64(out[2*numAnchors+i])
		bh := float64(out[3*numAnchors+i])

		dets = append(dets, models.RawDetection{
			ClassID:    classID,
			Confidence: float64(prob),
			Box: models.Box{
				X1: cx - bw/2,
				Y1: cy - bh/2,
				X2: cx + bw/2,
				Y2: cy + bh/2,
			},
		})
	}
	return dets
}

// nonMaxSuppression is greedy and per class: a box only suppresses lower
// scored boxes of its own class.
func nonMaxSuppression(dets []models.RawDetection, iou float64, limit int) []models.RawDetection {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})

	suppressed := make([]bool, len(dets))
	kept := make([]models.RawDetection, 0, len(dets))

	for i := range dets {
		if suppressed[i] {
			continue
		}
		kept = append(kept, dets[i])
		if limit > 0 && len(kept) == limit {
			break
		}

		for j := i + 1; j < len(dets); j++ {
			if suppressed[j] || dets[j].ClassID != dets[i].ClassID {
				continue
			}
			if dets[i].Box.IoU(dets[j].Box) > iou {
				suppressed[j] = true
			}
		}
	}
	return kept
}
