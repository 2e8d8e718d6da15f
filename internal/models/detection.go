package models

import (
	"image"
	"math"
	"time"
)

// DetectionResult is the wire shape produced by a remote detector server.
// Box is normalized as [y1, x1, y2, x2].
type DetectionResult struct {
	Label      string    `json:"label"`
	Confidence float32   `json:"confidence"`
	Box        []float32 `json:"box"`
}

type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b Box) Width() float64  { return b.X2 - b.X1 }
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

func (b Box) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Clamp limits the box to the pixel extent of bounds and keeps X1<=X2, Y1<=Y2.
func (b Box) Clamp(bounds image.Rectangle) Box {
	minX, minY := float64(bounds.Min.X), float64(bounds.Min.Y)
	maxX, maxY := float64(bounds.Max.X), float64(bounds.Max.Y)

	c := Box{
		X1: clamp(math.Min(b.X1, b.X2), minX, maxX),
		Y1: clamp(math.Min(b.Y1, b.Y2), minY, maxY),
		X2: clamp(math.Max(b.X1, b.X2), minX, maxX),
		Y2: clamp(math.Max(b.Y1, b.Y2), minY, maxY),
	}
	return c
}

func (b Box) Within(bounds image.Rectangle) bool {
	return b.X1 >= float64(bounds.Min.X) && b.Y1 >= float64(bounds.Min.Y) &&
		b.X2 <= float64(bounds.Max.X) && b.Y2 <= float64(bounds.Max.Y) &&
		b.X1 <= b.X2 && b.Y1 <= b.Y2
}

func (b Box) Rect() image.Rectangle {
	return image.Rect(int(math.Round(b.X1)), int(math.Round(b.Y1)), int(math.Round(b.X2)), int(math.Round(b.Y2)))
}

func (b Box) Slice() []float64 {
	return []float64{b.X1, b.Y1, b.X2, b.Y2}
}

// IoU returns the intersection over union of two boxes.
func (b Box) IoU(o Box) float64 {
	ix1 := math.Max(b.X1, o.X1)
	iy1 := math.Max(b.Y1, o.Y1)
	ix2 := math.Min(b.X2, o.X2)
	iy2 := math.Min(b.Y2, o.Y2)

	inter := Box{X1: ix1, Y1: iy1, X2: ix2, Y2: iy2}.Area()
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// RawDetection is a single model output before it is labelled and clamped.
// ClassID is -1 when the producer only knows Label.
type RawDetection struct {
	ClassID    int
	Label      string
	Confidence float64
	Box        Box
}

type Detection struct {
	ClassName  string  `json:"class"`
	Confidence float64 `json:"conf"`
	Box        Box     `json:"box"`
	Source     string  `json:"source"`
}

type Thresholds struct {
	Confidence float64 `json:"confidence"`
	IoU        float64 `json:"iou"`
}

type Frame struct {
	Pixels    image.Image
	Timestamp time.Time
	Index     uint64
}

type FrameStats struct {
	FPS        float64
	Detections int
	Device     string
	Confidence float64
	Latency    time.Duration
}

func ClampConfidence(v float64) float64 {
	return clamp(v, 0, 1)
}

// CountByClass returns the number of detections per class name.
func CountByClass(dets []Detection) map[string]int {
	counts := make(map[string]int, len(dets))
	for _, d := range dets {
		counts[d.ClassName]++
	}
	return counts
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
