package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"safetyvision/internal/models"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	white = color.RGBA{255, 255, 255, 255}
	black = color.RGBA{0, 0, 0, 255}
	green = color.RGBA{0, 255, 0, 255}
)

type Palette struct {
	Colors   map[string]color.RGBA
	Fallback color.RGBA
}

func (p Palette) Color(class string) color.RGBA {
	if c, ok := p.Colors[class]; ok {
		return c
	}
	return p.Fallback
}

func LivePalette() Palette {
	return Palette{
		Colors: map[string]color.RGBA{
			"human":            {128, 0, 128, 255},
			"fireextinguisher": {255, 0, 0, 255},
			"toolbox":          {255, 165, 0, 255},
			"oxygen tank":      {0, 255, 0, 255},
		},
		Fallback: white,
	}
}

func BatchPalette() Palette {
	return Palette{
		Colors: map[string]color.RGBA{
			"FireExtinguisher": {0, 255, 0, 255},
			"ToolBox":          {0, 0, 255, 255},
			"OxygenTank":       {255, 0, 0, 255},
		},
		Fallback: color.RGBA{0, 255, 255, 255},
	}
}

type LabelStyle int

const (
	// filled tag in the class colour with white "name: 87.00%" text
	LabelTag LabelStyle = iota
	// bare "name 0.87" text in the class colour
	LabelText
)

// Renderer draws detections and statistics onto copies of a frame.
type Renderer struct {
	Palette   Palette
	Style     LabelStyle
	Thickness int
	Face      font.Face
}

func NewLive() *Renderer {
	return &Renderer{Palette: LivePalette(), Style: LabelTag, Thickness: 2, Face: basicfont.Face7x13}
}

func NewBatch() *Renderer {
	return &Renderer{Palette: BatchPalette(), Style: LabelText, Thickness: 2, Face: basicfont.Face7x13}
}

func (r *Renderer) Label(d models.Detection) string {
	if r.Style == LabelText {
		return fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence)
	}
	return fmt.Sprintf("%s: %.2f%%", d.ClassName, d.Confidence*100)
}

func (r *Renderer) Annotate(img image.Image, dets []models.Detection) image.Image {
	dst := imaging.Clone(img)

	for _, d := range dets {
		col := r.Palette.Color(d.ClassName)
		rect := d.Box.Rect()

		strokeRect(dst, rect, r.Thickness, col)

		label := r.Label(d)
		switch r.Style {
		case LabelText:
			r.drawText(dst, label, rect.Min.X, rect.Min.Y-10, col)
		default:
			tw := font.MeasureString(r.Face, label).Ceil()
			th := r.Face.Metrics().Height.Ceil()
			tag := image.Rect(rect.Min.X, rect.Min.Y-th-10, rect.Min.X+tw, rect.Min.Y)
			fillRect(dst, tag, col)
			r.drawText(dst, label, rect.Min.X, rect.Min.Y-5, white)
		}
	}

	return dst
}

func (r *Renderer) DrawStats(img image.Image, s models.FrameStats) image.Image {
	dst := imaging.Clone(img)

	panel := image.Rect(10, 10, 300, 120)
	fillRect(dst, panel, black)
	strokeRect(dst, panel, 2, white)

	r.drawText(dst, fmt.Sprintf("FPS: %.1f", s.FPS), 20, 35, green)
	r.drawText(dst, fmt.Sprintf("Detections: %d", s.Detections), 20, 60, white)
	r.drawText(dst, fmt.Sprintf("Device: %s", s.Device), 20, 85, white)
	r.drawText(dst, fmt.Sprintf("Conf: %.2f", s.Confidence), 20, 110, white)

	return dst
}

// drawText places the text baseline at (x, y).
func (r *Renderer) drawText(dst draw.Image, text string, x, y int, col color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(col),
		Face: r.Face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func fillRect(dst draw.Image, rect image.Rectangle, col color.Color) {
	draw.Draw(dst, rect.Intersect(dst.Bounds()), image.NewUniform(col), image.Point{}, draw.Src)
}

func strokeRect(dst draw.Image, rect image.Rectangle, thickness int, col color.Color) {
	if thickness < 1 {
		thickness = 1
	}
	t := thickness
	fillRect(dst, image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+t), col)
	fillRect(dst, image.Rect(rect.Min.X, rect.Max.Y-t, rect.Max.X, rect.Max.Y), col)
	fillRect(dst, image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+t, rect.Max.Y), col)
	fillRect(dst, image.Rect(rect.Max.X-t, rect.Min.Y, rect.Max.X, rect.Max.Y), col)
}
