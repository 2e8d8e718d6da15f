package ui

import (
	"fmt"
	"image"
	"sync"
	"time"

	"safetyvision/internal/config"
	"safetyvision/internal/models"
	"safetyvision/internal/ui/cwidget"
	"safetyvision/processing/detector"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/widget"
)

const keyBuffer = 8

// DetectApp is the live viewer window. Show and PollKey are safe to call from
// the detection goroutine; Run must be called from main.
type DetectApp struct {
	fyneApp fyne.App
	mainWin fyne.Window

	config *config.Config

	videoCanvas  *canvas.Image
	fpsLabel     *widget.Label
	detLabel     *widget.Label
	latencyLabel *widget.Label
	deviceLabel  *widget.Label
	confInput    *cwidget.Input[float64]

	keys      chan rune
	closeOnce sync.Once
	closed    chan struct{}
}

func CreateApp(title string, cfg *config.Config) *DetectApp {
	a := app.New()
	w := a.NewWindow(title)

	w.Resize(fyne.NewSize(1200, 720))

	d := &DetectApp{
		fyneApp: a,
		mainWin: w,
		config:  cfg,
		keys:    make(chan rune, keyBuffer),
		closed:  make(chan struct{}),
	}
	d.build()

	return d
}

func (a *DetectApp) build() {
	a.videoCanvas = canvas.NewImageFromImage(nil)
	a.videoCanvas.FillMode = canvas.ImageFillContain
	a.videoCanvas.SetMinSize(fyne.NewSize(640, 480))

	a.fpsLabel = widget.NewLabel(formatFPS(0))
	a.detLabel = widget.NewLabel(formatDetections(0))
	a.latencyLabel = widget.NewLabel(formatLatency(0))
	a.deviceLabel = widget.NewLabel("Device: -")

	videoContainer := container.NewBorder(
		container.NewHBox(a.fpsLabel, widget.NewSeparator(), a.detLabel, widget.NewSeparator(), a.latencyLabel),
		nil, nil, nil,
		a.videoCanvas,
	)

	a.confInput = cwidget.NewRangeInput(
		"Confidence",
		"0.0 - 1.0",
		a.config.GetConfidence(),
		0, 1,
		func(v float64) {
			a.config.SetConfidence(v)
		},
	)

	settingsLabel := widget.NewLabelWithStyle("Detection", fyne.TextAlignLeading, fyne.TextStyle{Bold: true})

	sidebar := container.NewVBox(
		settingsLabel,
		widget.NewSeparator(),
		a.deviceLabel,
		a.confInput,
		widget.NewSeparator(),
		widget.NewLabel("Keys: q quit, s screenshot, c toggle confidence"),
	)

	split := container.NewHSplit(
		container.NewPadded(sidebar),
		container.NewPadded(videoContainer),
	)
	split.SetOffset(0.25)

	a.mainWin.SetContent(split)

	a.mainWin.Canvas().SetOnTypedRune(a.pushKey)

	a.mainWin.SetCloseIntercept(func() {
		a.pushKey('q')
		a.markClosed()
		a.mainWin.Close()
	})
}

func (a *DetectApp) pushKey(r rune) {
	select {
	case a.keys <- r:
	default:
	}
}

// Run blocks on the fyne event loop until the window closes or Close is called.
func (a *DetectApp) Run() {
	a.mainWin.CenterOnScreen()
	a.mainWin.ShowAndRun()
}

func (a *DetectApp) Show(img image.Image, s models.FrameStats) error {
	select {
	case <-a.closed:
		return detector.ErrDisplayClosed
	default:
	}

	fyne.Do(func() {
		a.videoCanvas.Image = img
		a.videoCanvas.Refresh()

		a.fpsLabel.SetText(formatFPS(s.FPS))
		a.detLabel.SetText(formatDetections(s.Detections))
		a.latencyLabel.SetText(formatLatency(s.Latency))
		a.deviceLabel.SetText("Device: " + s.Device)
		a.confInput.SetValueLabel(s.Confidence)
	})
	return nil
}

// PollKey reports quit once the window is closed, even if the key buffer
// dropped the close event.
func (a *DetectApp) PollKey(wait time.Duration) (rune, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-a.closed:
		return detector.KeyQuit, true
	default:
	}

	select {
	case k := <-a.keys:
		return k, true
	case <-a.closed:
		return detector.KeyQuit, true
	case <-timer.C:
		return 0, false
	}
}

// Done is closed once the window is closed by the user or by Close.
func (a *DetectApp) Done() <-chan struct{} {
	return a.closed
}

func (a *DetectApp) markClosed() bool {
	first := false
	a.closeOnce.Do(func() {
		close(a.closed)
		first = true
	})
	return first
}

// Close quits the event loop unless the user already closed the window.
func (a *DetectApp) Close() error {
	if a.markClosed() {
		fyne.Do(func() {
			a.fyneApp.Quit()
		})
	}
	return nil
}

func formatFPS(v float64) string {
	return fmt.Sprintf("FPS: %.1f", v)
}

func formatDetections(n int) string {
	return fmt.Sprintf("Detections: %d", n)
}

func formatLatency(v time.Duration) string {
	return fmt.Sprintf("Latency: %d ms", v.Milliseconds())
}
