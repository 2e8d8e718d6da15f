package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"safetyvision/internal/config"
	"safetyvision/internal/metrics"
	"safetyvision/internal/ui"
	"safetyvision/processing/detector"
	"safetyvision/processing/render"
	"safetyvision/processing/sink"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const viewerTitle = "YOLOv8 Human Detection - Real-time"

// Viewer is a display that owns the GUI event loop.
type Viewer interface {
	detector.Display
	// Run blocks until the window closes.
	Run()
	Done() <-chan struct{}
}

func newViewer(title string, cfg *config.Config) Viewer {
	return ui.CreateApp(title, cfg)
}

func (a *CLI) realtimeCommand() *cli.Command {
	flags := append(modelFlags(),
		&cli.IntFlag{
			Name:  "camera",
			Value: 0,
			Usage: "camera device ID",
		},
		&cli.StringFlag{
			Name:  "webcam",
			Usage: "read from a named capture device through ffmpeg",
		},
		&cli.StringFlag{
			Name:  "video",
			Usage: "read frames from a video file",
		},
		&cli.StringFlag{
			Name:  "image",
			Usage: "run on a single image",
		},
		&cli.StringFlag{
			Name:  "output",
			Usage: "record annotated frames to an mp4 `FILE`",
		},
		&cli.StringFlag{
			Name:  "screenshot-dir",
			Value: ".",
			Usage: "where s saves screenshots",
		},
		&cli.BoolFlag{
			Name:  "headless",
			Usage: "run without a window",
		},
	)

	return &cli.Command{
		Name:   "realtime",
		Usage:  "live detection from a camera, video or image",
		Flags:  flags,
		Action: a.realtime,
	}
}

func (a *CLI) applyRealtimeFlags(c *cli.Context) error {
	if err := a.applyModelFlags(c); err != nil {
		return err
	}

	cfg := a.cfg
	if c.IsSet("camera") {
		cfg.Camera.ID = c.Int("camera")
		cfg.ActiveSource = config.SourceCamera
	}
	if c.IsSet("webcam") {
		cfg.Webcam.Name = c.String("webcam")
		cfg.ActiveSource = config.SourceDevice
	}
	if c.IsSet("video") {
		cfg.Video.Path = c.String("video")
		cfg.ActiveSource = config.SourceVideo
	}
	if c.IsSet("image") {
		cfg.Image.Path = c.String("image")
		cfg.ActiveSource = config.SourceImage
	}
	if c.IsSet("output") {
		cfg.OutputPath = c.String("output")
	}
	if c.IsSet("screenshot-dir") {
		cfg.ScreenshotDir = c.String("screenshot-dir")
	}
	return nil
}

func (a *CLI) realtime(c *cli.Context) error {
	if err := a.applyRealtimeFlags(c); err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 1)
	}
	cfg := a.cfg
	log := a.component("realtime")

	if err := cfg.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("Error: invalid configuration: %v", err), 1)
	}
	if err := checkModelFiles(cfg.HumanModel, cfg.EquipmentModel); err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v\nPlease make sure the model file exists.", err), 1)
	}

	members, loader, err := a.buildMembers(log, []config.ModelConfig{cfg.HumanModel, cfg.EquipmentModel}, nil)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error loading model(s): %v", err), 1)
	}
	models := &modelSet{
		ensemble: detector.NewEnsemble(render.NewLive(), a.component("ensemble"), members...),
		loader:   loader,
		device:   deviceName(loader),
	}
	defer func() {
		if err := models.Close(); err != nil {
			log.WithError(err).Warn("release models")
		}
	}()

	src, err := a.deps.OpenSource(cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: could not open %s source: %v", cfg.ActiveSource, err), 1)
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.StartServer(cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	opts := detector.Options{
		Config:      cfg,
		Source:      src,
		Ensemble:    models.ensemble,
		Stats:       render.NewLive(),
		Screenshots: sink.NewScreenshots(cfg.ScreenshotDir),
		Metrics:     m,
		Device:      models.device,
		Log:         log,
	}
	if cfg.OutputPath != "" {
		opts.Sink = sink.NewVideoWriter(cfg.OutputPath)
		a.printf("Recording to: %s\n", cfg.OutputPath)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"source":     cfg.ActiveSource,
		"device":     models.device,
		"confidence": cfg.GetConfidence(),
	}).Info("starting real-time detection, press q to quit, s to save a screenshot, c to toggle confidence")

	var summary detector.Summary
	if c.Bool("headless") {
		opts.Display = detector.NewHeadlessDisplay(log)
		summary, err = detector.NewProcessor(opts).Run(ctx)
	} else {
		summary, err = a.runWithViewer(ctx, opts)
	}

	a.printSummary(summary)
	return err
}

// runWithViewer keeps the GUI loop on the calling goroutine and the detection
// loop on another. A still image stays on screen until the window is closed.
func (a *CLI) runWithViewer(ctx context.Context, opts detector.Options) (detector.Summary, error) {
	viewer := a.deps.NewViewer(viewerTitle, opts.Config)

	opts.Display = viewer
	if opts.Config.ActiveSource == config.SourceImage {
		opts.Display = &holdOpen{Viewer: viewer, ctx: ctx}
	}

	type outcome struct {
		summary detector.Summary
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		s, err := detector.NewProcessor(opts).Run(ctx)
		done <- outcome{s, err}
	}()

	viewer.Run()

	res := <-done
	return res.summary, res.err
}

// holdOpen defers closing the viewer until the user closes it or ctx ends.
type holdOpen struct {
	Viewer
	ctx context.Context
}

func (h *holdOpen) Close() error {
	select {
	case <-h.Viewer.Done():
	case <-h.ctx.Done():
	}
	return h.Viewer.Close()
}

func (a *CLI) printSummary(s detector.Summary) {
	a.printf("\nFinal Statistics:\n")
	a.printf("   Total frames processed: %d\n", s.Frames)
	a.printf("   Total time: %.2f seconds\n", s.Elapsed.Seconds())
	a.printf("   Average FPS: %.1f\n", s.AverageFPS)
	a.printf("   Device used: %s\n", s.Device)
}
