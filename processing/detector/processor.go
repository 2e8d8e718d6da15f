package detector

import (
	"context"
	"errors"
	"image"
	"io"
	"time"

	"safetyvision/internal/config"
	"safetyvision/internal/metrics"
	"safetyvision/internal/models"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

type State int

const (
	StateRunning State = iota
	StateStopped
)

const (
	KeyQuit       = 'q'
	KeyScreenshot = 's'
	KeyToggle     = 'c'

	keyPollWait = time.Millisecond
)

type StatsRenderer interface {
	DrawStats(img image.Image, s models.FrameStats) image.Image
}

type Options struct {
	Config   *config.Config
	Source   FrameSource
	Ensemble *Ensemble
	Stats    StatsRenderer
	Display  Display
	// optional
	Sink        FrameSink
	Screenshots ScreenshotWriter
	Metrics     *metrics.Metrics
	Device      string
	Log         *logrus.Entry
	Now         func() time.Time
}

type Summary struct {
	Frames     uint64
	Failures   uint64
	Elapsed    time.Duration
	AverageFPS float64
	Device     string
}

// Processor is the live acquire, detect, render, display loop. All stages of
// a tick run to completion on the calling goroutine before the next begins.
type Processor struct {
	opts  Options
	fps   *FPSMeter
	state State

	frames   uint64
	failures uint64
	last     image.Image
}

func NewProcessor(opts Options) *Processor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Processor{
		opts:  opts,
		fps:   NewFPSMeter(FPSWindow),
		state: StateRunning,
	}
}

func (p *Processor) State() State { return p.state }

// Run loops until the source ends, the quit key is pressed or ctx is done,
// then releases the source, display and sink.
func (p *Processor) Run(ctx context.Context) (Summary, error) {
	start := p.opts.Now()

	for p.state == StateRunning {
		if ctx.Err() != nil {
			p.opts.Log.Info("interrupted, stopping")
			p.state = StateStopped
			break
		}
		p.Step(ctx)
	}

	elapsed := p.opts.Now().Sub(start)

	err := p.shutdown()

	summary := Summary{
		Frames:   p.frames,
		Failures: p.failures,
		Elapsed:  elapsed,
		Device:   p.opts.Device,
	}
	if elapsed > 0 {
		summary.AverageFPS = float64(p.frames) / elapsed.Seconds()
	}

	return summary, err
}

// Step runs a single tick and reports whether the loop is still running.
func (p *Processor) Step(ctx context.Context) bool {
	if p.state != StateRunning {
		return false
	}

	frame, err := p.opts.Source.Read(ctx)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			p.opts.Log.Info("end of stream")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			p.opts.Log.Info("interrupted, stopping")
		default:
			p.opts.Log.WithError(err).Error("failed to grab frame")
			if p.opts.Metrics != nil {
				p.opts.Metrics.ReadErrors.Add(1)
			}
		}
		p.state = StateStopped
		return false
	}

	th := p.opts.Config.Thresholds()
	res := p.opts.Ensemble.Detect(ctx, frame.Pixels, th)

	p.frames++
	if res.Failed() {
		p.failures++
	}

	fps := p.fps.Tick(p.opts.Now())
	stats := models.FrameStats{
		FPS:        fps,
		Detections: len(res.Detections),
		Device:     p.opts.Device,
		Confidence: th.Confidence,
		Latency:    res.Latency,
	}
	p.observe(res, fps)

	out := res.Frame
	if p.opts.Stats != nil {
		out = p.opts.Stats.DrawStats(out, stats)
	}
	p.last = out

	if err := p.opts.Display.Show(out, stats); err != nil {
		if errors.Is(err, ErrDisplayClosed) {
			p.opts.Log.Info("display closed, stopping")
			p.state = StateStopped
			return false
		}
		p.opts.Log.WithError(err).Warn("display failed")
	}

	if p.opts.Sink != nil {
		if err := p.opts.Sink.Write(out); err != nil {
			p.opts.Log.WithError(err).Error("video write failed")
		} else if p.opts.Metrics != nil {
			p.opts.Metrics.FramesRecorded.Add(1)
		}
	}

	if key, ok := p.opts.Display.PollKey(keyPollWait); ok {
		p.HandleKey(key)
	}

	return p.state == StateRunning
}

func (p *Processor) HandleKey(key rune) {
	switch key {
	case KeyQuit:
		p.opts.Log.Info("quit requested")
		p.state = StateStopped

	case KeyScreenshot:
		if p.opts.Screenshots == nil || p.last == nil {
			return
		}
		path, err := p.opts.Screenshots.Save(p.last)
		if err != nil {
			p.opts.Log.WithError(err).Error("screenshot failed")
			return
		}
		if p.opts.Metrics != nil {
			p.opts.Metrics.Screenshots.Add(1)
		}
		p.opts.Log.WithField("path", path).Info("screenshot saved")

	case KeyToggle:
		conf := p.opts.Config.ToggleConfidence()
		p.opts.Log.Infof("confidence threshold changed to %.2f", conf)
	}
}

func (p *Processor) observe(res Result, fps float64) {
	m := p.opts.Metrics
	if m == nil {
		return
	}
	m.FramesProcessed.Add(1)
	m.SetFPS(fps)
	m.UpdateInferenceLatency(res.Latency)
	if res.Failed() {
		m.InferenceFailures.Add(1)
	}
	for _, d := range res.Detections {
		m.ObserveDetection(d.ClassName, d.Source)
	}
}

func (p *Processor) shutdown() error {
	err := multierr.Append(nil, p.opts.Source.Close())
	err = multierr.Append(err, p.opts.Display.Close())
	if p.opts.Sink != nil {
		err = multierr.Append(err, p.opts.Sink.Close())
	}
	return err
}
