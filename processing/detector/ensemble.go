package detector

import (
	"context"
	"fmt"
	"image"
	"io"
	"time"

	"safetyvision/internal/models"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

type Predictor interface {
	Predict(ctx context.Context, img image.Image, th models.Thresholds) ([]models.RawDetection, error)
}

type Annotator interface {
	Annotate(img image.Image, dets []models.Detection) image.Image
}

type Member struct {
	Name   string
	Model  Predictor
	Labels Labeler
}

type Status int

const (
	StatusOK Status = iota
	StatusFailed
)

func (s Status) String() string {
	if s == StatusFailed {
		return "failed"
	}
	return "ok"
}

// Result is one ensemble pass. A failed pass carries the untouched frame and
// no detections; a successful pass with nothing found has an empty list.
type Result struct {
	Frame      image.Image
	Detections []models.Detection
	Status     Status
	Err        error
	Latency    time.Duration
}

func (r Result) Failed() bool { return r.Status == StatusFailed }

// Ensemble runs every member on the same frame and unions their detections.
// Overlaps across members are kept as is.
type Ensemble struct {
	members  []Member
	annotate Annotator
	log      *logrus.Entry
}

func NewEnsemble(annotate Annotator, log *logrus.Entry, members ...Member) *Ensemble {
	return &Ensemble{members: members, annotate: annotate, log: log}
}

func (e *Ensemble) Members() []Member {
	return e.members
}

func (e *Ensemble) Detect(ctx context.Context, frame image.Image, th models.Thresholds) (res Result) {
	start := time.Now()
	defer func() {
		res.Latency = time.Since(start)
	}()

	dets, err := e.collect(ctx, frame, th)
	if err != nil {
		e.log.WithError(err).Error("inference failed, passing frame through")
		return Result{Frame: frame, Status: StatusFailed, Err: err}
	}

	out := frame
	if e.annotate != nil {
		out = e.annotate.Annotate(frame, dets)
	}

	return Result{Frame: out, Detections: dets, Status: StatusOK}
}

func (e *Ensemble) collect(ctx context.Context, frame image.Image, th models.Thresholds) (dets []models.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			dets = nil
			err = fmt.Errorf("inference panic: %v", r)
		}
	}()

	if frame == nil {
		return nil, fmt.Errorf("nil frame")
	}
	bounds := frame.Bounds()

	dets = []models.Detection{}
	for _, m := range e.members {
		raw, err := m.Model.Predict(ctx, frame, th)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.Name, err)
		}

		for _, r := range raw {
			dets = append(dets, normalize(m, r, bounds))
		}
	}

	return dets, nil
}

func normalize(m Member, raw models.RawDetection, bounds image.Rectangle) models.Detection {
	labels := m.Labels
	if labels == nil {
		labels = PassThrough{}
	}

	return models.Detection{
		ClassName:  labels.Label(raw),
		Confidence: models.ClampConfidence(raw.Confidence),
		Box:        raw.Box.Clamp(bounds),
		Source:     m.Name,
	}
}

// Close releases members that hold native resources.
func (e *Ensemble) Close() error {
	var err error
	for _, m := range e.members {
		if c, ok := m.Model.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}
