package inference

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"runtime"
	"sync"

	"safetyvision/internal/models"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	DefaultInputSize  = 640
	DefaultClassCount = 1
	MaxDetections     = 300
)

type ModelSpec struct {
	Name string
	Path string

	// Used only when the graph declares dynamic dimensions.
	InputSize  int
	NumClasses int
}

func (s ModelSpec) displayName() string {
	if s.Name != "" {
		return s.Name
	}
	return filepath.Base(s.Path)
}

type Error struct {
	Op    string
	Model string
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Model, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Model is a loaded YOLO-style detector with preallocated tensors.
// Predict serializes access to the session.
type Model struct {
	mu sync.Mutex

	name    string
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]

	inW, inH   int
	numClasses int
	numAnchors int

	device Device
}

func (m *Model) Name() string   { return m.name }
func (m *Model) Device() Device { return m.device }

func (m *Model) Predict(ctx context.Context, img image.Image, th models.Thresholds) ([]models.RawDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img == nil {
		return nil, &Error{Op: "predict", Model: m.name, Cause: fmt.Errorf("nil frame")}
	}

	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, &Error{Op: "predict", Model: m.name, Cause: fmt.Errorf("empty frame")}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	preprocess(img, m.inW, m.inH, m.input.GetData())

	if err := m.session.Run(); err != nil {
		return nil, &Error{Op: "run", Model: m.name, Cause: err}
	}

	sx := float64(bounds.Dx()) / float64(m.inW)
	sy := float64(bounds.Dy()) / float64(m.inH)

	raw := decode(m.output.GetData(), m.numClasses, m.numAnchors, th.Confidence)
	for i := range raw {
		raw[i].Box = models.Box{
			X1: raw[i].Box.X1*sx + float64(bounds.Min.X),
			Y1: raw[i].Box.Y1*sy + float64(bounds.Min.Y),
			X2: raw[i].Box.X2*sx + float64(bounds.Min.X),
			Y2: raw[i].Box.Y2*sy + float64(bounds.Min.Y),
		}
	}

	return nonMaxSuppression(raw, th.IoU, MaxDetections), nil
}

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.session != nil {
		err = m.session.Destroy()
		m.session = nil
	}
	if m.input != nil {
		m.input.Destroy()
		m.input = nil
	}
	if m.output != nil {
		m.output.Destroy()
		m.output = nil
	}
	return err
}

func loadModel(spec ModelSpec, target Device, log *logrus.Entry) (*Model, error) {
	name := spec.displayName()

	inputs, outputs, err := ort.GetInputOutputInfo(spec.Path)
	if err != nil {
		return nil, &Error{Op: "inspect", Model: name, Cause: err}
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, &Error{Op: "inspect", Model: name, Cause: fmt.Errorf("model has no inputs or outputs")}
	}

	inW, inH := inputSize(inputs[0].Dimensions, spec.InputSize)
	numClasses, numAnchors := outputLayout(outputs[0].Dimensions, spec.NumClasses, inW, inH)

	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(inH), int64(inW)), make([]float32, 3*inW*inH))
	if err != nil {
		return nil, &Error{Op: "allocate input", Model: name, Cause: err}
	}

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+numClasses), int64(numAnchors)))
	if err != nil {
		input.Destroy()
		return nil, &Error{Op: "allocate output", Model: name, Cause: err}
	}

	m := &Model{
		name:       name,
		input:      input,
		output:     output,
		inW:        inW,
		inH:        inH,
		numClasses: numClasses,
		numAnchors: numAnchors,
	}

	inNames := []string{inputs[0].Name}
	outNames := []string{outputs[0].Name}

	if target.wantsAccelerator() {
		session, err := newSession(spec.Path, inNames, outNames, m, &target)
		if err == nil {
			m.session = session
			m.device = Device{Kind: DeviceCUDA, ID: target.ID}
			return m, nil
		}
		log.WithError(err).WithField("model", name).Warn("CUDA not available, falling back to CPU")
	}

	session, err := newSession(spec.Path, inNames, outNames, m, nil)
	if err != nil {
		m.Close()
		return nil, &Error{Op: "create session", Model: name, Cause: err}
	}
	m.session = session
	m.device = Device{Kind: DeviceCPU}

	return m, nil
}

func newSession(path string, inNames, outNames []string, m *Model, cuda *Device) (*ort.AdvancedSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(runtime.NumCPU()); err != nil {
		return nil, err
	}

	if cuda != nil {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, err
		}
		defer cudaOptions.Destroy()

		if err := cudaOptions.Update(map[string]string{"device_id": fmt.Sprint(cuda.ID)}); err != nil {
			return nil, err
		}
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return nil, err
		}
	}

	return ort.NewAdvancedSession(path,
		inNames, outNames,
		[]ort.ArbitraryTensor{m.input},
		[]ort.ArbitraryTensor{m.output},
		options,
	)
}

// inputSize reads NCHW dimensions, falling back to a square of size def.
func inputSize(dims ort.Shape, def int) (int, int) {
	if def <= 0 {
		def = DefaultInputSize
	}
	w, h := def, def
	if len(dims) == 4 {
		if dims[3] > 0 {
			w = int(dims[3])
		}
		if dims[2] > 0 {
			h = int(dims[2])
		}
	}
	return w, h
}

// outputLayout reads a [1, 4+C, N] output shape. Dynamic dimensions fall back
// to the configured class count and the anchor count for strides 8/16/32.
func outputLayout(dims ort.Shape, classes, inW, inH int) (int, int) {
	if classes <= 0 {
		classes = DefaultClassCount
	}
	anchors := anchorCount(inW, inH)

	if len(dims) == 3 {
		if dims[1] > 4 {
			classes = int(dims[1]) - 4
		}
		if dims[2] > 0 {
			anchors = int(dims[2])
		}
	}
	return classes, anchors
}

func anchorCount(w, h int) int {
	total := 0
	for _, stride := range []int{8, 16, 32} {
		total += (w / stride) * (h / stride)
	}
	return total
}
