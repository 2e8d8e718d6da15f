package inference

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sys/cpu"
)

const LibraryEnv = "ONNXRUNTIME_LIB"

var ErrModelNotFound = errors.New("model file not found")

// ortEnv reference-counts the process-wide ONNX Runtime environment: the
// first Runtime creates it and closing the last one destroys it, so a later
// Runtime initializes it again.
type ortEnv struct {
	mu      sync.Mutex
	refs    int
	init    func(libPath string) error
	destroy func() error
}

var sharedEnv = &ortEnv{
	init: func(libPath string) error {
		ort.SetSharedLibraryPath(libPath)
		return ort.InitializeEnvironment()
	},
	destroy: ort.DestroyEnvironment,
}

func (e *ortEnv) acquire(libPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.refs == 0 {
		if err := e.init(libPath); err != nil {
			return err
		}
	}
	e.refs++
	return nil
}

func (e *ortEnv) release() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.refs == 0 {
		return nil
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	return e.destroy()
}

type DeviceKind string

const (
	DeviceAuto DeviceKind = "auto"
	DeviceCPU  DeviceKind = "cpu"
	DeviceCUDA DeviceKind = "cuda"
)

type Device struct {
	Kind DeviceKind
	ID   int
}

func (d Device) String() string {
	switch d.Kind {
	case DeviceCUDA:
		return fmt.Sprintf("CUDA:%d", d.ID)
	case DeviceCPU:
		if f := cpuFeatures(); f != "" {
			return fmt.Sprintf("CPU (%s)", f)
		}
		return "CPU"
	default:
		return string(d.Kind)
	}
}

func (d Device) wantsAccelerator() bool {
	return d.Kind == DeviceAuto || d.Kind == DeviceCUDA
}

// ParseDevice accepts "auto", "cpu", "cuda" and "cuda:N".
func ParseDevice(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "" || s == "auto":
		return Device{Kind: DeviceAuto}, nil
	case s == "cpu":
		return Device{Kind: DeviceCPU}, nil
	case s == "cuda" || s == "gpu":
		return Device{Kind: DeviceCUDA}, nil
	case strings.HasPrefix(s, "cuda:"):
		id, err := strconv.Atoi(strings.TrimPrefix(s, "cuda:"))
		if err != nil || id < 0 {
			return Device{}, fmt.Errorf("bad cuda device %q", s)
		}
		return Device{Kind: DeviceCUDA, ID: id}, nil
	default:
		return Device{}, fmt.Errorf("unknown device %q", s)
	}
}

func cpuFeatures() string {
	switch {
	case cpu.X86.HasAVX512F:
		return "AVX512"
	case cpu.X86.HasAVX2:
		return "AVX2"
	case cpu.X86.HasAVX:
		return "AVX"
	case cpu.ARM64.HasASIMD:
		return "NEON"
	}
	return ""
}

func DefaultLibraryPath() string {
	if p := os.Getenv(LibraryEnv); p != "" {
		return p
	}

	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.dylib"
		}
		return "./third_party/onnxruntime.dylib"
	default:
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so"
		}
		return "./third_party/onnxruntime.so"
	}
}

// Runtime owns the ONNX Runtime environment and the device every model it
// loads is placed on.
type Runtime struct {
	mu sync.Mutex

	requested Device
	resolved  *Device

	env    *ortEnv
	closed bool

	log *logrus.Entry
}

func NewRuntime(libPath, device string, log *logrus.Entry) (*Runtime, error) {
	return newRuntime(sharedEnv, libPath, device, log)
}

func newRuntime(env *ortEnv, libPath, device string, log *logrus.Entry) (*Runtime, error) {
	dev, err := ParseDevice(device)
	if err != nil {
		return nil, err
	}

	if libPath == "" {
		libPath = DefaultLibraryPath()
	}

	if err := env.acquire(libPath); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime (%s): %w", libPath, err)
	}

	log.WithField("lib", libPath).Info("onnxruntime environment ready")

	return &Runtime{requested: dev, env: env, log: log}, nil
}

// Device reports where models end up; before the first load it is the request.
func (r *Runtime) Device() Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved != nil {
		return *r.resolved
	}
	return r.requested
}

func (r *Runtime) Load(spec ModelSpec) (*Model, error) {
	if _, err := os.Stat(spec.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, spec.Path)
		}
		return nil, &Error{Op: "stat", Model: spec.Path, Cause: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	target := r.requested
	if r.resolved != nil {
		target = *r.resolved
	}

	m, err := loadModel(spec, target, r.log)
	if err != nil {
		return nil, err
	}

	if r.resolved == nil {
		dev := m.device
		r.resolved = &dev
	}

	r.log.WithFields(logrus.Fields{
		"model":   spec.displayName(),
		"device":  m.device.String(),
		"input":   fmt.Sprintf("%dx%d", m.inW, m.inH),
		"classes": m.numClasses,
	}).Info("model loaded")

	return m, nil
}

// Close releases this Runtime's hold on the environment. Calling it again is
// a no-op.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.env == nil {
		return nil
	}
	r.closed = true
	return r.env.release()
}
