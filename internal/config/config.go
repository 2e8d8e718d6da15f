package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"safetyvision/internal/models"
)

type SourceType string

const (
	SourceCamera SourceType = "camera"
	SourceDevice SourceType = "device"
	SourceVideo  SourceType = "video"
	SourceImage  SourceType = "image"

	DefaultConfigPath string = "config.json"

	LowConfidencePreset  float64 = 0.3
	HighConfidencePreset float64 = 0.7
)

var SourcesList = [...]string{
	string(SourceCamera),
	string(SourceDevice),
	string(SourceVideo),
	string(SourceImage),
}

var DefaultEquipmentClasses = []string{"fireextinguisher", "toolbox", "oxygen tank"}

type ModelConfig struct {
	Name    string   `json:"name"`
	Path    string   `json:"path"`
	Label   string   `json:"label,omitempty"`
	Classes []string `json:"classes,omitempty"`
}

type CameraConfig struct {
	ID int `json:"id"`
}

type DeviceConfig struct {
	Name string `json:"name"`
}

type LocalConfig struct {
	Path string `json:"path"`
}

type DashboardConfig struct {
	Addr        string `json:"addr"`
	HistorySize int    `json:"history_size"`
	MaxUploadMB int64  `json:"max_upload_mb"`
}

type BatchConfig struct {
	InputDir   string        `json:"input_dir"`
	OutputDir  string        `json:"output_dir"`
	Confidence float64       `json:"confidence"`
	Models     []ModelConfig `json:"models"`
}

type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file"`
}

type Config struct {
	mu sync.RWMutex

	HumanModel     ModelConfig `json:"human_model"`
	EquipmentModel ModelConfig `json:"equipment_model"`

	Confidence float64 `json:"confidence"`
	IoU        float64 `json:"iou"`
	Device     string  `json:"device"`
	RuntimeLib string  `json:"runtime_lib"`

	ActiveSource SourceType   `json:"active_source"`
	Camera       CameraConfig `json:"camera"`
	Webcam       DeviceConfig `json:"webcam"`
	Video        LocalConfig  `json:"video"`
	Image        LocalConfig  `json:"image"`
	TargetFPS    uint         `json:"target_fps"`

	OutputPath    string `json:"output_path"`
	ScreenshotDir string `json:"screenshot_dir"`
	MetricsAddr   string `json:"metrics_addr"`

	Dashboard DashboardConfig `json:"dashboard"`
	Batch     BatchConfig     `json:"batch"`
	Log       LogConfig       `json:"log"`

	// confidence held before the last toggle; valid while toggled is set
	toggleBase float64
	toggled    bool
}

func (c *Config) GetConfidence() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Confidence
}

func (c *Config) SetConfidence(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Confidence = models.ClampConfidence(v)
	c.toggled = false
}

// ToggleConfidence flips the threshold to the preset on the other side of 0.5
// and, on the next call, back to the value it held before.
func (c *Config) ToggleConfidence() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.toggled {
		c.Confidence = c.toggleBase
		c.toggled = false
		return c.Confidence
	}

	c.toggleBase = c.Confidence
	c.Confidence = AlternatePreset(c.Confidence)
	c.toggled = true
	return c.Confidence
}

func AlternatePreset(v float64) float64 {
	if v > 0.5 {
		return LowConfidencePreset
	}
	return HighConfidencePreset
}

func (c *Config) GetIoU() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.IoU
}

func (c *Config) SetIoU(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.IoU = models.ClampConfidence(v)
}

func (c *Config) Thresholds() models.Thresholds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return models.Thresholds{Confidence: c.Confidence, IoU: c.IoU}
}

func (c *Config) GetDevice() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Device
}

func (c *Config) GetFPS() uint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.TargetFPS
}

func (c *Config) SetFPS(fps uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TargetFPS = fps
}

func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if c.Confidence < 0 || c.Confidence > 1 {
		errs = append(errs, fmt.Errorf("confidence %.2f out of range [0,1]", c.Confidence))
	}
	if c.IoU < 0 || c.IoU > 1 {
		errs = append(errs, fmt.Errorf("iou %.2f out of range [0,1]", c.IoU))
	}
	if c.HumanModel.Path == "" {
		errs = append(errs, errors.New("human model path is empty"))
	}
	switch c.ActiveSource {
	case SourceCamera, SourceDevice, SourceVideo, SourceImage:
	default:
		errs = append(errs, fmt.Errorf("unknown source %q, want one of %v", c.ActiveSource, SourcesList))
	}
	return errors.Join(errs...)
}

func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}

// LoadConfigFile returns defaults overlaid with the file at path.
// A missing file is not an error.
func LoadConfigFile(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}

	return cfg, nil
}

func NewDefaultConfig() *Config {
	return &Config{
		HumanModel: ModelConfig{
			Name:  "human",
			Path:  "best.onnx",
			Label: "human",
		},
		EquipmentModel: ModelConfig{
			Name:    "equipment",
			Path:    "model2/best.onnx",
			Classes: append([]string(nil), DefaultEquipmentClasses...),
		},
		Confidence:    0.5,
		IoU:           0.45,
		Device:        "auto",
		ActiveSource:  SourceCamera,
		Camera:        CameraConfig{ID: 0},
		Webcam:        DeviceConfig{Name: "/dev/video0"},
		TargetFPS:     30,
		ScreenshotDir: ".",
		Dashboard: DashboardConfig{
			Addr:        ":8501",
			HistorySize: 10,
			MaxUploadMB: 32,
		},
		Batch: BatchConfig{
			InputDir:   "test_images",
			OutputDir:  "result_photos",
			Confidence: 0.5,
			Models: []ModelConfig{
				{Name: "FireExtinguisher", Label: "FireExtinguisher", Path: "runs/detect/FireExtinguisher/weights/best.onnx"},
				{Name: "ToolBox", Label: "ToolBox", Path: "runs/detect/ToolBox/weights/best.onnx"},
				{Name: "OxygenTank", Label: "OxygenTank", Path: "runs/detect/OxygenTank/weights/best.onnx"},
			},
		},
		Log: LogConfig{Level: "info"},
	}
}
