package app

import (
	"errors"
	"fmt"
	"io"
	"os"

	"safetyvision/internal/config"
	"safetyvision/internal/logging"
	"safetyvision/processing/capture"
	"safetyvision/processing/detector"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const (
	flagConfig   = "config"
	flagLogLevel = "log-level"
	flagLogFile  = "log-file"
	flagOrtLib   = "ort-lib"
	flagDevice   = "device"
	flagMetrics  = "metrics-addr"

	flagModel          = "model"
	flagEquipmentModel = "equipment-model"
	flagConf           = "conf"
	flagIoU            = "iou"
)

// Deps are the pieces of the pipeline that touch hardware or native
// libraries.
type Deps struct {
	OpenSource func(cfg *config.Config) (detector.FrameSource, error)
	NewLoader  func(libPath, device string, log *logrus.Entry) (Loader, error)
	NewViewer  func(title string, cfg *config.Config) Viewer
	Out        io.Writer
}

func DefaultDeps() Deps {
	return Deps{
		OpenSource: func(cfg *config.Config) (detector.FrameSource, error) {
			return capture.Open(cfg)
		},
		NewLoader: newRuntimeLoader,
		NewViewer: newViewer,
		Out:       os.Stdout,
	}
}

// CLI holds state shared by every command once Before has run.
type CLI struct {
	deps Deps

	cfg       *config.Config
	log       *logrus.Logger
	logCloser io.Closer
}

func New(deps Deps) *cli.App {
	a := &CLI{deps: deps}
	if a.deps.Out == nil {
		a.deps.Out = os.Stdout
	}

	return &cli.App{
		Name:   "safetyvision",
		Usage:  "human and safety equipment detection with a YOLO ensemble",
		Writer: a.deps.Out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Value:   config.DefaultConfigPath,
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Usage: "log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also write logs to `FILE`",
			},
			&cli.StringFlag{
				Name:    flagOrtLib,
				EnvVars: []string{"ONNXRUNTIME_LIB"},
				Usage:   "path to the onnxruntime shared library",
			},
		},
		Before: a.before,
		After:  a.after,
		Commands: []*cli.Command{
			a.realtimeCommand(),
			a.dashboardCommand(),
			a.batchCommand(),
			a.camerasCommand(),
		},
	}
}

func (a *CLI) before(c *cli.Context) error {
	cfg, err := config.LoadConfigFile(c.String(flagConfig))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if c.IsSet(flagLogLevel) {
		cfg.Log.Level = c.String(flagLogLevel)
	}
	if c.IsSet(flagLogFile) {
		cfg.Log.File = c.String(flagLogFile)
	}
	if c.IsSet(flagOrtLib) {
		cfg.RuntimeLib = c.String(flagOrtLib)
	}

	a.cfg = cfg
	a.log, a.logCloser = logging.New(cfg.Log.Level, cfg.Log.File)
	return nil
}

func (a *CLI) after(*cli.Context) error {
	if a.logCloser != nil {
		return a.logCloser.Close()
	}
	return nil
}

func (a *CLI) component(name string) *logrus.Entry {
	return logging.Component(a.log, name)
}

func (a *CLI) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.deps.Out, format, args...)
}

// applyModelFlags overrides the model and threshold settings shared by the
// realtime and dashboard commands.
func (a *CLI) applyModelFlags(c *cli.Context) error {
	cfg := a.cfg
	for _, name := range []string{flagConf, flagIoU} {
		if c.IsSet(name) {
			if err := checkThreshold(name, c.Float64(name)); err != nil {
				return err
			}
		}
	}
	if c.IsSet(flagModel) {
		cfg.HumanModel.Path = c.String(flagModel)
	}
	if c.IsSet(flagEquipmentModel) {
		cfg.EquipmentModel.Path = c.String(flagEquipmentModel)
	}
	if c.IsSet(flagConf) {
		cfg.SetConfidence(c.Float64(flagConf))
	}
	if c.IsSet(flagIoU) {
		cfg.SetIoU(c.Float64(flagIoU))
	}
	if c.IsSet(flagDevice) {
		cfg.Device = c.String(flagDevice)
	}
	if c.IsSet(flagMetrics) {
		cfg.MetricsAddr = c.String(flagMetrics)
	}
	return nil
}

// checkThreshold rejects flag values the config setters would clamp.
func checkThreshold(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("--%s %.2f out of range [0,1]", name, v)
	}
	return nil
}

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  flagModel,
			Value: "best.onnx",
			Usage: "human detection model",
		},
		&cli.StringFlag{
			Name:  flagEquipmentModel,
			Value: "model2/best.onnx",
			Usage: "equipment detection model, a path or a ws:// detector URL",
		},
		&cli.Float64Flag{
			Name:  flagConf,
			Value: 0.5,
			Usage: "confidence threshold",
		},
		&cli.Float64Flag{
			Name:  flagIoU,
			Value: 0.45,
			Usage: "IoU threshold for NMS",
		},
		&cli.StringFlag{
			Name:  flagDevice,
			Value: "auto",
			Usage: "auto, cpu, cuda or cuda:N",
		},
		&cli.StringFlag{
			Name:  flagMetrics,
			Usage: "serve prometheus metrics on `ADDR`",
		},
	}
}

func (a *CLI) camerasCommand() *cli.Command {
	return &cli.Command{
		Name:  "cameras",
		Usage: "list capture devices",
		Action: func(c *cli.Context) error {
			cams, err := capture.ListCameras()
			if err != nil {
				return err
			}
			if len(cams) == 0 {
				a.printf("No cameras found\n")
				return nil
			}
			for i, name := range cams {
				a.printf("%d: %s\n", i, name)
			}
			return nil
		},
	}
}

// ExitCode maps an error returned by the app to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}
