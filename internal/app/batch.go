package app

import (
	"fmt"
	"strings"

	"safetyvision/internal/config"
	"safetyvision/processing/batch"
	"safetyvision/processing/detector"
	"safetyvision/processing/render"

	"github.com/urfave/cli/v2"
)

func (a *CLI) batchCommand() *cli.Command {
	return &cli.Command{
		Name:  "batch",
		Usage: "annotate every image in a folder with the single-class models",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "input",
				Value: "test_images",
				Usage: "folder of .jpg, .jpeg and .png images",
			},
			&cli.StringFlag{
				Name:  "output",
				Value: "result_photos",
				Usage: "folder for annotated copies",
			},
			&cli.StringSliceFlag{
				Name:  flagModel,
				Usage: "`Name=path` of a single-class model, repeatable",
			},
			&cli.Float64Flag{
				Name:  flagConf,
				Value: 0.5,
				Usage: "detections must score strictly above this",
			},
			&cli.StringFlag{
				Name:  flagDevice,
				Value: "auto",
				Usage: "auto, cpu, cuda or cuda:N",
			},
		},
		Action: a.batch,
	}
}

// parseModelFlag reads Name=path; the name doubles as the drawn label.
func parseModelFlag(v string) (config.ModelConfig, error) {
	name, path, ok := strings.Cut(v, "=")
	name, path = strings.TrimSpace(name), strings.TrimSpace(path)
	if !ok || name == "" || path == "" {
		return config.ModelConfig{}, fmt.Errorf("model %q: want Name=path", v)
	}
	return config.ModelConfig{Name: name, Label: name, Path: path}, nil
}

func (a *CLI) batch(c *cli.Context) error {
	cfg := a.cfg
	if c.IsSet("input") {
		cfg.Batch.InputDir = c.String("input")
	}
	if c.IsSet("output") {
		cfg.Batch.OutputDir = c.String("output")
	}
	if c.IsSet(flagConf) {
		if err := checkThreshold(flagConf, c.Float64(flagConf)); err != nil {
			return cli.Exit(fmt.Sprintf("Error: %v", err), 1)
		}
		cfg.Batch.Confidence = c.Float64(flagConf)
	}
	if c.IsSet(flagDevice) {
		cfg.Device = c.String(flagDevice)
	}
	if c.IsSet(flagModel) {
		cfg.Batch.Models = nil
		for _, v := range c.StringSlice(flagModel) {
			mc, err := parseModelFlag(v)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			cfg.Batch.Models = append(cfg.Batch.Models, mc)
		}
	}
	log := a.component("batch")

	if len(cfg.Batch.Models) == 0 {
		return cli.Exit("no models configured", 1)
	}
	if err := checkModelFiles(cfg.Batch.Models...); err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 1)
	}

	floor := cfg.Batch.Confidence
	members, loader, err := a.buildMembers(log, cfg.Batch.Models, func(p detector.Predictor) detector.Predictor {
		return batch.StrictAbove{Predictor: p, Min: floor}
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error loading model(s): %v", err), 1)
	}
	models := &modelSet{
		ensemble: detector.NewEnsemble(render.NewBatch(), a.component("ensemble"), members...),
		loader:   loader,
		device:   deviceName(loader),
	}
	defer func() {
		if err := models.Close(); err != nil {
			log.WithError(err).Warn("release models")
		}
	}()

	runner := &batch.Runner{
		InputDir:   cfg.Batch.InputDir,
		OutputDir:  cfg.Batch.OutputDir,
		Confidence: cfg.Batch.Confidence,
		Ensemble:   models.ensemble,
		Out:        a.deps.Out,
		Log:        log,
	}

	if _, err := runner.Run(c.Context); err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 1)
	}
	return nil
}
