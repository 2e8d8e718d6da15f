package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"safetyvision/internal/config"
	"safetyvision/internal/dashboard"
	"safetyvision/internal/metrics"
	"safetyvision/processing/detector"
	"safetyvision/processing/render"

	"github.com/urfave/cli/v2"
)

func (a *CLI) dashboardCommand() *cli.Command {
	flags := append(modelFlags(),
		&cli.StringFlag{
			Name:  "addr",
			Value: dashboard.DefaultAddr,
			Usage: "listen address",
		},
		&cli.IntFlag{
			Name:  "history",
			Value: 10,
			Usage: "number of results kept for download",
		},
	)

	return &cli.Command{
		Name:   "dashboard",
		Usage:  "serve the upload and detect web page",
		Flags:  flags,
		Action: a.dashboard,
	}
}

func (a *CLI) dashboard(c *cli.Context) error {
	if err := a.applyModelFlags(c); err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 1)
	}
	cfg := a.cfg
	if c.IsSet("addr") {
		cfg.Dashboard.Addr = c.String("addr")
	}
	if c.IsSet("history") {
		cfg.Dashboard.HistorySize = c.Int("history")
	}
	log := a.component("dashboard")

	if err := checkModelFiles(cfg.HumanModel, cfg.EquipmentModel); err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 1)
	}

	// loaded once and shared by every request
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

	srv, err := dashboard.NewServer(dashboard.Options{
		Detector:    models.ensemble,
		Metrics:     metrics.New(),
		Log:         log,
		HistorySize: cfg.Dashboard.HistorySize,
		MaxUploadMB: cfg.Dashboard.MaxUploadMB,
		IoU:         cfg.GetIoU(),
		Confidence:  cfg.GetConfidence(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithField("device", models.device).Info("models ready")
	return srv.ListenAndServe(ctx, cfg.Dashboard.Addr)
}
