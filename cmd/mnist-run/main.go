package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	cli "gopkg.in/urfave/cli.v1"

	"mnist-forge/internal/artifact"
	"mnist-forge/internal/config"
	"mnist-forge/internal/device"
	"mnist-forge/internal/display"
	"mnist-forge/internal/logging"
	"mnist-forge/internal/model"
	"mnist-forge/internal/predictor"
	"mnist-forge/internal/tfjs"
)

func main() {
	var (
		cfgPath string
		o       config.Overrides
	)
	app := cli.NewApp()
	app.Name = "mnist-run"
	app.Usage = "classify the digit images in a directory"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Value: "configs/default.yaml", Usage: "path to YAML config", Destination: &cfgPath},
		cli.StringFlag{Name: "model", Usage: "archive file or TensorFlow.js model directory", Destination: &o.Model},
		cli.StringFlag{Name: "input-dir", Usage: "directory of images to classify", Destination: &o.InputDir},
		cli.StringFlag{Name: "on-error", Usage: "abort or skip on unreadable images", Destination: &o.OnError},
		cli.BoolFlag{Name: "no-display", Usage: "do not draw images", Destination: &o.NoDisplay},
		cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", Destination: &o.LogLevel},
	}
	app.Action = func(c *cli.Context) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("load config: %v", err), 2)
		}
		cfg.ApplyOverrides(o)
		if err := cfg.Validate(); err != nil {
			return cli.NewExitError(fmt.Sprintf("invalid config: %v", err), 2)
		}
		logger, err := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
		if err != nil {
			return cli.NewExitError(err.Error(), 2)
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := run(ctx, cfg, logger); err != nil {
			logger.Errorw("prediction failed", "err", err)
			return cli.NewExitError(err.Error(), 1)
		}
		return nil
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) error {
	device.Describe().Log(logger)

	handle, err := loadModel(cfg.Predict.Model)
	if err != nil {
		return err
	}
	logger.Infow("model loaded", "path", cfg.Predict.Model)
	if err := describeModel(os.Stderr, handle); err != nil {
		return err
	}

	opts := predictor.Options{
		InputDir: cfg.Predict.InputDir,
		Ext:      cfg.Predict.Ext,
		OnError:  cfg.Predict.OnError,
		Out:      os.Stdout,
		Logger:   logger,
	}
	if cfg.Predict.Display {
		opts.Display = display.New(os.Stdout, display.Auto)
	}
	results, err := predictor.Run(ctx, handle, opts)
	if err != nil {
		return err
	}
	logger.Infow("done", "predicted", len(results))
	return nil
}

// loadModel accepts either the archive written by mnist-train or its
// TensorFlow.js export directory.
func loadModel(path string) (model.Predictor, error) {
	if tfjs.IsModelDir(path) {
		return tfjs.Load(path)
	}
	return artifact.Load(path)
}

// describeModel prints the layer table of handle when it exposes its
// architecture.
func describeModel(w io.Writer, handle model.Predictor) error {
	described, ok := handle.(interface{ Architecture() model.Architecture })
	if !ok {
		return nil
	}
	return model.ArchitectureSummary(w, described.Architecture())
}
