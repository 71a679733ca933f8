package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	cli "gopkg.in/urfave/cli.v1"

	"mnist-forge/internal/artifact"
	"mnist-forge/internal/config"
	"mnist-forge/internal/dataset"
	"mnist-forge/internal/device"
	"mnist-forge/internal/logging"
	"mnist-forge/internal/metrics"
	"mnist-forge/internal/model"
	"mnist-forge/internal/report"
	"mnist-forge/internal/store"
	"mnist-forge/internal/tfjs"
	"mnist-forge/internal/trainer"
)

func main() {
	var (
		cfgPath string
		o       config.Overrides
	)
	app := cli.NewApp()
	app.Name = "mnist-train"
	app.Usage = "train the digit classifier and export it"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Value: "configs/default.yaml", Usage: "path to YAML config", Destination: &cfgPath},
		cli.StringFlag{Name: "data-dir", Usage: "directory holding the MNIST idx files", Destination: &o.DatasetDir},
		cli.BoolFlag{Name: "download", Usage: "fetch missing MNIST files", Destination: &o.Download},
		cli.IntFlag{Name: "epochs", Usage: "training epochs", Destination: &o.Epochs},
		cli.IntFlag{Name: "batch-size", Usage: "samples per training step", Destination: &o.BatchSize},
		cli.Int64Flag{Name: "seed", Usage: "PRNG seed", Destination: &o.Seed},
		cli.IntFlag{Name: "log-every", Usage: "log every N steps", Destination: &o.LogEvery},
		cli.StringFlag{Name: "archive", Usage: "archive output path", Destination: &o.Archive},
		cli.StringFlag{Name: "tfjs-dir", Usage: "TensorFlow.js output directory", Destination: &o.TFJSDir},
		cli.StringFlag{Name: "plot", Usage: "accuracy plot output path", Destination: &o.Plot},
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

		if err := train(ctx, cfg, logger); err != nil {
			logger.Errorw("training failed", "err", err)
			return cli.NewExitError(err.Error(), 1)
		}
		return nil
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func train(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) error {
	device.Describe().Log(logger)

	trainSet, testSet, err := loadData(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Infow("dataset ready", "train", trainSet.N, "test", testSet.N)

	net, err := model.NewDigits(cfg.Train.Seed)
	if err != nil {
		return err
	}
	defer net.Close()
	if err := model.Summary(os.Stderr, net); err != nil {
		return err
	}

	var ledger *store.Ledger
	var runID string
	if cfg.Output.HistoryDB != "" {
		if ledger, err = store.Open(cfg.Output.HistoryDB); err != nil {
			return err
		}
		defer ledger.Close()
		if runID, err = ledger.Begin(store.RunInfo{Epochs: cfg.Train.Epochs, BatchSize: cfg.Train.BatchSize, Seed: cfg.Train.Seed}); err != nil {
			return err
		}
		logger.Infow("run ledger", "path", cfg.Output.HistoryDB, "run", runID)
	}

	fitCfg := trainer.FitConfig{
		Epochs:        cfg.Train.Epochs,
		BatchSize:     cfg.Train.BatchSize,
		EvalBatchSize: cfg.Train.EvalBatchSize,
		LogEvery:      cfg.Train.LogEvery,
		Seed:          cfg.Train.Seed,
		Adam:          model.AdamOptions{LearningRate: cfg.Train.LearningRate},
		Logger:        logger,
	}
	if ledger != nil {
		fitCfg.OnEpoch = func(e metrics.Epoch) error { return ledger.RecordEpoch(runID, e) }
	}
	start := time.Now()
	history, err := trainer.Fit(ctx, net, trainSet, testSet, fitCfg)
	if err != nil {
		return err
	}
	logger.Infow("training complete", "epochs", history.Len(), "elapsed", time.Since(start).Round(time.Second))

	testLoss, testAcc, err := trainer.Evaluate(net, testSet, cfg.Train.EvalBatchSize)
	if err != nil {
		return err
	}
	logger.Infow("test evaluation", "test_acc", testAcc, "test_loss", testLoss)
	fmt.Println(testAcc, testLoss)

	if err := artifact.Save(cfg.Output.Archive, net); err != nil {
		return err
	}
	logger.Infow("saved archive", "path", cfg.Output.Archive)
	if err := tfjs.Export(cfg.Output.TFJSDir, net); err != nil {
		return err
	}
	logger.Infow("exported tfjs model", "dir", cfg.Output.TFJSDir)
	if cfg.Output.Plot != "" {
		if err := report.PlotHistory(history, cfg.Output.Plot); err != nil {
			return err
		}
		logger.Infow("saved accuracy plot", "path", cfg.Output.Plot)
	}
	if ledger != nil {
		if err := ledger.Finish(runID, testAcc, testLoss, cfg.Output.Archive); err != nil {
			return err
		}
	}
	return nil
}

func loadData(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (train, test *dataset.Set, err error) {
	if cfg.Dataset.Format == config.FormatWebDataset {
		if train, err = dataset.LoadShards(ctx, "train", cfg.Dataset.TrainRoot); err != nil {
			return nil, nil, err
		}
		if test, err = dataset.LoadShards(ctx, "test", cfg.Dataset.TestRoot); err != nil {
			return nil, nil, err
		}
		return train, test, nil
	}
	if cfg.Dataset.Download && !dataset.MNISTPresent(cfg.Dataset.Dir) {
		logger.Infow("fetching MNIST", "dir", cfg.Dataset.Dir, "from", cfg.Dataset.BaseURL)
		client := &http.Client{Timeout: 5 * time.Minute}
		if err := dataset.Fetch(ctx, client, cfg.Dataset.Dir, cfg.Dataset.BaseURL); err != nil {
			return nil, nil, err
		}
	}
	return dataset.LoadMNIST(cfg.Dataset.Dir, dataset.MNISTOptions{})
}
