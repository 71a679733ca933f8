package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config captures the runtime knobs for the trainer and the predictor.
type Config struct {
	Dataset Dataset `yaml:"dataset"`
	Train   Train   `yaml:"train"`
	Output  Output  `yaml:"output"`
	Predict Predict `yaml:"predict"`
	Log     Log     `yaml:"log"`
}

// Dataset selects where the labelled digits come from.
type Dataset struct {
	Format    string `yaml:"format"`
	Dir       string `yaml:"dir"`
	BaseURL   string `yaml:"base_url"`
	Download  bool   `yaml:"download"`
	TrainRoot string `yaml:"train_root"`
	TestRoot  string `yaml:"test_root"`
}

// Train holds the fitting hyper-parameters.
type Train struct {
	Epochs        int     `yaml:"epochs"`
	BatchSize     int     `yaml:"batch_size"`
	EvalBatchSize int     `yaml:"eval_batch_size"`
	LearningRate  float64 `yaml:"learning_rate"`
	Seed          int64   `yaml:"seed"`
	LogEvery      int     `yaml:"log_every"`
}

// Output lists the artifact locations written by the trainer.
type Output struct {
	Archive   string `yaml:"archive"`
	TFJSDir   string `yaml:"tfjs_dir"`
	Plot      string `yaml:"plot"`
	HistoryDB string `yaml:"history_db"`
}

// Predict configures the inference run.
type Predict struct {
	Model    string `yaml:"model"`
	InputDir string `yaml:"input_dir"`
	Ext      string `yaml:"ext"`
	OnError  string `yaml:"on_error"`
	Display  bool   `yaml:"display"`
}

// Log configures the zap logger.
type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

const (
	FormatIDX        = "idx"
	FormatWebDataset = "webdataset"

	OnErrorAbort = "abort"
	OnErrorSkip  = "skip"
)

// Overrides captures CLI supplied values.
type Overrides struct {
	DatasetDir string
	Download   bool
	Epochs     int
	BatchSize  int
	Seed       int64
	LogEvery   int
	Archive    string
	TFJSDir    string
	Plot       string
	Model      string
	InputDir   string
	OnError    string
	NoDisplay  bool
	LogLevel   string
}

// Default returns the configuration that reproduces the reference run:
// MNIST under data/mnist, artifacts under out/, predictions over test/*.png.
func Default() *Config {
	return &Config{
		Dataset: Dataset{
			Format:  FormatIDX,
			Dir:     "data/mnist",
			BaseURL: "https://storage.googleapis.com/cvdf-datasets/mnist/",
		},
		Train: Train{
			Epochs:        4,
			BatchSize:     32,
			EvalBatchSize: 500,
			LearningRate:  0.001,
			Seed:          42,
			LogEvery:      200,
		},
		Output: Output{
			Archive: "out/model.keras",
			TFJSDir: "out/tfjs",
			Plot:    "out/accuracy.png",
		},
		Predict: Predict{
			Model:    "out/model.keras",
			InputDir: "test",
			Ext:      ".png",
			OnError:  OnErrorAbort,
			Display:  true,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads a Config from YAML. Keys absent from the file keep their default
// values. A missing file yields the defaults. Callers validate after applying
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.SetStrict(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DatasetDir != "" {
		c.Dataset.Dir = o.DatasetDir
	}
	if o.Download {
		c.Dataset.Download = true
	}
	if o.Epochs > 0 {
		c.Train.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.Train.BatchSize = o.BatchSize
	}
	if o.Seed != 0 {
		c.Train.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.Train.LogEvery = o.LogEvery
	}
	if o.Archive != "" {
		c.Output.Archive = o.Archive
	}
	if o.TFJSDir != "" {
		c.Output.TFJSDir = o.TFJSDir
	}
	if o.Plot != "" {
		c.Output.Plot = o.Plot
	}
	if o.Model != "" {
		c.Predict.Model = o.Model
	}
	if o.InputDir != "" {
		c.Predict.InputDir = o.InputDir
	}
	if o.OnError != "" {
		c.Predict.OnError = o.OnError
	}
	if o.NoDisplay {
		c.Predict.Display = false
	}
	if o.LogLevel != "" {
		c.Log.Level = o.LogLevel
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	switch c.Dataset.Format {
	case FormatIDX:
		if c.Dataset.Dir == "" {
			return errors.New("dataset.dir must be set for idx format")
		}
		if c.Dataset.Download && c.Dataset.BaseURL == "" {
			return errors.New("dataset.base_url must be set when download is enabled")
		}
	case FormatWebDataset:
		if c.Dataset.TrainRoot == "" || c.Dataset.TestRoot == "" {
			return errors.New("both dataset.train_root and dataset.test_root must be provided for webdataset format")
		}
	default:
		return fmt.Errorf("unknown dataset.format %q", c.Dataset.Format)
	}
	if c.Train.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Train.Epochs)
	}
	if c.Train.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.Train.BatchSize)
	}
	if c.Train.EvalBatchSize <= 0 {
		c.Train.EvalBatchSize = c.Train.BatchSize
	}
	if c.Train.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %g)", c.Train.LearningRate)
	}
	if c.Train.LogEvery <= 0 {
		c.Train.LogEvery = 200
	}
	if c.Output.Archive == "" || c.Output.TFJSDir == "" {
		return errors.New("output.archive and output.tfjs_dir must be set")
	}
	if c.Predict.Ext == "" {
		c.Predict.Ext = ".png"
	}
	if !strings.HasPrefix(c.Predict.Ext, ".") {
		c.Predict.Ext = "." + c.Predict.Ext
	}
	switch c.Predict.OnError {
	case "":
		c.Predict.OnError = OnErrorAbort
	case OnErrorAbort, OnErrorSkip:
	default:
		return fmt.Errorf("predict.on_error must be %q or %q (got %q)", OnErrorAbort, OnErrorSkip, c.Predict.OnError)
	}
	return nil
}
