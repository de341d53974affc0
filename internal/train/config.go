package train

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of a training run.
//
// Zero values are not defaults: start from Default and override.
type Config struct {
	Epochs         int     `yaml:"epochs"`
	BatchSize      int     `yaml:"batch_size"`
	LearningRate   float64 `yaml:"learning_rate"`
	Optimizer      string  `yaml:"optimizer"`
	ValPercent     float64 `yaml:"validation"` // 0-100
	Seed           uint64  `yaml:"seed"`
	AMP            bool    `yaml:"amp"`
	EvalsPerEpoch  int     `yaml:"evals_per_epoch"`
	StepDownAfter  int     `yaml:"step_down_after"` // 0 disables the step-down
	StepDownLR     float64 `yaml:"step_down_lr"`
	SaveCheckpoint bool    `yaml:"save_checkpoint"`
	CheckpointDir  string  `yaml:"checkpoint_dir"`
	LossTag        string  `yaml:"loss_tag"`
	Workers        int     `yaml:"workers"`
	HistogramBins  int     `yaml:"histogram_bins"`
	Load           string  `yaml:"load"`
	RunDir         string  `yaml:"run_dir"`
	LogLevel       string  `yaml:"log_level"`

	Data  DataConfig  `yaml:"data"`
	Model ModelConfig `yaml:"model"`
}

// DataConfig selects the dataset.
type DataConfig struct {
	ImageDir  string  `yaml:"imgs"`
	AuxDir    string  `yaml:"aux"`
	MaskDir   string  `yaml:"masks"`
	MaskMode  string  `yaml:"mask_mode"` // "index" or "channels"
	Scale     float64 `yaml:"scale"`
	Synthetic int     `yaml:"synthetic"` // > 0 generates this many samples instead of reading files
	Size      int     `yaml:"synthetic_size"`
}

// ModelConfig describes the network.
type ModelConfig struct {
	Channels int `yaml:"channels"`
	Classes  int `yaml:"classes"`
	Features int `yaml:"features"`
	Depth    int `yaml:"depth"`
}

// Default returns the standard run configuration: 100 epochs, batch size 1,
// RMSprop at 1e-5 dropping to 1e-6 after step 5000, 10% validation, two
// evaluations per epoch.
func Default() Config {
	return Config{
		Epochs:         100,
		BatchSize:      1,
		LearningRate:   1e-5,
		Optimizer:      "rmsprop",
		ValPercent:     10,
		EvalsPerEpoch:  2,
		StepDownAfter:  5000,
		StepDownLR:     1e-6,
		SaveCheckpoint: true,
		CheckpointDir:  "checkpoints",
		LossTag:        "BCEdice",
		Workers:        4,
		HistogramBins:  32,
		LogLevel:       "info",
		Data: DataConfig{
			MaskMode: "channels",
			Scale:    0.5,
			Size:     32,
		},
		Model: ModelConfig{
			Channels: 4,
			Classes:  3,
			Features: 16,
			Depth:    4,
		},
	}
}

// Validate checks the settings that do not depend on the data.
func (c Config) Validate() error {
	check := []struct {
		ok    bool
		field string
		value any
		msg   string
	}{
		{c.Epochs > 0, "epochs", c.Epochs, "must be positive"},
		{c.BatchSize > 0, "batch_size", c.BatchSize, "must be positive"},
		{c.LearningRate > 0, "learning_rate", c.LearningRate, "must be positive"},
		{c.ValPercent >= 0 && c.ValPercent < 100, "validation", c.ValPercent, "must be in [0,100)"},
		{c.EvalsPerEpoch > 0, "evals_per_epoch", c.EvalsPerEpoch, "must be positive"},
		{c.StepDownAfter >= 0, "step_down_after", c.StepDownAfter, "must not be negative"},
		{c.StepDownAfter == 0 || c.StepDownLR > 0, "step_down_lr", c.StepDownLR, "must be positive"},
		{!c.SaveCheckpoint || c.CheckpointDir != "", "checkpoint_dir", c.CheckpointDir, "must be set when saving"},
		{c.LossTag != "", "loss_tag", c.LossTag, "must not be empty"},
		{c.HistogramBins > 0, "histogram_bins", c.HistogramBins, "must be positive"},
		{c.Data.Scale > 0 && c.Data.Scale <= 1, "data.scale", c.Data.Scale, "must be in (0,1]"},
		{c.Data.MaskMode == "index" || c.Data.MaskMode == "channels", "data.mask_mode", c.Data.MaskMode, `must be "index" or "channels"`},
		{c.Model.Channels > 0, "model.channels", c.Model.Channels, "must be positive"},
		{c.Model.Classes > 0, "model.classes", c.Model.Classes, "must be positive"},
	}
	for _, ch := range check {
		if !ch.ok {
			return &ConfigError{Field: ch.field, Actual: ch.value, Msg: ch.msg}
		}
	}
	return nil
}

// LoadConfigFile overlays the YAML file at path onto base. Keys absent from
// the file keep their base values; unknown keys are rejected.
func LoadConfigFile(path string, base Config) (Config, error) {
	//nolint:gosec // G304: config path is operator supplied
	raw, err := os.ReadFile(path)
	if err != nil {
		return base, errors.Wrapf(err, "read config %s", path)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	cfg := base
	if err := dec.Decode(&cfg); err != nil {
		return base, &ConfigError{Field: path, Msg: "invalid YAML", Err: err}
	}
	return cfg, nil
}
