package main

import (
	"flag"

	"github.com/born-ml/segtrain/internal/train"
)

// cliFlags mirrors the settings that can be given on the command line.
type cliFlags struct {
	config string

	epochs      int
	batchSize   int
	lr          float64
	optimizer   string
	load        string
	scale       float64
	validation  float64
	amp         bool
	imgs        string
	aux         string
	masks       string
	maskMode    string
	checkpoints string
	classes     int
	channels    int
	features    int
	depth       int
	synthetic   int
	runDir      string
	seed        uint64
	workers     int
	logLevel    string
}

// register binds every flag, long and short forms sharing one variable.
func (f *cliFlags) register(fs *flag.FlagSet, def train.Config) {
	fs.StringVar(&f.config, "config", "", "YAML file with run settings; flags override it")

	fs.IntVar(&f.epochs, "epochs", def.Epochs, "Number of epochs")
	fs.IntVar(&f.epochs, "e", def.Epochs, "Number of epochs (shorthand)")
	fs.IntVar(&f.batchSize, "batch-size", def.BatchSize, "Batch size")
	fs.IntVar(&f.batchSize, "b", def.BatchSize, "Batch size (shorthand)")
	fs.Float64Var(&f.lr, "learning-rate", def.LearningRate, "Learning rate")
	fs.Float64Var(&f.lr, "l", def.LearningRate, "Learning rate (shorthand)")
	fs.StringVar(&f.load, "load", def.Load, "Load model parameters from a .safetensors file")
	fs.StringVar(&f.load, "f", def.Load, "Load model parameters (shorthand)")
	fs.Float64Var(&f.scale, "scale", def.Data.Scale, "Downscaling factor of the images")
	fs.Float64Var(&f.scale, "s", def.Data.Scale, "Downscaling factor (shorthand)")
	fs.Float64Var(&f.validation, "validation", def.ValPercent, "Percent of the data used as validation (0-100)")
	fs.Float64Var(&f.validation, "v", def.ValPercent, "Validation percent (shorthand)")
	fs.BoolVar(&f.amp, "amp", def.AMP, "Use mixed precision loss scaling")

	fs.StringVar(&f.optimizer, "optimizer", def.Optimizer, "Optimizer: rmsprop, adam or sgd")
	fs.StringVar(&f.imgs, "imgs", def.Data.ImageDir, "Directory of primary images")
	fs.StringVar(&f.aux, "aux", def.Data.AuxDir, "Directory of auxiliary images (optional)")
	fs.StringVar(&f.masks, "masks", def.Data.MaskDir, "Directory of label masks")
	fs.StringVar(&f.maskMode, "mask-mode", def.Data.MaskMode, "Mask encoding: index or channels")
	fs.StringVar(&f.checkpoints, "checkpoints", def.CheckpointDir, "Checkpoint directory")
	fs.IntVar(&f.classes, "classes", def.Model.Classes, "Number of classes")
	fs.IntVar(&f.channels, "channels", def.Model.Channels, "Network input channels (image + auxiliary)")
	fs.IntVar(&f.features, "features", def.Model.Features, "Channels of the first U-Net block")
	fs.IntVar(&f.depth, "depth", def.Model.Depth, "Number of U-Net pooling levels")
	fs.IntVar(&f.synthetic, "synthetic", def.Data.Synthetic, "Train on N generated samples instead of image directories")
	fs.StringVar(&f.runDir, "run-dir", def.RunDir, "Directory for the JSON-lines run log (optional)")
	fs.Uint64Var(&f.seed, "seed", def.Seed, "Seed of the train/validation split and weight init")
	fs.IntVar(&f.workers, "workers", def.Workers, "Sample loading goroutines per batch")
	fs.StringVar(&f.logLevel, "log-level", def.LogLevel, "Log level: debug, info, warn or error")
}

// apply copies the explicitly set flags onto cfg.
func (f *cliFlags) apply(fs *flag.FlagSet, cfg *train.Config) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "epochs", "e":
			cfg.Epochs = f.epochs
		case "batch-size", "b":
			cfg.BatchSize = f.batchSize
		case "learning-rate", "l":
			cfg.LearningRate = f.lr
		case "load", "f":
			cfg.Load = f.load
		case "scale", "s":
			cfg.Data.Scale = f.scale
		case "validation", "v":
			cfg.ValPercent = f.validation
		case "amp":
			cfg.AMP = f.amp
		case "optimizer":
			cfg.Optimizer = f.optimizer
		case "imgs":
			cfg.Data.ImageDir = f.imgs
		case "aux":
			cfg.Data.AuxDir = f.aux
		case "masks":
			cfg.Data.MaskDir = f.masks
		case "mask-mode":
			cfg.Data.MaskMode = f.maskMode
		case "checkpoints":
			cfg.CheckpointDir = f.checkpoints
		case "classes":
			cfg.Model.Classes = f.classes
		case "channels":
			cfg.Model.Channels = f.channels
		case "features":
			cfg.Model.Features = f.features
		case "depth":
			cfg.Model.Depth = f.depth
		case "synthetic":
			cfg.Data.Synthetic = f.synthetic
		case "run-dir":
			cfg.RunDir = f.runDir
		case "seed":
			cfg.Seed = f.seed
		case "workers":
			cfg.Workers = f.workers
		case "log-level":
			cfg.LogLevel = f.logLevel
		}
	})
}
