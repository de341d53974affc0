// Package main provides the segtrain CLI: it trains a U-Net on image
// directories (or generated data) and writes SafeTensors checkpoints.
//
// Exit status is 0 on completion and on interruption with an emergency
// checkpoint, 1 on configuration or runtime errors, 2 on bad flags.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"

	"github.com/born-ml/segtrain/internal/data"
	"github.com/born-ml/segtrain/internal/nn"
	"github.com/born-ml/segtrain/internal/telemetry"
	"github.com/born-ml/segtrain/internal/train"
	"github.com/born-ml/segtrain/internal/unet"
)

const version = "v0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	def := train.Default()
	fs := flag.NewFlagSet("segtrain", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var f cliFlags
	f.register(fs, def)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg := def
	if f.config != "" {
		loaded, err := train.LoadConfigFile(f.config, cfg)
		if err != nil {
			slog.New(slog.NewTextHandler(stderr, nil)).Error("load config", "err", err)
			return 1
		}
		cfg = loaded
	}
	f.apply(fs, &cfg)

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		slog.New(slog.NewTextHandler(stderr, nil)).Error("invalid log level", "level", cfg.LogLevel)
		return 1
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	logger.Info("segtrain", "version", version)

	res, err := trainRun(ctx, cfg, logger)
	switch {
	case errors.Is(err, train.ErrInterrupted):
		logger.Info("training interrupted", "steps", res.Steps)
		return 0
	case err != nil:
		logger.Error("training failed", "state", res.State.String(), "err", err)
		return 1
	}
	logger.Info("training completed", "steps", res.Steps, "skipped_steps", res.SkippedSteps, "checkpoint", res.Checkpoint)
	return 0
}

// trainRun wires dataset, network and sinks for cfg and runs training.
func trainRun(ctx context.Context, cfg train.Config, logger *slog.Logger) (train.Result, error) {
	if err := cfg.Validate(); err != nil {
		return train.Result{State: train.StateFailed}, err
	}
	ds, err := openDataset(cfg)
	if err != nil {
		return train.Result{State: train.StateFailed}, err
	}

	net, err := unet.New(unet.Config{
		InChannels: cfg.Model.Channels,
		Classes:    cfg.Model.Classes,
		Features:   cfg.Model.Features,
		Depth:      cfg.Model.Depth,
		Seed:       cfg.Seed,
	})
	if err != nil {
		return train.Result{State: train.StateFailed}, &train.ConfigError{Field: "model", Err: err}
	}
	logger.Info("network", "in_channels", net.NChannels(), "classes", net.NClasses(),
		"upscaling", "nearest", "summary", net.String())

	if cfg.Load != "" {
		if _, err := nn.LoadCheckpoint(cfg.Load, net.NamedParameters()); err != nil {
			return train.Result{State: train.StateFailed}, err
		}
		logger.Info("model loaded", "path", cfg.Load)
	}

	sink := telemetry.Sink(telemetry.NewSlogSink(logger, slog.LevelDebug))
	if cfg.RunDir != "" {
		runLog, err := telemetry.NewJSONLSink(cfg.RunDir)
		if err != nil {
			return train.Result{State: train.StateFailed}, err
		}
		defer func() {
			if err := runLog.Close(); err != nil {
				logger.Warn("close run log", "err", err)
			}
		}()
		logger.Info("run log", "run_id", runLog.RunID(), "path", runLog.Path())
		sink = telemetry.Multi(sink, runLog)
	}

	tr, err := train.New(cfg, net, ds, train.WithLogger(logger), train.WithSink(sink))
	if err != nil {
		return train.Result{State: train.StateFailed}, err
	}
	return tr.Run(ctx)
}

// openDataset returns the generated dataset when Data.Synthetic is set and
// the image folder dataset otherwise.
func openDataset(cfg train.Config) (data.Dataset, error) {
	channelMask := cfg.Data.MaskMode == "channels"
	if n := cfg.Data.Synthetic; n > 0 {
		imageChans := min(3, cfg.Model.Channels)
		return data.NewSynthetic(data.SyntheticConfig{
			Samples:     n,
			Height:      cfg.Data.Size,
			Width:       cfg.Data.Size,
			Classes:     cfg.Model.Classes,
			ImageChans:  imageChans,
			AuxChans:    cfg.Model.Channels - imageChans,
			ChannelMask: channelMask,
			Seed:        cfg.Seed,
		})
	}
	if cfg.Data.ImageDir == "" || cfg.Data.MaskDir == "" {
		return nil, &train.ConfigError{Field: "data", Msg: "set -imgs and -masks, or -synthetic N"}
	}
	mode := data.MaskIndex
	if channelMask {
		mode = data.MaskChannels
	}
	return data.NewImageFolder(data.ImageFolderConfig{
		ImageDir: cfg.Data.ImageDir,
		AuxDir:   cfg.Data.AuxDir,
		MaskDir:  cfg.Data.MaskDir,
		Scale:    cfg.Data.Scale,
		MaskMode: mode,
	})
}
