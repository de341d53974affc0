// Package train drives segmentation training: it partitions the dataset,
// runs optimization steps with loss scaling, evaluates periodically and
// writes checkpoints.
package train

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/born-ml/segtrain/internal/amp"
	"github.com/born-ml/segtrain/internal/data"
	"github.com/born-ml/segtrain/internal/metrics"
	"github.com/born-ml/segtrain/internal/nn"
	"github.com/born-ml/segtrain/internal/optim"
	"github.com/born-ml/segtrain/internal/telemetry"
)

// Trainer runs training for one network over one dataset.
type Trainer struct {
	cfg    Config
	net    Network
	loss   nn.SegmentationLoss
	logger *slog.Logger
	sink   telemetry.Sink

	trainSet, valSet *data.Subset
	trainLoader      *data.Loader
	valLoader        *data.Loader
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Trainer) { t.logger = l }
}

// WithSink sets the telemetry sink. The default discards records.
func WithSink(s telemetry.Sink) Option {
	return func(t *Trainer) { t.sink = s }
}

// Result summarizes a finished run.
type Result struct {
	State        State
	Steps        int
	Epochs       int // Epochs fully completed
	SkippedSteps int
	EpochLosses  []float64       // Mean composite loss per completed epoch
	LastScores   *metrics.Scores // Most recent evaluation, nil if none ran
	Checkpoint   string          // Path of the written checkpoint, if any
}

// StepResult is the outcome of one training step.
type StepResult struct {
	Loss    nn.LossBreakdown
	Skipped bool // The optimizer update was skipped for non-finite gradients
}

// New partitions ds, builds the loaders and validates cfg.
func New(cfg Config, net Network, ds data.Dataset, opts ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if net.NClasses() != cfg.Model.Classes {
		return nil, &ConfigError{Field: "model.classes", Expected: cfg.Model.Classes, Actual: net.NClasses(),
			Msg: "network class count differs from configuration"}
	}

	trainSet, valSet, err := data.Split(ds, cfg.ValPercent/100, cfg.Seed)
	if err != nil {
		return nil, &ConfigError{Field: "validation", Actual: cfg.ValPercent, Msg: "cannot partition dataset", Err: err}
	}
	trainLoader, err := data.NewLoader(trainSet, data.LoaderConfig{
		BatchSize: cfg.BatchSize,
		Shuffle:   true,
		Workers:   cfg.Workers,
		Seed:      cfg.Seed,
	})
	if err != nil {
		return nil, errors.Wrap(err, "training loader")
	}
	valLoader, err := data.NewLoader(valSet, data.LoaderConfig{
		BatchSize: cfg.BatchSize,
		DropLast:  true,
		Workers:   cfg.Workers,
	})
	if err != nil {
		return nil, errors.Wrap(err, "validation loader")
	}

	t := &Trainer{
		cfg:         cfg,
		net:         net,
		loss:        nn.SegmentationLoss{IncludeBackground: true},
		logger:      slog.Default(),
		sink:        telemetry.Discard,
		trainSet:    trainSet,
		valSet:      valSet,
		trainLoader: trainLoader,
		valLoader:   valLoader,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// TrainSize returns the number of training samples.
func (t *Trainer) TrainSize() int { return t.trainSet.Len() }

// ValSize returns the number of validation samples.
func (t *Trainer) ValSize() int { return t.valSet.Len() }

// ValidationLoader returns the loader used for periodic evaluation.
func (t *Trainer) ValidationLoader() *data.Loader { return t.valLoader }

// NewSession creates a fresh session with the configured optimizer, loss
// scaler and learning rate step-down.
func (t *Trainer) NewSession() (*Session, error) {
	opt, err := optim.New(t.cfg.Optimizer, t.net.NamedParameters(), t.cfg.LearningRate)
	if err != nil {
		return nil, &ConfigError{Field: "optimizer", Actual: t.cfg.Optimizer, Err: err}
	}
	scaler, err := amp.NewGradScaler(amp.DefaultConfig(t.cfg.AMP))
	if err != nil {
		return nil, err
	}
	return &Session{
		State:     StateIdle,
		Optimizer: opt,
		Scaler:    scaler,
		StepDown:  &optim.StepDown{AfterStep: t.cfg.StepDownAfter, LR: t.cfg.StepDownLR},
	}, nil
}

// EvalEvery returns the evaluation period in steps, or 0 when periodic
// evaluation is disabled because no full validation batch exists.
//
// The period is nTrain / (EvalsPerEpoch * BatchSize), clamped to 1.
func (t *Trainer) EvalEvery() int {
	if t.valLoader.Len() == 0 {
		return 0
	}
	return max(1, t.TrainSize()/(t.cfg.EvalsPerEpoch*t.cfg.BatchSize))
}

// Run trains for the configured number of epochs.
//
// Cancellation of ctx is observed between steps: the current parameters are
// saved as INTERRUPTED.safetensors in the checkpoint directory and Run
// returns an error matching ErrInterrupted.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	sess, err := t.NewSession()
	if err != nil {
		return Result{State: StateFailed}, err
	}
	every := t.EvalEvery()
	switch {
	case every == 0:
		t.logger.Warn("validation set has no full batch, periodic evaluation disabled",
			"validation_size", t.ValSize(), "batch_size", t.cfg.BatchSize)
	case t.TrainSize()/(t.cfg.EvalsPerEpoch*t.cfg.BatchSize) == 0:
		t.logger.Warn("training set smaller than one evaluation period, evaluating every step",
			"training_size", t.TrainSize(), "evals_per_epoch", t.cfg.EvalsPerEpoch, "batch_size", t.cfg.BatchSize)
	}

	t.logger.Info("starting training",
		"epochs", t.cfg.Epochs,
		"batch_size", t.cfg.BatchSize,
		"learning_rate", t.cfg.LearningRate,
		"optimizer", t.cfg.Optimizer,
		"training_size", t.TrainSize(),
		"validation_size", t.ValSize(),
		"checkpoints", t.cfg.SaveCheckpoint,
		"eval_every", every,
		"mixed_precision", t.cfg.AMP,
	)

	res := Result{}
	finish := func(state State, err error) (Result, error) {
		sess.State = state
		res.State, res.Steps, res.SkippedSteps = state, sess.Step, sess.SkippedSteps
		return res, err
	}

	sess.State = StateRunning
	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		sess.Epoch = epoch
		t.trainLoader.Reset()
		var epochLoss float64
		batches, seen := 0, 0

		for {
			if ctx.Err() != nil {
				return finish(t.interrupt(ctx, sess))
			}
			batch, err := t.trainLoader.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if ctx.Err() != nil {
					return finish(t.interrupt(ctx, sess))
				}
				return finish(StateFailed, errors.Wrapf(err, "epoch %d", epoch))
			}

			step, err := t.TrainStep(ctx, sess, batch)
			if err != nil {
				return finish(StateFailed, errors.Wrapf(err, "step %d", sess.Step+1))
			}
			epochLoss += step.Loss.Total
			batches++
			seen += batch.Size()
			t.logger.Debug("step",
				"epoch", fmt.Sprintf("%d/%d", epoch, t.cfg.Epochs),
				"samples", fmt.Sprintf("%d/%d", seen, t.TrainSize()),
				"loss", step.Loss.Total)

			if every > 0 && sess.Step%every == 0 {
				scores, err := t.evaluateAndReport(ctx, sess)
				if err != nil {
					if ctx.Err() != nil {
						return finish(t.interrupt(ctx, sess))
					}
					return finish(StateFailed, errors.Wrapf(err, "evaluation at step %d", sess.Step))
				}
				res.LastScores = &scores
			}
		}

		if batches > 0 {
			res.EpochLosses = append(res.EpochLosses, epochLoss/float64(batches))
			t.logger.Info("epoch finished", "epoch", epoch, "steps", sess.Step, "mean_loss", epochLoss/float64(batches))
		}
		res.Epochs = epoch
	}

	if t.cfg.SaveCheckpoint {
		path := filepath.Join(t.cfg.CheckpointDir, nn.CheckpointName(t.cfg.Epochs, t.cfg.LossTag))
		if err := t.save(path, sess); err != nil {
			return finish(StateFailed, err)
		}
		res.Checkpoint = path
		t.logger.Info("checkpoint saved", "epochs", t.cfg.Epochs, "path", path)
	}
	return finish(StateCompleted, nil)
}

// TrainStep runs one optimization step on batch and advances sess.Step.
//
// A channel mismatch between batch and network is returned as a
// *ConfigError before anything is mutated.
func (t *Trainer) TrainStep(ctx context.Context, sess *Session, batch *data.Batch) (StepResult, error) {
	if sess.StepDown.Apply(sess.Step+1, sess.Optimizer) {
		t.logger.Info("learning rate stepped down", "step", sess.Step+1, "learning_rate", sess.Optimizer.LR())
	}

	if got := batch.Images.Shape()[1]; got != t.net.NChannels() {
		return StepResult{}, &ConfigError{
			Field:    "channels",
			Expected: t.net.NChannels(),
			Actual:   got,
			Msg: fmt.Sprintf("network has been defined with %d input channels, but loaded images have %d channels; "+
				"check that the images are loaded correctly", t.net.NChannels(), got),
		}
	}
	target, err := nn.OneHotFromMask(batch.Masks, t.net.NClasses())
	if err != nil {
		return StepResult{}, errors.Wrap(err, "encode masks")
	}

	t.net.SetTraining(true)
	logits, err := t.net.Forward(batch.Images)
	if err != nil {
		return StepResult{}, errors.Wrap(err, "forward")
	}
	breakdown, grad, err := t.loss.Compute(logits, target)
	if err != nil {
		return StepResult{}, errors.Wrap(err, "loss")
	}

	sess.Optimizer.ZeroGrad()
	sess.Scaler.ScaleLoss(grad)
	if err := t.net.Backward(grad); err != nil {
		return StepResult{}, errors.Wrap(err, "backward")
	}
	stepped, err := sess.Scaler.Step(sess.Optimizer, t.net.NamedParameters())
	if err != nil {
		return StepResult{}, err
	}
	sess.Scaler.Update()
	sess.Step++
	if !stepped {
		sess.SkippedSteps++
		t.logger.Warn("non-finite gradients, update skipped", "step", sess.Step, "scale", sess.Scaler.Scale())
	}

	t.emit(ctx, telemetry.Record{
		Step:  sess.Step,
		Epoch: sess.Epoch,
		Scalars: map[string]float64{
			"pixel_loss":   breakdown.Pixel,
			"overlap_loss": breakdown.Overlap,
			"loss":         breakdown.Total,
		},
	})
	return StepResult{Loss: breakdown, Skipped: !stepped}, nil
}

// evaluateAndReport scores the validation set and emits the scores, the
// learning rate and parameter histograms.
func (t *Trainer) evaluateAndReport(ctx context.Context, sess *Session) (metrics.Scores, error) {
	hists, err := telemetry.ParameterHistograms(t.net.NamedParameters(), t.cfg.HistogramBins)
	if err != nil {
		return metrics.Scores{}, err
	}
	scores, err := Evaluate(ctx, t.net, t.valLoader)
	if err != nil {
		return metrics.Scores{}, err
	}
	t.logger.Info("validation", "step", sess.Step, "dice", scores.DiceOneHotBG, "pixel_accuracy", scores.PixelAccuracy)

	scalars := scores.Map()
	scalars["learning_rate"] = sess.Optimizer.LR()
	scalars["loss_scale"] = sess.Scaler.Scale()
	t.emit(ctx, telemetry.Record{Step: sess.Step, Epoch: sess.Epoch, Scalars: scalars, Histograms: hists})
	return scores, nil
}

// interrupt writes the emergency checkpoint after cancellation.
func (t *Trainer) interrupt(ctx context.Context, sess *Session) (State, error) {
	path := filepath.Join(t.cfg.CheckpointDir, nn.InterruptedCheckpointName)
	if t.cfg.CheckpointDir == "" {
		path = nn.InterruptedCheckpointName
	}
	if err := t.save(path, sess); err != nil {
		return StateFailed, errors.Wrap(err, "emergency checkpoint")
	}
	t.logger.Info("saved interrupt", "path", path, "step", sess.Step)
	return StateInterrupted, fmt.Errorf("%w at step %d: %w", ErrInterrupted, sess.Step, context.Cause(ctx))
}

func (t *Trainer) save(path string, sess *Session) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create checkpoint directory %s", dir)
		}
	}
	return nn.SaveCheckpoint(path, t.net.NamedParameters(), map[string]string{
		"epochs":   strconv.Itoa(t.cfg.Epochs),
		"epoch":    strconv.Itoa(sess.Epoch),
		"step":     strconv.Itoa(sess.Step),
		"loss":     t.cfg.LossTag,
		"channels": strconv.Itoa(t.net.NChannels()),
		"classes":  strconv.Itoa(t.net.NClasses()),
	})
}

func (t *Trainer) emit(ctx context.Context, r telemetry.Record) {
	if err := t.sink.Log(ctx, r); err != nil {
		t.logger.Warn("telemetry failed", "step", r.Step, "err", err)
	}
}
