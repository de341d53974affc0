package train

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/born-ml/segtrain/internal/data"
	"github.com/born-ml/segtrain/internal/metrics"
	"github.com/born-ml/segtrain/internal/nn"
)

// Evaluate scores net on every batch of loader once and returns the mean
// scores.
//
// The network runs in inference mode for the pass; its previous mode is
// restored afterwards. A loader without a single batch is a configuration
// error, never a silent zero score.
func Evaluate(ctx context.Context, net Network, loader *data.Loader) (metrics.Scores, error) {
	if loader.Len() == 0 {
		return metrics.Scores{}, &ConfigError{
			Field:  "validation",
			Actual: loader.NumSamples(),
			Msg:    "validation set has no full batch to evaluate",
			Err:    metrics.ErrNoBatches,
		}
	}

	restore := true
	if m, ok := net.(modeReporter); ok {
		restore = m.Training()
	}
	net.SetTraining(false)
	defer net.SetTraining(restore)

	var acc metrics.Accumulator
	loader.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return metrics.Scores{}, err
		}
		batch, err := loader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return metrics.Scores{}, err
		}
		if got := batch.Images.Shape()[1]; got != net.NChannels() {
			return metrics.Scores{}, &ConfigError{Field: "channels", Expected: net.NChannels(), Actual: got,
				Msg: "validation images do not match the network input"}
		}

		target, err := nn.OneHotFromMask(batch.Masks, net.NClasses())
		if err != nil {
			return metrics.Scores{}, errors.Wrap(err, "encode masks")
		}
		logits, err := net.Forward(batch.Images)
		if err != nil {
			return metrics.Scores{}, errors.Wrap(err, "forward")
		}
		scores, err := metrics.Compute(logits, target)
		if err != nil {
			return metrics.Scores{}, err
		}
		acc.Add(scores)
	}
	return acc.Mean()
}
