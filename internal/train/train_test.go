package train

import (
	"context"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/segtrain/internal/data"
	"github.com/born-ml/segtrain/internal/metrics"
	"github.com/born-ml/segtrain/internal/nn"
	"github.com/born-ml/segtrain/internal/parallel"
	"github.com/born-ml/segtrain/internal/serialization"
	"github.com/born-ml/segtrain/internal/telemetry"
	"github.com/born-ml/segtrain/internal/tensor"
	"github.com/born-ml/segtrain/internal/unet"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a small, fast configuration writing into a temp dir.
func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := Default()
	cfg.Epochs = 1
	cfg.BatchSize = 1
	cfg.ValPercent = 0
	cfg.Workers = 1
	cfg.CheckpointDir = t.TempDir()
	cfg.HistogramBins = 4
	return cfg
}

func testNet(t *testing.T) *unet.UNet {
	t.Helper()
	net, err := unet.New(unet.Config{
		InChannels: 4, Classes: 3, Features: 2, Depth: 1, Seed: 1, Parallel: parallel.Sequential(),
	})
	require.NoError(t, err)
	return net
}

func testData(t *testing.T, samples int) *data.Synthetic {
	t.Helper()
	ds, err := data.NewSynthetic(data.SyntheticConfig{
		Samples: samples, Height: 6, Width: 6, Classes: 3, ImageChans: 3, AuxChans: 1, ChannelMask: true, Seed: 2,
	})
	require.NoError(t, err)
	return ds
}

// recordingSink keeps every record.
type recordingSink struct{ records []telemetry.Record }

func (r *recordingSink) Log(_ context.Context, rec telemetry.Record) error {
	r.records = append(r.records, rec)
	return nil
}

type failingSink struct{}

func (failingSink) Log(context.Context, telemetry.Record) error {
	return errors.New("sink offline")
}

func TestRun_EndToEndSavesFullParameterSet(t *testing.T) {
	cfg := testConfig(t)
	net := testNet(t)
	tr, err := New(cfg, net, testData(t, 2), WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, 2, tr.TrainSize())
	assert.Equal(t, 0, tr.ValSize())
	assert.Equal(t, 0, tr.EvalEvery(), "empty validation disables periodic evaluation")

	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, 1, res.Epochs)
	assert.Len(t, res.EpochLosses, 1)
	assert.Nil(t, res.LastScores)
	assert.Equal(t, filepath.Join(cfg.CheckpointDir, "checkpoint_epoch1_BCEdice.safetensors"), res.Checkpoint)

	tensors, meta, err := serialization.ReadSafeTensors(res.Checkpoint)
	require.NoError(t, err)
	var want, got []string
	for _, p := range net.NamedParameters() {
		want = append(want, p.Name())
	}
	for name := range tensors {
		got = append(got, name)
	}
	sort.Strings(want)
	sort.Strings(got)
	assert.Equal(t, want, got)
	assert.Equal(t, "2", meta["step"])
}

func TestRun_PeriodicEvaluation(t *testing.T) {
	cfg := testConfig(t)
	cfg.ValPercent = 10
	sink := &recordingSink{}
	tr, err := New(cfg, testNet(t), testData(t, 10), WithLogger(quietLogger()), WithSink(sink))
	require.NoError(t, err)
	require.Equal(t, 9, tr.TrainSize())
	require.Equal(t, 4, tr.EvalEvery()) // 9 / (2 * 1)

	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.LastScores)

	var steps, evals []int
	for _, r := range sink.records {
		if _, ok := r.Scalars["dice_onehot_bg"]; ok {
			evals = append(evals, r.Step)
			assert.Equal(t, 1e-5, r.Scalars["learning_rate"])
			assert.Contains(t, r.Histograms, "Weights/outc.weight")
			assert.Contains(t, r.Histograms, "Gradients/outc.weight")
			continue
		}
		steps = append(steps, r.Step)
		assert.Contains(t, r.Scalars, "pixel_loss")
		assert.Contains(t, r.Scalars, "overlap_loss")
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9}, steps, "step counter increases by one per batch")
	assert.Equal(t, []int{4, 8}, evals)

	for _, v := range res.LastScores.Map() {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestEvalEvery_ClampsToOne(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 2
	cfg.ValPercent = 50
	tr, err := New(cfg, testNet(t), testData(t, 4), WithLogger(quietLogger()))
	require.NoError(t, err)
	// 2 training samples / (2 evals * batch 2) = 0, clamped.
	assert.Equal(t, 1, tr.EvalEvery())
}

func TestRun_TelemetryFailureIsNotFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.SaveCheckpoint = false
	tr, err := New(cfg, testNet(t), testData(t, 2), WithLogger(quietLogger()), WithSink(failingSink{}))
	require.NoError(t, err)
	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Empty(t, res.Checkpoint)
}

func TestRun_CancellationWritesEmergencyCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	tr, err := New(cfg, testNet(t), testData(t, 2), WithLogger(quietLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := tr.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateInterrupted, res.State)
	assert.Equal(t, 0, res.Steps)

	_, err = os.Stat(filepath.Join(cfg.CheckpointDir, nn.InterruptedCheckpointName))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.CheckpointDir, nn.CheckpointName(1, "BCEdice")))
	assert.True(t, os.IsNotExist(err), "normal checkpoint must not be written on interrupt")
}

// cancelAfterSink cancels the run once it has seen n step records.
type cancelAfterSink struct {
	n      int
	cancel context.CancelFunc
}

func (c *cancelAfterSink) Log(_ context.Context, r telemetry.Record) error {
	if r.Step >= c.n {
		c.cancel()
	}
	return nil
}

func TestRun_CancellationBetweenSteps(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 3
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr, err := New(cfg, testNet(t), testData(t, 2), WithLogger(quietLogger()),
		WithSink(&cancelAfterSink{n: 3, cancel: cancel}))
	require.NoError(t, err)

	res, err := tr.Run(ctx)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, 3, res.Steps, "the in-flight step completes before cancellation is observed")
	assert.Equal(t, 1, res.Epochs)
}

func batchOf(t *testing.T, ds data.Dataset, idx int) *data.Batch {
	t.Helper()
	s, err := ds.Get(idx)
	require.NoError(t, err)
	in, err := s.Input()
	require.NoError(t, err)
	images, err := tensor.Stack([]*tensor.Dense{in})
	require.NoError(t, err)
	masks, err := tensor.Stack([]*tensor.Dense{s.Mask})
	require.NoError(t, err)
	return &data.Batch{Images: images, Masks: masks, Indices: []int{idx}}
}

func TestTrainStep_LearningRateStepsDownOnce(t *testing.T) {
	cfg := testConfig(t)
	cfg.StepDownAfter = 3
	cfg.StepDownLR = 1e-6
	tr, err := New(cfg, testNet(t), testData(t, 2), WithLogger(quietLogger()))
	require.NoError(t, err)
	sess, err := tr.NewSession()
	require.NoError(t, err)
	batch := batchOf(t, testData(t, 2), 0)

	var lrs []float64
	for i := range 6 {
		_, err := tr.TrainStep(context.Background(), sess, batch)
		require.NoError(t, err)
		assert.Equal(t, i+1, sess.Step)
		lrs = append(lrs, sess.Optimizer.LR())
	}
	assert.Equal(t, []float64{1e-5, 1e-5, 1e-5, 1e-6, 1e-6, 1e-6}, lrs)
	assert.True(t, sess.StepDown.Applied())
}

func TestTrainStep_ChannelMismatchIsFatal(t *testing.T) {
	cfg := testConfig(t)
	net := testNet(t)
	tr, err := New(cfg, net, testData(t, 2), WithLogger(quietLogger()))
	require.NoError(t, err)
	sess, err := tr.NewSession()
	require.NoError(t, err)

	before := net.NamedParameters()[0].Value().Clone()
	batch := &data.Batch{Images: tensor.Zeros(1, 3, 6, 6), Masks: tensor.Zeros(1, 6, 6), Indices: []int{0}}
	_, err = tr.TrainStep(context.Background(), sess, batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "channels", cfgErr.Field)
	assert.Equal(t, 4, cfgErr.Expected)
	assert.Equal(t, 3, cfgErr.Actual)
	assert.Contains(t, err.Error(), "4 input channels")

	assert.Equal(t, 0, sess.Step)
	assert.Equal(t, before.Data(), net.NamedParameters()[0].Value().Data())
}

// constNet predicts the same logit everywhere and reports a fixed gradient.
type constNet struct {
	w    *nn.Parameter
	grad float32
}

func newConstNet(grad float32) *constNet {
	return &constNet{w: nn.NewParameter("w", tensor.Zeros(1)), grad: grad}
}

func (c *constNet) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	n, _, h, w, err := x.Shape().NCHW()
	if err != nil {
		return nil, err
	}
	return tensor.Full(c.w.Value().Data()[0], n, 3, h, w), nil
}

func (c *constNet) Backward(*tensor.Dense) error {
	return c.w.AccumulateGrad(tensor.Full(c.grad, 1))
}

func (c *constNet) NChannels() int                   { return 4 }
func (c *constNet) NClasses() int                    { return 3 }
func (c *constNet) NamedParameters() []*nn.Parameter { return []*nn.Parameter{c.w} }
func (c *constNet) SetTraining(bool)                 {}

func TestTrainStep_NonFiniteGradientSkipsUpdate(t *testing.T) {
	cfg := testConfig(t)
	cfg.AMP = true
	net := newConstNet(float32(math.Inf(1)))
	tr, err := New(cfg, net, testData(t, 2), WithLogger(quietLogger()))
	require.NoError(t, err)
	sess, err := tr.NewSession()
	require.NoError(t, err)

	res, err := tr.TrainStep(context.Background(), sess, batchOf(t, testData(t, 2), 1))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, sess.Step)
	assert.Equal(t, 1, sess.SkippedSteps)
	assert.Equal(t, float32(0), net.w.Value().Data()[0])
	assert.Equal(t, 32768.0, sess.Scaler.Scale())

	// Training continues with finite gradients.
	net.grad = 1
	res, err = tr.TrainStep(context.Background(), sess, batchOf(t, testData(t, 2), 1))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 2, sess.Step)
	assert.NotEqual(t, float32(0), net.w.Value().Data()[0])
}

func TestEvaluate_EmptyValidationIsConfigError(t *testing.T) {
	empty, err := data.NewSubset(testData(t, 2), nil)
	require.NoError(t, err)
	loader, err := data.NewLoader(empty, data.LoaderConfig{BatchSize: 1, DropLast: true})
	require.NoError(t, err)

	scores, err := Evaluate(context.Background(), testNet(t), loader)
	assert.ErrorIs(t, err, ErrConfig)
	assert.ErrorIs(t, err, metrics.ErrNoBatches)
	assert.Equal(t, metrics.Scores{}, scores)
}

func TestEvaluate_RestoresModeAndScores(t *testing.T) {
	net := testNet(t)
	loader, err := data.NewLoader(testData(t, 3), data.LoaderConfig{BatchSize: 2, DropLast: true})
	require.NoError(t, err)

	scores, err := Evaluate(context.Background(), net, loader)
	require.NoError(t, err)
	assert.True(t, net.Training())
	for name, v := range scores.Map() {
		assert.False(t, math.IsNaN(v), name)
		assert.GreaterOrEqual(t, v, 0.0, name)
		assert.LessOrEqual(t, v, 1.0, name)
	}

	net.SetTraining(false)
	_, err = Evaluate(context.Background(), net, loader)
	require.NoError(t, err)
	assert.False(t, net.Training())
}

func TestNew_RejectsInvalidSplit(t *testing.T) {
	cfg := testConfig(t)
	_, err := New(cfg, testNet(t), testData(t, 0), WithLogger(quietLogger()))
	assert.ErrorIs(t, err, ErrConfig)
	assert.ErrorIs(t, err, data.ErrInvalidSplit)
}
