package nn

import (
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/segtrain/internal/parallel"
	"github.com/born-ml/segtrain/internal/tensor"
)

// finiteDifference returns the central-difference gradient of f at x.
func finiteDifference(t *testing.T, x *tensor.Dense, f func(*tensor.Dense) float64) []float64 {
	t.Helper()
	const h = 1e-3
	out := make([]float64, x.Len())
	for i := range x.Data() {
		probe := x.Clone()
		probe.Data()[i] += h
		plus := f(probe)
		probe.Data()[i] -= 2 * h
		minus := f(probe)
		out[i] = (plus - minus) / (2 * h)
	}
	return out
}

// randomDense fills a tensor with values in [-1, 1).
func randomDense(rng *rand.Rand, shape ...int) *tensor.Dense {
	d := tensor.Zeros(shape...)
	for i := range d.Data() {
		d.Data()[i] = float32(rng.Float64()*2 - 1)
	}
	return d
}

// dot is the scalar objective Σ y·r used to drive gradient checks.
func dot(y, r *tensor.Dense) float64 {
	var s float64
	for i, v := range y.Data() {
		s += float64(v) * float64(r.Data()[i])
	}
	return s
}

func TestSoftmax_SumsToOne(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	logits := randomDense(rng, 2, 4, 3, 3)
	logits.Scale(20)

	probs, err := Softmax(logits)
	require.NoError(t, err)

	n, c, h, w, _ := probs.Shape().NCHW()
	for ni := range n {
		for p := range h * w {
			var sum float64
			for ci := range c {
				sum += float64(probs.Data()[(ni*c+ci)*h*w+p])
			}
			assert.InDelta(t, 1, sum, 1e-5)
		}
	}
}

func TestSoftmaxBackward_MatchesFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	logits := randomDense(rng, 1, 3, 2, 2)
	r := randomDense(rng, 1, 3, 2, 2)

	probs, err := Softmax(logits)
	require.NoError(t, err)
	grad, err := SoftmaxBackward(probs, r)
	require.NoError(t, err)

	numeric := finiteDifference(t, logits, func(x *tensor.Dense) float64 {
		p, err := Softmax(x)
		require.NoError(t, err)
		return dot(p, r)
	})
	for i := range numeric {
		assert.InDelta(t, numeric[i], float64(grad.Data()[i]), 1e-3)
	}
}

func TestArgmax_TiesPickLowestIndex(t *testing.T) {
	v, err := tensor.FromSlice([]float32{
		0.5, 0.1, // class 0
		0.5, 0.7, // class 1
		0.2, 0.7, // class 2
	}, tensor.Shape{1, 3, 1, 2})
	require.NoError(t, err)

	idx, err := Argmax(v)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, idx)
}

func TestOneHotFromMask(t *testing.T) {
	indexMask, _ := tensor.FromSlice([]float32{0, 2, 1, 2}, tensor.Shape{1, 2, 2})
	oh, err := OneHotFromMask(indexMask, 3)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 3, 2, 2}, oh.Shape())
	assert.Equal(t, []float32{
		1, 0, 0, 0,
		0, 0, 1, 0,
		0, 1, 0, 1,
	}, oh.Data())

	// Channel masks take the argmax over their channels.
	channelMask, _ := tensor.FromSlice([]float32{
		255, 0,
		0, 255,
		0, 0,
	}, tensor.Shape{1, 3, 1, 2})
	oh, err = OneHotFromMask(channelMask, 3)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0, 1, 0, 0}, oh.Data())

	outOfRange, _ := tensor.FromSlice([]float32{3}, tensor.Shape{1, 1, 1})
	_, err = OneHotFromMask(outOfRange, 3)
	assert.Error(t, err)

	_, err = OneHotFromMask(tensor.Zeros(2, 2), 3)
	assert.Error(t, err)
}

func TestConv2D_PreservesSpatialSize(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	conv := NewConv2D(rng, 2, 4, 3, 1)
	out, err := conv.Forward(tensor.Zeros(1, 2, 5, 7), false)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 4, 5, 7}, out.Shape())

	_, err = conv.Forward(tensor.Zeros(1, 3, 5, 7), false)
	assert.Error(t, err)
}

func TestConv2D_KnownValues(t *testing.T) {
	rng := rand.New(rand.NewPCG(0, 0))
	conv := NewConv2D(rng, 1, 1, 3, 1)
	conv.Weight().Value().Fill(1)
	conv.Bias().Value().Fill(0.5)

	input, _ := tensor.FromSlice([]float32{
		1, 2,
		3, 4,
	}, tensor.Shape{1, 1, 2, 2})
	out, err := conv.Forward(input, false)
	require.NoError(t, err)
	// Every 3x3 window covers all four pixels.
	assert.Equal(t, []float32{10.5, 10.5, 10.5, 10.5}, out.Data())
}

func TestConv2D_GradientsMatchFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	for _, par := range []parallel.Config{parallel.Sequential(), {Workers: 3, MinItems: 2}} {
		conv := NewConv2D(rng, 2, 3, 3, 1)
		conv.SetParallel(par)
		input := randomDense(rng, 2, 2, 3, 4)
		r := randomDense(rng, 2, 3, 3, 4)

		_, err := conv.Forward(input, true)
		require.NoError(t, err)
		dx, err := conv.Backward(r)
		require.NoError(t, err)

		objective := func(x *tensor.Dense) float64 {
			y, err := conv.Forward(x, false)
			require.NoError(t, err)
			return dot(y, r)
		}
		numeric := finiteDifference(t, input, objective)
		for i := range numeric {
			assert.InDelta(t, numeric[i], float64(dx.Data()[i]), 1e-2, "dx[%d]", i)
		}

		w := conv.Weight().Value()
		numericW := finiteDifference(t, w, func(probe *tensor.Dense) float64 {
			saved := w.Clone()
			copy(w.Data(), probe.Data())
			defer copy(w.Data(), saved.Data())
			return objective(input)
		})
		for i := range numericW {
			assert.InDelta(t, numericW[i], float64(conv.Weight().Grad().Data()[i]), 1e-2, "dW[%d]", i)
		}

		// db[co] = Σ r over that output channel.
		for co := range 3 {
			var want float64
			for n := range 2 {
				for p := range 12 {
					want += float64(r.Data()[(n*3+co)*12+p])
				}
			}
			assert.InDelta(t, want, float64(conv.Bias().Grad().Data()[co]), 1e-4)
		}
	}
}

func TestConv2D_BackwardWithoutForward(t *testing.T) {
	conv := NewConv2D(rand.New(rand.NewPCG(1, 1)), 1, 1, 3, 1)
	_, err := conv.Forward(tensor.Zeros(1, 1, 3, 3), false)
	require.NoError(t, err)
	_, err = conv.Backward(tensor.Zeros(1, 1, 3, 3))
	assert.Error(t, err, "inference forward must not cache activations")
}

func TestMaxPool2D_ForwardBackward(t *testing.T) {
	input, _ := tensor.FromSlice([]float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	}, tensor.Shape{1, 1, 4, 4})

	pool := NewMaxPool2D(2)
	out, err := pool.Forward(input, true)
	require.NoError(t, err)
	assert.Equal(t, []float32{6, 8, 14, 16}, out.Data())

	grad, _ := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{1, 1, 2, 2})
	dx, err := pool.Backward(grad)
	require.NoError(t, err)
	assert.Equal(t, []float32{
		0, 0, 0, 0,
		0, 1, 0, 2,
		0, 0, 0, 0,
		0, 3, 0, 4,
	}, dx.Data())
}

func TestUpsample2D_ForwardBackward(t *testing.T) {
	input, _ := tensor.FromSlice([]float32{1, 2}, tensor.Shape{1, 1, 1, 2})
	up := NewUpsample2D(2)

	out, err := up.Forward(input, true)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 1, 2, 4}, out.Shape())
	assert.Equal(t, []float32{1, 1, 2, 2, 1, 1, 2, 2}, out.Data())

	dx, err := up.Backward(tensor.Full(1, 1, 1, 2, 4))
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 4}, dx.Data())
}

func TestReLU_ForwardBackward(t *testing.T) {
	input, _ := tensor.FromSlice([]float32{-1, 0, 2}, tensor.Shape{3})
	relu := NewReLU()
	out, err := relu.Forward(input, true)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 2}, out.Data())
	assert.Equal(t, []float32{-1, 0, 2}, input.Data(), "input must not be modified")

	dx, err := relu.Backward(tensor.Full(5, 3))
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 5}, dx.Data())
}

func TestCheckpoint_SaveLoad(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	conv := NewConv2D(rng, 2, 2, 3, 1)
	params := Prefixed("inc", conv.Parameters()...)
	assert.Equal(t, "inc.weight", params[0].Name())

	path := filepath.Join(t.TempDir(), CheckpointName(5, "BCEdice"))
	assert.Equal(t, "checkpoint_epoch5_BCEdice.safetensors", filepath.Base(path))
	require.NoError(t, SaveCheckpoint(path, params, map[string]string{"epochs": "5"}))

	fresh := NewConv2D(rng, 2, 2, 3, 1)
	freshParams := Prefixed("inc", fresh.Parameters()...)
	meta, err := LoadCheckpoint(path, freshParams)
	require.NoError(t, err)
	assert.Equal(t, "5", meta["epochs"])
	assert.Equal(t, conv.Weight().Value().Data(), fresh.Weight().Value().Data())

	other := Prefixed("outc", NewConv2D(rng, 2, 2, 3, 1).Parameters()...)
	_, err = LoadCheckpoint(path, other)
	assert.Error(t, err)
}
