package metrics

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/segtrain/internal/nn"
	"github.com/born-ml/segtrain/internal/tensor"
)

func TestCompute_ExactMatchScoresOne(t *testing.T) {
	target, err := nn.OneHot([]int{0, 1, 2, 2, 1, 0}, 1, 2, 3, 3)
	require.NoError(t, err)
	logits := target.Clone()
	logits.Scale(50)

	s, err := Compute(logits, target)
	require.NoError(t, err)
	assert.InDelta(t, 1, s.DiceSoftmaxNoBG, 1e-6)
	assert.InDelta(t, 1, s.DiceSoftmaxBG, 1e-6)
	assert.InDelta(t, 1, s.DiceOneHotNoBG, 1e-9)
	assert.InDelta(t, 1, s.DiceOneHotBG, 1e-9)
	assert.InDelta(t, 1, s.PixelAccuracy, 1e-9)
}

func TestCompute_ScoresStayInUnitInterval(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	for range 20 {
		logits := tensor.Zeros(2, 3, 4, 4)
		for i := range logits.Data() {
			logits.Data()[i] = float32(rng.NormFloat64() * 3)
		}
		idx := make([]int, 2*4*4)
		for i := range idx {
			idx[i] = rng.IntN(3)
		}
		target, err := nn.OneHot(idx, 2, 4, 4, 3)
		require.NoError(t, err)

		s, err := Compute(logits, target)
		require.NoError(t, err)
		for name, v := range s.Map() {
			assert.GreaterOrEqual(t, v, 0.0, name)
			assert.LessOrEqual(t, v, 1.0+1e-9, name)
		}
	}
}

func TestCompute_HardVsSoft(t *testing.T) {
	// Two pixels, two classes. Pixel 0 leans to class 0, pixel 1 to class 1.
	logits, _ := tensor.FromSlice([]float32{
		1, -1,
		0, 1,
	}, tensor.Shape{1, 2, 1, 2})
	target, err := nn.OneHot([]int{0, 0}, 1, 1, 2, 2)
	require.NoError(t, err)

	s, err := Compute(logits, target)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, s.PixelAccuracy, 1e-9)

	// Hard foreground: predicted class 1 at pixel 1, absent from target -> ~0.
	assert.InDelta(t, 0, s.DiceOneHotNoBG, 1e-5)
	// Hard background: inter 1, sums 1+2 -> 2/3.
	assert.InDelta(t, (0+2.0/3.0)/2, s.DiceOneHotBG, 1e-5)
	// Soft scores lie strictly between.
	assert.Greater(t, s.DiceSoftmaxBG, 0.0)
	assert.Less(t, s.DiceSoftmaxBG, 1.0)
}

func TestCompute_SingleClass(t *testing.T) {
	logits := tensor.Zeros(1, 1, 2, 2)
	target := tensor.Full(1, 1, 1, 2, 2)
	s, err := Compute(logits, target)
	require.NoError(t, err)
	assert.Equal(t, s.DiceOneHotBG, s.DiceOneHotNoBG)
	assert.InDelta(t, 1, s.PixelAccuracy, 1e-9)
}

func TestPixelAccuracy_AveragesPerSample(t *testing.T) {
	pred, _ := nn.OneHot([]int{0, 0, 1, 1}, 2, 1, 2, 2)
	target, _ := nn.OneHot([]int{0, 1, 1, 1}, 2, 1, 2, 2)
	acc, err := PixelAccuracy(pred, target)
	require.NoError(t, err)
	assert.InDelta(t, (0.5+1.0)/2, acc, 1e-9)
}

func TestAccumulator(t *testing.T) {
	var acc Accumulator
	_, err := acc.Mean()
	assert.ErrorIs(t, err, ErrNoBatches)

	acc.Add(Scores{DiceSoftmaxNoBG: 1, DiceSoftmaxBG: 0.5, DiceOneHotNoBG: 0, DiceOneHotBG: 1, PixelAccuracy: 0.2})
	acc.Add(Scores{DiceSoftmaxNoBG: 0, DiceSoftmaxBG: 0.5, DiceOneHotNoBG: 1, DiceOneHotBG: 0, PixelAccuracy: 0.4})

	m, err := acc.Mean()
	require.NoError(t, err)
	assert.Equal(t, 2, acc.Count())
	assert.InDelta(t, 0.5, m.DiceSoftmaxNoBG, 1e-12)
	assert.InDelta(t, 0.5, m.DiceSoftmaxBG, 1e-12)
	assert.InDelta(t, 0.5, m.DiceOneHotNoBG, 1e-12)
	assert.InDelta(t, 0.5, m.DiceOneHotBG, 1e-12)
	assert.InDelta(t, 0.3, m.PixelAccuracy, 1e-12)
}
