package amp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/segtrain/internal/nn"
	"github.com/born-ml/segtrain/internal/optim"
	"github.com/born-ml/segtrain/internal/tensor"
)

func withGrad(t *testing.T, value, grad float32) *nn.Parameter {
	t.Helper()
	p := nn.NewParameter("w", tensor.Full(value, 1))
	require.NoError(t, p.AccumulateGrad(tensor.Full(grad, 1)))
	return p
}

func TestGradScaler_UnscalesBeforeStep(t *testing.T) {
	s, err := NewGradScaler(DefaultConfig(true))
	require.NoError(t, err)

	seed := tensor.Full(1, 2)
	s.ScaleLoss(seed)
	assert.Equal(t, []float32{65536, 65536}, seed.Data())

	// 0.25 scaled by 2^16 is still representable in half precision.
	p := withGrad(t, 1, 0.25*65536)
	opt := optim.NewSGD([]*nn.Parameter{p}, optim.SGDConfig{LR: 1})
	stepped, err := s.Step(opt, []*nn.Parameter{p})
	require.NoError(t, err)
	assert.True(t, stepped)
	assert.InDelta(t, 0.75, p.Value().Data()[0], 1e-6)
	s.Update()
	assert.Equal(t, 65536.0, s.Scale())
}

func TestGradScaler_SkipsAndBacksOffOnOverflow(t *testing.T) {
	s, err := NewGradScaler(DefaultConfig(true))
	require.NoError(t, err)

	p := withGrad(t, 1, 70000)
	opt := optim.NewSGD([]*nn.Parameter{p}, optim.SGDConfig{LR: 1})
	stepped, err := s.Step(opt, []*nn.Parameter{p})
	require.NoError(t, err)
	assert.False(t, stepped)
	assert.True(t, s.FoundInf())
	assert.Equal(t, float32(1), p.Value().Data()[0], "parameters must be untouched")

	s.Update()
	assert.Equal(t, 32768.0, s.Scale())
}

func TestGradScaler_GrowsAfterInterval(t *testing.T) {
	cfg := DefaultConfig(true)
	cfg.GrowthInterval = 3
	s, err := NewGradScaler(cfg)
	require.NoError(t, err)

	p := withGrad(t, 0, 1)
	opt := optim.NewSGD([]*nn.Parameter{p}, optim.SGDConfig{LR: 1e-3})
	for i := range 3 {
		assert.Equal(t, 65536.0, s.Scale(), "step %d", i)
		_, err := s.Step(opt, []*nn.Parameter{p})
		require.NoError(t, err)
		s.Update()
		p.Grad().Fill(1)
	}
	assert.Equal(t, 131072.0, s.Scale())
}

func TestGradScaler_Disabled(t *testing.T) {
	s, err := NewGradScaler(Config{})
	require.NoError(t, err)
	assert.False(t, s.Enabled())
	assert.Equal(t, 1.0, s.Scale())

	seed := tensor.Full(2, 1)
	s.ScaleLoss(seed)
	assert.Equal(t, float32(2), seed.Data()[0])

	// Large but finite gradients are fine in full precision.
	p := withGrad(t, 0, 1e6)
	opt := optim.NewSGD([]*nn.Parameter{p}, optim.SGDConfig{LR: 1e-6})
	stepped, err := s.Step(opt, []*nn.Parameter{p})
	require.NoError(t, err)
	assert.True(t, stepped)

	// Non-finite ones are still rejected, and the scale stays at 1.
	nan := withGrad(t, 0, float32(math.NaN()))
	stepped, err = s.Step(opt, []*nn.Parameter{nan})
	require.NoError(t, err)
	assert.False(t, stepped)
	s.Update()
	assert.Equal(t, 1.0, s.Scale())
}

func TestNewGradScaler_Invalid(t *testing.T) {
	cfg := DefaultConfig(true)
	cfg.BackoffFactor = 1
	_, err := NewGradScaler(cfg)
	assert.Error(t, err)
}
