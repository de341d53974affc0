package unet

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/segtrain/internal/nn"
	"github.com/born-ml/segtrain/internal/parallel"
	"github.com/born-ml/segtrain/internal/tensor"
)

func smallConfig() Config {
	return Config{InChannels: 2, Classes: 3, Features: 2, Depth: 2, Seed: 1, Parallel: parallel.Sequential()}
}

func random(rng *rand.Rand, shape ...int) *tensor.Dense {
	d := tensor.Zeros(shape...)
	for i := range d.Data() {
		d.Data()[i] = float32(rng.Float64()*2 - 1)
	}
	return d
}

func TestUNet_OutputShape(t *testing.T) {
	net, err := New(smallConfig())
	require.NoError(t, err)
	assert.Equal(t, 2, net.NChannels())
	assert.Equal(t, 3, net.NClasses())

	for _, hw := range [][2]int{{8, 8}, {7, 9}, {5, 4}} {
		out, err := net.Forward(tensor.Zeros(2, 2, hw[0], hw[1]))
		require.NoError(t, err)
		assert.Equal(t, tensor.Shape{2, 3, hw[0], hw[1]}, out.Shape(), "%dx%d", hw[0], hw[1])
	}
}

func TestUNet_ChannelMismatch(t *testing.T) {
	net, err := New(smallConfig())
	require.NoError(t, err)
	_, err = net.Forward(tensor.Zeros(1, 3, 8, 8))
	assert.Error(t, err)
}

func TestUNet_NamedParameters(t *testing.T) {
	net, err := New(smallConfig())
	require.NoError(t, err)

	params := net.NamedParameters()
	// inc + 2 downs + 2 ups with two convs each, plus outc; weight and bias per conv.
	assert.Len(t, params, (5*2+1)*2)

	seen := make(map[string]bool)
	for _, p := range params {
		assert.False(t, seen[p.Name()], "duplicate %s", p.Name())
		seen[p.Name()] = true
	}
	for _, name := range []string{"inc.conv1.weight", "down2.conv2.bias", "up1.conv1.weight", "outc.weight"} {
		assert.True(t, seen[name], name)
	}
	assert.Contains(t, net.String(), "depth=2")
}

func TestUNet_DeterministicInit(t *testing.T) {
	a, err := New(smallConfig())
	require.NoError(t, err)
	b, err := New(smallConfig())
	require.NoError(t, err)
	assert.Equal(t, a.NamedParameters()[0].Value().Data(), b.NamedParameters()[0].Value().Data())
}

func TestUNet_BackwardMatchesFiniteDifference(t *testing.T) {
	cfg := smallConfig()
	cfg.Depth = 1
	net, err := New(cfg)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(3, 3))
	x := random(rng, 1, 2, 5, 4)
	r := random(rng, 1, 3, 5, 4)

	objective := func() float64 {
		net.SetTraining(false)
		defer net.SetTraining(true)
		y, err := net.Forward(x)
		require.NoError(t, err)
		var s float64
		for i, v := range y.Data() {
			s += float64(v) * float64(r.Data()[i])
		}
		return s
	}

	nn.ZeroGrad(net.NamedParameters())
	_, err = net.Forward(x)
	require.NoError(t, err)
	require.NoError(t, net.Backward(r))

	const h = 1e-3
	for _, p := range net.NamedParameters() {
		require.NotNil(t, p.Grad(), p.Name())
		// Probe a couple of entries per parameter to keep the test fast.
		for _, i := range []int{0, p.Value().Len() - 1} {
			v := p.Value().Data()
			orig := v[i]
			v[i] = orig + h
			plus := objective()
			v[i] = orig - h
			minus := objective()
			v[i] = orig
			numeric := (plus - minus) / (2 * h)
			tol := 2e-2 * math.Max(1, math.Abs(numeric))
			assert.InDelta(t, numeric, float64(p.Grad().Data()[i]), tol, "%s[%d]", p.Name(), i)
		}
	}
}

func TestUNet_BackwardRequiresTrainingMode(t *testing.T) {
	net, err := New(smallConfig())
	require.NoError(t, err)
	net.SetTraining(false)
	assert.False(t, net.Training())
	out, err := net.Forward(tensor.Zeros(1, 2, 4, 4))
	require.NoError(t, err)
	assert.Error(t, net.Backward(out))
}

func TestPadCrop_Adjoint(t *testing.T) {
	x, _ := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{1, 1, 2, 2})
	p := pad(x, 3, 3, 0, 1)
	assert.Equal(t, []float32{
		0, 1, 2,
		0, 3, 4,
		0, 0, 0,
	}, p.Data())
	assert.Equal(t, x.Data(), crop(p, x.Shape(), 0, 1).Data())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := smallConfig()
	cfg.Classes = 0
	_, err := New(cfg)
	assert.Error(t, err)
}
