// Package unet implements a U-Net encoder/decoder for per-pixel
// classification on the CPU.
//
// Architecture, for Depth d and base width f:
//
//	inc:    DoubleConv(in -> f)
//	downK:  MaxPool(2) + DoubleConv(f*2^(K-1) -> f*2^K)       K = 1..d
//	upK:    Upsample(2) ++ skip + DoubleConv(-> f*2^(K-1))     K = d..1
//	outc:   1x1 Conv(f -> classes)
//
// DoubleConv is two 3x3 same-padding convolutions, each followed by ReLU.
// Odd spatial sizes are handled by zero-padding the upsampled tensor to
// the skip connection's size.
package unet

import (
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/born-ml/segtrain/internal/nn"
	"github.com/born-ml/segtrain/internal/parallel"
	"github.com/born-ml/segtrain/internal/tensor"
)

// Config describes the network shape.
type Config struct {
	InChannels int             // Input channels (primary + auxiliary)
	Classes    int             // Output classes
	Features   int             // Channels of the first block, doubled per level
	Depth      int             // Number of pooling levels
	Seed       uint64          // Weight initialization seed
	Parallel   parallel.Config // Convolution fan-out
}

// DefaultConfig returns a 4-level network with 16 base features for RGB
// plus one auxiliary channel and three classes.
func DefaultConfig() Config {
	return Config{
		InChannels: 4,
		Classes:    3,
		Features:   16,
		Depth:      4,
		Parallel:   parallel.DefaultConfig(),
	}
}

// UNet is the segmentation network.
type UNet struct {
	cfg      Config
	inc      *nn.Sequential
	downs    []*down
	ups      []*up // ups[k-1] is stage upK
	outc     *nn.Conv2D
	params   []*nn.Parameter
	training bool
}

// New creates a network with freshly initialized weights.
func New(cfg Config) (*UNet, error) {
	switch {
	case cfg.InChannels < 1:
		return nil, errors.Errorf("unet: input channels must be positive, got %d", cfg.InChannels)
	case cfg.Classes < 1:
		return nil, errors.Errorf("unet: classes must be positive, got %d", cfg.Classes)
	case cfg.Features < 1:
		return nil, errors.Errorf("unet: features must be positive, got %d", cfg.Features)
	case cfg.Depth < 0:
		return nil, errors.Errorf("unet: depth must not be negative, got %d", cfg.Depth)
	}
	if cfg.Parallel.Workers == 0 {
		cfg.Parallel = parallel.DefaultConfig()
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))
	u := &UNet{cfg: cfg, training: true}
	var convs []*nn.Conv2D

	f := cfg.Features
	var ps []*nn.Parameter
	u.inc, ps, convs = doubleConv(rng, "inc", cfg.InChannels, f, convs)
	u.params = append(u.params, ps...)

	for k := 1; k <= cfg.Depth; k++ {
		d := &down{pool: nn.NewMaxPool2D(2)}
		d.block, ps, convs = doubleConv(rng, fmt.Sprintf("down%d", k), f<<(k-1), f<<k, convs)
		u.params = append(u.params, ps...)
		u.downs = append(u.downs, d)
	}

	u.ups = make([]*up, cfg.Depth)
	for k := cfg.Depth; k >= 1; k-- {
		skip, below := f<<(k-1), f<<k
		s := &up{sample: nn.NewUpsample2D(2), skipChannels: skip}
		s.block, ps, convs = doubleConv(rng, fmt.Sprintf("up%d", k), skip+below, skip, convs)
		u.params = append(u.params, ps...)
		u.ups[k-1] = s
	}

	u.outc = nn.NewProjection(rng, f, cfg.Classes)
	convs = append(convs, u.outc)
	u.params = append(u.params, nn.Prefixed("outc", u.outc.Parameters()...)...)

	for _, c := range convs {
		c.SetParallel(cfg.Parallel)
	}
	return u, nil
}

// doubleConv builds conv3x3-ReLU-conv3x3-ReLU with parameters named
// name.conv1.* and name.conv2.*.
func doubleConv(rng *rand.Rand, name string, in, out int, convs []*nn.Conv2D) (*nn.Sequential, []*nn.Parameter, []*nn.Conv2D) {
	c1 := nn.NewConv2D(rng, in, out, 3, 1)
	c2 := nn.NewConv2D(rng, out, out, 3, 1)
	params := append(nn.Prefixed(name+".conv1", c1.Parameters()...), nn.Prefixed(name+".conv2", c2.Parameters()...)...)
	return nn.NewSequential(c1, nn.NewReLU(), c2, nn.NewReLU()), params, append(convs, c1, c2)
}

// NChannels returns the number of input channels the network accepts.
func (u *UNet) NChannels() int { return u.cfg.InChannels }

// NClasses returns the number of output classes.
func (u *UNet) NClasses() int { return u.cfg.Classes }

// NamedParameters returns every trainable parameter with its dotted name,
// in construction order.
func (u *UNet) NamedParameters() []*nn.Parameter { return u.params }

// SetTraining switches activation caching on (training) or off (inference).
func (u *UNet) SetTraining(training bool) { u.training = training }

// Training reports the current mode.
func (u *UNet) Training() bool { return u.training }

// String returns a short description of the network.
func (u *UNet) String() string {
	return fmt.Sprintf("UNet(in=%d, classes=%d, features=%d, depth=%d, params=%d)",
		u.cfg.InChannels, u.cfg.Classes, u.cfg.Features, u.cfg.Depth, nn.CountParameters(u.params))
}

// Forward maps [N,InChannels,H,W] images to [N,Classes,H,W] logits.
func (u *UNet) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	_, c, _, _, err := x.Shape().NCHW()
	if err != nil {
		return nil, errors.Wrap(err, "unet")
	}
	if c != u.cfg.InChannels {
		return nil, errors.Errorf("unet: expected %d input channels, got %d", u.cfg.InChannels, c)
	}

	h, err := u.inc.Forward(x, u.training)
	if err != nil {
		return nil, errors.Wrap(err, "inc")
	}
	skips := make([]*tensor.Dense, 0, len(u.downs)+1)
	skips = append(skips, h)
	for k, d := range u.downs {
		if h, err = d.forward(h, u.training); err != nil {
			return nil, errors.Wrapf(err, "down%d", k+1)
		}
		skips = append(skips, h)
	}
	for k := len(u.ups); k >= 1; k-- {
		if h, err = u.ups[k-1].forward(h, skips[k-1], u.training); err != nil {
			return nil, errors.Wrapf(err, "up%d", k)
		}
	}
	logits, err := u.outc.Forward(h, u.training)
	if err != nil {
		return nil, errors.Wrap(err, "outc")
	}
	return logits, nil
}

// Backward takes dLoss/dLogits for the last training Forward and
// accumulates gradients into every parameter.
func (u *UNet) Backward(gradLogits *tensor.Dense) error {
	if !u.training {
		return errors.New("unet: backward called in inference mode")
	}
	g, err := u.outc.Backward(gradLogits)
	if err != nil {
		return errors.Wrap(err, "outc backward")
	}

	skipGrads := make([]*tensor.Dense, len(u.downs)+1)
	for k := 1; k <= len(u.ups); k++ {
		var gSkip *tensor.Dense
		if g, gSkip, err = u.ups[k-1].backward(g); err != nil {
			return errors.Wrapf(err, "up%d backward", k)
		}
		if skipGrads[k-1], err = accumulate(skipGrads[k-1], gSkip); err != nil {
			return err
		}
	}
	if skipGrads[len(u.downs)], err = accumulate(skipGrads[len(u.downs)], g); err != nil {
		return err
	}

	for k := len(u.downs); k >= 1; k-- {
		gIn, err := u.downs[k-1].backward(skipGrads[k])
		if err != nil {
			return errors.Wrapf(err, "down%d backward", k)
		}
		if skipGrads[k-1], err = accumulate(skipGrads[k-1], gIn); err != nil {
			return err
		}
	}
	if _, err := u.inc.Backward(skipGrads[0]); err != nil {
		return errors.Wrap(err, "inc backward")
	}
	return nil
}

// accumulate returns sum + g, treating a nil sum as zero.
func accumulate(sum, g *tensor.Dense) (*tensor.Dense, error) {
	if sum == nil {
		return g, nil
	}
	if err := sum.AddInPlace(g); err != nil {
		return nil, errors.Wrap(err, "accumulate skip gradient")
	}
	return sum, nil
}
