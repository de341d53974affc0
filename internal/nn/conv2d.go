package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/born-ml/segtrain/internal/parallel"
	"github.com/born-ml/segtrain/internal/tensor"
)

// Conv2D is a stride-1 2D convolutional layer with zero padding.
//
// Performs convolution: output = Conv2D(input, weight) + bias
//
// Input shape:  [batch, in_channels, height, width]
// Weight shape: [out_channels, in_channels, kernel, kernel]
// Bias shape:   [out_channels]
// Output shape: [batch, out_channels, out_h, out_w]
//
// Where:
//
//	out_h = height + 2*padding - kernel + 1
//	out_w = width + 2*padding - kernel + 1
//
// A 3x3 kernel with padding 1 preserves spatial size, which is what the
// U-Net blocks rely on.
type Conv2D struct {
	inChannels  int
	outChannels int
	kernel      int
	padding     int

	weight *Parameter // [out_channels, in_channels, kernel, kernel]
	bias   *Parameter // [out_channels]

	par   parallel.Config
	input *tensor.Dense // cached for Backward
}

// NewConv2D creates a convolution with Kaiming-uniform weights and zero bias.
func NewConv2D(rng *rand.Rand, inChannels, outChannels, kernel, padding int) *Conv2D {
	fanIn := inChannels * kernel * kernel
	return &Conv2D{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernel:      kernel,
		padding:     padding,
		weight:      NewParameter("weight", KaimingUniform(rng, fanIn, outChannels, inChannels, kernel, kernel)),
		bias:        NewParameter("bias", tensor.Zeros(outChannels)),
		par:         parallel.DefaultConfig(),
	}
}

// NewProjection creates a 1x1 convolution with Xavier weights, used as the
// classifier head.
func NewProjection(rng *rand.Rand, inChannels, outChannels int) *Conv2D {
	c := NewConv2D(rng, inChannels, outChannels, 1, 0)
	c.weight = NewParameter("weight", Xavier(rng, inChannels, outChannels, outChannels, inChannels, 1, 1))
	return c
}

// SetParallel overrides the kernel fan-out configuration.
func (c *Conv2D) SetParallel(cfg parallel.Config) {
	c.par = cfg
}

// Weight returns the kernel parameter.
func (c *Conv2D) Weight() *Parameter { return c.weight }

// Bias returns the bias parameter.
func (c *Conv2D) Bias() *Parameter { return c.bias }

// Parameters returns weight and bias.
func (c *Conv2D) Parameters() []*Parameter {
	return []*Parameter{c.weight, c.bias}
}

func (c *Conv2D) outputSize(h, w int) (int, int) {
	return h + 2*c.padding - c.kernel + 1, w + 2*c.padding - c.kernel + 1
}

// Forward computes the convolution.
func (c *Conv2D) Forward(input *tensor.Dense, training bool) (*tensor.Dense, error) {
	n, cin, h, w, err := input.Shape().NCHW()
	if err != nil {
		return nil, errors.Wrap(err, "conv2d")
	}
	if cin != c.inChannels {
		return nil, errors.Errorf("conv2d: input has %d channels, layer expects %d", cin, c.inChannels)
	}
	hOut, wOut := c.outputSize(h, w)
	if hOut <= 0 || wOut <= 0 {
		return nil, errors.Errorf("conv2d: input %dx%d too small for kernel %d", h, w, c.kernel)
	}

	out := tensor.Zeros(n, c.outChannels, hOut, wOut)
	x := input.Data()
	k := c.weight.Value().Data()
	b := c.bias.Value().Data()
	y := out.Data()
	K, P, Cout := c.kernel, c.padding, c.outChannels

	// Each (sample, out channel) plane is independent.
	parallel.ForPlanes(n, Cout, func(ni, co int) {
		plane := y[(ni*Cout+co)*hOut*wOut : (ni*Cout+co+1)*hOut*wOut]
		for i := range plane {
			plane[i] = b[co]
		}
		for ci := range cin {
			src := x[(ni*cin+ci)*h*w : (ni*cin+ci+1)*h*w]
			kern := k[(co*cin+ci)*K*K : (co*cin+ci+1)*K*K]
			for kh := range K {
				for kw := range K {
					wt := kern[kh*K+kw]
					if wt == 0 {
						continue
					}
					for oh := range hOut {
						ih := oh + kh - P
						if ih < 0 || ih >= h {
							continue
						}
						row := src[ih*w : (ih+1)*w]
						dst := plane[oh*wOut : (oh+1)*wOut]
						for ow := range wOut {
							iw := ow + kw - P
							if iw < 0 || iw >= w {
								continue
							}
							dst[ow] += wt * row[iw]
						}
					}
				}
			}
		}
	}, c.par)

	if training {
		c.input = input
	} else {
		c.input = nil
	}
	return out, nil
}

// Backward accumulates weight and bias gradients and returns dL/dInput.
//
// Gradient formulas (stride 1):
//
//	dW[co,ci,kh,kw] = Σ_{n,oh,ow} g[n,co,oh,ow] · x[n,ci,oh+kh-p,ow+kw-p]
//	db[co]          = Σ_{n,oh,ow} g[n,co,oh,ow]
//	dx[n,ci,ih,iw]  = Σ_{co,kh,kw} g[n,co,ih-kh+p,iw-kw+p] · W[co,ci,kh,kw]
func (c *Conv2D) Backward(gradOutput *tensor.Dense) (*tensor.Dense, error) {
	if c.input == nil {
		return nil, errors.New("conv2d: backward called without a training forward pass")
	}
	n, cin, h, w, _ := c.input.Shape().NCHW()
	hOut, wOut := c.outputSize(h, w)
	if want := (tensor.Shape{n, c.outChannels, hOut, wOut}); !gradOutput.Shape().Equal(want) {
		return nil, errors.Errorf("conv2d: gradient shape %v, expected %v", gradOutput.Shape(), want)
	}

	x := c.input.Data()
	g := gradOutput.Data()
	k := c.weight.Value().Data()
	K, P, Cout := c.kernel, c.padding, c.outChannels

	dW := c.weight.Value().ZerosLike()
	db := c.bias.Value().ZerosLike()
	dWd, dbd := dW.Data(), db.Data()

	// Weight and bias gradients: one worker per output channel.
	parallel.For(Cout, func(co int) {
		for ni := range n {
			gp := g[(ni*Cout+co)*hOut*wOut : (ni*Cout+co+1)*hOut*wOut]
			for _, v := range gp {
				dbd[co] += v
			}
			for ci := range cin {
				src := x[(ni*cin+ci)*h*w : (ni*cin+ci+1)*h*w]
				dk := dWd[(co*cin+ci)*K*K : (co*cin+ci+1)*K*K]
				for kh := range K {
					for kw := range K {
						var sum float32
						for oh := range hOut {
							ih := oh + kh - P
							if ih < 0 || ih >= h {
								continue
							}
							for ow := range wOut {
								iw := ow + kw - P
								if iw < 0 || iw >= w {
									continue
								}
								sum += gp[oh*wOut+ow] * src[ih*w+iw]
							}
						}
						dk[kh*K+kw] += sum
					}
				}
			}
		}
	}, c.par)

	// Input gradient: one worker per (sample, input channel) plane.
	dx := c.input.ZerosLike()
	dxd := dx.Data()
	parallel.ForPlanes(n, cin, func(ni, ci int) {
		dst := dxd[(ni*cin+ci)*h*w : (ni*cin+ci+1)*h*w]
		for co := range Cout {
			gp := g[(ni*Cout+co)*hOut*wOut : (ni*Cout+co+1)*hOut*wOut]
			kern := k[(co*cin+ci)*K*K : (co*cin+ci+1)*K*K]
			for kh := range K {
				for kw := range K {
					wt := kern[kh*K+kw]
					for oh := range hOut {
						ih := oh + kh - P
						if ih < 0 || ih >= h {
							continue
						}
						for ow := range wOut {
							iw := ow + kw - P
							if iw < 0 || iw >= w {
								continue
							}
							dst[ih*w+iw] += wt * gp[oh*wOut+ow]
						}
					}
				}
			}
		}
	}, c.par)

	if err := c.weight.AccumulateGrad(dW); err != nil {
		return nil, errors.Wrap(err, "conv2d weight grad")
	}
	if err := c.bias.AccumulateGrad(db); err != nil {
		return nil, errors.Wrap(err, "conv2d bias grad")
	}
	return dx, nil
}

// String returns a string representation of the layer.
func (c *Conv2D) String() string {
	return fmt.Sprintf("Conv2D(in=%d, out=%d, kernel=%d, padding=%d)",
		c.inChannels, c.outChannels, c.kernel, c.padding)
}
