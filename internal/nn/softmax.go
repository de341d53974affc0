package nn

import (
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/segtrain/internal/tensor"
)

// Softmax normalizes [N,C,H,W] scores into per-pixel class probabilities.
//
// Uses the max-subtraction trick for numerical stability:
//
//	softmax(x)_c = exp(x_c - max(x)) / Σ_k exp(x_k - max(x))
func Softmax(logits *tensor.Dense) (*tensor.Dense, error) {
	n, c, h, w, err := logits.Shape().NCHW()
	if err != nil {
		return nil, errors.Wrap(err, "softmax")
	}
	out := logits.ZerosLike()
	x, y := logits.Data(), out.Data()
	hw := h * w

	for ni := range n {
		base := ni * c * hw
		for p := range hw {
			maxVal := x[base+p]
			for ci := 1; ci < c; ci++ {
				maxVal = max(maxVal, x[base+ci*hw+p])
			}
			var sum float64
			for ci := range c {
				e := math.Exp(float64(x[base+ci*hw+p] - maxVal))
				y[base+ci*hw+p] = float32(e)
				sum += e
			}
			inv := float32(1 / sum)
			for ci := range c {
				y[base+ci*hw+p] *= inv
			}
		}
	}
	return out, nil
}

// SoftmaxBackward maps dL/dProbs to dL/dLogits given the softmax output.
//
// Per pixel: dx_c = p_c · (g_c − Σ_k g_k p_k).
func SoftmaxBackward(probs, gradProbs *tensor.Dense) (*tensor.Dense, error) {
	if !probs.Shape().Equal(gradProbs.Shape()) {
		return nil, errors.Errorf("softmax backward: shape mismatch %v vs %v", probs.Shape(), gradProbs.Shape())
	}
	n, c, h, w, err := probs.Shape().NCHW()
	if err != nil {
		return nil, errors.Wrap(err, "softmax backward")
	}
	out := probs.ZerosLike()
	p, g, dx := probs.Data(), gradProbs.Data(), out.Data()
	hw := h * w

	for ni := range n {
		base := ni * c * hw
		for px := range hw {
			var dot float32
			for ci := range c {
				i := base + ci*hw + px
				dot += g[i] * p[i]
			}
			for ci := range c {
				i := base + ci*hw + px
				dx[i] = p[i] * (g[i] - dot)
			}
		}
	}
	return out, nil
}
