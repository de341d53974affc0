package nn

import (
	"github.com/pkg/errors"

	"github.com/born-ml/segtrain/internal/tensor"
)

// ReLU applies max(0, x) element-wise.
type ReLU struct {
	mask []bool // x > 0 per element; cached for Backward
}

// NewReLU creates a ReLU activation.
func NewReLU() *ReLU {
	return &ReLU{}
}

// Parameters returns nil.
func (r *ReLU) Parameters() []*Parameter { return nil }

// Forward computes max(0, x).
func (r *ReLU) Forward(input *tensor.Dense, training bool) (*tensor.Dense, error) {
	out := input.Clone()
	y := out.Data()
	var mask []bool
	if training {
		mask = make([]bool, len(y))
	}
	for i, v := range y {
		if v > 0 {
			if training {
				mask[i] = true
			}
			continue
		}
		y[i] = 0
	}
	r.mask = mask
	return out, nil
}

// Backward passes gradient through where the input was positive.
func (r *ReLU) Backward(gradOutput *tensor.Dense) (*tensor.Dense, error) {
	if r.mask == nil {
		return nil, errors.New("relu: backward called without a training forward pass")
	}
	if gradOutput.Len() != len(r.mask) {
		return nil, errors.Errorf("relu: gradient has %d elements, expected %d", gradOutput.Len(), len(r.mask))
	}
	dx := gradOutput.Clone()
	d := dx.Data()
	for i, on := range r.mask {
		if !on {
			d[i] = 0
		}
	}
	return dx, nil
}
