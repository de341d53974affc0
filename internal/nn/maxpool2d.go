package nn

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/born-ml/segtrain/internal/tensor"
)

// MaxPool2D performs non-overlapping max pooling (kernel == stride).
//
// Input shape:  [batch, channels, height, width]
// Output shape: [batch, channels, height/size, width/size]
//
// Trailing rows and columns that do not fill a window are dropped, like a
// floor-mode pool. Ties inside a window resolve to the first element in
// row-major order, and only that element receives gradient.
//
// Example (2x2 pool):
//
//	Input: [[1,2,3,4],    Output: [[6,8],
//	        [5,6,7,8],             [14,16]]
//	        [9,10,11,12],
//	        [13,14,15,16]]
type MaxPool2D struct {
	size int

	inShape tensor.Shape
	argmax  []int // flat input index of each output's max; cached for Backward
}

// NewMaxPool2D creates a pooling layer with a size x size window.
func NewMaxPool2D(size int) *MaxPool2D {
	return &MaxPool2D{size: size}
}

// Parameters returns nil: pooling has no trainable parameters.
func (m *MaxPool2D) Parameters() []*Parameter { return nil }

// Forward computes the pooled output.
func (m *MaxPool2D) Forward(input *tensor.Dense, training bool) (*tensor.Dense, error) {
	n, c, h, w, err := input.Shape().NCHW()
	if err != nil {
		return nil, errors.Wrap(err, "maxpool2d")
	}
	hOut, wOut := h/m.size, w/m.size
	if hOut == 0 || wOut == 0 {
		return nil, errors.Errorf("maxpool2d: window %d too large for input %dx%d", m.size, h, w)
	}

	out := tensor.Zeros(n, c, hOut, wOut)
	x, y := input.Data(), out.Data()
	var argmax []int
	if training {
		argmax = make([]int, len(y))
	}

	for plane := range n * c {
		base := plane * h * w
		for oh := range hOut {
			for ow := range wOut {
				best := base + (oh*m.size)*w + ow*m.size
				for kh := range m.size {
					for kw := range m.size {
						idx := base + (oh*m.size+kh)*w + ow*m.size + kw
						if x[idx] > x[best] {
							best = idx
						}
					}
				}
				o := (plane*hOut+oh)*wOut + ow
				y[o] = x[best]
				if training {
					argmax[o] = best
				}
			}
		}
	}

	m.argmax = argmax
	m.inShape = input.Shape().Clone()
	return out, nil
}

// Backward routes each output gradient to the input element that won the max.
func (m *MaxPool2D) Backward(gradOutput *tensor.Dense) (*tensor.Dense, error) {
	if m.argmax == nil {
		return nil, errors.New("maxpool2d: backward called without a training forward pass")
	}
	if gradOutput.Len() != len(m.argmax) {
		return nil, errors.Errorf("maxpool2d: gradient has %d elements, expected %d", gradOutput.Len(), len(m.argmax))
	}
	dx := tensor.Zeros(m.inShape...)
	dxd := dx.Data()
	for o, g := range gradOutput.Data() {
		dxd[m.argmax[o]] += g
	}
	return dx, nil
}

// String returns a string representation of the layer.
func (m *MaxPool2D) String() string {
	return fmt.Sprintf("MaxPool2D(size=%d)", m.size)
}
