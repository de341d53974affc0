package nn

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/born-ml/segtrain/internal/tensor"
)

// Upsample2D is nearest-neighbour upsampling by an integer factor.
//
// Output shape: [batch, channels, height*factor, width*factor]. Every input
// pixel is copied into a factor x factor block, so the backward pass sums
// each block back into one gradient value.
type Upsample2D struct {
	factor  int
	inShape tensor.Shape
}

// NewUpsample2D creates an upsampling layer.
func NewUpsample2D(factor int) *Upsample2D {
	return &Upsample2D{factor: factor}
}

// Parameters returns nil.
func (u *Upsample2D) Parameters() []*Parameter { return nil }

// Forward replicates each pixel into a factor x factor block.
func (u *Upsample2D) Forward(input *tensor.Dense, training bool) (*tensor.Dense, error) {
	n, c, h, w, err := input.Shape().NCHW()
	if err != nil {
		return nil, errors.Wrap(err, "upsample2d")
	}
	f := u.factor
	hOut, wOut := h*f, w*f
	out := tensor.Zeros(n, c, hOut, wOut)
	x, y := input.Data(), out.Data()

	for plane := range n * c {
		src := x[plane*h*w : (plane+1)*h*w]
		dst := y[plane*hOut*wOut : (plane+1)*hOut*wOut]
		for oh := range hOut {
			row := src[(oh/f)*w : (oh/f+1)*w]
			for ow := range wOut {
				dst[oh*wOut+ow] = row[ow/f]
			}
		}
	}

	if training {
		u.inShape = input.Shape().Clone()
	} else {
		u.inShape = nil
	}
	return out, nil
}

// Backward sums the gradient of every replicated block.
func (u *Upsample2D) Backward(gradOutput *tensor.Dense) (*tensor.Dense, error) {
	if u.inShape == nil {
		return nil, errors.New("upsample2d: backward called without a training forward pass")
	}
	n, c, h, w, _ := u.inShape.NCHW()
	f := u.factor
	hOut, wOut := h*f, w*f
	if want := (tensor.Shape{n, c, hOut, wOut}); !gradOutput.Shape().Equal(want) {
		return nil, errors.Errorf("upsample2d: gradient shape %v, expected %v", gradOutput.Shape(), want)
	}

	dx := tensor.Zeros(u.inShape...)
	g, dxd := gradOutput.Data(), dx.Data()
	for plane := range n * c {
		src := g[plane*hOut*wOut : (plane+1)*hOut*wOut]
		dst := dxd[plane*h*w : (plane+1)*h*w]
		for oh := range hOut {
			for ow := range wOut {
				dst[(oh/f)*w+ow/f] += src[oh*wOut+ow]
			}
		}
	}
	return dx, nil
}

// String returns a string representation of the layer.
func (u *Upsample2D) String() string {
	return fmt.Sprintf("Upsample2D(factor=%d, mode=nearest)", u.factor)
}
