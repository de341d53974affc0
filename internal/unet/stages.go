package unet

import (
	"github.com/pkg/errors"

	"github.com/born-ml/segtrain/internal/nn"
	"github.com/born-ml/segtrain/internal/tensor"
)

// down is an encoder stage: pool, then DoubleConv.
type down struct {
	pool  *nn.MaxPool2D
	block *nn.Sequential
}

func (d *down) forward(x *tensor.Dense, training bool) (*tensor.Dense, error) {
	p, err := d.pool.Forward(x, training)
	if err != nil {
		return nil, err
	}
	return d.block.Forward(p, training)
}

func (d *down) backward(g *tensor.Dense) (*tensor.Dense, error) {
	g, err := d.block.Backward(g)
	if err != nil {
		return nil, err
	}
	return d.pool.Backward(g)
}

// up is a decoder stage: upsample, pad to the skip size, concatenate
// [skip, upsampled] on the channel axis, then DoubleConv.
type up struct {
	sample       *nn.Upsample2D
	block        *nn.Sequential
	skipChannels int

	upShape   tensor.Shape // upsampled shape before padding
	top, left int          // padding offsets
}

func (s *up) forward(x, skip *tensor.Dense, training bool) (*tensor.Dense, error) {
	u, err := s.sample.Forward(x, training)
	if err != nil {
		return nil, err
	}
	_, _, hs, ws, err := skip.Shape().NCHW()
	if err != nil {
		return nil, err
	}
	_, _, hu, wu, _ := u.Shape().NCHW()
	if hu > hs || wu > ws {
		return nil, errors.Errorf("upsampled %v larger than skip %v", u.Shape(), skip.Shape())
	}
	top, left := (hs-hu)/2, (ws-wu)/2
	if hu != hs || wu != ws {
		u = pad(u, hs, ws, top, left)
	}
	if training {
		s.upShape = tensor.Shape{u.Shape()[0], u.Shape()[1], hu, wu}
		s.top, s.left = top, left
	}

	cat, err := tensor.Concat(1, skip, u)
	if err != nil {
		return nil, errors.Wrap(err, "skip connection")
	}
	return s.block.Forward(cat, training)
}

// backward returns the gradients with respect to the stage input and the
// skip connection.
func (s *up) backward(g *tensor.Dense) (gx, gSkip *tensor.Dense, err error) {
	gCat, err := s.block.Backward(g)
	if err != nil {
		return nil, nil, err
	}
	_, c, _, _, err := gCat.Shape().NCHW()
	if err != nil {
		return nil, nil, err
	}
	parts, err := tensor.Split(gCat, 1, s.skipChannels, c-s.skipChannels)
	if err != nil {
		return nil, nil, errors.Wrap(err, "split skip gradient")
	}
	gUp := parts[1]
	if !gUp.Shape().Equal(s.upShape) {
		gUp = crop(gUp, s.upShape, s.top, s.left)
	}
	if gx, err = s.sample.Backward(gUp); err != nil {
		return nil, nil, err
	}
	return gx, parts[0], nil
}

// pad places x at (top, left) inside a zero [N,C,h,w] tensor.
func pad(x *tensor.Dense, h, w, top, left int) *tensor.Dense {
	n, c, hx, wx, _ := x.Shape().NCHW()
	out := tensor.Zeros(n, c, h, w)
	src, dst := x.Data(), out.Data()
	for plane := range n * c {
		for y := range hx {
			copy(dst[(plane*h+top+y)*w+left:], src[(plane*hx+y)*wx:(plane*hx+y+1)*wx])
		}
	}
	return out
}

// crop is the adjoint of pad: it cuts a shape-sized window at (top, left).
func crop(g *tensor.Dense, shape tensor.Shape, top, left int) *tensor.Dense {
	_, _, h, w, _ := g.Shape().NCHW()
	n, c, hx, wx := shape[0], shape[1], shape[2], shape[3]
	out := tensor.Zeros(n, c, hx, wx)
	src, dst := g.Data(), out.Data()
	for plane := range n * c {
		for y := range hx {
			start := (plane*h+top+y)*w + left
			copy(dst[(plane*hx+y)*wx:(plane*hx+y+1)*wx], src[start:start+wx])
		}
	}
	return out
}
