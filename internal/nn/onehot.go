package nn

import (
	"github.com/pkg/errors"

	"github.com/born-ml/segtrain/internal/tensor"
)

// Argmax returns the per-pixel class index of a [N,C,H,W] volume as a
// [N,H,W] slice. Ties resolve to the lowest class index.
func Argmax(volume *tensor.Dense) ([]int, error) {
	n, c, h, w, err := volume.Shape().NCHW()
	if err != nil {
		return nil, errors.Wrap(err, "argmax")
	}
	x := volume.Data()
	hw := h * w
	out := make([]int, n*hw)

	for ni := range n {
		base := ni * c * hw
		for p := range hw {
			best := 0
			for ci := 1; ci < c; ci++ {
				// Strict comparison keeps the lowest index on ties.
				if x[base+ci*hw+p] > x[base+best*hw+p] {
					best = ci
				}
			}
			out[ni*hw+p] = best
		}
	}
	return out, nil
}

// OneHot encodes class indices of an [N,H,W] map into [N,classes,H,W].
func OneHot(indices []int, n, h, w, classes int) (*tensor.Dense, error) {
	if len(indices) != n*h*w {
		return nil, errors.Errorf("one-hot: %d indices for %dx%dx%d map", len(indices), n, h, w)
	}
	out := tensor.Zeros(n, classes, h, w)
	y := out.Data()
	hw := h * w
	for i, cls := range indices {
		if cls < 0 || cls >= classes {
			return nil, errors.Errorf("one-hot: class %d at pixel %d outside [0,%d)", cls, i, classes)
		}
		ni, p := i/hw, i%hw
		y[(ni*classes+cls)*hw+p] = 1
	}
	return out, nil
}

// Harden converts a probability (or score) volume into its one-hot argmax.
func Harden(volume *tensor.Dense) (*tensor.Dense, error) {
	idx, err := Argmax(volume)
	if err != nil {
		return nil, err
	}
	s := volume.Shape()
	return OneHot(idx, s[0], s[2], s[3], s[1])
}

// OneHotFromMask canonicalizes a ground-truth mask batch.
//
// Accepted layouts:
//   - [N,H,W]: each value is a class index (rounded to the nearest integer)
//   - [N,K,H,W]: the class is the argmax over K, lowest index on ties
func OneHotFromMask(mask *tensor.Dense, classes int) (*tensor.Dense, error) {
	s := mask.Shape()
	switch len(s) {
	case 3:
		n, h, w := s[0], s[1], s[2]
		idx := make([]int, mask.Len())
		for i, v := range mask.Data() {
			idx[i] = int(v + 0.5)
			if v < 0 {
				idx[i] = -1
			}
		}
		return OneHot(idx, n, h, w, classes)
	case 4:
		idx, err := Argmax(mask)
		if err != nil {
			return nil, err
		}
		return OneHot(idx, s[0], s[2], s[3], classes)
	default:
		return nil, errors.Errorf("one-hot: mask must be [N,H,W] or [N,K,H,W], got %v", s)
	}
}
