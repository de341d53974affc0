// Package data provides datasets of (image, auxiliary image, mask) samples,
// their deterministic train/validation partitioning, and batching.
package data

import (
	"github.com/pkg/errors"

	"github.com/born-ml/segtrain/internal/tensor"
)

// ErrInvalidSplit is returned when a validation fraction cannot produce a
// usable partition.
var ErrInvalidSplit = errors.New("invalid train/validation split")

// Sample is one training example.
type Sample struct {
	Image *tensor.Dense // [C1,H,W] primary image
	Aux   *tensor.Dense // [C2,H,W] auxiliary image, nil when absent
	Mask  *tensor.Dense // [H,W] class indices or [K,H,W] class channels
}

// Input concatenates the primary and auxiliary channels into the [C,H,W]
// tensor the network consumes.
func (s Sample) Input() (*tensor.Dense, error) {
	if s.Image == nil {
		return nil, errors.New("sample has no image")
	}
	if s.Aux == nil {
		return s.Image, nil
	}
	in, err := tensor.Concat(0, s.Image, s.Aux)
	if err != nil {
		return nil, errors.Wrap(err, "concat image and auxiliary channels")
	}
	return in, nil
}

// Dataset is an indexed, read-only collection of samples.
//
// Get may be called from several goroutines at once.
type Dataset interface {
	Len() int
	Get(idx int) (Sample, error)
}

// Batch is a stack of samples sharing spatial dimensions.
type Batch struct {
	Images  *tensor.Dense // [N,C,H,W]
	Masks   *tensor.Dense // [N,H,W] or [N,K,H,W]
	Indices []int         // dataset indices of the samples, in batch order
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Indices)
}
