package data

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Subset exposes a fixed selection of a parent dataset's samples.
type Subset struct {
	parent  Dataset
	indices []int
}

// NewSubset creates a view over parent restricted to indices.
func NewSubset(parent Dataset, indices []int) (*Subset, error) {
	n := parent.Len()
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, errors.Errorf("subset index %d out of range [0,%d)", idx, n)
		}
	}
	own := make([]int, len(indices))
	copy(own, indices)
	return &Subset{parent: parent, indices: own}, nil
}

// Len returns the number of samples in the subset.
func (s *Subset) Len() int {
	return len(s.indices)
}

// Get returns the idx-th sample of the subset.
func (s *Subset) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= len(s.indices) {
		return Sample{}, errors.Errorf("index %d out of bounds for subset of %d", idx, len(s.indices))
	}
	return s.parent.Get(s.indices[idx])
}

// Indices returns the parent indices in subset order.
func (s *Subset) Indices() []int {
	out := make([]int, len(s.indices))
	copy(out, s.indices)
	return out
}

// Split partitions ds into training and validation subsets.
//
// nVal = floor(len(ds) * valFraction) and nTrain = len(ds) - nVal. The
// samples are assigned by a random permutation of the indices drawn from a
// PCG generator seeded with (seed, seed): the first nTrain permuted indices
// form the training subset, the rest the validation subset. The same seed
// over the same dataset length always gives the same partition.
func Split(ds Dataset, valFraction float64, seed uint64) (train, val *Subset, err error) {
	if math.IsNaN(valFraction) || valFraction < 0 || valFraction > 1 {
		return nil, nil, errors.Wrapf(ErrInvalidSplit, "validation fraction %v outside [0,1]", valFraction)
	}
	n := ds.Len()
	nVal := int(math.Floor(float64(n) * valFraction))
	nTrain := n - nVal
	if nTrain <= 0 {
		return nil, nil, errors.Wrapf(ErrInvalidSplit,
			"%d samples with validation fraction %v leave no training samples", n, valFraction)
	}

	perm := rand.New(rand.NewPCG(seed, seed)).Perm(n)
	train = &Subset{parent: ds, indices: perm[:nTrain:nTrain]}
	val = &Subset{parent: ds, indices: perm[nTrain:]}
	return train, val, nil
}
