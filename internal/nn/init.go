package nn

import (
	"math"
	"math/rand/v2"

	"github.com/born-ml/segtrain/internal/tensor"
)

// KaimingUniform fills a weight tensor for a ReLU layer.
//
// Values are drawn from U(-bound, bound) with bound = sqrt(6 / fan_in).
func KaimingUniform(rng *rand.Rand, fanIn int, shape ...int) *tensor.Dense {
	bound := math.Sqrt(6.0 / float64(fanIn))
	return uniform(rng, bound, shape...)
}

// Xavier (Glorot) initialization for weights.
//
// U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out))). Used for the
// final 1x1 projection which is not followed by ReLU.
func Xavier(rng *rand.Rand, fanIn, fanOut int, shape ...int) *tensor.Dense {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	return uniform(rng, bound, shape...)
}

func uniform(rng *rand.Rand, bound float64, shape ...int) *tensor.Dense {
	t := tensor.Zeros(shape...)
	data := t.Data()
	for i := range data {
		//nolint:gosec // Using math/rand for weight initialization (not security-critical)
		data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	return t
}
