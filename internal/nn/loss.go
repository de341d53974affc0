package nn

import (
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/segtrain/internal/tensor"
)

// DiceEpsilon keeps the overlap coefficient defined for classes that are
// absent from both prediction and ground truth.
const DiceEpsilon = 1e-6

// ErrNoForegroundClass is returned when the background class is excluded
// from a volume that has no other class.
var ErrNoForegroundClass = errors.New("no foreground class to score: volume has a single class and background is excluded")

// DiceCoefficients computes the soft overlap coefficient of every scored
// class, reducing over the batch and spatial axes:
//
//	coef_c = (2·Σ p·t + ε) / (Σ p + Σ t + ε)
//
// With includeBackground false, class 0 is skipped and the result has
// classes-1 entries.
func DiceCoefficients(pred, target *tensor.Dense, includeBackground bool) ([]float64, error) {
	inter, sums, first, err := overlapSums(pred, target, includeBackground)
	if err != nil {
		return nil, err
	}
	coefs := make([]float64, 0, len(inter)-first)
	for c := first; c < len(inter); c++ {
		coefs = append(coefs, (2*inter[c]+DiceEpsilon)/(sums[c]+DiceEpsilon))
	}
	return coefs, nil
}

// DiceLoss is the differentiable multi-class overlap loss:
//
//	loss = 1 − mean_c(coef_c)
//
// It returns the loss and dLoss/dPred. Excluded classes get zero gradient.
func DiceLoss(pred, target *tensor.Dense, includeBackground bool) (float64, *tensor.Dense, error) {
	inter, sums, first, err := overlapSums(pred, target, includeBackground)
	if err != nil {
		return 0, nil, err
	}
	n, c, h, w, _ := pred.Shape().NCHW()
	scored := float64(c - first)
	hw := h * w

	var mean float64
	for ci := first; ci < c; ci++ {
		mean += (2*inter[ci] + DiceEpsilon) / (sums[ci] + DiceEpsilon)
	}
	mean /= scored

	grad := pred.ZerosLike()
	g, t := grad.Data(), target.Data()
	for ci := first; ci < c; ci++ {
		denom := sums[ci] + DiceEpsilon
		num := 2*inter[ci] + DiceEpsilon
		// d coef / d p_i = (2 t_i · denom − num) / denom²
		for ni := range n {
			base := (ni*c + ci) * hw
			for p := range hw {
				dcoef := (2*float64(t[base+p])*denom - num) / (denom * denom)
				g[base+p] = float32(-dcoef / scored)
			}
		}
	}
	return 1 - mean, grad, nil
}

// overlapSums returns Σ p·t and Σ p + Σ t per class, plus the first scored
// class index.
func overlapSums(pred, target *tensor.Dense, includeBackground bool) (inter, sums []float64, first int, err error) {
	if !pred.Shape().Equal(target.Shape()) {
		return nil, nil, 0, errors.Errorf("dice: prediction shape %v does not match target %v",
			pred.Shape(), target.Shape())
	}
	n, c, h, w, err := pred.Shape().NCHW()
	if err != nil {
		return nil, nil, 0, errors.Wrap(err, "dice")
	}
	if !includeBackground {
		if c < 2 {
			return nil, nil, 0, ErrNoForegroundClass
		}
		first = 1
	}

	inter = make([]float64, c)
	sums = make([]float64, c)
	p, t := pred.Data(), target.Data()
	hw := h * w
	for ni := range n {
		for ci := range c {
			base := (ni*c + ci) * hw
			for i := base; i < base+hw; i++ {
				inter[ci] += float64(p[i]) * float64(t[i])
				sums[ci] += float64(p[i]) + float64(t[i])
			}
		}
	}
	return inter, sums, first, nil
}

// BCEWithLogits computes mean binary cross-entropy between sigmoid(logits)
// and targets in [0,1], with its gradient with respect to the logits.
//
// Uses the numerically stable form:
//
//	l = max(x, 0) − x·t + log(1 + exp(−|x|))
//	dl/dx = (sigmoid(x) − t) / numel
func BCEWithLogits(logits, target *tensor.Dense) (float64, *tensor.Dense, error) {
	if !logits.Shape().Equal(target.Shape()) {
		return 0, nil, errors.Errorf("bce: logits shape %v does not match target %v", logits.Shape(), target.Shape())
	}
	x, t := logits.Data(), target.Data()
	if len(x) == 0 {
		return 0, nil, errors.New("bce: empty input")
	}
	grad := logits.ZerosLike()
	g := grad.Data()
	inv := 1 / float64(len(x))

	var total float64
	for i := range x {
		xi, ti := float64(x[i]), float64(t[i])
		total += math.Max(xi, 0) - xi*ti + math.Log1p(math.Exp(-math.Abs(xi)))
		g[i] = float32((sigmoid(xi) - ti) * inv)
	}
	return total * inv, grad, nil
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// LossBreakdown holds the terms of the composite segmentation loss.
type LossBreakdown struct {
	Pixel   float64 // BCE-with-logits term
	Overlap float64 // Dice loss term on softmax probabilities
	Total   float64 // Pixel + Overlap
}

// SegmentationLoss combines pixel-wise BCE on the logits with the soft
// overlap loss on the softmax of the logits.
type SegmentationLoss struct {
	IncludeBackground bool // Whether class 0 takes part in the overlap term
}

// Compute evaluates the composite loss against a one-hot target and returns
// dLoss/dLogits.
func (l SegmentationLoss) Compute(logits, target *tensor.Dense) (LossBreakdown, *tensor.Dense, error) {
	pixel, grad, err := BCEWithLogits(logits, target)
	if err != nil {
		return LossBreakdown{}, nil, err
	}
	probs, err := Softmax(logits)
	if err != nil {
		return LossBreakdown{}, nil, err
	}
	overlap, gradProbs, err := DiceLoss(probs, target, l.IncludeBackground)
	if err != nil {
		return LossBreakdown{}, nil, err
	}
	gradOverlap, err := SoftmaxBackward(probs, gradProbs)
	if err != nil {
		return LossBreakdown{}, nil, err
	}
	if err := grad.AddInPlace(gradOverlap); err != nil {
		return LossBreakdown{}, nil, errors.Wrap(err, "combine loss gradients")
	}

	return LossBreakdown{
		Pixel:   pixel,
		Overlap: overlap,
		Total:   pixel + overlap,
	}, grad, nil
}
