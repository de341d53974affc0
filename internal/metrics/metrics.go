// Package metrics scores segmentation predictions against ground truth.
//
// Four overlap (Dice) scores are produced per batch, crossing two choices:
// soft (softmax probabilities) or hard (one-hot argmax) predictions, and with
// or without the background class. Pixel accuracy completes the set.
package metrics

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/segtrain/internal/nn"
	"github.com/born-ml/segtrain/internal/tensor"
)

// ErrNoBatches is returned when averaging an empty accumulator.
var ErrNoBatches = errors.New("no batches were scored")

// Scores holds the evaluation scores of one batch or their running mean.
type Scores struct {
	DiceSoftmaxNoBG float64 `json:"dice_softmax_nobg"`
	DiceSoftmaxBG   float64 `json:"dice_softmax_bg"`
	DiceOneHotNoBG  float64 `json:"dice_onehot_nobg"`
	DiceOneHotBG    float64 `json:"dice_onehot_bg"`
	PixelAccuracy   float64 `json:"pixel_accuracy"`
}

// Map returns the scores keyed by their telemetry names.
func (s Scores) Map() map[string]float64 {
	return map[string]float64{
		"dice_softmax_nobg": s.DiceSoftmaxNoBG,
		"dice_softmax_bg":   s.DiceSoftmaxBG,
		"dice_onehot_nobg":  s.DiceOneHotNoBG,
		"dice_onehot_bg":    s.DiceOneHotBG,
		"pixel_accuracy":    s.PixelAccuracy,
	}
}

// Compute scores one batch.
//
// logits is the raw network output [N,C,H,W]; target is the one-hot ground
// truth of the same shape. With a single class there is no foreground to
// score separately, so the "no background" scores repeat the full ones.
func Compute(logits, target *tensor.Dense) (Scores, error) {
	if !logits.Shape().Equal(target.Shape()) {
		return Scores{}, errors.Errorf("metrics: logits shape %v does not match target %v",
			logits.Shape(), target.Shape())
	}
	probs, err := nn.Softmax(logits)
	if err != nil {
		return Scores{}, errors.Wrap(err, "metrics")
	}
	hard, err := nn.Harden(probs)
	if err != nil {
		return Scores{}, errors.Wrap(err, "metrics")
	}

	var s Scores
	if s.DiceSoftmaxBG, err = meanDice(probs, target, true); err != nil {
		return Scores{}, err
	}
	if s.DiceOneHotBG, err = meanDice(hard, target, true); err != nil {
		return Scores{}, err
	}
	if logits.Shape()[1] > 1 {
		if s.DiceSoftmaxNoBG, err = meanDice(probs, target, false); err != nil {
			return Scores{}, err
		}
		if s.DiceOneHotNoBG, err = meanDice(hard, target, false); err != nil {
			return Scores{}, err
		}
	} else {
		s.DiceSoftmaxNoBG, s.DiceOneHotNoBG = s.DiceSoftmaxBG, s.DiceOneHotBG
	}

	if s.PixelAccuracy, err = PixelAccuracy(hard, target); err != nil {
		return Scores{}, err
	}
	return s, nil
}

func meanDice(pred, target *tensor.Dense, includeBackground bool) (float64, error) {
	coefs, err := nn.DiceCoefficients(pred, target, includeBackground)
	if err != nil {
		return 0, errors.Wrap(err, "metrics")
	}
	return floats.Sum(coefs) / float64(len(coefs)), nil
}

// PixelAccuracy is the fraction of pixels whose predicted class equals the
// true class, computed per sample and averaged over the batch.
func PixelAccuracy(pred, target *tensor.Dense) (float64, error) {
	predIdx, err := nn.Argmax(pred)
	if err != nil {
		return 0, errors.Wrap(err, "pixel accuracy")
	}
	trueIdx, err := nn.Argmax(target)
	if err != nil {
		return 0, errors.Wrap(err, "pixel accuracy")
	}
	s := pred.Shape()
	n, hw := s[0], s[2]*s[3]

	perSample := make([]float64, n)
	for ni := range n {
		correct := 0
		for p := ni * hw; p < (ni+1)*hw; p++ {
			if predIdx[p] == trueIdx[p] {
				correct++
			}
		}
		perSample[ni] = float64(correct) / float64(hw)
	}
	return floats.Sum(perSample) / float64(n), nil
}

// Accumulator keeps a running, unweighted mean of per-batch scores.
type Accumulator struct {
	sum   [5]float64
	count int
}

// Add records one batch.
func (a *Accumulator) Add(s Scores) {
	floats.Add(a.sum[:], []float64{
		s.DiceSoftmaxNoBG, s.DiceSoftmaxBG, s.DiceOneHotNoBG, s.DiceOneHotBG, s.PixelAccuracy,
	})
	a.count++
}

// Count returns the number of batches recorded.
func (a *Accumulator) Count() int {
	return a.count
}

// Mean divides the accumulated sums by the batch count.
func (a *Accumulator) Mean() (Scores, error) {
	if a.count == 0 {
		return Scores{}, ErrNoBatches
	}
	m := a.sum
	floats.Scale(1/float64(a.count), m[:])
	return Scores{
		DiceSoftmaxNoBG: m[0],
		DiceSoftmaxBG:   m[1],
		DiceOneHotNoBG:  m[2],
		DiceOneHotBG:    m[3],
		PixelAccuracy:   m[4],
	}, nil
}
