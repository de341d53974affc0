// Package nn implements the neural network building blocks of the
// segmentation trainer.
//
// This package provides:
//   - Parameter: trainable tensors with gradient accumulation
//   - Layer: modules with an explicit Backward pass
//   - Conv2D, MaxPool2D, Upsample2D, ReLU
//   - Softmax, Argmax and one-hot encoding over the class axis
//   - Losses: BCEWithLogits, DiceLoss and the composite segmentation loss
//   - SafeTensors checkpoints of named parameters
//
// Layers cache what their backward pass needs during Forward when
// training is true. With training false nothing is cached, which is how
// evaluation runs without gradient tracking.
package nn

import (
	"github.com/born-ml/segtrain/internal/tensor"
)

// Layer is the interface implemented by every differentiable module.
//
// Forward computes the output for input. When training is true the layer
// keeps whatever it needs to later run Backward.
//
// Backward takes dLoss/dOutput for the most recent training Forward,
// accumulates parameter gradients and returns dLoss/dInput.
type Layer interface {
	Forward(input *tensor.Dense, training bool) (*tensor.Dense, error)
	Backward(gradOutput *tensor.Dense) (*tensor.Dense, error)
	Parameters() []*Parameter
}

// ZeroGrad clears the gradients of all params.
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// CountParameters returns the total number of scalar weights in params.
func CountParameters(params []*Parameter) int {
	total := 0
	for _, p := range params {
		total += p.Value().Len()
	}
	return total
}
