package train

import (
	"github.com/born-ml/segtrain/internal/nn"
	"github.com/born-ml/segtrain/internal/tensor"
)

// Network is the segmentation model driven by the trainer.
//
// Forward maps [N,NChannels,H,W] images to [N,NClasses,H,W] logits.
// Backward takes dLoss/dLogits of the most recent Forward in training mode
// and accumulates gradients into NamedParameters. SetTraining(false) turns
// activation caching off, which is how evaluation runs without gradient
// tracking.
type Network interface {
	Forward(x *tensor.Dense) (*tensor.Dense, error)
	Backward(gradLogits *tensor.Dense) error
	NChannels() int
	NClasses() int
	NamedParameters() []*nn.Parameter
	SetTraining(training bool)
}

// modeReporter is implemented by networks that can report their mode so
// Evaluate can restore it.
type modeReporter interface {
	Training() bool
}
