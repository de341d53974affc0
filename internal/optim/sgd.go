package optim

import (
	"github.com/born-ml/segtrain/internal/nn"
)

// SGD implements Stochastic Gradient Descent optimizer with optional momentum.
//
// Update rule without momentum:
//
//	param = param - lr * gradient
//
// Update rule with momentum:
//
//	velocity = momentum * velocity + gradient
//	param = param - lr * velocity
type SGD struct {
	params     []*nn.Parameter
	lr         float64
	momentum   float64
	velocities map[*nn.Parameter][]float32
}

// SGDConfig holds configuration for SGD optimizer.
type SGDConfig struct {
	LR       float64 // Learning rate (default: 0.01)
	Momentum float64 // Momentum factor (default: 0.0, range: [0, 1))
}

// NewSGD creates a new SGD optimizer.
func NewSGD(params []*nn.Parameter, config SGDConfig) *SGD {
	if config.LR == 0 {
		config.LR = 0.01
	}
	return &SGD{
		params:     params,
		lr:         config.LR,
		momentum:   config.Momentum,
		velocities: make(map[*nn.Parameter][]float32),
	}
}

// Step performs a single optimization step.
func (s *SGD) Step() error {
	for _, p := range s.params {
		grad, err := gradOf(p)
		if err != nil {
			return err
		}
		if grad == nil {
			continue
		}
		value := p.Value().Data()
		if s.momentum == 0 {
			for i, g := range grad {
				value[i] -= float32(s.lr * float64(g))
			}
			continue
		}
		vel := buffer(s.velocities, p)
		for i, g := range grad {
			vel[i] = float32(s.momentum*float64(vel[i]) + float64(g))
			value[i] -= float32(s.lr * float64(vel[i]))
		}
	}
	return nil
}

// ZeroGrad clears gradients for all parameters.
func (s *SGD) ZeroGrad() {
	nn.ZeroGrad(s.params)
}

// LR returns the current learning rate.
func (s *SGD) LR() float64 {
	return s.lr
}

// SetLR updates the learning rate.
//
// Useful for learning rate scheduling during training.
func (s *SGD) SetLR(lr float64) {
	s.lr = lr
}
