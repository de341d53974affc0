// Package optim implements optimization algorithms for training neural networks.
//
// This package provides:
//   - Optimizer interface: Base interface for all optimizers
//   - RMSprop: root-mean-square propagation with momentum and weight decay
//   - SGD: Stochastic Gradient Descent with momentum
//   - Adam: Adaptive Moment Estimation
//   - StepDown: a one-shot learning rate drop after a given step
//
// Update rules follow torch.optim so that hyperparameters carry over.
//
// Example usage:
//
//	opt, err := optim.New("rmsprop", net.NamedParameters(), 1e-5)
//	...
//	nn.ZeroGrad(params)
//	// forward, loss, backward
//	if err := opt.Step(); err != nil { ... }
package optim

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/segtrain/internal/nn"
)

// Optimizer is the base interface for all optimization algorithms.
//
// Optimizers update parameter values in place from the gradients
// accumulated on each parameter. Parameters without a gradient (nil after
// ZeroGrad, never reached by Backward) are skipped.
type Optimizer interface {
	// Step applies one update to every parameter with a gradient.
	Step() error

	// ZeroGrad clears all parameter gradients.
	ZeroGrad()

	// LR returns the current learning rate.
	LR() float64

	// SetLR updates the learning rate.
	SetLR(lr float64)
}

// New creates an optimizer by name with its default hyperparameters and the
// given learning rate. Known names are "rmsprop", "adam" and "sgd".
func New(name string, params []*nn.Parameter, lr float64) (Optimizer, error) {
	if lr <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %v", lr)
	}
	switch strings.ToLower(name) {
	case "rmsprop", "":
		cfg := DefaultRMSpropConfig()
		cfg.LR = lr
		return NewRMSprop(params, cfg), nil
	case "adam":
		return NewAdam(params, AdamConfig{LR: lr}), nil
	case "sgd":
		return NewSGD(params, SGDConfig{LR: lr, Momentum: 0.9}), nil
	default:
		return nil, errors.Errorf("unknown optimizer %q", name)
	}
}

// gradOf returns the gradient of p and checks it matches the value's size.
func gradOf(p *nn.Parameter) ([]float32, error) {
	g := p.Grad()
	if g == nil {
		return nil, nil
	}
	if g.Len() != p.Value().Len() {
		return nil, errors.Errorf("parameter %s: gradient has %d elements, value has %d",
			p.Name(), g.Len(), p.Value().Len())
	}
	return g.Data(), nil
}

// buffer returns the state slice for p, allocating it zeroed on first use.
func buffer(m map[*nn.Parameter][]float32, p *nn.Parameter) []float32 {
	b, ok := m[p]
	if !ok {
		b = make([]float32, p.Value().Len())
		m[p] = b
	}
	return b
}
