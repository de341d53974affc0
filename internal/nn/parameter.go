package nn

import (
	"github.com/born-ml/segtrain/internal/tensor"
)

// Parameter represents a trainable parameter in a neural network.
//
// Parameters are tensors that receive gradients during the backward pass.
// They typically represent weights and biases of layers.
//
// Example:
//
//	weight := nn.NewParameter("inc.conv1.weight", tensor.Zeros(16, 4, 3, 3))
//	w := weight.Value()
//	g := weight.Grad() // nil until a backward pass has run
type Parameter struct {
	name  string        // Fully qualified name (e.g., "down1.conv2.bias")
	value *tensor.Dense // The parameter tensor, updated in place by optimizers
	grad  *tensor.Dense // Accumulated gradient, nil after ZeroGrad
}

// NewParameter creates a new trainable parameter.
func NewParameter(name string, value *tensor.Dense) *Parameter {
	return &Parameter{
		name:  name,
		value: value,
	}
}

// Name returns the parameter name.
func (p *Parameter) Name() string {
	return p.name
}

// Value returns the parameter tensor.
func (p *Parameter) Value() *tensor.Dense {
	return p.value
}

// Grad returns the gradient tensor.
//
// Returns nil if no gradient has been accumulated since the last ZeroGrad.
func (p *Parameter) Grad() *tensor.Dense {
	return p.grad
}

// AccumulateGrad adds g into the gradient, allocating it on first use.
func (p *Parameter) AccumulateGrad(g *tensor.Dense) error {
	if p.grad == nil {
		p.grad = p.value.ZerosLike()
	}
	return p.grad.AddInPlace(g)
}

// ZeroGrad clears the gradient tensor.
//
// This should be called before each training iteration to avoid
// accumulating gradients from previous iterations.
func (p *Parameter) ZeroGrad() {
	p.grad = nil
}

// Prefixed returns the parameters unchanged but renamed to prefix.name.
//
// Layers create parameters with short names; containers call this to build
// the dotted names used in checkpoints.
func Prefixed(prefix string, params ...*Parameter) []*Parameter {
	for _, p := range params {
		p.name = prefix + "." + p.name
	}
	return params
}
