package nn

import (
	"github.com/pkg/errors"

	"github.com/born-ml/segtrain/internal/tensor"
)

// Sequential is a container that chains layers.
//
// Forward applies the layers in order; Backward walks them in reverse.
//
// Example:
//
//	block := nn.NewSequential(
//	    nn.NewConv2D(rng, 4, 16, 3, 1),
//	    nn.NewReLU(),
//	    nn.NewConv2D(rng, 16, 16, 3, 1),
//	    nn.NewReLU(),
//	)
type Sequential struct {
	layers []Layer
}

// NewSequential creates a new Sequential container.
func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{layers: layers}
}

// Forward runs input through every layer.
func (s *Sequential) Forward(input *tensor.Dense, training bool) (*tensor.Dense, error) {
	x := input
	for i, l := range s.layers {
		var err error
		if x, err = l.Forward(x, training); err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
	}
	return x, nil
}

// Backward propagates gradOutput through the layers in reverse order.
func (s *Sequential) Backward(gradOutput *tensor.Dense) (*tensor.Dense, error) {
	g := gradOutput
	for i := len(s.layers) - 1; i >= 0; i-- {
		var err error
		if g, err = s.layers[i].Backward(g); err != nil {
			return nil, errors.Wrapf(err, "layer %d backward", i)
		}
	}
	return g, nil
}

// Parameters returns the parameters of all layers, in layer order.
func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, l := range s.layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

// Len returns the number of layers.
func (s *Sequential) Len() int {
	return len(s.layers)
}

// Layer returns the layer at index.
func (s *Sequential) Layer(index int) Layer {
	return s.layers[index]
}
