package optim

import (
	"math"

	"github.com/born-ml/segtrain/internal/nn"
)

// RMSpropConfig holds configuration for the RMSprop optimizer.
type RMSpropConfig struct {
	LR          float64 // Learning rate
	Alpha       float64 // Smoothing constant of the squared-gradient average
	Eps         float64 // Added to the denominator for numerical stability
	WeightDecay float64 // L2 penalty added to the gradient
	Momentum    float64 // Momentum factor, 0 disables the momentum buffer
}

// DefaultRMSpropConfig returns the configuration used for segmentation
// training: lr 1e-5, alpha 0.99, eps 1e-8, weight decay 1e-8, momentum 0.9.
func DefaultRMSpropConfig() RMSpropConfig {
	return RMSpropConfig{
		LR:          1e-5,
		Alpha:       0.99,
		Eps:         1e-8,
		WeightDecay: 1e-8,
		Momentum:    0.9,
	}
}

// RMSprop divides each gradient by a running root mean square of its
// recent magnitudes.
//
// Update rule:
//
//	g = grad + weight_decay * param
//	v = alpha * v + (1 - alpha) * g²
//	buf = momentum * buf + g / (sqrt(v) + eps)   // with momentum
//	param = param - lr * buf
//
// Without momentum the last two lines become param -= lr * g / (sqrt(v) + eps).
type RMSprop struct {
	params   []*nn.Parameter
	cfg      RMSpropConfig
	squareAv map[*nn.Parameter][]float32
	momentum map[*nn.Parameter][]float32
}

// NewRMSprop creates a new RMSprop optimizer.
func NewRMSprop(params []*nn.Parameter, cfg RMSpropConfig) *RMSprop {
	return &RMSprop{
		params:   params,
		cfg:      cfg,
		squareAv: make(map[*nn.Parameter][]float32),
		momentum: make(map[*nn.Parameter][]float32),
	}
}

// Step performs a single optimization step.
func (r *RMSprop) Step() error {
	c := r.cfg
	for _, p := range r.params {
		grad, err := gradOf(p)
		if err != nil {
			return err
		}
		if grad == nil {
			continue
		}
		value := p.Value().Data()
		sq := buffer(r.squareAv, p)
		var buf []float32
		if c.Momentum > 0 {
			buf = buffer(r.momentum, p)
		}
		for i, g32 := range grad {
			g := float64(g32) + c.WeightDecay*float64(value[i])
			v := c.Alpha*float64(sq[i]) + (1-c.Alpha)*g*g
			sq[i] = float32(v)
			step := g / (math.Sqrt(v) + c.Eps)
			if buf != nil {
				step += c.Momentum * float64(buf[i])
				buf[i] = float32(step)
			}
			value[i] -= float32(c.LR * step)
		}
	}
	return nil
}

// ZeroGrad clears gradients for all parameters.
func (r *RMSprop) ZeroGrad() {
	nn.ZeroGrad(r.params)
}

// LR returns the current learning rate.
func (r *RMSprop) LR() float64 {
	return r.cfg.LR
}

// SetLR updates the learning rate.
func (r *RMSprop) SetLR(lr float64) {
	r.cfg.LR = lr
}
