// Package amp implements dynamic loss scaling for mixed-precision training.
//
// Training arithmetic runs in float32. When mixed precision is enabled the
// scaler reproduces what half precision would do to the scaled gradients:
// any magnitude above the largest finite float16 value counts as an
// overflow, the optimizer step is skipped and the scale is backed off.
package amp

import (
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/segtrain/internal/nn"
	"github.com/born-ml/segtrain/internal/optim"
	"github.com/born-ml/segtrain/internal/tensor"
)

// MaxHalf is the largest finite IEEE 754 half-precision value.
const MaxHalf = 65504

// Config holds the scaler hyperparameters.
type Config struct {
	Enabled        bool    // Scale losses and emulate half-precision overflow
	InitScale      float64 // Starting scale factor
	GrowthFactor   float64 // Multiplier after GrowthInterval clean steps
	BackoffFactor  float64 // Multiplier after an overflow
	GrowthInterval int     // Consecutive clean steps before growing
}

// DefaultConfig returns the standard dynamic scaling schedule:
// start at 2^16, halve on overflow, double after 2000 clean steps.
func DefaultConfig(enabled bool) Config {
	return Config{
		Enabled:        enabled,
		InitScale:      65536,
		GrowthFactor:   2,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
	}
}

// GradScaler multiplies the loss gradient by a dynamic factor before
// backward and undoes it before the optimizer step.
//
// Per training step the caller runs ScaleLoss on the loss gradient, the
// backward pass, Step and then Update. A disabled scaler keeps a scale of 1
// but still refuses to apply non-finite gradients.
type GradScaler struct {
	cfg        Config
	scale      float64
	growthTick int
	foundInf   bool
	stepped    bool
}

// NewGradScaler validates cfg and creates a scaler.
func NewGradScaler(cfg Config) (*GradScaler, error) {
	if !cfg.Enabled {
		return &GradScaler{cfg: cfg, scale: 1}, nil
	}
	switch {
	case cfg.InitScale <= 0:
		return nil, errors.Errorf("grad scaler: initial scale must be positive, got %v", cfg.InitScale)
	case cfg.GrowthFactor <= 1:
		return nil, errors.Errorf("grad scaler: growth factor must be > 1, got %v", cfg.GrowthFactor)
	case cfg.BackoffFactor <= 0 || cfg.BackoffFactor >= 1:
		return nil, errors.Errorf("grad scaler: backoff factor must be in (0,1), got %v", cfg.BackoffFactor)
	case cfg.GrowthInterval <= 0:
		return nil, errors.Errorf("grad scaler: growth interval must be positive, got %d", cfg.GrowthInterval)
	}
	return &GradScaler{cfg: cfg, scale: cfg.InitScale}, nil
}

// Enabled reports whether loss scaling is active.
func (s *GradScaler) Enabled() bool {
	return s.cfg.Enabled
}

// Scale returns the current scale factor.
func (s *GradScaler) Scale() float64 {
	return s.scale
}

// ScaleLoss multiplies the gradient of the loss with respect to the
// network output by the current scale, in place.
func (s *GradScaler) ScaleLoss(grad *tensor.Dense) {
	if s.cfg.Enabled {
		grad.Scale(float32(s.scale))
	}
}

// Step unscales the gradients of params and runs the optimizer unless a
// gradient is non-finite (or, when enabled, would overflow half precision
// while scaled). It reports whether the optimizer stepped.
func (s *GradScaler) Step(opt optim.Optimizer, params []*nn.Parameter) (bool, error) {
	s.foundInf = false
	inv := float32(1 / s.scale)
	for _, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		if !g.AllFinite() || (s.cfg.Enabled && g.MaxAbs() > MaxHalf) {
			s.foundInf = true
			break
		}
		if s.cfg.Enabled {
			g.Scale(inv)
		}
	}
	s.stepped = true
	if s.foundInf {
		return false, nil
	}
	if err := opt.Step(); err != nil {
		return false, errors.Wrap(err, "optimizer step")
	}
	return true, nil
}

// Update adjusts the scale after Step: back off when the last step found
// a non-finite gradient, grow after GrowthInterval clean steps.
func (s *GradScaler) Update() {
	if !s.stepped {
		return
	}
	s.stepped = false
	if !s.cfg.Enabled {
		return
	}
	if s.foundInf {
		s.scale = math.Max(s.scale*s.cfg.BackoffFactor, math.SmallestNonzeroFloat32)
		s.growthTick = 0
		return
	}
	s.growthTick++
	if s.growthTick == s.cfg.GrowthInterval {
		if grown := s.scale * s.cfg.GrowthFactor; !math.IsInf(grown, 0) && grown <= math.MaxFloat32 {
			s.scale = grown
		}
		s.growthTick = 0
	}
}

// FoundInf reports whether the last Step skipped the update.
func (s *GradScaler) FoundInf() bool {
	return s.foundInf
}
