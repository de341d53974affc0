package data

import (
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/born-ml/segtrain/internal/tensor"
)

// SyntheticConfig describes a generated floorplan-like dataset.
type SyntheticConfig struct {
	Samples     int    // Number of samples
	Height      int    // Image height
	Width       int    // Image width
	Classes     int    // Number of mask classes, class 0 is background
	ImageChans  int    // Channels of the primary image
	AuxChans    int    // Channels of the auxiliary image (0 for none)
	ChannelMask bool   // Emit [K,H,W] channel masks instead of [H,W] indices
	Seed        uint64 // Generator seed
}

// Synthetic generates samples made of axis-aligned rectangles, one class
// per rectangle, on a background of class 0. Image intensities depend on
// the class plus noise, and the auxiliary image encodes rectangle borders,
// so a network can learn the mapping.
//
// Sample i is a pure function of (Seed, i).
type Synthetic struct {
	cfg SyntheticConfig
}

// NewSynthetic validates cfg and returns the dataset.
func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	switch {
	case cfg.Samples < 0:
		return nil, errors.Errorf("synthetic: negative sample count %d", cfg.Samples)
	case cfg.Height < 2 || cfg.Width < 2:
		return nil, errors.Errorf("synthetic: image %dx%d too small", cfg.Height, cfg.Width)
	case cfg.Classes < 1:
		return nil, errors.Errorf("synthetic: need at least one class, got %d", cfg.Classes)
	case cfg.ImageChans < 1 || cfg.AuxChans < 0:
		return nil, errors.Errorf("synthetic: invalid channel counts %d+%d", cfg.ImageChans, cfg.AuxChans)
	}
	return &Synthetic{cfg: cfg}, nil
}

// Len returns the number of samples.
func (s *Synthetic) Len() int {
	return s.cfg.Samples
}

// Channels returns the total input channel count (image + auxiliary).
func (s *Synthetic) Channels() int {
	return s.cfg.ImageChans + s.cfg.AuxChans
}

// Get generates sample idx.
func (s *Synthetic) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= s.cfg.Samples {
		return Sample{}, errors.Errorf("synthetic: index %d out of range [0,%d)", idx, s.cfg.Samples)
	}
	c := s.cfg
	rng := rand.New(rand.NewPCG(c.Seed, uint64(idx)))
	h, w := c.Height, c.Width

	classes := make([]int, h*w)
	border := make([]bool, h*w)
	if c.Classes > 1 {
		for range 1 + rng.IntN(3) {
			cls := 1 + rng.IntN(c.Classes-1)
			y0, x0 := rng.IntN(h-1), rng.IntN(w-1)
			y1, x1 := y0+1+rng.IntN(h-y0-1), x0+1+rng.IntN(w-x0-1)
			for y := y0; y <= y1; y++ {
				for x := x0; x <= x1; x++ {
					classes[y*w+x] = cls
					border[y*w+x] = y == y0 || y == y1 || x == x0 || x == x1
				}
			}
		}
	}

	image := tensor.Zeros(c.ImageChans, h, w)
	img := image.Data()
	for ch := range c.ImageChans {
		for p, cls := range classes {
			level := float64((cls+ch)%c.Classes) / float64(c.Classes)
			img[ch*h*w+p] = float32(level + 0.05*rng.NormFloat64())
		}
	}

	var aux *tensor.Dense
	if c.AuxChans > 0 {
		aux = tensor.Zeros(c.AuxChans, h, w)
		a := aux.Data()
		for ch := range c.AuxChans {
			for p, edge := range border {
				if edge {
					a[ch*h*w+p] = 1
				}
			}
		}
	}

	var mask *tensor.Dense
	if c.ChannelMask {
		mask = tensor.Zeros(c.Classes, h, w)
		for p, cls := range classes {
			mask.Data()[cls*h*w+p] = 1
		}
	} else {
		mask = tensor.Zeros(h, w)
		for p, cls := range classes {
			mask.Data()[p] = float32(cls)
		}
	}

	return Sample{Image: image, Aux: aux, Mask: mask}, nil
}
