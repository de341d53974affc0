package telemetry

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/born-ml/segtrain/internal/nn"
)

// DefaultBins is the bucket count used for parameter histograms.
const DefaultBins = 32

// Histogram summarizes a distribution of values.
//
// Edges has len(Counts)+1 entries; bucket i covers [Edges[i], Edges[i+1]).
// Non-finite values are excluded from every statistic and counted in
// NonFinite.
type Histogram struct {
	Count     int       `json:"count"`
	NonFinite int       `json:"non_finite,omitempty"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Mean      float64   `json:"mean"`
	StdDev    float64   `json:"std"`
	Edges     []float64 `json:"edges"`
	Counts    []float64 `json:"counts"`
}

// NewHistogram buckets values into bins equal-width buckets spanning their
// range.
func NewHistogram(values []float64, bins int) (*Histogram, error) {
	if bins < 1 {
		return nil, errors.Errorf("histogram: bins must be positive, got %d", bins)
	}
	finite := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	h := &Histogram{Count: len(finite), NonFinite: len(values) - len(finite)}
	if len(finite) == 0 {
		return h, nil
	}
	sort.Float64s(finite)

	h.Min, h.Max = floats.Min(finite), floats.Max(finite)
	if len(finite) > 1 {
		h.Mean, h.StdDev = stat.MeanStdDev(finite, nil)
	} else {
		h.Mean = finite[0]
	}

	if h.Min == h.Max {
		bins = 1
	}
	h.Edges = floats.Span(make([]float64, bins+1), h.Min, h.Max)
	// The upper edge is exclusive; nudge it so the maximum lands in the last bucket.
	h.Edges[bins] = math.Nextafter(h.Max, math.Inf(1))
	h.Counts = stat.Histogram(make([]float64, bins), h.Edges, finite, nil)
	return h, nil
}

// ParameterHistograms builds a histogram of every parameter value, keyed
// "Weights/<name>", and of every present gradient, keyed "Gradients/<name>".
func ParameterHistograms(params []*nn.Parameter, bins int) (map[string]*Histogram, error) {
	out := make(map[string]*Histogram, 2*len(params))
	for _, p := range params {
		h, err := NewHistogram(p.Value().Float64s(), bins)
		if err != nil {
			return nil, err
		}
		out["Weights/"+p.Name()] = h
		if g := p.Grad(); g != nil {
			if h, err = NewHistogram(g.Float64s(), bins); err != nil {
				return nil, err
			}
			out["Gradients/"+p.Name()] = h
		}
	}
	return out, nil
}
