// Package telemetry records training progress: per-step scalars and, at
// evaluation points, parameter and gradient distributions.
//
// Sinks are write-only. Callers treat a sink error as a warning and keep
// training.
package telemetry

import (
	"context"
	"sort"
)

// Record is one telemetry event.
type Record struct {
	Step       int                   `json:"step"`
	Epoch      int                   `json:"epoch"`
	Scalars    map[string]float64    `json:"scalars,omitempty"`
	Histograms map[string]*Histogram `json:"histograms,omitempty"`
}

// Sink receives telemetry records.
type Sink interface {
	Log(ctx context.Context, r Record) error
}

// Discard is a Sink that drops every record.
var Discard Sink = discard{}

type discard struct{}

func (discard) Log(context.Context, Record) error { return nil }

// sortedKeys returns the keys of m in lexical order so sinks emit stable
// output.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
