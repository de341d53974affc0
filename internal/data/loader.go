package data

import (
	"context"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/pkg/errors"

	"github.com/born-ml/segtrain/internal/tensor"
)

// LoaderConfig controls batching.
type LoaderConfig struct {
	BatchSize int    // Samples per batch (must be > 0)
	Shuffle   bool   // Reshuffle the sample order at every Reset
	DropLast  bool   // Drop a final batch smaller than BatchSize
	Workers   int    // Goroutines fetching samples of a batch; <= 1 fetches inline
	Seed      uint64 // Seed of the shuffling generator
}

// Loader groups dataset samples into batches.
//
// A Loader is driven by a single goroutine: Reset starts an epoch and Next
// returns batches until io.EOF. Sample fetching inside Next may fan out
// over Workers goroutines, but Next only returns once the whole batch is
// assembled.
type Loader struct {
	ds    Dataset
	cfg   LoaderConfig
	order []int
	pos   int
	rng   *rand.Rand
}

// NewLoader creates a loader positioned at the start of the first epoch.
func NewLoader(ds Dataset, cfg LoaderConfig) (*Loader, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	l := &Loader{
		ds:    ds,
		cfg:   cfg,
		order: make([]int, ds.Len()),
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	for i := range l.order {
		l.order[i] = i
	}
	l.Reset()
	return l, nil
}

// NumSamples returns the size of the underlying dataset.
func (l *Loader) NumSamples() int {
	return l.ds.Len()
}

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int {
	return l.cfg.BatchSize
}

// Len returns the number of batches per epoch.
func (l *Loader) Len() int {
	n := l.ds.Len()
	if l.cfg.DropLast {
		return n / l.cfg.BatchSize
	}
	return (n + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// Reset rewinds to the start of a new epoch, reshuffling if configured.
func (l *Loader) Reset() {
	l.pos = 0
	if l.cfg.Shuffle {
		l.rng.Shuffle(len(l.order), func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
}

// Next returns the next batch of the epoch, or io.EOF once it is exhausted.
func (l *Loader) Next(ctx context.Context) (*Batch, error) {
	remaining := len(l.order) - l.pos
	if remaining <= 0 || (l.cfg.DropLast && remaining < l.cfg.BatchSize) {
		return nil, io.EOF
	}
	size := min(l.cfg.BatchSize, remaining)
	indices := make([]int, size)
	copy(indices, l.order[l.pos:l.pos+size])
	l.pos += size

	samples, err := l.fetch(ctx, indices)
	if err != nil {
		return nil, err
	}
	return collate(samples, indices)
}

// fetch loads the samples of one batch.
func (l *Loader) fetch(ctx context.Context, indices []int) ([]Sample, error) {
	samples := make([]Sample, len(indices))
	errs := make([]error, len(indices))

	workers := min(max(l.cfg.Workers, 1), len(indices))
	if workers == 1 {
		for i, idx := range indices {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if samples[i], errs[i] = l.ds.Get(idx); errs[i] != nil {
				return nil, errors.Wrapf(errs[i], "load sample %d", idx)
			}
		}
		return samples, nil
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				samples[i], errs[i] = l.ds.Get(indices[i])
			}
		}()
	}
	for i := range indices {
		if ctx.Err() != nil {
			break
		}
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "load sample %d", indices[i])
		}
	}
	return samples, nil
}

// collate stacks samples into a batch.
func collate(samples []Sample, indices []int) (*Batch, error) {
	inputs := make([]*tensor.Dense, len(samples))
	masks := make([]*tensor.Dense, len(samples))
	for i, s := range samples {
		in, err := s.Input()
		if err != nil {
			return nil, errors.Wrapf(err, "sample %d", indices[i])
		}
		if s.Mask == nil {
			return nil, errors.Errorf("sample %d has no mask", indices[i])
		}
		inputs[i], masks[i] = in, s.Mask
	}

	images, err := tensor.Stack(inputs)
	if err != nil {
		return nil, errors.Wrap(err, "stack images")
	}
	stacked, err := tensor.Stack(masks)
	if err != nil {
		return nil, errors.Wrap(err, "stack masks")
	}
	return &Batch{Images: images, Masks: stacked, Indices: indices}, nil
}
