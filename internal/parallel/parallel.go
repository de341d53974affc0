// Package parallel fans kernel work out across goroutines.
//
// Every helper blocks until all work items have run, and each item must write
// to memory no other item touches.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Workers  int // Maximum number of goroutines; <= 1 runs inline.
	MinItems int // Below this many items the loop runs inline.
}

// DefaultConfig uses one worker per schedulable CPU.
//
// Convolution planes are large units of work, so a couple of items already
// justify a goroutine.
func DefaultConfig() Config {
	return Config{
		Workers:  runtime.GOMAXPROCS(0),
		MinItems: 2,
	}
}

// Sequential returns a Config that never spawns goroutines.
func Sequential() Config {
	return Config{Workers: 1}
}

// For executes f(i) for i in [0, n), splitting the range into contiguous
// chunks, one per worker.
func For(n int, f func(i int), cfg Config) {
	if n <= 0 {
		return
	}
	if cfg.Workers <= 1 || n < max(cfg.MinItems, 2) {
		for i := range n {
			f(i)
		}
		return
	}

	workers := min(cfg.Workers, n)
	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// ForPlanes visits every (batch, channel) plane of an NCHW tensor.
func ForPlanes(batch, channels int, f func(b, c int), cfg Config) {
	For(batch*channels, func(k int) {
		f(k/channels, k%channels)
	}, cfg)
}
