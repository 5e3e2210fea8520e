package sched

import (
	"fmt"
	"math/rand"

	"github.com/jingweiz/sample-factory/pkg/errors"
)

// Indexer partitions a macro-batch into minibatches at recurrence-window
// granularity. Windows are shuffled across minibatches between epochs, never
// split: timesteps inside a window stay contiguous and in order, which the
// recurrent forward pass depends on.
type Indexer struct {
	samples    int
	batchSize  int
	recurrence int

	windows []int
	rng     *rand.Rand
}

// NewIndexer creates an indexer over a fixed experience size.
func NewIndexer(samples, batchSize, recurrence int, seed int64) (*Indexer, error) {
	switch {
	case samples <= 0 || batchSize <= 0 || recurrence <= 0:
		return nil, fmt.Errorf("indexer sizes must be positive (%d/%d/%d): %w",
			samples, batchSize, recurrence, errors.ErrBadGeometry)
	case samples%batchSize != 0:
		return nil, fmt.Errorf("experience %d not divisible by batch size %d: %w",
			samples, batchSize, errors.ErrBadGeometry)
	case batchSize%recurrence != 0:
		return nil, fmt.Errorf("batch size %d not divisible by recurrence %d: %w",
			batchSize, recurrence, errors.ErrBadGeometry)
	}

	ix := &Indexer{
		samples:    samples,
		batchSize:  batchSize,
		recurrence: recurrence,
		windows:    make([]int, samples/recurrence),
		rng:        rand.New(rand.NewSource(seed)),
	}
	for i := range ix.windows {
		ix.windows[i] = i
	}
	return ix, nil
}

// NumMinibatches returns how many minibatches one pass yields.
func (ix *Indexer) NumMinibatches() int {
	return ix.samples / ix.batchSize
}

// WindowsPerMinibatch returns how many recurrence windows fill one minibatch.
func (ix *Indexer) WindowsPerMinibatch() int {
	return ix.batchSize / ix.recurrence
}

// Shuffle reorders windows across minibatches. With a single minibatch every
// pass consumes all windows anyway and the shuffle is skipped.
func (ix *Indexer) Shuffle() {
	if ix.NumMinibatches() == 1 {
		return
	}
	ix.rng.Shuffle(len(ix.windows), func(i, j int) {
		ix.windows[i], ix.windows[j] = ix.windows[j], ix.windows[i]
	})
}

// Minibatch appends the macro-batch sample indices of minibatch i to out and
// returns it. Indices come out one window at a time, each window a contiguous
// ascending run of recurrence samples.
func (ix *Indexer) Minibatch(i int, out []int) []int {
	wpm := ix.WindowsPerMinibatch()
	for _, w := range ix.windows[i*wpm : (i+1)*wpm] {
		base := w * ix.recurrence
		for t := 0; t < ix.recurrence; t++ {
			out = append(out, base+t)
		}
	}
	return out
}
