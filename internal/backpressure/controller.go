// Package backpressure pauses rollout collection when the learner's
// committed work exceeds a threshold, and resumes it once the backlog
// drains. Both transitions are debounced so producers are not woken by
// transient load spikes or dips.
package backpressure

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

// Config tunes the pause threshold and debounce.
type Config struct {
	// MinibatchesPerIteration is how many optimizer steps one macro-batch
	// produces per epoch.
	MinibatchesPerIteration int
	// RolloutsPerMinibatch converts pending rollout counts into minibatches.
	RolloutsPerMinibatch int
	// MaxMinibatchesOnLearner caps the committed minibatch estimate.
	// Zero derives the default of 3x MinibatchesPerIteration.
	MaxMinibatchesOnLearner int
	// DebounceTicks is how many consecutive ticks must confirm a state
	// change before it takes effect.
	DebounceTicks int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MinibatchesPerIteration: 2,
		RolloutsPerMinibatch:    32,
		MaxMinibatchesOnLearner: 0,
		DebounceTicks:           50,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MinibatchesPerIteration <= 0 || c.RolloutsPerMinibatch <= 0 {
		return fmt.Errorf("backpressure ratios must be positive: %+v", *c)
	}
	if c.DebounceTicks <= 0 {
		return fmt.Errorf("debounce ticks must be positive: %d", c.DebounceTicks)
	}
	return nil
}

// Load is a snapshot of the learner's queued work, taken each tick.
type Load struct {
	Training        bool
	PendingRollouts int
	QueuedBatches   int
}

// Controller owns the shared collection-paused flag. Tick is called from the
// control loop only; Paused and WaitResume are safe from any goroutine.
type Controller struct {
	cfg       Config
	threshold int

	mu     sync.Mutex
	cond   *sync.Cond
	paused bool

	pausedFlag atomic.Bool

	// Debounce counters, touched only by the Tick caller.
	overTicks  int
	underTicks int

	transitions atomic.Int64
}

// NewController creates a controller.
func NewController(cfg *Config) (*Controller, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	threshold := cfg.MaxMinibatchesOnLearner
	if threshold <= 0 {
		threshold = 3 * cfg.MinibatchesPerIteration
	}

	c := &Controller{cfg: *cfg, threshold: threshold}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

// Committed estimates the number of minibatches the learner is already
// committed to training: the in-flight iteration, pending rollouts, and
// queued macro-batches.
func (c *Controller) Committed(l Load) int {
	n := l.PendingRollouts/c.cfg.RolloutsPerMinibatch + l.QueuedBatches*c.cfg.MinibatchesPerIteration
	if l.Training {
		n += c.cfg.MinibatchesPerIteration
	}
	return n
}

// Tick feeds one load sample into the debounce machinery and returns the
// paused state after the tick.
func (c *Controller) Tick(l Load) bool {
	over := c.Committed(l) > c.threshold

	if c.pausedFlag.Load() {
		if over {
			c.underTicks = 0
		} else {
			c.underTicks++
			if c.underTicks >= c.cfg.DebounceTicks {
				c.resume()
			}
		}
	} else {
		if !over {
			c.overTicks = 0
		} else {
			c.overTicks++
			if c.overTicks >= c.cfg.DebounceTicks {
				c.pause()
			}
		}
	}

	return c.pausedFlag.Load()
}

// Paused reports whether collection is currently paused. Producers read
// this each step before claiming a slot.
func (c *Controller) Paused() bool {
	return c.pausedFlag.Load()
}

// WaitResume blocks the calling producer until collection is resumed.
// Returns immediately when not paused.
func (c *Controller) WaitResume() {
	c.mu.Lock()
	for c.paused {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

// Transitions returns the lifetime count of pause/resume state changes.
func (c *Controller) Transitions() int64 {
	return c.transitions.Load()
}

// Threshold returns the committed-minibatch threshold in effect.
func (c *Controller) Threshold() int {
	return c.threshold
}

func (c *Controller) pause() {
	c.mu.Lock()
	c.paused = true
	c.pausedFlag.Store(true)
	c.mu.Unlock()

	c.overTicks = 0
	c.underTicks = 0
	c.transitions.Add(1)
	log.Printf("backpressure: collection paused, committed minibatches exceeded %d for %d ticks",
		c.threshold, c.cfg.DebounceTicks)
}

func (c *Controller) resume() {
	c.mu.Lock()
	c.paused = false
	c.pausedFlag.Store(false)
	c.cond.Broadcast()
	c.mu.Unlock()

	c.overTicks = 0
	c.underTicks = 0
	c.transitions.Add(1)
	log.Printf("backpressure: collection resumed")
}
