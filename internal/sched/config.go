package sched

import (
	"fmt"
	"time"

	"github.com/jingweiz/sample-factory/pkg/errors"
)

// Estimator selects the advantage-estimation strategy. The choice is made
// once at scheduler construction; the two strategies have different
// structural requirements and are not hot-swappable.
type Estimator string

const (
	// EstimatorGAE computes generalized advantage estimates once per
	// macro-batch, before minibatch partitioning.
	EstimatorGAE Estimator = "gae"

	// EstimatorVTrace recomputes value targets per minibatch from current
	// importance ratios. Requires Recurrence == RolloutLen.
	EstimatorVTrace Estimator = "vtrace"
)

// Config holds the training-loop hyperparameters.
type Config struct {
	// Batch geometry
	RolloutLen       int // timesteps per rollout
	RolloutsPerBatch int // rollouts concatenated into one macro-batch
	BatchSize        int // samples per minibatch, divides the experience size
	Recurrence       int // BPTT window length, divides BatchSize and RolloutLen
	Epochs           int // passes over each macro-batch

	// Advantage estimation
	Estimator Estimator
	Gamma     float32
	GAELambda float32
	VTraceRho float32 // importance-weight cap in the value-target term
	VTraceC   float32 // importance-weight cap in the trace term

	// Loss
	ClipRatio    float32 // upper bound of the symmetric ratio clip, > 1
	ClipValue    float32 // value prediction clip around the behavior estimate
	EntropyCoeff float32
	ValueCoeff   float32
	MaxGradNorm  float32 // 0 disables gradient clipping
	NormalizeAdv bool

	// EarlyStopTol stops the epoch loop when the mean actor loss moves less
	// than this between consecutive epochs.
	EarlyStopTol float64

	// QueueDepth bounds the assembled macro-batch channel.
	QueueDepth int

	// WaitTimeout is the training loop's wakeup interval while no batch is
	// queued, so stop requests are noticed without a batch arriving.
	WaitTimeout time.Duration

	// ForceSummaryLoss emits summaries immediately when the total loss
	// magnitude exceeds this, regardless of the summary schedule.
	ForceSummaryLoss float64

	// Seed drives minibatch window shuffling.
	Seed int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RolloutLen:       32,
		RolloutsPerBatch: 32,
		BatchSize:        1024,
		Recurrence:       32,
		Epochs:           1,
		Estimator:        EstimatorGAE,
		Gamma:            0.99,
		GAELambda:        0.95,
		VTraceRho:        1.0,
		VTraceC:          1.0,
		ClipRatio:        1.1,
		ClipValue:        0.2,
		EntropyCoeff:     0.003,
		ValueCoeff:       0.5,
		MaxGradNorm:      4.0,
		NormalizeAdv:     true,
		EarlyStopTol:     1e-6,
		QueueDepth:       4,
		WaitTimeout:      100 * time.Millisecond,
		ForceSummaryLoss: 30.0,
		Seed:             42,
	}
}

// ExperienceSize returns the number of samples in one macro-batch.
func (c *Config) ExperienceSize() int {
	return c.RolloutsPerBatch * c.RolloutLen
}

// MinibatchesPerBatch returns how many minibatches one macro-batch yields.
func (c *Config) MinibatchesPerBatch() int {
	return c.ExperienceSize() / c.BatchSize
}

// Validate checks ranges and the structural divisibility requirements.
// Geometry violations are not recoverable at runtime, so they are rejected
// here, before any buffer is sized.
func (c *Config) Validate() error {
	switch {
	case c.RolloutLen <= 0 || c.RolloutsPerBatch <= 0 || c.BatchSize <= 0 || c.Recurrence <= 0:
		return fmt.Errorf("batch geometry must be positive: %+v: %w", *c, errors.ErrBadGeometry)
	case c.ExperienceSize()%c.BatchSize != 0:
		return fmt.Errorf("experience size %d not divisible by batch size %d: %w",
			c.ExperienceSize(), c.BatchSize, errors.ErrBadGeometry)
	case c.BatchSize%c.Recurrence != 0:
		return fmt.Errorf("batch size %d not divisible by recurrence %d: %w",
			c.BatchSize, c.Recurrence, errors.ErrBadGeometry)
	case c.RolloutLen%c.Recurrence != 0:
		return fmt.Errorf("rollout length %d not divisible by recurrence %d: %w",
			c.RolloutLen, c.Recurrence, errors.ErrBadGeometry)
	case c.Epochs <= 0:
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.Gamma <= 0 || c.Gamma > 1:
		return fmt.Errorf("gamma must be in (0, 1], got %v", c.Gamma)
	case c.GAELambda < 0 || c.GAELambda > 1:
		return fmt.Errorf("gae lambda must be in [0, 1], got %v", c.GAELambda)
	case c.ClipRatio <= 1:
		return fmt.Errorf("clip ratio must exceed 1, got %v", c.ClipRatio)
	case c.ClipValue <= 0:
		return fmt.Errorf("clip value must be positive, got %v", c.ClipValue)
	case c.ValueCoeff < 0 || c.EntropyCoeff < 0 || c.MaxGradNorm < 0:
		return fmt.Errorf("loss coefficients must be non-negative: %+v", *c)
	case c.EarlyStopTol < 0:
		return fmt.Errorf("early stop tolerance must be non-negative, got %v", c.EarlyStopTol)
	case c.QueueDepth <= 0:
		return fmt.Errorf("queue depth must be positive, got %d", c.QueueDepth)
	case c.WaitTimeout <= 0:
		return fmt.Errorf("wait timeout must be positive, got %v", c.WaitTimeout)
	}

	switch c.Estimator {
	case EstimatorGAE:
	case EstimatorVTrace:
		if c.VTraceRho <= 0 || c.VTraceC <= 0 {
			return fmt.Errorf("vtrace truncation caps must be positive, got rho %v c %v", c.VTraceRho, c.VTraceC)
		}
		// The backward recursion needs complete rollouts inside each window.
		if c.Recurrence != c.RolloutLen {
			return fmt.Errorf("vtrace needs recurrence %d == rollout length %d: %w",
				c.Recurrence, c.RolloutLen, errors.ErrVTraceRecurrence)
		}
	default:
		return fmt.Errorf("unknown estimator %q", c.Estimator)
	}

	return nil
}
