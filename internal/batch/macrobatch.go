// Package batch provides macro-batch assembly: grouping handed-off rollouts
// into training-ready buffers and recycling those buffers across iterations.
package batch

import (
	"fmt"

	"github.com/emer/etable/v2/etensor"
)

// Geometry fixes the shape of one macro-batch for the lifetime of a run.
type Geometry struct {
	Rollouts   int // rollouts concatenated per macro-batch
	RolloutLen int
	ObsDim     int
	CoreDim    int
}

// Samples returns the number of timesteps in a full macro-batch.
func (g Geometry) Samples() int {
	return g.Rollouts * g.RolloutLen
}

// Signature returns the pool key for this geometry.
func (g Geometry) Signature() string {
	return fmt.Sprintf("%dr%dt%do%dc", g.Rollouts, g.RolloutLen, g.ObsDim, g.CoreDim)
}

// Validate checks that all dimensions are positive.
func (g Geometry) Validate() error {
	if g.Rollouts <= 0 || g.RolloutLen <= 0 || g.ObsDim <= 0 || g.CoreDim <= 0 {
		return fmt.Errorf("macro-batch geometry must be positive: %+v", g)
	}
	return nil
}

// MacroBatch is an ordered concatenation of rollouts, laid out rollout-major:
// sample n = rolloutIdx*rolloutLen + t. Consumed exactly once by the training
// scheduler, then returned to the pool.
type MacroBatch struct {
	geom Geometry

	Obs        *etensor.Float32 // [samples, obsDim]
	Actions    *etensor.Int32   // [samples]
	Rewards    *etensor.Float32 // [samples]
	Dones      *etensor.Float32 // [samples]
	LogProbs   *etensor.Float32 // [samples] behavior-policy log probs
	Values     *etensor.Float32 // [samples] behavior-policy value estimates
	CoreStates *etensor.Float32 // [samples, coreDim] recurrent state before each step

	SampleCount int   // filled timesteps
	EnvSteps    int64 // summed environment frames
	MinVersion  int64 // oldest policy version among member rollouts
	NumRollouts int
}

func newMacroBatch(g Geometry) *MacroBatch {
	n := g.Samples()
	return &MacroBatch{
		geom:       g,
		Obs:        etensor.NewFloat32([]int{n, g.ObsDim}, nil, []string{"sample", "obs"}),
		Actions:    etensor.NewInt32([]int{n}, nil, nil),
		Rewards:    etensor.NewFloat32([]int{n}, nil, nil),
		Dones:      etensor.NewFloat32([]int{n}, nil, nil),
		LogProbs:   etensor.NewFloat32([]int{n}, nil, nil),
		Values:     etensor.NewFloat32([]int{n}, nil, nil),
		CoreStates: etensor.NewFloat32([]int{n, g.CoreDim}, nil, []string{"sample", "core"}),
	}
}

// Geometry returns the fixed shape of this batch.
func (m *MacroBatch) Geometry() Geometry {
	return m.geom
}

func (m *MacroBatch) resetMeta() {
	m.SampleCount = 0
	m.EnvSteps = 0
	m.MinVersion = 0
	m.NumRollouts = 0
}
