package model

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/chewxy/math32"
)

// AdamConfig holds the optimizer hyperparameters.
type AdamConfig struct {
	LR    float32
	Beta1 float32
	Beta2 float32
	Eps   float32
}

// DefaultAdamConfig returns sensible defaults.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LR:    1e-4,
		Beta1: 0.9,
		Beta2: 0.999,
		Eps:   1e-6,
	}
}

// AdamState is the serializable optimizer state carried in checkpoints.
type AdamState struct {
	M    []float32
	V    []float32
	Step int64
}

// Adam implements the Adam optimizer over a flat parameter vector.
// Step must be called under the policy lock; SetLR is safe from any
// goroutine and takes effect on the next step.
type Adam struct {
	cfg AdamConfig
	lr  atomic.Uint32 // float32 bits

	m, v []float32
	step int64
}

// NewAdam creates an optimizer for n parameters.
func NewAdam(cfg AdamConfig, n int) *Adam {
	a := &Adam{
		cfg: cfg,
		m:   make([]float32, n),
		v:   make([]float32, n),
	}
	a.lr.Store(math.Float32bits(cfg.LR))
	return a
}

// Step applies one Adam update to params given grads.
func (a *Adam) Step(params, grads []float32) {
	a.step++
	lr := a.LR()
	b1, b2, eps := a.cfg.Beta1, a.cfg.Beta2, a.cfg.Eps

	bc1 := 1 - math32.Pow(b1, float32(a.step))
	bc2 := 1 - math32.Pow(b2, float32(a.step))

	for i, g := range grads {
		m := b1*a.m[i] + (1-b1)*g
		v := b2*a.v[i] + (1-b2)*g*g
		a.m[i] = m
		a.v[i] = v

		mhat := m / bc1
		vhat := v / bc2
		params[i] -= lr * mhat / (math32.Sqrt(vhat) + eps)
	}
}

// LR returns the current learning rate.
func (a *Adam) LR() float32 {
	return math.Float32frombits(a.lr.Load())
}

// SetLR changes the learning rate for subsequent steps.
func (a *Adam) SetLR(lr float32) {
	a.lr.Store(math.Float32bits(lr))
}

// StepCount returns the number of optimizer steps taken.
func (a *Adam) StepCount() int64 {
	return a.step
}

// State returns a copy of the optimizer state for checkpointing.
func (a *Adam) State() AdamState {
	st := AdamState{
		M:    make([]float32, len(a.m)),
		V:    make([]float32, len(a.v)),
		Step: a.step,
	}
	copy(st.M, a.m)
	copy(st.V, a.v)
	return st
}

// LoadState restores optimizer state from a checkpoint.
func (a *Adam) LoadState(st AdamState) error {
	if len(st.M) != len(a.m) || len(st.V) != len(a.v) {
		return fmt.Errorf("optimizer state size mismatch: got %d/%d moments, want %d", len(st.M), len(st.V), len(a.m))
	}
	copy(a.m, st.M)
	copy(a.v, st.V)
	a.step = st.Step
	return nil
}
