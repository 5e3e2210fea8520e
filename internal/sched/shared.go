// Package sched runs the learner's training loop: minibatch partitioning,
// advantage estimation, loss gradients, optimizer steps, and publication of
// new policy versions to the rollout producers.
package sched

import (
	"sync"
	"sync/atomic"
)

// SharedState groups all cross-goroutine learner state in one struct with
// documented ownership per field. One instance exists per policy; the control
// loop, the training loop, and the producers all hold the same pointer.
type SharedState struct {
	// TrainStep counts optimizer steps. Written only by the training loop,
	// under PolicyMu.
	TrainStep atomic.Int64

	// EnvSteps counts consumed environment frames, added once per
	// macro-batch by the training loop.
	EnvSteps atomic.Int64

	// Version is the policy version producers stamp onto new rollouts.
	// Republished after every optimizer step; mirrors TrainStep.
	Version atomic.Int64

	// Training is true while a macro-batch is being trained on. Read by the
	// backpressure controller.
	Training atomic.Bool

	// Stop asks every loop to wind down. Producers poll it each step.
	Stop atomic.Bool

	// PolicyMu serializes optimizer steps (write side) against parameter
	// snapshots taken for broadcast or checkpointing (read side), so a
	// reader never observes a half-applied update.
	PolicyMu sync.RWMutex

	// PbtMu guards live hyperparameter mutations. The training loop holds
	// it for each whole iteration, so mutations land only between batches.
	PbtMu sync.Mutex
}
