// Package model defines the policy/value network capability the training
// scheduler drives, plus a small reference implementation and the Adam
// optimizer used to train it.
package model

import "github.com/emer/etable/v2/etensor"

// Dims describes the tensor sizes a model expects. The scheduler only ever
// inspects shapes and counts, never tensor contents.
type Dims struct {
	Obs     int
	Latent  int
	Core    int
	Actions int
}

// Model is the network trained by the scheduler. The scheduler drives the
// recurrence window time loop itself: ForwardHead runs once per minibatch,
// ForwardCore once per timestep over the window batch, ForwardTail once over
// all collected core outputs.
//
// Backward consumes per-sample loss derivatives with respect to the logits
// and values of the most recent forward pass and accumulates parameter
// gradients; ZeroGrads clears them before the next pass.
type Model interface {
	ForwardHead(obs, latent *etensor.Float32)
	ForwardCore(latent, state, out, newState *etensor.Float32)
	ForwardTail(core, logits, values *etensor.Float32)

	Backward(dLogits, dValues *etensor.Float32)
	ZeroGrads()

	// Parameters and Gradients return live views into flat storage,
	// shared with the optimizer. SnapshotParameters returns a copy safe
	// to hand to checkpointing or weight broadcast.
	Parameters() []float32
	Gradients() []float32
	SnapshotParameters() []float32
	LoadParameters(params []float32) error

	Dims() Dims
}
