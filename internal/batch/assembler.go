package batch

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/jingweiz/sample-factory/internal/buffer"
	"github.com/jingweiz/sample-factory/pkg/errors"
)

// Assembler groups handed-off rollouts into macro-batches in arrival order.
// Submit appends to a FIFO queue; TryAssemble discards over-stale rollouts
// from the front, then cuts a full macro-batch when enough remain. Neither
// operation ever blocks.
type Assembler struct {
	slab         *buffer.Slab
	pool         *Pool
	geom         Geometry
	maxPolicyLag int64

	mu      sync.Mutex
	pending []buffer.Rollout

	discards  atomic.Int64
	assembled atomic.Int64
}

// NewAssembler creates an assembler. The geometry must match the slab's
// per-slot tensor shapes; MaxPolicyLag <= 0 disables the staleness filter.
func NewAssembler(slab *buffer.Slab, pool *Pool, geom Geometry, maxPolicyLag int64) (*Assembler, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	scfg := slab.Config()
	if scfg.RolloutLen != geom.RolloutLen || scfg.ObsDim != geom.ObsDim || scfg.CoreDim != geom.CoreDim {
		return nil, fmt.Errorf("slab shapes [%d,%d,%d] do not match batch geometry [%d,%d,%d]: %w",
			scfg.RolloutLen, scfg.ObsDim, scfg.CoreDim,
			geom.RolloutLen, geom.ObsDim, geom.CoreDim, errors.ErrBadGeometry)
	}

	return &Assembler{
		slab:         slab,
		pool:         pool,
		geom:         geom,
		maxPolicyLag: maxPolicyLag,
	}, nil
}

// Submit appends a rollout to the pending queue.
func (a *Assembler) Submit(r buffer.Rollout) {
	a.mu.Lock()
	a.pending = append(a.pending, r)
	a.mu.Unlock()
}

// Pending returns the current queue depth.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	n := len(a.pending)
	a.mu.Unlock()
	return n
}

// Discards returns the lifetime count of rollouts dropped as stale.
func (a *Assembler) Discards() int64 {
	return a.discards.Load()
}

// Assembled returns the lifetime count of macro-batches produced.
func (a *Assembler) Assembled() int64 {
	return a.assembled.Load()
}

// Geometry returns the macro-batch geometry.
func (a *Assembler) Geometry() Geometry {
	return a.geom
}

// TryAssemble discards rollouts at the queue front whose policy version lags
// currentStep by more than the configured bound, then, if at least a full
// macro-batch worth of rollouts remains, copies the oldest ones into a pooled
// buffer, frees their slots, and returns the batch.
//
// Returns (nil, nil) when not enough rollouts are pending. A non-nil error
// means a slot ownership violation and is fatal to the learner.
func (a *Assembler) TryAssemble(currentStep int64) (*MacroBatch, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for a.maxPolicyLag > 0 && len(a.pending) > 0 {
		r := a.pending[0]
		lag := currentStep - r.MinPolicyVersion
		if lag <= a.maxPolicyLag {
			break
		}
		if err := a.slab.Free(r.Coords); err != nil {
			return nil, err
		}
		a.discards.Add(1)
		log.Printf("assembler: dropped rollout %s, policy lag %d exceeds %d", r.Coords, lag, a.maxPolicyLag)
		a.pending = a.pending[1:]
	}

	if len(a.pending) < a.geom.Rollouts {
		return nil, nil
	}

	mb := a.pool.Acquire(a.geom)
	t := a.geom.RolloutLen
	obsDim := a.geom.ObsDim
	coreDim := a.geom.CoreDim

	for i := 0; i < a.geom.Rollouts; i++ {
		r := a.pending[i]
		slot, err := a.slab.Read(r.Coords)
		if err != nil {
			a.pool.Release(mb)
			return nil, err
		}

		copy(mb.Obs.Values[i*t*obsDim:(i+1)*t*obsDim], slot.Obs.Values)
		copy(mb.Actions.Values[i*t:(i+1)*t], slot.Actions.Values)
		copy(mb.Rewards.Values[i*t:(i+1)*t], slot.Rewards.Values)
		copy(mb.Dones.Values[i*t:(i+1)*t], slot.Dones.Values)
		copy(mb.LogProbs.Values[i*t:(i+1)*t], slot.LogProbs.Values)
		copy(mb.Values.Values[i*t:(i+1)*t], slot.Values.Values)
		copy(mb.CoreStates.Values[i*t*coreDim:(i+1)*t*coreDim], slot.CoreStates.Values)

		if err := a.slab.Free(r.Coords); err != nil {
			a.pool.Release(mb)
			return nil, err
		}

		mb.SampleCount += r.Length
		mb.EnvSteps += r.EnvSteps
		if i == 0 || r.MinPolicyVersion < mb.MinVersion {
			mb.MinVersion = r.MinPolicyVersion
		}
	}
	mb.NumRollouts = a.geom.Rollouts

	// Compact the queue in place so the backing array does not grow without bound
	a.pending = append(a.pending[:0], a.pending[a.geom.Rollouts:]...)

	a.assembled.Add(1)
	return mb, nil
}
