// Package buffer provides the shared rollout slab: a fixed grid of
// pre-allocated trajectory slots exchanged between rollout producers and
// the learner.
package buffer

import (
	"fmt"
	"sync/atomic"

	"github.com/emer/etable/v2/etensor"

	"github.com/jingweiz/sample-factory/pkg/errors"
)

// Coords addresses one slot in the slab grid.
type Coords struct {
	Producer int
	Split    int
	Env      int
	Agent    int
	Slot     int
}

func (c Coords) String() string {
	return fmt.Sprintf("p%d.s%d.e%d.a%d.t%d", c.Producer, c.Split, c.Env, c.Agent, c.Slot)
}

// Rollout identifies one filled slab slot. It carries a reference into the
// slab, not a copy; the slot stays owned by the learner side until Free.
type Rollout struct {
	Coords           Coords
	Length           int
	EnvSteps         int64
	MinPolicyVersion int64
}

// Config describes the slab grid and per-slot tensor shapes.
type Config struct {
	// Grid dimensions
	Producers    int
	Splits       int
	EnvsPerSplit int
	AgentsPerEnv int
	// Depth is the number of slots per agent sequence, allowing a producer
	// to fill the next rollout while the learner still holds the previous.
	Depth int

	// Per-slot tensor shapes
	RolloutLen int
	ObsDim     int
	CoreDim    int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Producers:    4,
		Splits:       2,
		EnvsPerSplit: 8,
		AgentsPerEnv: 1,
		Depth:        3,
		RolloutLen:   32,
		ObsDim:       16,
		CoreDim:      32,
	}
}

// Validate checks grid and tensor dimensions.
func (c *Config) Validate() error {
	switch {
	case c.Producers <= 0 || c.Splits <= 0 || c.EnvsPerSplit <= 0 || c.AgentsPerEnv <= 0 || c.Depth <= 0:
		return fmt.Errorf("slab grid dimensions must be positive: %+v", *c)
	case c.RolloutLen <= 0 || c.ObsDim <= 0 || c.CoreDim <= 0:
		return fmt.Errorf("slab tensor dimensions must be positive: %+v", *c)
	}
	return nil
}

// Slot holds pre-allocated storage for one fixed-length trajectory segment.
// All field tensors are sized at slab construction and never reallocated.
type Slot struct {
	Obs        *etensor.Float32 // [rolloutLen, obsDim]
	Actions    *etensor.Int32   // [rolloutLen]
	Rewards    *etensor.Float32 // [rolloutLen]
	Dones      *etensor.Float32 // [rolloutLen] 1.0 at episode boundaries
	LogProbs   *etensor.Float32 // [rolloutLen] behavior-policy action log probs
	Values     *etensor.Float32 // [rolloutLen] behavior-policy value estimates
	CoreStates *etensor.Float32 // [rolloutLen, coreDim] recurrent state before each step
}

// Slab is a fixed-size grid of trajectory slots shared between producers
// and the learner.
//
// Ownership protocol:
//   - The per-slot availability flag is the single source of truth.
//   - A producer takes ownership with Claim (flag true -> false), fills all
//     field tensors, then hands the slot off by sending a train message.
//     No field may be touched by the producer after handoff.
//   - The learner reads the slot (flag must still be false) and releases it
//     with Free (flag false -> true) once the data is copied or discarded.
//
// Both sides check the flag before touching slot storage, which is what
// prevents the read-after-free and double-free bug class.
type Slab struct {
	cfg   Config
	slots []Slot
	avail []atomic.Bool

	free   atomic.Int64
	claims atomic.Int64
	frees  atomic.Int64
}

// NewSlab allocates the full slot grid with all field tensors.
func NewSlab(cfg *Config) (*Slab, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := cfg.Producers * cfg.Splits * cfg.EnvsPerSplit * cfg.AgentsPerEnv * cfg.Depth
	s := &Slab{
		cfg:   *cfg,
		slots: make([]Slot, n),
		avail: make([]atomic.Bool, n),
	}

	t := cfg.RolloutLen
	for i := range s.slots {
		s.slots[i] = Slot{
			Obs:        etensor.NewFloat32([]int{t, cfg.ObsDim}, nil, []string{"time", "obs"}),
			Actions:    etensor.NewInt32([]int{t}, nil, nil),
			Rewards:    etensor.NewFloat32([]int{t}, nil, nil),
			Dones:      etensor.NewFloat32([]int{t}, nil, nil),
			LogProbs:   etensor.NewFloat32([]int{t}, nil, nil),
			Values:     etensor.NewFloat32([]int{t}, nil, nil),
			CoreStates: etensor.NewFloat32([]int{t, cfg.CoreDim}, nil, []string{"time", "core"}),
		}
		s.avail[i].Store(true)
	}
	s.free.Store(int64(n))

	return s, nil
}

// Claim takes producer-side ownership of a slot for writing.
// Returns ErrSlotConflict if the slot is not available.
func (s *Slab) Claim(c Coords) (*Slot, error) {
	idx, err := s.index(c)
	if err != nil {
		return nil, err
	}
	if !s.avail[idx].CompareAndSwap(true, false) {
		return nil, fmt.Errorf("claim %s: %w", c, errors.ErrSlotConflict)
	}
	s.free.Add(-1)
	s.claims.Add(1)
	return &s.slots[idx], nil
}

// Read returns the slot storage for a handed-off rollout. The slot must be
// owned (flag false); reading an available slot is a protocol violation.
func (s *Slab) Read(c Coords) (*Slot, error) {
	idx, err := s.index(c)
	if err != nil {
		return nil, err
	}
	if s.avail[idx].Load() {
		return nil, fmt.Errorf("read %s: slot not handed off: %w", c, errors.ErrSlotConflict)
	}
	return &s.slots[idx], nil
}

// Free releases a slot back to the producer side.
// Returns ErrSlotConflict on double free.
func (s *Slab) Free(c Coords) error {
	idx, err := s.index(c)
	if err != nil {
		return err
	}
	if !s.avail[idx].CompareAndSwap(false, true) {
		return fmt.Errorf("free %s: %w", c, errors.ErrSlotConflict)
	}
	s.free.Add(1)
	s.frees.Add(1)
	return nil
}

// FreeSlots returns the number of slots currently available to producers.
func (s *Slab) FreeSlots() int64 {
	return s.free.Load()
}

// NumSlots returns the total slot count.
func (s *Slab) NumSlots() int {
	return len(s.slots)
}

// Config returns the slab configuration.
func (s *Slab) Config() Config {
	return s.cfg
}

// Stats returns lifetime claim/free counts.
func (s *Slab) Stats() (claims, frees int64) {
	return s.claims.Load(), s.frees.Load()
}

func (s *Slab) index(c Coords) (int, error) {
	cfg := &s.cfg
	if c.Producer < 0 || c.Producer >= cfg.Producers ||
		c.Split < 0 || c.Split >= cfg.Splits ||
		c.Env < 0 || c.Env >= cfg.EnvsPerSplit ||
		c.Agent < 0 || c.Agent >= cfg.AgentsPerEnv ||
		c.Slot < 0 || c.Slot >= cfg.Depth {
		return 0, fmt.Errorf("%s: %w", c, errors.ErrSlotOutOfRange)
	}

	idx := c.Producer
	idx = idx*cfg.Splits + c.Split
	idx = idx*cfg.EnvsPerSplit + c.Env
	idx = idx*cfg.AgentsPerEnv + c.Agent
	idx = idx*cfg.Depth + c.Slot
	return idx, nil
}
