// Package actor hosts synthetic rollout producers. A producer plays the
// part of a rollout worker slice: it claims slab slots, fills them with
// trajectory data, and announces them on the control inbox, honoring the
// collection pause flag and the shared stop signal.
package actor

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jingweiz/sample-factory/internal/backpressure"
	"github.com/jingweiz/sample-factory/internal/buffer"
	"github.com/jingweiz/sample-factory/internal/control"
	"github.com/jingweiz/sample-factory/internal/sched"
)

// Config configures one producer worker.
type Config struct {
	// ProducerID selects this worker's slice of the slab grid.
	ProducerID int
	// Interval between production ticks (default: 2ms).
	Interval time.Duration
	// RolloutsPerTick caps rollouts produced per tick (default: 4).
	RolloutsPerTick int
	// NumActions is the policy's action space size; sampled actions are
	// uniform over it (default: 2).
	NumActions int
	// DoneProb is the per-step episode termination probability
	// (default: 1/24).
	DoneProb float64
	Seed     int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProducerID:      0,
		Interval:        2 * time.Millisecond,
		RolloutsPerTick: 4,
		NumActions:      2,
		DoneProb:        1.0 / 24.0,
		Seed:            1,
	}
}

// Producer writes synthetic trajectories into its slab slice in
// round-robin order. It does not run the policy; observations and
// per-step recurrent states are sampled, which is enough to exercise the
// full training path.
type Producer struct {
	cfg    Config
	slab   *buffer.Slab
	inbox  *control.Channel
	bp     *backpressure.Controller
	shared *sched.SharedState
	rng    *rand.Rand

	coords []buffer.Coords
	cursor int

	stopCh chan struct{}
	wg     sync.WaitGroup

	produced  atomic.Int64
	conflicts atomic.Int64
	dropped   atomic.Int64
}

// NewProducer creates a producer for one producer id of the slab grid.
func NewProducer(slab *buffer.Slab, inbox *control.Channel, bp *backpressure.Controller, shared *sched.SharedState, cfg *Config) (*Producer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	sc := slab.Config()
	if cfg.ProducerID < 0 || cfg.ProducerID >= sc.Producers {
		return nil, fmt.Errorf("producer id %d outside slab grid of %d producers", cfg.ProducerID, sc.Producers)
	}
	c := *cfg
	if c.Interval <= 0 {
		c.Interval = 2 * time.Millisecond
	}
	if c.RolloutsPerTick <= 0 {
		c.RolloutsPerTick = 4
	}
	if c.NumActions < 2 {
		c.NumActions = 2
	}
	if c.DoneProb < 0 || c.DoneProb >= 1 {
		c.DoneProb = 1.0 / 24.0
	}

	// Precompute this worker's coordinate rotation.
	coords := make([]buffer.Coords, 0, sc.Splits*sc.EnvsPerSplit*sc.AgentsPerEnv*sc.Depth)
	for split := 0; split < sc.Splits; split++ {
		for env := 0; env < sc.EnvsPerSplit; env++ {
			for agent := 0; agent < sc.AgentsPerEnv; agent++ {
				for slot := 0; slot < sc.Depth; slot++ {
					coords = append(coords, buffer.Coords{
						Producer: c.ProducerID,
						Split:    split,
						Env:      env,
						Agent:    agent,
						Slot:     slot,
					})
				}
			}
		}
	}

	return &Producer{
		cfg:    c,
		slab:   slab,
		inbox:  inbox,
		bp:     bp,
		shared: shared,
		rng:    rand.New(rand.NewSource(c.Seed + int64(c.ProducerID))),
		coords: coords,
		stopCh: make(chan struct{}),
	}, nil
}

// Start announces the worker and begins the production loop.
func (p *Producer) Start() {
	if err := p.inbox.Send(control.Message{Type: control.Init}); err != nil {
		log.Printf("actor: producer %d init rejected: %v", p.cfg.ProducerID, err)
	}
	p.wg.Add(1)
	go p.loop()
}

// Stop shuts the worker down.
func (p *Producer) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Stats returns rollouts produced, slot conflicts, and inbox drops.
func (p *Producer) Stats() (produced, conflicts, dropped int64) {
	return p.produced.Load(), p.conflicts.Load(), p.dropped.Load()
}

func (p *Producer) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.produceTick()
		case <-p.stopCh:
			return
		}
	}
}

// produceTick checks the pause and stop signals each tick, the same
// cadence at which a rollout worker checks them between environment
// steps.
func (p *Producer) produceTick() {
	if p.shared.Stop.Load() || p.inbox.Terminated() {
		return
	}
	if p.bp.Paused() {
		return
	}
	for i := 0; i < p.cfg.RolloutsPerTick; i++ {
		if !p.produceOne() {
			return
		}
	}
}

func (p *Producer) produceOne() bool {
	c := p.coords[p.cursor]
	p.cursor = (p.cursor + 1) % len(p.coords)

	slot, err := p.slab.Claim(c)
	if err != nil {
		// The learner still owns this slot; the backlog has caught up
		// with the rotation.
		p.conflicts.Add(1)
		return false
	}
	p.fill(slot)

	rollout := buffer.Rollout{
		Coords:           c,
		Length:           slot.Rewards.Len(),
		EnvSteps:         int64(slot.Rewards.Len()),
		MinPolicyVersion: p.shared.Version.Load(),
	}
	if err := p.inbox.Send(control.Message{Type: control.Train, Rollout: rollout}); err != nil {
		// Never strand an unannounced slot.
		if ferr := p.slab.Free(c); ferr != nil {
			log.Printf("actor: producer %d failed to reclaim %s: %v", p.cfg.ProducerID, c, ferr)
		}
		p.dropped.Add(1)
		return false
	}
	p.produced.Add(1)
	return true
}

// fill samples one trajectory segment. The recorded per-step recurrent
// states are zero since no policy core runs here.
func (p *Producer) fill(slot *buffer.Slot) {
	for i := range slot.Obs.Values {
		slot.Obs.Values[i] = 2*p.rng.Float32() - 1
	}
	for i := range slot.Actions.Values {
		slot.Actions.Values[i] = int32(p.rng.Intn(p.cfg.NumActions))
		slot.Rewards.Values[i] = 0.05 + 0.3*float32(p.rng.NormFloat64())
		if p.rng.Float64() < p.cfg.DoneProb {
			slot.Dones.Values[i] = 1
		} else {
			slot.Dones.Values[i] = 0
		}
		slot.LogProbs.Values[i] = -1.1 + 0.2*float32(p.rng.NormFloat64())
		slot.Values.Values[i] = 0.5 * float32(p.rng.NormFloat64())
	}
	for i := range slot.CoreStates.Values {
		slot.CoreStates.Values[i] = 0
	}
}
