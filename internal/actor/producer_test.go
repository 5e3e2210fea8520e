package actor

import (
	"testing"
	"time"

	"github.com/jingweiz/sample-factory/internal/backpressure"
	"github.com/jingweiz/sample-factory/internal/buffer"
	"github.com/jingweiz/sample-factory/internal/control"
	"github.com/jingweiz/sample-factory/internal/sched"
)

type producerRig struct {
	producer *Producer
	slab     *buffer.Slab
	inbox    *control.Channel
	bp       *backpressure.Controller
	shared   *sched.SharedState
}

func newProducerRig(t *testing.T) *producerRig {
	t.Helper()

	slab, err := buffer.NewSlab(&buffer.Config{
		Producers:    1,
		Splits:       1,
		EnvsPerSplit: 2,
		AgentsPerEnv: 1,
		Depth:        2,
		RolloutLen:   8,
		ObsDim:       4,
		CoreDim:      6,
	})
	if err != nil {
		t.Fatalf("NewSlab failed: %v", err)
	}
	bp, err := backpressure.NewController(&backpressure.Config{
		MinibatchesPerIteration: 2,
		RolloutsPerMinibatch:    2,
		DebounceTicks:           2,
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	inbox := control.NewChannel(64)
	shared := &sched.SharedState{}

	cfg := DefaultConfig()
	cfg.Interval = time.Millisecond
	cfg.RolloutsPerTick = 2
	cfg.NumActions = 3
	p, err := NewProducer(slab, inbox, bp, shared, cfg)
	if err != nil {
		t.Fatalf("NewProducer failed: %v", err)
	}

	return &producerRig{producer: p, slab: slab, inbox: inbox, bp: bp, shared: shared}
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestProducer_AnnouncesRollouts(t *testing.T) {
	rig := newProducerRig(t)
	rig.shared.Version.Store(5)

	rig.producer.Start()
	waitFor(t, 5*time.Second, "rollouts announced", func() bool {
		return rig.inbox.Len() >= 4
	})
	rig.producer.Stop()

	msg, ok := rig.inbox.Poll()
	if !ok || msg.Type != control.Init {
		t.Fatalf("first message = %v %v, want init", msg.Type, ok)
	}

	trains := int64(0)
	for {
		msg, ok := rig.inbox.Poll()
		if !ok {
			break
		}
		if msg.Type != control.Train {
			t.Fatalf("unexpected message type %v", msg.Type)
		}
		trains++

		r := msg.Rollout
		if r.Coords.Producer != 0 || r.Length != 8 || r.EnvSteps != 8 {
			t.Errorf("rollout = %+v", r)
		}
		if r.MinPolicyVersion != 5 {
			t.Errorf("rollout version = %d, want 5", r.MinPolicyVersion)
		}

		slot, err := rig.slab.Read(r.Coords)
		if err != nil {
			t.Fatalf("Read %s failed: %v", r.Coords, err)
		}
		for i, a := range slot.Actions.Values {
			if a < 0 || a >= 3 {
				t.Fatalf("action[%d] = %d outside the action space", i, a)
			}
		}
		for i, d := range slot.Dones.Values {
			if d != 0 && d != 1 {
				t.Fatalf("done[%d] = %v, want 0 or 1", i, d)
			}
		}
		if err := rig.slab.Free(r.Coords); err != nil {
			t.Fatalf("Free %s failed: %v", r.Coords, err)
		}
	}

	produced, _, dropped := rig.producer.Stats()
	if produced != trains {
		t.Errorf("produced = %d, drained %d train messages", produced, trains)
	}
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
}

func TestProducer_HonorsPauseFlag(t *testing.T) {
	rig := newProducerRig(t)

	// Two over-threshold ticks trip the debounced pause.
	overload := backpressure.Load{QueuedBatches: 100}
	rig.bp.Tick(overload)
	rig.bp.Tick(overload)
	if !rig.bp.Paused() {
		t.Fatal("controller not paused")
	}

	rig.producer.Start()
	defer rig.producer.Stop()

	time.Sleep(20 * time.Millisecond)
	if produced, _, _ := rig.producer.Stats(); produced != 0 {
		t.Errorf("produced %d rollouts while paused", produced)
	}

	rig.bp.Tick(backpressure.Load{})
	rig.bp.Tick(backpressure.Load{})
	if rig.bp.Paused() {
		t.Fatal("controller still paused")
	}
	waitFor(t, 5*time.Second, "production resumed", func() bool {
		produced, _, _ := rig.producer.Stats()
		return produced > 0
	})
}

func TestProducer_BacksOffWhenSlabFull(t *testing.T) {
	rig := newProducerRig(t)

	// Take every slot so the rotation finds nothing free.
	sc := rig.slab.Config()
	for env := 0; env < sc.EnvsPerSplit; env++ {
		for slot := 0; slot < sc.Depth; slot++ {
			if _, err := rig.slab.Claim(buffer.Coords{Env: env, Slot: slot}); err != nil {
				t.Fatalf("Claim failed: %v", err)
			}
		}
	}

	rig.producer.Start()
	waitFor(t, 5*time.Second, "conflicts observed", func() bool {
		_, conflicts, _ := rig.producer.Stats()
		return conflicts > 0
	})
	rig.producer.Stop()

	if produced, _, _ := rig.producer.Stats(); produced != 0 {
		t.Errorf("produced %d rollouts with no free slots", produced)
	}
}

func TestProducer_HaltsOnTerminate(t *testing.T) {
	rig := newProducerRig(t)
	rig.producer.Start()
	defer rig.producer.Stop()

	waitFor(t, 5*time.Second, "production started", func() bool {
		produced, _, _ := rig.producer.Stats()
		return produced > 0
	})

	if err := rig.inbox.Send(control.Message{Type: control.Terminate}); err != nil {
		t.Fatalf("Send terminate failed: %v", err)
	}

	// Let any in-flight tick finish, then production must be frozen.
	time.Sleep(10 * time.Millisecond)
	produced, _, _ := rig.producer.Stats()
	time.Sleep(20 * time.Millisecond)
	if after, _, _ := rig.producer.Stats(); after != produced {
		t.Errorf("produced %d rollouts after terminate", after-produced)
	}
}

func TestNewProducer_RejectsBadID(t *testing.T) {
	rig := newProducerRig(t)

	cfg := DefaultConfig()
	cfg.ProducerID = 1 // grid has a single producer
	if _, err := NewProducer(rig.slab, rig.inbox, rig.bp, rig.shared, cfg); err == nil {
		t.Error("expected error for producer id outside the grid")
	}
}
