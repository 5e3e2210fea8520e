package buffer

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	pkgerrors "github.com/jingweiz/sample-factory/pkg/errors"
)

func testConfig() *Config {
	return &Config{
		Producers:    2,
		Splits:       2,
		EnvsPerSplit: 2,
		AgentsPerEnv: 1,
		Depth:        2,
		RolloutLen:   8,
		ObsDim:       4,
		CoreDim:      4,
	}
}

func TestSlab_ClaimReadFree(t *testing.T) {
	s, err := NewSlab(testConfig())
	if err != nil {
		t.Fatalf("NewSlab failed: %v", err)
	}

	c := Coords{Producer: 1, Split: 0, Env: 1, Agent: 0, Slot: 1}

	slot, err := s.Claim(c)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if slot.Obs.Len() != 8*4 {
		t.Errorf("obs tensor has %d values, want %d", slot.Obs.Len(), 8*4)
	}

	// Producer fills the slot, then hands it off.
	slot.Rewards.Values[0] = 1.5
	slot.Actions.Values[3] = 2

	got, err := s.Read(c)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.Rewards.Values[0] != 1.5 {
		t.Errorf("reward = %v, want 1.5", got.Rewards.Values[0])
	}
	if got.Actions.Values[3] != 2 {
		t.Errorf("action = %v, want 2", got.Actions.Values[3])
	}

	if err := s.Free(c); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if n := s.FreeSlots(); n != int64(s.NumSlots()) {
		t.Errorf("FreeSlots = %d, want %d", n, s.NumSlots())
	}
}

func TestSlab_OwnershipViolations(t *testing.T) {
	s, err := NewSlab(testConfig())
	if err != nil {
		t.Fatalf("NewSlab failed: %v", err)
	}

	c := Coords{}

	// Reading an unclaimed slot is a protocol violation.
	if _, err := s.Read(c); !errors.Is(err, pkgerrors.ErrSlotConflict) {
		t.Errorf("Read of free slot: got %v, want ErrSlotConflict", err)
	}

	// Freeing an unclaimed slot is a double free.
	if err := s.Free(c); !errors.Is(err, pkgerrors.ErrSlotConflict) {
		t.Errorf("Free of free slot: got %v, want ErrSlotConflict", err)
	}

	if _, err := s.Claim(c); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	// Double claim must fail while the slot is owned.
	if _, err := s.Claim(c); !errors.Is(err, pkgerrors.ErrSlotConflict) {
		t.Errorf("double Claim: got %v, want ErrSlotConflict", err)
	}

	if err := s.Free(c); err != nil {
		t.Fatalf("Free failed: %v", err)
	}

	// Second free without an intervening claim must fail.
	if err := s.Free(c); !errors.Is(err, pkgerrors.ErrSlotConflict) {
		t.Errorf("double Free: got %v, want ErrSlotConflict", err)
	}
}

func TestSlab_OutOfRange(t *testing.T) {
	s, err := NewSlab(testConfig())
	if err != nil {
		t.Fatalf("NewSlab failed: %v", err)
	}

	tests := []struct {
		name string
		c    Coords
	}{
		{"negative producer", Coords{Producer: -1}},
		{"producer too large", Coords{Producer: 2}},
		{"split too large", Coords{Split: 2}},
		{"env too large", Coords{Env: 2}},
		{"agent too large", Coords{Agent: 1}},
		{"slot too large", Coords{Slot: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Claim(tt.c); !errors.Is(err, pkgerrors.ErrSlotOutOfRange) {
				t.Errorf("got %v, want ErrSlotOutOfRange", err)
			}
		})
	}
}

func TestSlab_ConcurrentClaim(t *testing.T) {
	s, err := NewSlab(testConfig())
	if err != nil {
		t.Fatalf("NewSlab failed: %v", err)
	}

	// All goroutines race for the same slot; exactly one may win per cycle.
	c := Coords{Producer: 0, Split: 1, Env: 0, Agent: 0, Slot: 0}

	const goroutines = 8
	const rounds = 500

	var wins atomic.Int64
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if _, err := s.Claim(c); err == nil {
					wins.Add(1)
					if err := s.Free(c); err != nil {
						t.Errorf("Free after winning claim failed: %v", err)
						return
					}
				}
			}
		}()
	}

	wg.Wait()

	claims, frees := s.Stats()
	if claims != frees {
		t.Errorf("claims (%d) != frees (%d)", claims, frees)
	}
	if claims != wins.Load() {
		t.Errorf("claims (%d) != wins (%d)", claims, wins.Load())
	}
	if n := s.FreeSlots(); n != int64(s.NumSlots()) {
		t.Errorf("FreeSlots = %d, want %d after all frees", n, s.NumSlots())
	}
}

func TestSlab_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.RolloutLen = 0
	if _, err := NewSlab(cfg); err == nil {
		t.Error("expected error for zero rollout length")
	}

	cfg = testConfig()
	cfg.Producers = -1
	if _, err := NewSlab(cfg); err == nil {
		t.Error("expected error for negative producer count")
	}
}

func BenchmarkSlab_ClaimFree(b *testing.B) {
	s, err := NewSlab(testConfig())
	if err != nil {
		b.Fatalf("NewSlab failed: %v", err)
	}
	c := Coords{}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := s.Claim(c); err != nil {
			b.Fatal(err)
		}
		if err := s.Free(c); err != nil {
			b.Fatal(err)
		}
	}
}
