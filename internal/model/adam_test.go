package model

import (
	"testing"

	"github.com/chewxy/math32"
)

func TestAdam_MinimizesQuadratic(t *testing.T) {
	cfg := DefaultAdamConfig()
	cfg.LR = 0.05

	target := []float32{1.5, -2.0, 0.25, 3.0}
	params := make([]float32, len(target))
	grads := make([]float32, len(target))
	opt := NewAdam(cfg, len(params))

	for step := 0; step < 2000; step++ {
		for i := range params {
			grads[i] = 2 * (params[i] - target[i])
		}
		opt.Step(params, grads)
	}

	for i := range params {
		if diff := math32.Abs(params[i] - target[i]); diff > 1e-2 {
			t.Errorf("param[%d] = %v, want %v", i, params[i], target[i])
		}
	}
	if opt.StepCount() != 2000 {
		t.Errorf("StepCount() = %d, want 2000", opt.StepCount())
	}
}

func TestAdam_StateRoundTrip(t *testing.T) {
	cfg := DefaultAdamConfig()
	cfg.LR = 0.01

	const n = 6
	paramsA := make([]float32, n)
	paramsB := make([]float32, n)
	grads := make([]float32, n)
	for i := range grads {
		grads[i] = float32(i+1) * 0.3
	}

	a := NewAdam(cfg, n)
	for i := 0; i < 10; i++ {
		a.Step(paramsA, grads)
	}
	copy(paramsB, paramsA)

	b := NewAdam(cfg, n)
	if err := b.LoadState(a.State()); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if b.StepCount() != a.StepCount() {
		t.Fatalf("StepCount() = %d after restore, want %d", b.StepCount(), a.StepCount())
	}

	// Restored optimizer must reproduce the original bit for bit.
	for i := 0; i < 25; i++ {
		a.Step(paramsA, grads)
		b.Step(paramsB, grads)
	}
	for i := range paramsA {
		if paramsA[i] != paramsB[i] {
			t.Fatalf("param[%d] diverged after restore: %v vs %v", i, paramsA[i], paramsB[i])
		}
	}

	if err := b.LoadState(AdamState{M: make([]float32, 2), V: make([]float32, 2)}); err == nil {
		t.Error("expected error for mismatched state size")
	}
}

func TestAdam_StateIsCopy(t *testing.T) {
	opt := NewAdam(DefaultAdamConfig(), 3)
	params := make([]float32, 3)
	opt.Step(params, []float32{1, 1, 1})

	st := opt.State()
	st.M[0] = 123

	st2 := opt.State()
	if st2.M[0] == 123 {
		t.Error("State() aliases internal moment buffers")
	}
}

func TestAdam_SetLR(t *testing.T) {
	opt := NewAdam(DefaultAdamConfig(), 2)
	opt.SetLR(0.5)
	if lr := opt.LR(); lr != 0.5 {
		t.Fatalf("LR() = %v after SetLR(0.5)", lr)
	}

	// Zero rate freezes the parameters but still advances moments.
	opt.SetLR(0)
	params := []float32{1, 2}
	opt.Step(params, []float32{10, 10})
	if params[0] != 1 || params[1] != 2 {
		t.Errorf("params moved under zero learning rate: %v", params)
	}
	if opt.StepCount() != 1 {
		t.Errorf("StepCount() = %d, want 1", opt.StepCount())
	}
}

func BenchmarkAdam_Step(b *testing.B) {
	const n = 4096
	opt := NewAdam(DefaultAdamConfig(), n)
	params := make([]float32, n)
	grads := make([]float32, n)
	for i := range grads {
		grads[i] = float32(i%7) * 0.01
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		opt.Step(params, grads)
	}
}
