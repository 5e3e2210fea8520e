package model

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/emer/etable/v2/etensor"
)

func TestLogProbsEntropy_Uniform(t *testing.T) {
	// Identical logits: p = 1/A, logp = -log(A), H = log(A).
	const n, a = 3, 4
	logits := etensor.NewFloat32([]int{n, a}, nil, nil)
	for i := range logits.Values {
		logits.Values[i] = 0.7
	}
	actions := etensor.NewInt32([]int{n}, nil, nil)
	actions.Values[1] = 2

	logp := make([]float32, n)
	ent := make([]float32, n)
	LogProbsEntropy(logits, actions, logp, ent)

	wantLogp := -math32.Log(a)
	wantEnt := math32.Log(a)
	for i := 0; i < n; i++ {
		if d := math32.Abs(logp[i] - wantLogp); d > 1e-5 {
			t.Errorf("logp[%d] = %v, want %v", i, logp[i], wantLogp)
		}
		if d := math32.Abs(ent[i] - wantEnt); d > 1e-5 {
			t.Errorf("entropy[%d] = %v, want %v", i, ent[i], wantEnt)
		}
	}
}

func TestLogProbsEntropy_Peaked(t *testing.T) {
	// One dominant logit: probability near 1, entropy near 0.
	logits := etensor.NewFloat32([]int{1, 3}, nil, nil)
	logits.Values = []float32{20, 0, 0}
	actions := etensor.NewInt32([]int{1}, nil, nil)

	logp := make([]float32, 1)
	ent := make([]float32, 1)
	LogProbsEntropy(logits, actions, logp, ent)

	if logp[0] > 0 || logp[0] < -1e-3 {
		t.Errorf("logp = %v, want just below 0", logp[0])
	}
	if ent[0] < 0 || ent[0] > 1e-3 {
		t.Errorf("entropy = %v, want just above 0", ent[0])
	}
}

func TestLogProbsEntropy_LargeLogitsStable(t *testing.T) {
	logits := etensor.NewFloat32([]int{1, 2}, nil, nil)
	logits.Values = []float32{500, 499}
	actions := etensor.NewInt32([]int{1}, nil, nil)

	logp := make([]float32, 1)
	ent := make([]float32, 1)
	LogProbsEntropy(logits, actions, logp, ent)

	if math32.IsNaN(logp[0]) || math32.IsInf(logp[0], 0) {
		t.Errorf("logp = %v, want finite", logp[0])
	}
	if math32.IsNaN(ent[0]) {
		t.Errorf("entropy = %v, want finite", ent[0])
	}
}

// TestBackpropLogits_FiniteDifference verifies the logit gradient of
// L = sum_i dLogp[i]*logp_i + dEnt[i]*H_i against central differences.
func TestBackpropLogits_FiniteDifference(t *testing.T) {
	const n, a = 2, 3
	logits := etensor.NewFloat32([]int{n, a}, nil, nil)
	logits.Values = []float32{0.3, -0.7, 1.1, -0.2, 0.4, 0.9}
	actions := etensor.NewInt32([]int{n}, nil, nil)
	actions.Values = []int32{2, 0}

	dLogp := []float32{0.8, -1.3}
	dEnt := []float32{0.4, 0.6}

	dLogits := etensor.NewFloat32([]int{n, a}, nil, nil)
	BackpropLogits(logits, actions, dLogp, dEnt, dLogits)

	loss := func() float32 {
		logp := make([]float32, n)
		ent := make([]float32, n)
		LogProbsEntropy(logits, actions, logp, ent)
		var l float32
		for i := 0; i < n; i++ {
			l += dLogp[i]*logp[i] + dEnt[i]*ent[i]
		}
		return l
	}

	const h = 1e-2
	for i := range logits.Values {
		orig := logits.Values[i]
		logits.Values[i] = orig + h
		up := loss()
		logits.Values[i] = orig - h
		down := loss()
		logits.Values[i] = orig

		fd := (up - down) / (2 * h)
		got := dLogits.Values[i]
		if d := math32.Abs(got - fd); d > 5e-3+5e-3*math32.Abs(fd) {
			t.Errorf("dLogits[%d] = %v, finite difference %v", i, got, fd)
		}
	}
}
