package model

import (
	"math/rand"
	"testing"

	"github.com/chewxy/math32"
	"github.com/emer/etable/v2/etensor"
)

func testNet(t *testing.T) *Net {
	t.Helper()
	n, err := NewNet(&NetConfig{
		ObsDim:     3,
		LatentDim:  4,
		NumActions: 3,
		StateDecay: 0.8,
		Seed:       7,
	})
	if err != nil {
		t.Fatalf("NewNet failed: %v", err)
	}
	return n
}

// forwardLoss runs the full forward chain for one batch with a one-step
// core and returns a scalar test loss
//
//	L = sum_i cl[i]*logp_i + ce[i]*H_i + cv[i]*v_i
//
// used by the finite-difference checks below.
func forwardLoss(n *Net, obs, state *etensor.Float32, actions *etensor.Int32, cl, ce, cv []float32) float32 {
	batch := obs.Dim(0)
	d := n.Dims()

	latent := etensor.NewFloat32([]int{batch, d.Latent}, nil, nil)
	core := etensor.NewFloat32([]int{batch, d.Core}, nil, nil)
	newState := etensor.NewFloat32([]int{batch, d.Core}, nil, nil)
	logits := etensor.NewFloat32([]int{batch, d.Actions}, nil, nil)
	values := etensor.NewFloat32([]int{batch}, nil, nil)

	n.ForwardHead(obs, latent)
	n.ForwardCore(latent, state, core, newState)
	n.ForwardTail(core, logits, values)

	logp := make([]float32, batch)
	ent := make([]float32, batch)
	LogProbsEntropy(logits, actions, logp, ent)

	var loss float32
	for i := 0; i < batch; i++ {
		loss += cl[i]*logp[i] + ce[i]*ent[i] + cv[i]*values.Values[i]
	}
	return loss
}

// TestNet_BackwardFiniteDifference verifies every parameter gradient of the
// analytic backward pass against central finite differences through the
// whole head/core/tail/distribution chain.
func TestNet_BackwardFiniteDifference(t *testing.T) {
	n := testNet(t)
	d := n.Dims()
	const batch = 5

	rng := rand.New(rand.NewSource(11))
	obs := etensor.NewFloat32([]int{batch, d.Obs}, nil, nil)
	state := etensor.NewFloat32([]int{batch, d.Core}, nil, nil)
	for i := range obs.Values {
		obs.Values[i] = 2*rng.Float32() - 1
	}
	for i := range state.Values {
		state.Values[i] = rng.Float32() - 0.5
	}
	actions := etensor.NewInt32([]int{batch}, nil, nil)
	cl := make([]float32, batch)
	ce := make([]float32, batch)
	cv := make([]float32, batch)
	for i := 0; i < batch; i++ {
		actions.Values[i] = int32(rng.Intn(d.Actions))
		cl[i] = 2*rng.Float32() - 1
		ce[i] = 2*rng.Float32() - 1
		cv[i] = 2*rng.Float32() - 1
	}

	// Analytic gradients.
	latent := etensor.NewFloat32([]int{batch, d.Latent}, nil, nil)
	core := etensor.NewFloat32([]int{batch, d.Core}, nil, nil)
	newState := etensor.NewFloat32([]int{batch, d.Core}, nil, nil)
	logits := etensor.NewFloat32([]int{batch, d.Actions}, nil, nil)
	values := etensor.NewFloat32([]int{batch}, nil, nil)

	n.ForwardHead(obs, latent)
	n.ForwardCore(latent, state, core, newState)
	n.ForwardTail(core, logits, values)

	dLogits := etensor.NewFloat32([]int{batch, d.Actions}, nil, nil)
	BackpropLogits(logits, actions, cl, ce, dLogits)
	dValues := etensor.NewFloat32([]int{batch}, nil, nil)
	copy(dValues.Values, cv)

	n.ZeroGrads()
	n.Backward(dLogits, dValues)

	grads := make([]float32, len(n.Gradients()))
	copy(grads, n.Gradients())

	// Finite differences over every parameter.
	const h = 1e-2
	params := n.Parameters()
	for i := range params {
		orig := params[i]
		params[i] = orig + h
		up := forwardLoss(n, obs, state, actions, cl, ce, cv)
		params[i] = orig - h
		down := forwardLoss(n, obs, state, actions, cl, ce, cv)
		params[i] = orig

		fd := (up - down) / (2 * h)
		if diff := math32.Abs(grads[i] - fd); diff > 5e-3+5e-3*math32.Abs(fd) {
			t.Errorf("grad[%d] = %v, finite difference %v", i, grads[i], fd)
		}
	}
}

func TestNet_BackwardAccumulates(t *testing.T) {
	n := testNet(t)
	d := n.Dims()
	const batch = 2

	obs := etensor.NewFloat32([]int{batch, d.Obs}, nil, nil)
	state := etensor.NewFloat32([]int{batch, d.Core}, nil, nil)
	for i := range obs.Values {
		obs.Values[i] = float32(i) * 0.1
	}
	latent := etensor.NewFloat32([]int{batch, d.Latent}, nil, nil)
	core := etensor.NewFloat32([]int{batch, d.Core}, nil, nil)
	newState := etensor.NewFloat32([]int{batch, d.Core}, nil, nil)
	logits := etensor.NewFloat32([]int{batch, d.Actions}, nil, nil)
	values := etensor.NewFloat32([]int{batch}, nil, nil)

	n.ForwardHead(obs, latent)
	n.ForwardCore(latent, state, core, newState)
	n.ForwardTail(core, logits, values)

	dLogits := etensor.NewFloat32([]int{batch, d.Actions}, nil, nil)
	for i := range dLogits.Values {
		dLogits.Values[i] = 0.25
	}
	dValues := etensor.NewFloat32([]int{batch}, nil, nil)

	n.ZeroGrads()
	n.Backward(dLogits, dValues)
	once := make([]float32, len(n.Gradients()))
	copy(once, n.Gradients())

	n.Backward(dLogits, dValues)
	for i, g := range n.Gradients() {
		if d := math32.Abs(g - 2*once[i]); d > 1e-5+1e-5*math32.Abs(g) {
			t.Fatalf("grad[%d] = %v after two passes, want %v", i, g, 2*once[i])
		}
	}

	n.ZeroGrads()
	for i, g := range n.Gradients() {
		if g != 0 {
			t.Fatalf("grad[%d] = %v after ZeroGrads, want 0", i, g)
		}
	}
}

func TestNet_SnapshotRoundTrip(t *testing.T) {
	n := testNet(t)

	snap := n.SnapshotParameters()
	if len(snap) != n.NumParams() {
		t.Fatalf("snapshot has %d params, want %d", len(snap), n.NumParams())
	}

	// Mutate, then restore.
	n.Parameters()[0] += 42
	n.Parameters()[len(snap)-1] -= 7
	if err := n.LoadParameters(snap); err != nil {
		t.Fatalf("LoadParameters failed: %v", err)
	}
	for i, p := range n.Parameters() {
		if p != snap[i] {
			t.Fatalf("param[%d] = %v, want %v", i, p, snap[i])
		}
	}

	// Snapshot must be a copy, not a view.
	snap[0] = 999
	if n.Parameters()[0] == 999 {
		t.Error("snapshot aliases live parameters")
	}

	if err := n.LoadParameters(snap[:3]); err == nil {
		t.Error("expected error for short parameter vector")
	}
}

func TestNet_CoreCarriesState(t *testing.T) {
	n := testNet(t)
	d := n.Dims()

	latent := etensor.NewFloat32([]int{1, d.Latent}, nil, nil)
	state := etensor.NewFloat32([]int{1, d.Core}, nil, nil)
	out := etensor.NewFloat32([]int{1, d.Core}, nil, nil)
	newState := etensor.NewFloat32([]int{1, d.Core}, nil, nil)

	for i := 0; i < d.Latent; i++ {
		latent.Values[i] = 1
		state.Values[i] = 2
	}

	n.ForwardCore(latent, state, out, newState)

	for i := 0; i < d.Core; i++ {
		if out.Values[i] != 3 {
			t.Errorf("out[%d] = %v, want 3", i, out.Values[i])
		}
		// decay 0.8: 0.8*2 + 0.2*1 = 1.8
		if diff := math32.Abs(newState.Values[i] - 1.8); diff > 1e-6 {
			t.Errorf("newState[%d] = %v, want 1.8", i, newState.Values[i])
		}
	}
}

func TestNewNet_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  NetConfig
	}{
		{"zero obs", NetConfig{LatentDim: 4, NumActions: 2, StateDecay: 0.5}},
		{"one action", NetConfig{ObsDim: 3, LatentDim: 4, NumActions: 1, StateDecay: 0.5}},
		{"decay out of range", NetConfig{ObsDim: 3, LatentDim: 4, NumActions: 2, StateDecay: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewNet(&tt.cfg); err == nil {
				t.Error("expected config error")
			}
		})
	}
}

func BenchmarkNet_ForwardBackward(b *testing.B) {
	n, err := NewNet(DefaultNetConfig())
	if err != nil {
		b.Fatalf("NewNet failed: %v", err)
	}
	d := n.Dims()
	const batch = 64

	rng := rand.New(rand.NewSource(1))
	obs := etensor.NewFloat32([]int{batch, d.Obs}, nil, nil)
	for i := range obs.Values {
		obs.Values[i] = rng.Float32()
	}
	state := etensor.NewFloat32([]int{batch, d.Core}, nil, nil)
	latent := etensor.NewFloat32([]int{batch, d.Latent}, nil, nil)
	core := etensor.NewFloat32([]int{batch, d.Core}, nil, nil)
	newState := etensor.NewFloat32([]int{batch, d.Core}, nil, nil)
	logits := etensor.NewFloat32([]int{batch, d.Actions}, nil, nil)
	values := etensor.NewFloat32([]int{batch}, nil, nil)
	dLogits := etensor.NewFloat32([]int{batch, d.Actions}, nil, nil)
	dValues := etensor.NewFloat32([]int{batch}, nil, nil)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		n.ForwardHead(obs, latent)
		n.ForwardCore(latent, state, core, newState)
		n.ForwardTail(core, logits, values)
		n.ZeroGrads()
		n.Backward(dLogits, dValues)
	}
}
