package model

import (
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/emer/etable/v2/etensor"
)

// NetConfig configures the reference network.
type NetConfig struct {
	ObsDim     int
	LatentDim  int // also the core state width
	NumActions int
	// StateDecay is the carry coefficient of the core state:
	// newState = decay*state + (1-decay)*latent.
	StateDecay float32
	Seed       int64
}

// DefaultNetConfig returns sensible defaults.
func DefaultNetConfig() *NetConfig {
	return &NetConfig{
		ObsDim:     16,
		LatentDim:  32,
		NumActions: 4,
		StateDecay: 0.9,
		Seed:       1,
	}
}

// Net is a small discrete-action policy/value network: a tanh linear head,
// a parameter-free residual core that carries an exponentially decayed
// state across timesteps, and a linear logits/value tail.
//
// The carried state is treated as a constant in the backward pass (the
// gradient stops at the window carry), which keeps the analytic backward
// a plain chain of matrix products.
type Net struct {
	cfg NetConfig

	params []float32
	grads  []float32

	// Views into params/grads, aliasing the flat storage.
	w1, b1 []float32 // head: latent = tanh(w1*obs + b1), w1 is [latent][obs]
	wp, bp []float32 // tail logits, wp is [actions][latent]
	wv     []float32 // tail value weights [latent]
	bvIdx  int       // tail value bias index into params/grads

	// Most recent forward pass, consumed by Backward.
	lastObs    *etensor.Float32
	lastLatent *etensor.Float32
	lastCore   *etensor.Float32

	dCore []float32 // backward scratch, grown on demand
}

var _ Model = (*Net)(nil)

// NewNet builds and randomly initializes a reference network.
func NewNet(cfg *NetConfig) (*Net, error) {
	if cfg == nil {
		cfg = DefaultNetConfig()
	}
	if cfg.ObsDim <= 0 || cfg.LatentDim <= 0 || cfg.NumActions <= 1 {
		return nil, fmt.Errorf("net dimensions must be positive with at least 2 actions: %+v", *cfg)
	}
	if cfg.StateDecay < 0 || cfg.StateDecay >= 1 {
		return nil, fmt.Errorf("state decay must be in [0, 1): %v", cfg.StateDecay)
	}

	o, l, a := cfg.ObsDim, cfg.LatentDim, cfg.NumActions
	total := l*o + l + a*l + a + l + 1

	n := &Net{
		cfg:    *cfg,
		params: make([]float32, total),
		grads:  make([]float32, total),
	}

	off := 0
	n.w1 = n.params[off : off+l*o]
	off += l * o
	n.b1 = n.params[off : off+l]
	off += l
	n.wp = n.params[off : off+a*l]
	off += a * l
	n.bp = n.params[off : off+a]
	off += a
	n.wv = n.params[off : off+l]
	off += l
	n.bvIdx = off

	rng := rand.New(rand.NewSource(cfg.Seed))
	initUniform(rng, n.w1, 1/math32.Sqrt(float32(o)))
	initUniform(rng, n.wp, 1/math32.Sqrt(float32(l)))
	initUniform(rng, n.wv, 1/math32.Sqrt(float32(l)))

	return n, nil
}

func initUniform(rng *rand.Rand, w []float32, scale float32) {
	for i := range w {
		w[i] = (2*rng.Float32() - 1) * scale
	}
}

// Dims returns the tensor sizes this net expects.
func (n *Net) Dims() Dims {
	return Dims{
		Obs:     n.cfg.ObsDim,
		Latent:  n.cfg.LatentDim,
		Core:    n.cfg.LatentDim,
		Actions: n.cfg.NumActions,
	}
}

// ForwardHead encodes obs [batch, obsDim] into latent [batch, latentDim].
func (n *Net) ForwardHead(obs, latent *etensor.Float32) {
	batch := obs.Dim(0)
	o, l := n.cfg.ObsDim, n.cfg.LatentDim

	for i := 0; i < batch; i++ {
		in := obs.Values[i*o : (i+1)*o]
		out := latent.Values[i*l : (i+1)*l]
		for j := 0; j < l; j++ {
			sum := n.b1[j]
			row := n.w1[j*o : (j+1)*o]
			for k := 0; k < o; k++ {
				sum += row[k] * in[k]
			}
			out[j] = math32.Tanh(sum)
		}
	}

	n.lastObs = obs
	n.lastLatent = latent
}

// ForwardCore mixes the carried state into the latent for one timestep:
// out = latent + state, newState = decay*state + (1-decay)*latent.
// All tensors are [batch, latentDim]. out must not alias latent, which
// Backward still needs.
func (n *Net) ForwardCore(latent, state, out, newState *etensor.Float32) {
	decay := n.cfg.StateDecay
	lv, sv := latent.Values, state.Values
	ov, nv := out.Values, newState.Values

	for i := range lv {
		l, s := lv[i], sv[i]
		ov[i] = l + s
		nv[i] = decay*s + (1-decay)*l
	}
}

// ForwardTail produces logits [batch, actions] and values [batch] from core
// outputs [batch, latentDim].
func (n *Net) ForwardTail(core, logits, values *etensor.Float32) {
	batch := core.Dim(0)
	l, a := n.cfg.LatentDim, n.cfg.NumActions
	bv := n.params[n.bvIdx]

	for i := 0; i < batch; i++ {
		in := core.Values[i*l : (i+1)*l]
		out := logits.Values[i*a : (i+1)*a]
		for j := 0; j < a; j++ {
			sum := n.bp[j]
			row := n.wp[j*l : (j+1)*l]
			for k := 0; k < l; k++ {
				sum += row[k] * in[k]
			}
			out[j] = sum
		}

		v := bv
		for k := 0; k < l; k++ {
			v += n.wv[k] * in[k]
		}
		values.Values[i] = v
	}

	n.lastCore = core
}

// Backward accumulates parameter gradients from per-sample loss derivatives
// with respect to the logits and values of the last forward pass.
func (n *Net) Backward(dLogits, dValues *etensor.Float32) {
	batch := dLogits.Dim(0)
	o, l, a := n.cfg.ObsDim, n.cfg.LatentDim, n.cfg.NumActions

	if cap(n.dCore) < batch*l {
		n.dCore = make([]float32, batch*l)
	}
	dCore := n.dCore[:batch*l]

	off := 0
	gw1 := n.grads[off : off+l*o]
	off += l * o
	gb1 := n.grads[off : off+l]
	off += l
	gwp := n.grads[off : off+a*l]
	off += a * l
	gbp := n.grads[off : off+a]
	off += a
	gwv := n.grads[off : off+l]

	core := n.lastCore.Values
	for i := 0; i < batch; i++ {
		in := core[i*l : (i+1)*l]
		dl := dLogits.Values[i*a : (i+1)*a]
		dv := dValues.Values[i]
		dc := dCore[i*l : (i+1)*l]

		for k := 0; k < l; k++ {
			dc[k] = dv * n.wv[k]
			gwv[k] += dv * in[k]
		}
		n.grads[n.bvIdx] += dv

		for j := 0; j < a; j++ {
			g := dl[j]
			row := n.wp[j*l : (j+1)*l]
			grow := gwp[j*l : (j+1)*l]
			for k := 0; k < l; k++ {
				dc[k] += g * row[k]
				grow[k] += g * in[k]
			}
			gbp[j] += g
		}
	}

	// Through the core residual the latent gradient equals the core
	// gradient; the carried state is constant. Then back through tanh.
	latent := n.lastLatent.Values
	obs := n.lastObs.Values
	for i := 0; i < batch; i++ {
		in := obs[i*o : (i+1)*o]
		lat := latent[i*l : (i+1)*l]
		dc := dCore[i*l : (i+1)*l]

		for j := 0; j < l; j++ {
			dpre := dc[j] * (1 - lat[j]*lat[j])
			row := gw1[j*o : (j+1)*o]
			for k := 0; k < o; k++ {
				row[k] += dpre * in[k]
			}
			gb1[j] += dpre
		}
	}
}

// ZeroGrads clears accumulated gradients.
func (n *Net) ZeroGrads() {
	for i := range n.grads {
		n.grads[i] = 0
	}
}

// Parameters returns a live view of the flat parameter vector.
func (n *Net) Parameters() []float32 {
	return n.params
}

// Gradients returns a live view of the flat gradient vector.
func (n *Net) Gradients() []float32 {
	return n.grads
}

// SnapshotParameters returns a copy of the parameters.
func (n *Net) SnapshotParameters() []float32 {
	out := make([]float32, len(n.params))
	copy(out, n.params)
	return out
}

// LoadParameters overwrites the parameters from a snapshot.
func (n *Net) LoadParameters(params []float32) error {
	if len(params) != len(n.params) {
		return fmt.Errorf("parameter count mismatch: got %d, want %d", len(params), len(n.params))
	}
	copy(n.params, params)
	return nil
}

// NumParams returns the flat parameter count.
func (n *Net) NumParams() int {
	return len(n.params)
}
