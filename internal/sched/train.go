package sched

import (
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/stat"

	"github.com/jingweiz/sample-factory/internal/batch"
	"github.com/jingweiz/sample-factory/internal/model"
	pkgerrors "github.com/jingweiz/sample-factory/pkg/errors"
)

type minibatchStats struct {
	loss        float64
	policyLoss  float64
	valueLoss   float64
	entropyLoss float64
	actorLoss   float64
	entropy     float64
	advMean     float64
	advStd      float64
	ratioMean   float64
	clippedFrac float64
	valueMean   float64
	gradNorm    float64
	step        int64
}

// TrainBatch runs the full epoch/minibatch loop over one macro-batch and
// releases its buffer back to the pool. Exported for the inline debug mode,
// which trains on the control loop instead of the background worker.
func (s *Scheduler) TrainBatch(mb *batch.MacroBatch) error {
	start := time.Now()
	defer func() {
		s.pool.Release(mb)
		s.trainNanos.Add(time.Since(start).Nanoseconds())
	}()

	if err := s.checkBatch(mb); err != nil {
		return err
	}

	s.shared.Training.Store(true)
	defer s.shared.Training.Store(false)

	// Hyperparameter mutations land between batches, never inside one.
	s.shared.PbtMu.Lock()
	defer s.shared.PbtMu.Unlock()

	// GAE runs once over the whole macro-batch, against the behavior
	// policy's recorded values; minibatches gather from these.
	if s.cfg.Estimator == EstimatorGAE {
		t := s.cfg.RolloutLen
		for r := 0; r < s.cfg.RolloutsPerBatch; r++ {
			lo, hi := r*t, (r+1)*t
			GAE(mb.Rewards.Values[lo:hi], mb.Values.Values[lo:hi], mb.Dones.Values[lo:hi],
				s.cfg.Gamma, s.cfg.GAELambda, s.sc.batchAdv[lo:hi], s.sc.batchTargets[lo:hi])
		}
	}

	prev := math.Inf(1)
	for epoch := 0; epoch < s.cfg.Epochs; epoch++ {
		s.ix.Shuffle()
		actorLoss, err := s.runEpoch(mb)
		if err != nil {
			return err
		}
		if math.Abs(actorLoss-prev) < s.cfg.EarlyStopTol {
			s.earlyStops.Add(1)
			break
		}
		prev = actorLoss
	}

	s.shared.EnvSteps.Add(mb.EnvSteps)
	s.batches.Add(1)
	return nil
}

func (s *Scheduler) checkBatch(mb *batch.MacroBatch) error {
	if mb.Geometry() != s.geom {
		return fmt.Errorf("macro-batch geometry %+v, scheduler wants %+v: %w",
			mb.Geometry(), s.geom, pkgerrors.ErrBadGeometry)
	}
	if mb.SampleCount != s.cfg.ExperienceSize() {
		return fmt.Errorf("macro-batch holds %d samples, want %d: %w",
			mb.SampleCount, s.cfg.ExperienceSize(), pkgerrors.ErrBadGeometry)
	}
	return nil
}

// runEpoch trains one pass over the macro-batch and returns the mean actor
// loss, which drives early stopping.
func (s *Scheduler) runEpoch(mb *batch.MacroBatch) (float64, error) {
	var actor float64
	n := s.ix.NumMinibatches()
	for i := 0; i < n; i++ {
		st, err := s.trainMinibatch(mb, i)
		if err != nil {
			return 0, err
		}
		actor += st.actorLoss
	}
	return actor / float64(n), nil
}

func (s *Scheduler) trainMinibatch(mb *batch.MacroBatch, i int) (minibatchStats, error) {
	n := s.cfg.BatchSize

	s.sc.idx = s.ix.Minibatch(i, s.sc.idx[:0])
	s.gather(mb, s.sc.idx)
	s.forward()
	model.LogProbsEntropy(s.sc.logits, s.sc.actions, s.sc.newLogp, s.sc.entropy)

	// Importance ratios, hard-clamped; grossly off-policy samples contribute
	// no policy gradient.
	for j := 0; j < n; j++ {
		s.sc.ratios[j] = clampRatio(math32.Exp(s.sc.newLogp[j] - s.sc.oldLogp[j]))
	}

	switch s.cfg.Estimator {
	case EstimatorVTrace:
		// Recurrence equals the rollout length, so every window spans a
		// complete rollout and the recursion sees whole trajectories.
		tw := s.cfg.Recurrence
		for w := 0; w < n/tw; w++ {
			lo, hi := w*tw, (w+1)*tw
			VTrace(s.sc.rewards[lo:hi], s.sc.oldValues[lo:hi], s.sc.dones[lo:hi], s.sc.ratios[lo:hi],
				s.cfg.Gamma, s.cfg.VTraceRho, s.cfg.VTraceC, s.sc.targets[lo:hi], s.sc.adv[lo:hi])
		}
	case EstimatorGAE:
		// Gathered in gather().
	}

	for j := 0; j < n; j++ {
		s.sc.adv64[j] = float64(s.sc.adv[j])
	}
	advMean, advStd := stat.MeanStdDev(s.sc.adv64, nil)
	if math.IsNaN(advStd) {
		advStd = 0
	}
	if s.cfg.NormalizeAdv {
		normalizeAdv(s.sc.adv, advMean, advStd)
	}

	clipHigh := s.cfg.ClipRatio
	clipLow := 1 / clipHigh
	invN := 1 / float32(n)

	var policyLoss, valueLoss, entropyLoss float64
	var entropySum, ratioSum, valueSum float64
	clipped := 0

	for j := 0; j < n; j++ {
		adv := s.sc.adv[j]
		r := s.sc.ratios[j]
		rc := r
		if rc < clipLow {
			rc = clipLow
		} else if rc > clipHigh {
			rc = clipHigh
		}

		objUnclipped := r * adv
		objClipped := rc * adv
		obj := objUnclipped
		if objClipped < obj {
			obj = objClipped
			clipped++
		}
		policyLoss += float64(-obj)

		// Gradient flows only through the unclipped branch of the min, and
		// not at all where the hard clamp flattened the ratio.
		var dlp float32
		if objUnclipped <= objClipped && r > ratioClampMin && r < ratioClampMax {
			dlp = -adv * r * invN
		}
		s.sc.dLogp[j] = dlp
		s.sc.dEnt[j] = -s.cfg.EntropyCoeff * invN

		// Clipped value loss: the worse of the raw error and the error of a
		// prediction clipped around the behavior estimate.
		vNew := s.sc.values.Values[j]
		vOld := s.sc.oldValues[j]
		target := s.sc.targets[j]
		dv := vNew - vOld
		if dv > s.cfg.ClipValue {
			dv = s.cfg.ClipValue
		} else if dv < -s.cfg.ClipValue {
			dv = -s.cfg.ClipValue
		}
		errOrig := vNew - target
		errClip := vOld + dv - target
		lossOrig := errOrig * errOrig
		lossClip := errClip * errClip
		if lossOrig >= lossClip {
			valueLoss += float64(lossOrig)
			s.sc.dValues.Values[j] = 2 * errOrig * s.cfg.ValueCoeff * invN
		} else {
			valueLoss += float64(lossClip)
			s.sc.dValues.Values[j] = 0
		}

		entropySum += float64(s.sc.entropy[j])
		ratioSum += float64(r)
		valueSum += float64(vNew)
	}

	nf := float64(n)
	policyLoss /= nf
	valueLoss = valueLoss / nf * float64(s.cfg.ValueCoeff)
	entropyLoss = -entropySum / nf * float64(s.cfg.EntropyCoeff)
	loss := policyLoss + valueLoss + entropyLoss

	model.BackpropLogits(s.sc.logits, s.sc.actions, s.sc.dLogp, s.sc.dEnt, s.sc.dLogits)
	s.m.ZeroGrads()
	s.m.Backward(s.sc.dLogits, s.sc.dValues)
	gradNorm := s.clipGradients()

	// The step and the version publish happen under the policy lock, so a
	// producer snapshotting weights never sees a half-applied update.
	s.shared.PolicyMu.Lock()
	s.opt.Step(s.m.Parameters(), s.m.Gradients())
	step := s.shared.TrainStep.Add(1)
	s.shared.Version.Store(step)
	s.shared.PolicyMu.Unlock()

	s.minibatches.Add(1)

	if s.saver != nil {
		if err := s.saver.MaybeSave(step); err != nil {
			log.Printf("scheduler: checkpoint save failed: %v", err)
		}
	}

	st := minibatchStats{
		loss:        loss,
		policyLoss:  policyLoss,
		valueLoss:   valueLoss,
		entropyLoss: entropyLoss,
		actorLoss:   policyLoss + entropyLoss,
		entropy:     entropySum / nf,
		advMean:     advMean,
		advStd:      advStd,
		ratioMean:   ratioSum / nf,
		clippedFrac: float64(clipped) / nf,
		valueMean:   valueSum / nf,
		gradNorm:    gradNorm,
		step:        step,
	}
	s.maybeSummarize(st)
	return st, nil
}

// gather copies the minibatch samples out of the macro-batch into the
// training scratch, plus the initial recurrent state of each window as
// recorded by the producer at the window's first timestep.
func (s *Scheduler) gather(mb *batch.MacroBatch, idx []int) {
	o := s.dims.Obs
	cd := s.dims.Core

	for n, src := range idx {
		copy(s.sc.obs.Values[n*o:(n+1)*o], mb.Obs.Values[src*o:(src+1)*o])
		s.sc.actions.Values[n] = mb.Actions.Values[src]
		s.sc.rewards[n] = mb.Rewards.Values[src]
		s.sc.dones[n] = mb.Dones.Values[src]
		s.sc.oldLogp[n] = mb.LogProbs.Values[src]
		s.sc.oldValues[n] = mb.Values.Values[src]
	}

	tw := s.cfg.Recurrence
	for w := 0; w < len(idx)/tw; w++ {
		src := idx[w*tw]
		copy(s.sc.stepState.Values[w*cd:(w+1)*cd], mb.CoreStates.Values[src*cd:(src+1)*cd])
	}

	if s.cfg.Estimator == EstimatorGAE {
		for n, src := range idx {
			s.sc.adv[n] = s.sc.batchAdv[src]
			s.sc.targets[n] = s.sc.batchTargets[src]
		}
	}
}

// forward runs the head over the whole minibatch at once, steps the core one
// timestep at a time across all windows in parallel, and runs the tail over
// the scattered core outputs. Recurrent state is zeroed across episode
// boundaries inside a window.
func (s *Scheduler) forward() {
	ld := s.dims.Latent
	cd := s.dims.Core
	tw := s.cfg.Recurrence
	wins := s.cfg.BatchSize / tw

	s.m.ForwardHead(s.sc.obs, s.sc.latent)

	for t := 0; t < tw; t++ {
		for w := 0; w < wins; w++ {
			src := w*tw + t
			copy(s.sc.stepLatent.Values[w*ld:(w+1)*ld], s.sc.latent.Values[src*ld:(src+1)*ld])
		}
		s.m.ForwardCore(s.sc.stepLatent, s.sc.stepState, s.sc.stepOut, s.sc.stepNext)
		for w := 0; w < wins; w++ {
			dst := w*tw + t
			copy(s.sc.core.Values[dst*cd:(dst+1)*cd], s.sc.stepOut.Values[w*cd:(w+1)*cd])
		}
		if t+1 < tw {
			copy(s.sc.stepState.Values, s.sc.stepNext.Values)
			for w := 0; w < wins; w++ {
				if s.sc.dones[w*tw+t] != 0 {
					row := s.sc.stepState.Values[w*cd : (w+1)*cd]
					for k := range row {
						row[k] = 0
					}
				}
			}
		}
	}

	s.m.ForwardTail(s.sc.core, s.sc.logits, s.sc.values)
}

// clampRatio applies the hard importance-ratio bounds.
func clampRatio(r float32) float32 {
	if r < ratioClampMin {
		return ratioClampMin
	}
	if r > ratioClampMax {
		return ratioClampMax
	}
	return r
}

// normalizeAdv standardizes advantages in place given their mean and
// standard deviation. The spread is floored so a near-constant minibatch
// does not amplify noise into huge gradients.
func normalizeAdv(adv []float32, mean, std float64) {
	center := float32(mean)
	spread := float32(std)
	if spread < 1e-3 {
		spread = 1e-3
	}
	for j := range adv {
		adv[j] = (adv[j] - center) / spread
	}
}

// clipGradients rescales the gradient when its norm exceeds MaxGradNorm and
// returns the pre-clip norm.
func (s *Scheduler) clipGradients() float64 {
	g := s.m.Gradients()
	var sum float64
	for _, v := range g {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if s.cfg.MaxGradNorm > 0 && norm > float64(s.cfg.MaxGradNorm) {
		scale := float32(float64(s.cfg.MaxGradNorm) / (norm + 1e-6))
		for i := range g {
			g[i] *= scale
		}
	}
	return norm
}

// maybeSummarize emits a statistics snapshot when the decaying summary
// interval has elapsed, or immediately when the loss is abnormal.
func (s *Scheduler) maybeSummarize(st minibatchStats) {
	if s.reporter == nil {
		return
	}

	force := math.IsNaN(st.loss) || math.IsInf(st.loss, 0) || math.Abs(st.loss) > s.cfg.ForceSummaryLoss
	interval := time.Duration(s.schedule.At(s.shared.EnvSteps.Load()) * float64(time.Second))
	now := time.Now().UnixNano()
	if !force && now-s.lastSummary.Load() < int64(interval) {
		return
	}
	s.lastSummary.Store(now)

	stats := map[string]float64{
		"loss":             st.loss,
		"policy_loss":      st.policyLoss,
		"value_loss":       st.valueLoss,
		"entropy_loss":     st.entropyLoss,
		"entropy":          st.entropy,
		"adv_mean":         st.advMean,
		"adv_std":          st.advStd,
		"ratio_mean":       st.ratioMean,
		"fraction_clipped": st.clippedFrac,
		"value_mean":       st.valueMean,
		"grad_norm":        st.gradNorm,
		"learning_rate":    float64(s.opt.LR()),
		"env_steps":        float64(s.shared.EnvSteps.Load()),
		"version":          float64(st.step),
	}
	if err := s.reporter.Report(st.step, stats); err != nil {
		if errors.Is(err, pkgerrors.ErrReportBackpressure) {
			s.droppedReports.Add(1)
			log.Printf("scheduler: report sink full, dropped summary for step %d", st.step)
		} else {
			log.Printf("scheduler: report failed: %v", err)
		}
		return
	}
	s.summaries.Add(1)
}
