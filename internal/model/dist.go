package model

import (
	"github.com/chewxy/math32"
	"github.com/emer/etable/v2/etensor"
)

// LogProbsEntropy computes, per sample, the log probability of the chosen
// action and the entropy of the categorical distribution over logits.
// logits is [n, actions]; logProbs and entropy must have length n.
func LogProbsEntropy(logits *etensor.Float32, actions *etensor.Int32, logProbs, entropy []float32) {
	n := logits.Dim(0)
	a := logits.Dim(1)
	lv := logits.Values

	for i := 0; i < n; i++ {
		row := lv[i*a : (i+1)*a]

		max := row[0]
		for _, l := range row[1:] {
			if l > max {
				max = l
			}
		}
		var sum float32
		for _, l := range row {
			sum += math32.Exp(l - max)
		}
		lse := max + math32.Log(sum)

		var h float32
		for _, l := range row {
			lp := l - lse
			h -= math32.Exp(lp) * lp
		}

		logProbs[i] = row[actions.Values[i]] - lse
		entropy[i] = h
	}
}

// BackpropLogits converts per-sample loss derivatives with respect to the
// chosen-action log prob (dLogp) and the entropy (dEnt) into logit
// gradients:
//
//	dLogits[i,j] = dLogp[i]*(1{j==a_i} - p_ij) - dEnt[i]*p_ij*(log p_ij + H_i)
func BackpropLogits(logits *etensor.Float32, actions *etensor.Int32, dLogp, dEnt []float32, dLogits *etensor.Float32) {
	n := logits.Dim(0)
	a := logits.Dim(1)
	lv := logits.Values
	dv := dLogits.Values

	for i := 0; i < n; i++ {
		row := lv[i*a : (i+1)*a]
		drow := dv[i*a : (i+1)*a]

		max := row[0]
		for _, l := range row[1:] {
			if l > max {
				max = l
			}
		}
		var sum float32
		for _, l := range row {
			sum += math32.Exp(l - max)
		}
		lse := max + math32.Log(sum)

		var h float32
		for _, l := range row {
			lp := l - lse
			h -= math32.Exp(lp) * lp
		}

		act := actions.Values[i]
		for j := 0; j < a; j++ {
			lp := row[j] - lse
			p := math32.Exp(lp)
			g := -dLogp[i] * p
			if int32(j) == act {
				g += dLogp[i]
			}
			g -= dEnt[i] * p * (lp + h)
			drow[j] = g
		}
	}
}
