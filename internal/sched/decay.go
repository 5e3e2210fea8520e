package sched

import "fmt"

// Anchor is one point of a piecewise-linear schedule: at Steps consumed
// environment frames the schedule yields Value.
type Anchor struct {
	Steps int64
	Value float64
}

// LinearDecay interpolates linearly between anchors and clamps to the first
// and last values outside their range.
type LinearDecay struct {
	anchors []Anchor
}

// NewLinearDecay builds a schedule from anchors sorted by ascending Steps.
func NewLinearDecay(anchors []Anchor) (*LinearDecay, error) {
	if len(anchors) == 0 {
		return nil, fmt.Errorf("decay schedule needs at least one anchor")
	}
	for i := 1; i < len(anchors); i++ {
		if anchors[i].Steps <= anchors[i-1].Steps {
			return nil, fmt.Errorf("decay anchors must have strictly increasing steps, got %d after %d",
				anchors[i].Steps, anchors[i-1].Steps)
		}
	}
	d := &LinearDecay{anchors: make([]Anchor, len(anchors))}
	copy(d.anchors, anchors)
	return d, nil
}

// At evaluates the schedule at the given progress.
func (d *LinearDecay) At(steps int64) float64 {
	a := d.anchors
	if steps <= a[0].Steps {
		return a[0].Value
	}
	last := a[len(a)-1]
	if steps >= last.Steps {
		return last.Value
	}
	for i := 1; i < len(a); i++ {
		if steps < a[i].Steps {
			lo, hi := a[i-1], a[i]
			frac := float64(steps-lo.Steps) / float64(hi.Steps-lo.Steps)
			return lo.Value + frac*(hi.Value-lo.Value)
		}
	}
	return last.Value
}

// SummarySchedule returns the default summary-interval schedule in seconds:
// frequent summaries early in training, stretching out as frames accumulate.
func SummarySchedule() *LinearDecay {
	d, err := NewLinearDecay([]Anchor{
		{Steps: 0, Value: 20},
		{Steps: 100_000_000, Value: 120},
		{Steps: 1_000_000_000, Value: 240},
	})
	if err != nil {
		panic(err)
	}
	return d
}
