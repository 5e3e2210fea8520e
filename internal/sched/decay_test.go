package sched

import (
	"math"
	"testing"
)

func TestLinearDecay_At(t *testing.T) {
	d, err := NewLinearDecay([]Anchor{
		{Steps: 0, Value: 10},
		{Steps: 100, Value: 20},
		{Steps: 300, Value: 60},
	})
	if err != nil {
		t.Fatalf("NewLinearDecay failed: %v", err)
	}

	tests := []struct {
		steps int64
		want  float64
	}{
		{-50, 10},  // clamped below
		{0, 10},    // first anchor
		{50, 15},   // midpoint of first segment
		{100, 20},  // second anchor
		{200, 40},  // midpoint of second segment
		{300, 60},  // last anchor
		{1000, 60}, // clamped above
	}
	for _, tt := range tests {
		if got := d.At(tt.steps); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("At(%d) = %v, want %v", tt.steps, got, tt.want)
		}
	}
}

func TestNewLinearDecay_Invalid(t *testing.T) {
	if _, err := NewLinearDecay(nil); err == nil {
		t.Error("expected error for empty schedule")
	}
	if _, err := NewLinearDecay([]Anchor{{Steps: 10, Value: 1}, {Steps: 10, Value: 2}}); err == nil {
		t.Error("expected error for non-increasing anchors")
	}
}

func TestSummarySchedule(t *testing.T) {
	d := SummarySchedule()

	if got := d.At(0); got != 20 {
		t.Errorf("interval at start = %v, want 20", got)
	}
	if got := d.At(100_000_000); got != 120 {
		t.Errorf("interval at 100M frames = %v, want 120", got)
	}
	if got := d.At(2_000_000_000); got != 240 {
		t.Errorf("interval at 2B frames = %v, want 240 (clamped)", got)
	}

	// Strictly non-decreasing: summaries only get sparser.
	prev := 0.0
	for _, steps := range []int64{0, 1_000_000, 50_000_000, 200_000_000, 900_000_000, 3_000_000_000} {
		got := d.At(steps)
		if got < prev {
			t.Errorf("interval at %d frames = %v, below earlier %v", steps, got, prev)
		}
		prev = got
	}
}
