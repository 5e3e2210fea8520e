package report

import (
	"errors"
	"testing"
)

var _ Sink = (*Archive)(nil)

func fill(t *testing.T, a *Archive, steps ...int64) {
	t.Helper()
	for _, step := range steps {
		stats := map[string]float64{
			"loss":    0.5 * float64(step),
			"entropy": 1.1,
		}
		if err := a.Report(step, stats); err != nil {
			t.Fatalf("Report %d failed: %v", step, err)
		}
	}
}

func TestArchive_RoundTripAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	a, err := OpenArchive(dir)
	if err != nil {
		t.Fatalf("OpenArchive failed: %v", err)
	}
	fill(t, a, 1, 2, 3)
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	a, err = OpenArchive(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer a.Close()

	var got []Record
	err = a.Range(1, 3, func(rec Record) error {
		got = append(got, rec)
		return nil
	})
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Range returned %d records, want 3", len(got))
	}
	for i, rec := range got {
		step := int64(i + 1)
		if rec.Step != step {
			t.Errorf("record %d step = %d, want %d", i, rec.Step, step)
		}
		if rec.Stats["loss"] != 0.5*float64(step) || rec.Stats["entropy"] != 1.1 {
			t.Errorf("record %d stats = %v", i, rec.Stats)
		}
		if rec.SavedAt.IsZero() {
			t.Errorf("record %d has zero timestamp", i)
		}
	}

	last, found, err := a.Last()
	if err != nil || !found {
		t.Fatalf("Last = %v %v", found, err)
	}
	if last.Step != 3 {
		t.Errorf("Last step = %d, want 3", last.Step)
	}

	n, err := a.Len()
	if err != nil || n != 3 {
		t.Errorf("Len = %d %v, want 3", n, err)
	}
}

func TestArchive_RangeBounds(t *testing.T) {
	a, err := OpenArchive(t.TempDir())
	if err != nil {
		t.Fatalf("OpenArchive failed: %v", err)
	}
	defer a.Close()
	fill(t, a, 1, 2, 3, 4, 5)

	var steps []int64
	err = a.Range(2, 4, func(rec Record) error {
		steps = append(steps, rec.Step)
		return nil
	})
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(steps) != 3 || steps[0] != 2 || steps[2] != 4 {
		t.Errorf("Range(2,4) = %v, want [2 3 4]", steps)
	}

	steps = steps[:0]
	if err := a.Range(10, 20, func(rec Record) error {
		steps = append(steps, rec.Step)
		return nil
	}); err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(steps) != 0 {
		t.Errorf("Range past the newest record = %v, want none", steps)
	}

	// A callback error stops iteration and propagates.
	stop := errors.New("stop")
	count := 0
	err = a.Range(1, 5, func(rec Record) error {
		count++
		return stop
	})
	if !errors.Is(err, stop) || count != 1 {
		t.Errorf("Range with failing callback: err = %v after %d records", err, count)
	}
}

func TestArchive_LastEmpty(t *testing.T) {
	a, err := OpenArchive(t.TempDir())
	if err != nil {
		t.Fatalf("OpenArchive failed: %v", err)
	}
	defer a.Close()

	if _, found, err := a.Last(); err != nil || found {
		t.Errorf("Last on empty archive = %v %v, want not found", found, err)
	}
}
