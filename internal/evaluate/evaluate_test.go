package evaluate

import (
	"math"
	"testing"

	"github.com/driftline/driftline/internal/pot"
)

func flagged(ts int64) pot.DetectionResult {
	return pot.DetectionResult{Timestamp: ts, IsAnomaly: true}
}

func quiet(ts int64) pot.DetectionResult {
	return pot.DetectionResult{Timestamp: ts}
}

func TestScore_EmptyInputs(t *testing.T) {
	got := Score(nil, nil, -1)
	if got != (EvaluationScore{}) {
		t.Errorf("Score(nil, nil) = %+v, want all zeros", got)
	}
	if math.IsNaN(got.Precision) || math.IsNaN(got.Recall) || math.IsNaN(got.F1) {
		t.Error("zero-denominator metrics must be 0, not NaN")
	}
}

func TestScore_SingleSpikeDetected(t *testing.T) {
	// Four quiet points then a flagged spike, truth covering the spike:
	// one detected interval, nothing spurious.
	results := []pot.DetectionResult{quiet(1), quiet(2), quiet(3), quiet(4), flagged(5)}
	truth := []LabeledInterval{{Start: 5, End: 5}}

	got := Score(results, truth, -1)
	if got.TruePositive != 1 || got.FalsePositive != 0 || got.FalseNegative != 0 {
		t.Errorf("counts = %d/%d/%d, want 1/0/0", got.TruePositive, got.FalsePositive, got.FalseNegative)
	}
	if got.F1 != 1 {
		t.Errorf("F1 = %g, want 1", got.F1)
	}
}

func TestScore_IntervalIsOneEvent(t *testing.T) {
	// Three flagged points inside one interval still count as a single
	// true positive.
	results := []pot.DetectionResult{flagged(10), flagged(11), flagged(12), quiet(13)}
	truth := []LabeledInterval{{Start: 10, End: 13}}

	got := Score(results, truth, -1)
	if got.TruePositive != 1 {
		t.Errorf("true positives = %d, want 1", got.TruePositive)
	}
	if got.FalsePositive != 0 {
		t.Errorf("false positives = %d, want 0", got.FalsePositive)
	}
}

func TestScore_MissedIntervalAndStrayFlag(t *testing.T) {
	results := []pot.DetectionResult{quiet(10), quiet(11), flagged(20)}
	truth := []LabeledInterval{{Start: 10, End: 11}}

	got := Score(results, truth, -1)
	if got.TruePositive != 0 || got.FalseNegative != 1 || got.FalsePositive != 1 {
		t.Errorf("counts = %d/%d/%d, want 0/1/1", got.TruePositive, got.FalsePositive, got.FalseNegative)
	}
	if got.Precision != 0 || got.Recall != 0 || got.F1 != 0 {
		t.Errorf("metrics = %g/%g/%g, want all 0", got.Precision, got.Recall, got.F1)
	}
}

func TestScore_MixedStreams(t *testing.T) {
	results := []pot.DetectionResult{
		quiet(1), flagged(2), // inside first interval
		quiet(3), quiet(4), // second interval, missed
		flagged(7), // stray
	}
	truth := []LabeledInterval{{Start: 1, End: 2}, {Start: 3, End: 4}}

	got := Score(results, truth, -1)
	if got.TruePositive != 1 || got.FalseNegative != 1 || got.FalsePositive != 1 {
		t.Errorf("counts = %d/%d/%d, want 1/1/1", got.TruePositive, got.FalsePositive, got.FalseNegative)
	}
	if got.Precision != 0.5 || got.Recall != 0.5 || got.F1 != 0.5 {
		t.Errorf("metrics = %g/%g/%g, want 0.5 each", got.Precision, got.Recall, got.F1)
	}
}

func TestScore_DelayCap(t *testing.T) {
	// Detection lands on the third point of the interval.
	results := []pot.DetectionResult{quiet(10), quiet(11), flagged(12), quiet(13)}
	truth := []LabeledInterval{{Start: 10, End: 13}}

	if got := Score(results, truth, -1); got.TruePositive != 1 {
		t.Errorf("uncapped: true positives = %d, want 1", got.TruePositive)
	}
	if got := Score(results, truth, 2); got.TruePositive != 1 {
		t.Errorf("delay 2 admits the third point: true positives = %d, want 1", got.TruePositive)
	}
	got := Score(results, truth, 1)
	if got.TruePositive != 0 || got.FalseNegative != 1 {
		t.Errorf("delay 1 rejects the third point: counts = %d TP / %d FN, want 0/1", got.TruePositive, got.FalseNegative)
	}
	// The late flag sits inside its interval, so it is late, not stray.
	if got.FalsePositive != 0 {
		t.Errorf("late detection counted as false positive: %d", got.FalsePositive)
	}
}

func TestScore_UnorderedResults(t *testing.T) {
	// Delay semantics depend on order; input order must not matter.
	results := []pot.DetectionResult{flagged(12), quiet(10), quiet(13), quiet(11)}
	truth := []LabeledInterval{{Start: 10, End: 13}}

	got := Score(results, truth, 1)
	if got.TruePositive != 0 || got.FalseNegative != 1 {
		t.Errorf("counts = %d TP / %d FN, want 0/1", got.TruePositive, got.FalseNegative)
	}
}
