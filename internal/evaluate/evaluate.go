// Package evaluate scores detection output against labeled ground truth
// using point-adjusted counting: a contiguous anomalous interval is one
// event, detected or missed as a whole, while false positives are
// counted per flagged point outside every interval. This matches how
// operators experience alerts; per-point scoring would let one long
// incident dominate the totals.
package evaluate

import (
	"sort"

	"github.com/driftline/driftline/internal/pot"
)

// LabeledInterval is a closed range of timestamps known to be
// anomalous.
type LabeledInterval struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Contains reports whether ts falls inside the interval.
func (iv LabeledInterval) Contains(ts int64) bool {
	return ts >= iv.Start && ts <= iv.End
}

// EvaluationScore holds point-adjusted counts and the derived metrics.
// Precision, Recall and F1 are zero, not NaN, when their denominators
// are zero.
type EvaluationScore struct {
	TruePositive  int     `json:"true_positive"`
	FalsePositive int     `json:"false_positive"`
	FalseNegative int     `json:"false_negative"`
	Precision     float64 `json:"precision"`
	Recall        float64 `json:"recall"`
	F1            float64 `json:"f1"`
}

// Score evaluates detection results against ground-truth intervals.
//
// Each interval contributes exactly one count: a true positive when
// some flagged point falls inside it, a false negative otherwise. Every
// flagged point outside all intervals is one false positive.
//
// delay caps how late a detection may come and still count: the flagged
// point must be among the first delay+1 observations of its interval.
// A negative delay disables the cap.
func Score(results []pot.DetectionResult, truth []LabeledInterval, delay int) EvaluationScore {
	ordered := make([]pot.DetectionResult, len(results))
	copy(ordered, results)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Timestamp < ordered[j].Timestamp })

	var score EvaluationScore

	for _, iv := range truth {
		detected := false
		seen := 0
		for _, r := range ordered {
			if !iv.Contains(r.Timestamp) {
				continue
			}
			seen++
			if delay >= 0 && seen > delay+1 {
				break
			}
			if r.IsAnomaly {
				detected = true
				break
			}
		}
		if detected {
			score.TruePositive++
		} else {
			score.FalseNegative++
		}
	}

	for _, r := range ordered {
		if !r.IsAnomaly {
			continue
		}
		inside := false
		for _, iv := range truth {
			if iv.Contains(r.Timestamp) {
				inside = true
				break
			}
		}
		if !inside {
			score.FalsePositive++
		}
	}

	if d := score.TruePositive + score.FalsePositive; d > 0 {
		score.Precision = float64(score.TruePositive) / float64(d)
	}
	if d := score.TruePositive + score.FalseNegative; d > 0 {
		score.Recall = float64(score.TruePositive) / float64(d)
	}
	if s := score.Precision + score.Recall; s > 0 {
		score.F1 = 2 * score.Precision * score.Recall / s
	}
	return score
}
