package pot

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"
)

// Calibrate fits the tail model to an initial batch of observations and
// returns the starting detector state.
//
// The batch's empirical LowQuantile becomes the initial threshold t; the
// excesses {x - t : x > t} are fitted with a Generalized Pareto
// distribution by method of moments, and the long-run extreme threshold
// is derived from the fit and the configured risk level.
//
// Calibration is deterministic: the same batch and configuration always
// produce an identical state.
func Calibrate(batch []float64, cfg Config) (*CalibrationState, error) {
	cfg = cfg.sanitize()

	if len(batch) < cfg.MinCalibrationSize {
		return nil, &InsufficientDataError{Got: len(batch), Need: cfg.MinCalibrationSize}
	}

	sorted := make([]float64, len(batch))
	copy(sorted, batch)
	sort.Float64s(sorted)

	t := stat.Quantile(cfg.LowQuantile, stat.Empirical, sorted, nil)

	var (
		count int
		sum   float64
		sumSq float64
	)
	for _, v := range batch {
		if v > t {
			e := v - t
			count++
			sum += e
			sumSq += e * e
		}
	}
	if count == 0 {
		return nil, &InsufficientExcessesError{Quantile: cfg.LowQuantile, Threshold: t}
	}

	st := &CalibrationState{
		InitialThreshold: t,
		ExcessCount:      count,
		ExcessSum:        sum,
		ExcessSumSq:      sumSq,
		N:                len(batch),
		LowQuantile:      cfg.LowQuantile,
		RiskLevel:        cfg.RiskLevel,
	}
	st.refit()

	w := cfg.AnomalyWindow
	if len(batch) < w {
		w = len(batch)
	}
	st.Recent = append([]float64(nil), batch[len(batch)-w:]...)
	st.AnomalyThreshold = movingQuantile(st.Recent, cfg.AnomalyQuantile, st.InitialThreshold)

	return st, nil
}

// refit recomputes the tail parameters and the long-run threshold from
// the running excess statistics. Closed form, no history scan.
func (s *CalibrationState) refit() {
	m := s.ExcessSum / float64(s.ExcessCount)

	// Population variance from the running sums. A single excess, or a
	// set of identical excesses, has zero variance; both degenerate to
	// the exponential tail with sigma equal to the raw excess mean.
	v := s.ExcessSumSq/float64(s.ExcessCount) - m*m
	if s.ExcessCount < 2 || v <= 0 {
		s.TailShape = 0
		s.TailScale = m
	} else {
		r := m * m / v
		s.TailShape = 0.5 * (1 - r)
		s.TailScale = 0.5 * m * (1 + r)
	}

	s.deriveThreshold()
}

// deriveThreshold computes the extreme threshold from the current tail
// fit via the GPD tail quantile formula, switching to the exponential
// closed form when the shape is exactly zero.
func (s *CalibrationState) deriveThreshold() {
	ratio := s.RiskLevel * float64(s.N) / float64(s.ExcessCount)
	if s.TailShape == 0 {
		s.Threshold = s.InitialThreshold - s.TailScale*math.Log(ratio)
		return
	}
	s.Threshold = s.InitialThreshold + (s.TailScale/s.TailShape)*(math.Pow(ratio, -s.TailShape)-1)
}

// movingQuantile returns the given quantile of the recent window,
// clamped to at least floor so the local bound never drops below the
// calibrated initial threshold.
func movingQuantile(window []float64, q, floor float64) float64 {
	p, err := stats.Percentile(stats.Float64Data(window), q*100)
	if err != nil || math.IsNaN(p) {
		return floor
	}
	if p < floor {
		return floor
	}
	return p
}
