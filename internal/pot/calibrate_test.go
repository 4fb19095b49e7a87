package pot

import (
	"errors"
	"math"
	"reflect"
	"testing"
)

// testBatch builds a deterministic batch around a baseline with a mild
// periodic wobble and a few larger tail values.
func testBatch(n int) []float64 {
	batch := make([]float64, n)
	for i := range batch {
		batch[i] = 5 + math.Sin(float64(i)*0.7) + 0.3*float64(i%7)
		if i%29 == 0 {
			batch[i] += 3 + float64(i%5)
		}
	}
	return batch
}

func TestCalibrate_TooFewObservations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinCalibrationSize = 50

	_, err := Calibrate(testBatch(10), cfg)
	if err == nil {
		t.Fatal("expected error for undersized batch")
	}

	var ide *InsufficientDataError
	if !errors.As(err, &ide) {
		t.Fatalf("expected InsufficientDataError, got %T: %v", err, err)
	}
	if ide.Got != 10 || ide.Need != 50 {
		t.Errorf("error carries got=%d need=%d, want 10/50", ide.Got, ide.Need)
	}
}

func TestCalibrate_NoExcesses(t *testing.T) {
	// A constant batch: the quantile equals every value, so nothing is
	// strictly above it.
	batch := make([]float64, 50)
	for i := range batch {
		batch[i] = 5
	}

	_, err := Calibrate(batch, DefaultConfig())
	if err == nil {
		t.Fatal("expected error for batch with no excesses")
	}

	var iee *InsufficientExcessesError
	if !errors.As(err, &iee) {
		t.Fatalf("expected InsufficientExcessesError, got %T: %v", err, err)
	}
	if iee.Threshold != 5 {
		t.Errorf("error threshold = %g, want 5", iee.Threshold)
	}
}

func TestCalibrate_SingleExcessDegeneratesToExponential(t *testing.T) {
	// Five identical values and one spike: at quantile 0.8 the initial
	// threshold is 1, leaving exactly one excess of 9. A single excess
	// has no variance, so the fit must fall back to the exponential
	// tail with the scale equal to the excess itself.
	batch := []float64{1, 1, 1, 1, 1, 10}
	cfg := DefaultConfig()
	cfg.LowQuantile = 0.8
	cfg.MinCalibrationSize = 6

	st, err := Calibrate(batch, cfg)
	if err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}

	if st.InitialThreshold != 1 {
		t.Errorf("initial threshold = %g, want 1", st.InitialThreshold)
	}
	if st.ExcessCount != 1 {
		t.Errorf("excess count = %d, want 1", st.ExcessCount)
	}
	if st.TailShape != 0 {
		t.Errorf("tail shape = %g, want 0", st.TailShape)
	}
	if st.TailScale != 9 {
		t.Errorf("tail scale = %g, want 9", st.TailScale)
	}
	if math.IsNaN(st.Threshold) || math.IsInf(st.Threshold, 0) {
		t.Errorf("threshold not finite: %g", st.Threshold)
	}
	if st.Threshold <= st.InitialThreshold {
		t.Errorf("threshold %g should exceed initial threshold %g", st.Threshold, st.InitialThreshold)
	}
}

func TestCalibrate_FiniteState(t *testing.T) {
	st, err := Calibrate(testBatch(500), DefaultConfig())
	if err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}

	for name, v := range map[string]float64{
		"initial threshold": st.InitialThreshold,
		"tail shape":        st.TailShape,
		"tail scale":        st.TailScale,
		"threshold":         st.Threshold,
		"anomaly threshold": st.AnomalyThreshold,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("%s not finite: %g", name, v)
		}
	}

	if st.ExcessCount < 1 {
		t.Errorf("expected at least one excess, got %d", st.ExcessCount)
	}
	if st.N != 500 {
		t.Errorf("N = %d, want 500", st.N)
	}
	if st.AnomalyThreshold < st.InitialThreshold {
		t.Errorf("anomaly threshold %g below initial threshold %g", st.AnomalyThreshold, st.InitialThreshold)
	}
}

func TestCalibrate_Deterministic(t *testing.T) {
	batch := testBatch(300)
	cfg := DefaultConfig()

	a, err := Calibrate(batch, cfg)
	if err != nil {
		t.Fatalf("first Calibrate failed: %v", err)
	}
	b, err := Calibrate(batch, cfg)
	if err != nil {
		t.Fatalf("second Calibrate failed: %v", err)
	}

	if !reflect.DeepEqual(a, b) {
		t.Errorf("calibration not deterministic:\nfirst:  %+v\nsecond: %+v", a, b)
	}
}

func TestRefit_RecoversGeneralizedParetoParameters(t *testing.T) {
	// Sample the tail by inverse CDF at midpoint probabilities and check
	// the method-of-moments fit recovers the true parameters.
	// gonum's distuv exports no GeneralizedPareto type, so the GPD
	// inverse CDF mu + sigma/xi*((1-u)^-xi - 1) is computed inline.
	gpd := struct{ Mu, Sigma, Xi float64 }{Mu: 0, Sigma: 2.0, Xi: 0.2}
	quantile := func(u float64) float64 {
		return gpd.Mu + gpd.Sigma/gpd.Xi*(math.Pow(1-u, -gpd.Xi)-1)
	}

	const n = 4000
	st := &CalibrationState{RiskLevel: 1e-3, N: n * 50}
	for i := 0; i < n; i++ {
		u := (float64(i) + 0.5) / n
		e := quantile(u)
		st.ExcessCount++
		st.ExcessSum += e
		st.ExcessSumSq += e * e
	}
	st.refit()

	if math.Abs(st.TailShape-gpd.Xi) > 0.05 {
		t.Errorf("tail shape = %g, want %g within 0.05", st.TailShape, gpd.Xi)
	}
	if math.Abs(st.TailScale-gpd.Sigma) > 0.15 {
		t.Errorf("tail scale = %g, want %g within 0.15", st.TailScale, gpd.Sigma)
	}
	if math.IsNaN(st.Threshold) || math.IsInf(st.Threshold, 0) {
		t.Errorf("threshold not finite: %g", st.Threshold)
	}
}

func TestConfig_SanitizeFillsDefaults(t *testing.T) {
	got := Config{}.sanitize()
	want := DefaultConfig()
	if got != want {
		t.Errorf("sanitized zero config = %+v, want defaults %+v", got, want)
	}

	// Valid fields survive sanitization untouched.
	custom := Config{
		LowQuantile:        0.9,
		RiskLevel:          1e-4,
		MinCalibrationSize: 10,
		DecisionRule:       DecisionRuleAnomalyThreshold,
		AnomalyWindow:      50,
		AnomalyQuantile:    0.95,
	}
	if custom.sanitize() != custom {
		t.Errorf("sanitize altered a valid config: %+v", custom.sanitize())
	}
}
