package pot

// Package pot implements streaming anomaly detection based on
// Peaks-Over-Threshold calibration with a Generalized Pareto tail model.
//
// Responsibilities:
//   - Calibrate an initial threshold and tail parameters from a batch of
//     historical observations (one-shot, before streaming begins)
//   - Classify observations one at a time against a long-run extreme
//     threshold and a short-run moving anomaly threshold
//   - Re-estimate tail parameters online as new non-anomalous excesses
//     arrive, in constant time and constant memory
//   - Expose the full detector state for checkpoint/resume
//
// Philosophy: Extreme Value Theory, NOT distribution fitting over the
// whole signal
//   - Only values exceeding a high empirical quantile are modeled
//   - No assumption about the body of the distribution
//   - Method-of-moments estimation: closed form, deterministic, no
//     numerical solver and no convergence failures
//   - Fixed-size state regardless of stream length
//
// Dual thresholds:
//   - Threshold: the long-run extreme bound derived from the fitted tail
//     and the configured risk level. Crossing it is a statistically
//     extreme event.
//   - AnomalyThreshold: a faster-moving high quantile of a short recent
//     window. It tracks local drift without refitting the tail, and is
//     never allowed below InitialThreshold.
//
// The central invariant: a value classified anomalous is excluded from
// all future tail-parameter updates. Anomalies must not poison the model
// that detects them.

// DecisionRule selects which bound triggers an alarm. It is fixed for
// the lifetime of a run; mixing rules mid-stream is not supported.
type DecisionRule string

const (
	// DecisionRuleThreshold alarms when a value exceeds the long-run
	// extreme threshold derived from the tail fit. This is the default.
	DecisionRuleThreshold DecisionRule = "threshold"

	// DecisionRuleAnomalyThreshold alarms on the faster-moving local
	// quantile bound instead.
	DecisionRuleAnomalyThreshold DecisionRule = "anomaly_threshold"
)

// Config holds the detection parameters shared by the calibrator and
// the streaming detector.
type Config struct {
	// LowQuantile is the empirical quantile of the calibration batch used
	// as the initial threshold (0 < q < 1). Higher values keep fewer,
	// more extreme excesses.
	LowQuantile float64

	// RiskLevel is the target long-run probability of a false extreme
	// alarm, input to the tail quantile formula.
	RiskLevel float64

	// MinCalibrationSize is the minimum number of observations required
	// for calibration.
	MinCalibrationSize int

	// DecisionRule selects the alarm bound (threshold or
	// anomaly_threshold).
	DecisionRule DecisionRule

	// AnomalyWindow is the size of the fixed recent-value window backing
	// the moving anomaly threshold.
	AnomalyWindow int

	// AnomalyQuantile is the quantile of the recent window used as the
	// anomaly threshold (0 < q < 1).
	AnomalyQuantile float64
}

// DefaultConfig returns detection parameters suitable for periodic
// service telemetry (latency, error rate) scraped every few seconds.
func DefaultConfig() Config {
	return Config{
		LowQuantile:        0.98,
		RiskLevel:          1e-3,
		MinCalibrationSize: 30,
		DecisionRule:       DecisionRuleThreshold,
		AnomalyWindow:      100,
		AnomalyQuantile:    0.98,
	}
}

// sanitize fills zero-valued fields with defaults so a partially
// populated Config behaves predictably.
func (c Config) sanitize() Config {
	d := DefaultConfig()
	if c.LowQuantile <= 0 || c.LowQuantile >= 1 {
		c.LowQuantile = d.LowQuantile
	}
	if c.RiskLevel <= 0 || c.RiskLevel >= 1 {
		c.RiskLevel = d.RiskLevel
	}
	if c.MinCalibrationSize <= 0 {
		c.MinCalibrationSize = d.MinCalibrationSize
	}
	if c.DecisionRule != DecisionRuleThreshold && c.DecisionRule != DecisionRuleAnomalyThreshold {
		c.DecisionRule = d.DecisionRule
	}
	if c.AnomalyWindow <= 0 {
		c.AnomalyWindow = d.AnomalyWindow
	}
	if c.AnomalyQuantile <= 0 || c.AnomalyQuantile >= 1 {
		c.AnomalyQuantile = d.AnomalyQuantile
	}
	return c
}

// CalibrationState is the complete summary-statistics state of one
// detector. It is the only artifact needed to resume a stopped run, and
// its size is independent of how many observations have been processed
// (Recent is capped at AnomalyWindow entries).
type CalibrationState struct {
	// InitialThreshold is the empirical LowQuantile of the calibration
	// batch. Values above it are tail excesses.
	InitialThreshold float64 `json:"initial_threshold"`

	// TailShape is the fitted GPD shape parameter (xi). Zero selects the
	// exponential-tail closed form.
	TailShape float64 `json:"tail_shape"`

	// TailScale is the fitted GPD scale parameter (sigma).
	TailScale float64 `json:"tail_scale"`

	// ExcessCount, ExcessSum and ExcessSumSq are the running statistics
	// of all tail excesses folded into the fit. They replace the excess
	// history entirely.
	ExcessCount int     `json:"excess_count"`
	ExcessSum   float64 `json:"excess_sum"`
	ExcessSumSq float64 `json:"excess_sum_sq"`

	// N is the number of non-anomalous observations seen so far,
	// including the calibration batch.
	N int `json:"n"`

	// Threshold is the long-run extreme threshold derived from the tail
	// fit and the risk level.
	Threshold float64 `json:"threshold"`

	// AnomalyThreshold is the moving local quantile bound. Always at
	// least InitialThreshold.
	AnomalyThreshold float64 `json:"anomaly_threshold"`

	// LowQuantile and RiskLevel record the configuration the state was
	// calibrated with.
	LowQuantile float64 `json:"low_quantile"`
	RiskLevel   float64 `json:"risk_level"`

	// Recent is the fixed-size window of recently observed values
	// backing AnomalyThreshold. Oldest first.
	Recent []float64 `json:"recent"`
}
