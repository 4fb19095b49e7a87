package pot

import (
	"encoding/json"
	"fmt"
)

// DetectionResult is the immutable per-observation output of the
// detector. Exactly one result is emitted per input observation, in
// input order.
type DetectionResult struct {
	Timestamp        int64   `json:"timestamp"`
	Value            float64 `json:"value"`
	IsAnomaly        bool    `json:"is_anomaly"`
	Threshold        float64 `json:"threshold"`
	AnomalyThreshold float64 `json:"anomaly_threshold"`
	TailShape        float64 `json:"tail_shape"`
	TailScale        float64 `json:"tail_scale"`
}

// Detector classifies one observation at a time against the calibrated
// thresholds and folds non-anomalous tail excesses back into the model.
//
// A Detector owns its CalibrationState exclusively for the lifetime of
// one stream. It is not safe for concurrent use; run one Detector per
// stream instead of sharing one across streams.
type Detector struct {
	cfg   Config
	state *CalibrationState
	steps int
}

// NewDetector creates a streaming detector over a calibrated state.
func NewDetector(cfg Config, state *CalibrationState) (*Detector, error) {
	if state == nil {
		return nil, fmt.Errorf("nil calibration state")
	}
	if state.ExcessCount < 1 {
		return nil, fmt.Errorf("calibration state has no excesses")
	}
	cfg = cfg.sanitize()
	// A checkpoint taken under a larger window carries more recent
	// values than the current config allows; keep only the newest.
	if n := len(state.Recent); n > cfg.AnomalyWindow {
		state.Recent = append([]float64(nil), state.Recent[n-cfg.AnomalyWindow:]...)
	}
	return &Detector{cfg: cfg, state: state}, nil
}

// Step classifies a single observation and advances the model. The
// result is emitted before the next observation is consumed; there is
// no batching and no look-ahead.
func (d *Detector) Step(timestamp int64, value float64) DetectionResult {
	s := d.state
	d.steps++

	anomaly := value > d.alarmBound()

	if !anomaly {
		// Normal. A value above the initial threshold is a genuine tail
		// excess, just not extreme enough to alarm: fold it in and
		// refit. Anomalous values never reach this branch, so they can
		// never drag the tail fit toward themselves.
		s.N++
		if value > s.InitialThreshold {
			e := value - s.InitialThreshold
			s.ExcessCount++
			s.ExcessSum += e
			s.ExcessSumSq += e * e
			s.refit()
		} else {
			// The extreme threshold still moves with N: more quiet
			// observations make the same excess set rarer.
			s.deriveThreshold()
		}
	}

	// The local bound tracks every observed value, anomalous or not.
	// This is what lets the detector stop alarming on a sustained level
	// shift once the shifted values dominate the recent window, without
	// ever letting them into the tail statistics.
	d.pushRecent(value)
	s.AnomalyThreshold = movingQuantile(s.Recent, d.cfg.AnomalyQuantile, s.InitialThreshold)

	return d.result(timestamp, value, anomaly)
}

// alarmBound returns the bound selected by the configured decision
// rule. The rule is fixed per run.
func (d *Detector) alarmBound() float64 {
	if d.cfg.DecisionRule == DecisionRuleAnomalyThreshold {
		return d.state.AnomalyThreshold
	}
	return d.state.Threshold
}

// pushRecent appends a value to the fixed-size recent window, evicting
// the oldest entry once the window is full.
func (d *Detector) pushRecent(v float64) {
	s := d.state
	if len(s.Recent) < d.cfg.AnomalyWindow {
		s.Recent = append(s.Recent, v)
		return
	}
	copy(s.Recent, s.Recent[1:])
	s.Recent[len(s.Recent)-1] = v
}

func (d *Detector) result(timestamp int64, value float64, anomaly bool) DetectionResult {
	return DetectionResult{
		Timestamp:        timestamp,
		Value:            value,
		IsAnomaly:        anomaly,
		Threshold:        d.state.Threshold,
		AnomalyThreshold: d.state.AnomalyThreshold,
		TailShape:        d.state.TailShape,
		TailScale:        d.state.TailScale,
	}
}

// State returns the detector's current calibration state. Callers must
// not mutate it while the detector is running.
func (d *Detector) State() *CalibrationState {
	return d.state
}

// Steps returns the number of observations classified so far.
func (d *Detector) Steps() int {
	return d.steps
}

// Checkpoint serializes the calibration state. A run stopped between
// observations can be resumed from this artifact alone.
func (d *Detector) Checkpoint() ([]byte, error) {
	return json.Marshal(d.state)
}

// Resume reconstructs a detector from a serialized checkpoint.
func Resume(cfg Config, checkpoint []byte) (*Detector, error) {
	var st CalibrationState
	if err := json.Unmarshal(checkpoint, &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return NewDetector(cfg, &st)
}
