// Package pipeline wires preprocessing, calibration and detection into
// per-stream runners and coordinates many independent streams.
//
// Responsibilities:
//   - Own one preprocessor + detector pair per stream (no state is ever
//     shared between streams)
//   - Buffer cleaned observations until enough exist to calibrate, then
//     switch to streaming detection
//   - Persist every result batch and a checkpoint after it, so a
//     stopped run resumes between observations
//   - Fan results out to live subscribers
//
// A runner consumes its stream strictly sequentially. Concurrency
// exists only across streams, never within one.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/pot"
	"github.com/driftline/driftline/internal/store"
	"github.com/driftline/driftline/internal/stream"
)

// Config holds per-stream pipeline settings. The same config is applied
// to every stream a Manager creates.
type Config struct {
	Detection  pot.Config
	Preprocess stream.Config

	// CalibrationSize is how many cleaned observations are consumed for
	// calibration before detection starts.
	CalibrationSize int
}

func (c Config) sanitized() Config {
	if c.CalibrationSize <= 0 {
		c.CalibrationSize = 500
	}
	return c
}

// Runner drives detection for a single stream.
type Runner struct {
	name   string
	cfg    Config
	store  store.Store
	logger *zap.Logger

	mu       sync.Mutex
	cleaner  *stream.Cleaner
	detector *pot.Detector
	calBuf   []float64

	subMu sync.Mutex
	subs  map[int]chan pot.DetectionResult
	subID int

	lastInvalid, lastDuplicate, lastFilled int
}

// NewRunner creates a runner for one stream, resuming from the latest
// persisted checkpoint when one exists.
func NewRunner(ctx context.Context, name string, cfg Config, st store.Store, logger *zap.Logger) (*Runner, error) {
	cfg = cfg.sanitized()

	if err := st.UpsertStream(ctx, name); err != nil {
		return nil, fmt.Errorf("register stream: %w", err)
	}

	r := &Runner{
		name:    name,
		cfg:     cfg,
		store:   st,
		logger:  logger.With(zap.String("stream", name)),
		cleaner: stream.NewCleaner(cfg.Preprocess),
		subs:    make(map[int]chan pot.DetectionResult),
	}

	snap, err := st.LoadCheckpoint(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if snap != nil {
		det, err := pot.Resume(cfg.Detection, snap)
		if err != nil {
			return nil, fmt.Errorf("resume detector: %w", err)
		}
		r.detector = det
		r.logger.Info("resumed from checkpoint",
			zap.Float64("threshold", det.State().Threshold),
			zap.Int("n", det.State().N),
		)
	}
	return r, nil
}

// Name returns the stream name.
func (r *Runner) Name() string { return r.name }

// Calibrated reports whether the runner has left the calibration phase.
func (r *Runner) Calibrated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detector != nil
}

// State returns a snapshot copy of the calibration state, or nil while
// still calibrating.
func (r *Runner) State() *pot.CalibrationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detector == nil {
		return nil
	}
	snap := *r.detector.State()
	snap.Recent = append([]float64(nil), snap.Recent...)
	return &snap
}

// Ingest consumes raw observations in order and returns the detection
// results they produced. Observations consumed for calibration produce
// no results. Concurrent callers are serialized; the stream stays
// strictly ordered.
//
// When a later observation in the batch is rejected, the results the
// earlier observations already produced are still persisted, published
// and returned alongside the error: the detector has advanced past
// those points, and dropping their results would leave a hole in the
// one-result-per-observation history.
func (r *Runner) Ingest(ctx context.Context, raw []stream.Observation) ([]pot.DetectionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var results []pot.DetectionResult
	var ingestErr error
	for _, obs := range raw {
		cleaned, err := r.cleaner.Next(obs)
		if err != nil {
			ingestErr = fmt.Errorf("preprocess: %w", err)
			break
		}
		stepped, err := r.consume(ctx, cleaned)
		if err != nil {
			ingestErr = err
			break
		}
		results = append(results, stepped...)
	}
	r.exportCleanerStats()

	if len(results) > 0 {
		if err := r.persist(ctx, results); err != nil {
			return nil, err
		}
		r.publish(results)
	}
	return results, ingestErr
}

// consume advances calibration or detection with cleaned observations.
// Caller holds r.mu.
func (r *Runner) consume(ctx context.Context, cleaned []stream.Observation) ([]pot.DetectionResult, error) {
	var results []pot.DetectionResult
	for _, obs := range cleaned {
		if r.detector == nil {
			r.calBuf = append(r.calBuf, obs.Value)
			if len(r.calBuf) >= r.cfg.CalibrationSize {
				if err := r.calibrate(ctx); err != nil {
					return nil, err
				}
			}
			continue
		}

		res := r.detector.Step(obs.Timestamp, obs.Value)
		results = append(results, res)

		metrics.ObservationsProcessed.WithLabelValues(r.name).Inc()
		if res.IsAnomaly {
			metrics.AnomaliesFlagged.WithLabelValues(r.name).Inc()
		}
		metrics.ExtremeThreshold.WithLabelValues(r.name).Set(res.Threshold)
		metrics.AnomalyThreshold.WithLabelValues(r.name).Set(res.AnomalyThreshold)
	}
	return results, nil
}

// calibrate fits the initial model from the buffered batch. Caller
// holds r.mu.
func (r *Runner) calibrate(ctx context.Context) error {
	state, err := pot.Calibrate(r.calBuf, r.cfg.Detection)
	if err != nil {
		metrics.CalibrationsTotal.WithLabelValues(r.name, "failed").Inc()
		return fmt.Errorf("calibrate: %w", err)
	}
	det, err := pot.NewDetector(r.cfg.Detection, state)
	if err != nil {
		metrics.CalibrationsTotal.WithLabelValues(r.name, "failed").Inc()
		return fmt.Errorf("detector: %w", err)
	}
	metrics.CalibrationsTotal.WithLabelValues(r.name, "ok").Inc()

	r.detector = det
	r.calBuf = nil
	r.logger.Info("calibrated",
		zap.Float64("initial_threshold", state.InitialThreshold),
		zap.Float64("threshold", state.Threshold),
		zap.Int("excess_count", state.ExcessCount),
	)
	return r.checkpoint(ctx)
}

// persist appends results and checkpoints the advanced state. Caller
// holds r.mu.
func (r *Runner) persist(ctx context.Context, results []pot.DetectionResult) error {
	if err := r.store.AppendResults(ctx, r.name, results); err != nil {
		return fmt.Errorf("append results: %w", err)
	}
	return r.checkpoint(ctx)
}

func (r *Runner) checkpoint(ctx context.Context) error {
	snap, err := r.detector.Checkpoint()
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := r.store.SaveCheckpoint(ctx, r.name, snap); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// exportCleanerStats moves cleaner counter deltas into the Prometheus
// counters. Caller holds r.mu.
func (r *Runner) exportCleanerStats() {
	invalid, duplicate, filled := r.cleaner.Stats()
	if d := invalid - r.lastInvalid; d > 0 {
		metrics.ObservationsDropped.WithLabelValues(r.name, "invalid").Add(float64(d))
	}
	if d := duplicate - r.lastDuplicate; d > 0 {
		metrics.ObservationsDropped.WithLabelValues(r.name, "duplicate").Add(float64(d))
	}
	if d := filled - r.lastFilled; d > 0 {
		metrics.GapsFilled.WithLabelValues(r.name).Add(float64(d))
	}
	r.lastInvalid, r.lastDuplicate, r.lastFilled = invalid, duplicate, filled
}

// Subscribe registers a live result listener. The returned cancel
// function must be called to release it. Slow subscribers lose results
// rather than stalling the stream.
func (r *Runner) Subscribe() (<-chan pot.DetectionResult, func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	id := r.subID
	r.subID++
	ch := make(chan pot.DetectionResult, 64)
	r.subs[id] = ch

	cancel := func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (r *Runner) publish(results []pot.DetectionResult) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		for _, res := range results {
			select {
			case ch <- res:
			default:
				// subscriber too slow, drop
			}
		}
	}
}
