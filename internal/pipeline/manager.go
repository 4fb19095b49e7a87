package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driftline/driftline/internal/evaluate"
	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/pot"
	"github.com/driftline/driftline/internal/scrape"
	"github.com/driftline/driftline/internal/store"
	"github.com/driftline/driftline/internal/stream"
)

// ErrNoGroundTruth is returned by Evaluate when the stream has no
// labeled intervals to score against.
var ErrNoGroundTruth = errors.New("no ground truth")

// Manager owns the runners for all streams. Runners are created lazily
// on first sight of a stream name and share one Config.
type Manager struct {
	cfg    Config
	store  store.Store
	logger *zap.Logger

	mu      sync.Mutex
	runners map[string]*Runner
}

// NewManager creates an empty runner registry.
func NewManager(cfg Config, st store.Store, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg.sanitized(),
		store:   st,
		logger:  logger,
		runners: make(map[string]*Runner),
	}
}

// Runner returns the runner for a stream, creating it on first use.
func (m *Manager) Runner(ctx context.Context, name string) (*Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.runners[name]; ok {
		return r, nil
	}
	r, err := NewRunner(ctx, name, m.cfg, m.store, m.logger)
	if err != nil {
		return nil, err
	}
	m.runners[name] = r
	return r, nil
}

// Lookup returns an existing runner without creating one.
func (m *Manager) Lookup(name string) (*Runner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[name]
	return r, ok
}

// RunBatch processes complete per-stream batches concurrently, one
// goroutine per stream. The first stream error cancels the rest.
func (m *Manager) RunBatch(ctx context.Context, batches map[string][]stream.Observation) (map[string][]pot.DetectionResult, error) {
	results := make(map[string][]pot.DetectionResult, len(batches))
	var resMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for name, batch := range batches {
		r, err := m.Runner(ctx, name)
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			res, err := r.Ingest(gctx, batch)
			if err != nil {
				return fmt.Errorf("stream %s: %w", r.Name(), err)
			}
			resMu.Lock()
			results[r.Name()] = res
			resMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ConsumeScrapes routes scraped samples to their runners until the
// channel closes or the context is canceled. A failing stream is
// logged and skipped, not fatal: one broken query must not take down
// detection for the others.
func (m *Manager) ConsumeScrapes(ctx context.Context, samples <-chan scrape.Sample) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-samples:
			if !ok {
				return nil
			}
			r, err := m.Runner(ctx, s.Stream)
			if err != nil {
				m.logger.Error("runner unavailable", zap.String("stream", s.Stream), zap.Error(err))
				continue
			}
			if _, err := r.Ingest(ctx, []stream.Observation{s.Observation}); err != nil {
				m.logger.Error("ingest failed", zap.String("stream", s.Stream), zap.Error(err))
			}
		}
	}
}

// Evaluate scores a stream's persisted results against its persisted
// ground truth and records the run.
func (m *Manager) Evaluate(ctx context.Context, name string, delay int) (*store.EvaluationRecord, error) {
	truth, err := m.store.GetIntervals(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load ground truth: %w", err)
	}
	if len(truth) == 0 {
		return nil, fmt.Errorf("stream %s: %w", name, ErrNoGroundTruth)
	}

	var results []pot.DetectionResult
	since := int64(0)
	for {
		page, err := m.store.QueryResults(ctx, name, since, 1000)
		if err != nil {
			return nil, fmt.Errorf("load results: %w", err)
		}
		if len(page) == 0 {
			break
		}
		results = append(results, page...)
		since = page[len(page)-1].Timestamp + 1
		if len(page) < 1000 {
			break
		}
	}

	rec := &store.EvaluationRecord{
		ID:         uuid.NewString(),
		Stream:     name,
		Delay:      delay,
		Score:      evaluate.Score(results, truth, delay),
		RecordedAt: time.Now().UTC(),
	}
	if err := m.store.AppendEvaluation(ctx, rec); err != nil {
		return nil, fmt.Errorf("record evaluation: %w", err)
	}
	metrics.EvaluationsTotal.WithLabelValues(name).Inc()

	m.logger.Info("evaluation complete",
		zap.String("stream", name),
		zap.String("run_id", rec.ID),
		zap.Float64("f1", rec.Score.F1),
	)
	return rec, nil
}
