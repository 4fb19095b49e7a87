package store

import (
	"context"
	"time"

	"github.com/driftline/driftline/internal/evaluate"
	"github.com/driftline/driftline/internal/pot"
)

// Store is the persistence interface for detection state and history.
type Store interface {
	StreamStore
	ResultStore
	CheckpointStore
	TruthStore
	EvaluationStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// StreamRecord is the DB representation of one monitored stream.
type StreamRecord struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StreamStore tracks the set of known streams.
type StreamStore interface {
	// UpsertStream registers a stream, creating it on first sight and
	// bumping updated_at afterwards.
	UpsertStream(ctx context.Context, name string) error

	// ListStreams returns all known streams, most recently active first.
	ListStreams(ctx context.Context) ([]*StreamRecord, error)
}

// ResultStore persists the append-only detection output.
type ResultStore interface {
	// AppendResults writes a batch of results for a stream in one
	// transaction, in slice order.
	AppendResults(ctx context.Context, stream string, results []pot.DetectionResult) error

	// QueryResults returns results with timestamp >= since, ordered by
	// timestamp, capped at limit (<=0 means the default cap).
	QueryResults(ctx context.Context, stream string, since int64, limit int) ([]pot.DetectionResult, error)
}

// CheckpointStore persists serialized calibration state per stream.
// One row per stream; saving overwrites.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, stream string, state []byte) error

	// LoadCheckpoint returns the latest checkpoint, or nil, nil when the
	// stream has never been checkpointed.
	LoadCheckpoint(ctx context.Context, stream string) ([]byte, error)
}

// TruthStore persists labeled ground-truth intervals per stream.
type TruthStore interface {
	// ReplaceIntervals swaps the stream's full ground truth atomically.
	ReplaceIntervals(ctx context.Context, stream string, intervals []evaluate.LabeledInterval) error

	GetIntervals(ctx context.Context, stream string) ([]evaluate.LabeledInterval, error)
}

// EvaluationRecord is a persisted scoring run.
type EvaluationRecord struct {
	ID         string                   `json:"id"`
	Stream     string                   `json:"stream"`
	Delay      int                      `json:"delay"`
	Score      evaluate.EvaluationScore `json:"score"`
	RecordedAt time.Time                `json:"recorded_at"`
}

// EvaluationStore persists evaluation history.
type EvaluationStore interface {
	AppendEvaluation(ctx context.Context, rec *EvaluationRecord) error

	// ListEvaluations returns runs for a stream, newest first.
	ListEvaluations(ctx context.Context, stream string, limit int) ([]*EvaluationRecord, error)
}
