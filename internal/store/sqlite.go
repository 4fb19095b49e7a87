package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/driftline/driftline/internal/evaluate"
	"github.com/driftline/driftline/internal/pot"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// Schema version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS streams (
    name        TEXT PRIMARY KEY,
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_streams_updated_at ON streams(updated_at DESC);

CREATE TABLE IF NOT EXISTS detection_results (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    stream             TEXT NOT NULL REFERENCES streams(name) ON DELETE CASCADE,
    timestamp          INTEGER NOT NULL,
    value              REAL NOT NULL,
    is_anomaly         INTEGER NOT NULL DEFAULT 0,
    threshold          REAL NOT NULL,
    anomaly_threshold  REAL NOT NULL,
    tail_shape         REAL NOT NULL DEFAULT 0.0,
    tail_scale         REAL NOT NULL DEFAULT 0.0
);
CREATE INDEX IF NOT EXISTS idx_results_stream_ts ON detection_results(stream, timestamp ASC);
CREATE INDEX IF NOT EXISTS idx_results_anomaly   ON detection_results(stream, is_anomaly);

CREATE TABLE IF NOT EXISTS checkpoints (
    stream      TEXT PRIMARY KEY REFERENCES streams(name) ON DELETE CASCADE,
    state       TEXT NOT NULL,
    updated_at  DATETIME NOT NULL
);
`,
	},
	// Migration 2: ground truth + evaluation history.
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS labeled_intervals (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    stream      TEXT NOT NULL REFERENCES streams(name) ON DELETE CASCADE,
    start_ts    INTEGER NOT NULL,
    end_ts      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_intervals_stream ON labeled_intervals(stream, start_ts ASC);

CREATE TABLE IF NOT EXISTS evaluation_runs (
    id              TEXT PRIMARY KEY,
    stream          TEXT NOT NULL REFERENCES streams(name) ON DELETE CASCADE,
    delay           INTEGER NOT NULL DEFAULT -1,
    true_positive   INTEGER NOT NULL DEFAULT 0,
    false_positive  INTEGER NOT NULL DEFAULT 0,
    false_negative  INTEGER NOT NULL DEFAULT 0,
    precision       REAL NOT NULL DEFAULT 0.0,
    recall          REAL NOT NULL DEFAULT 0.0,
    f1              REAL NOT NULL DEFAULT 0.0,
    recorded_at     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_eval_stream ON evaluation_runs(stream, recorded_at DESC);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path
// and runs all pending schema migrations. Pass ":memory:" for an
// in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Streams ─────────────────────────────────────────────────────────────────

func (s *sqliteStore) UpsertStream(ctx context.Context, name string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO streams(name, created_at, updated_at) VALUES(?,?,?)
        ON CONFLICT(name) DO UPDATE SET updated_at = excluded.updated_at
    `, name, now, now)
	if err != nil {
		return fmt.Errorf("upsert stream: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListStreams(ctx context.Context) ([]*StreamRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, created_at, updated_at FROM streams ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*StreamRecord
	for rows.Next() {
		var rec StreamRecord
		var created, updated string
		if err := rows.Scan(&rec.Name, &created, &updated); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = parseTime(created)
		rec.UpdatedAt, _ = parseTime(updated)
		result = append(result, &rec)
	}
	return result, rows.Err()
}

// ─── Detection results ───────────────────────────────────────────────────────

func (s *sqliteStore) AppendResults(ctx context.Context, stream string, results []pot.DetectionResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO detection_results(stream, timestamp, value, is_anomaly, threshold, anomaly_threshold, tail_shape, tail_scale)
        VALUES(?,?,?,?,?,?,?,?)
    `)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		if _, err := stmt.ExecContext(ctx,
			stream, r.Timestamp, r.Value, boolToInt(r.IsAnomaly),
			r.Threshold, r.AnomalyThreshold, r.TailShape, r.TailScale,
		); err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) QueryResults(ctx context.Context, stream string, since int64, limit int) ([]pot.DetectionResult, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT timestamp, value, is_anomaly, threshold, anomaly_threshold, tail_shape, tail_scale
        FROM detection_results
        WHERE stream=? AND timestamp>=?
        ORDER BY timestamp ASC, id ASC
        LIMIT ?
    `, stream, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []pot.DetectionResult
	for rows.Next() {
		var r pot.DetectionResult
		var anomaly int
		if err := rows.Scan(&r.Timestamp, &r.Value, &anomaly, &r.Threshold, &r.AnomalyThreshold, &r.TailShape, &r.TailScale); err != nil {
			return nil, err
		}
		r.IsAnomaly = anomaly != 0
		result = append(result, r)
	}
	return result, rows.Err()
}

// ─── Checkpoints ─────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveCheckpoint(ctx context.Context, stream string, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO checkpoints(stream, state, updated_at) VALUES(?,?,?)
        ON CONFLICT(stream) DO UPDATE SET
            state      = excluded.state,
            updated_at = excluded.updated_at
    `, stream, string(state), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *sqliteStore) LoadCheckpoint(ctx context.Context, stream string) ([]byte, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM checkpoints WHERE stream=?`, stream).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return []byte(state), nil
}

// ─── Ground truth ────────────────────────────────────────────────────────────

func (s *sqliteStore) ReplaceIntervals(ctx context.Context, stream string, intervals []evaluate.LabeledInterval) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM labeled_intervals WHERE stream=?`, stream); err != nil {
		return fmt.Errorf("delete intervals: %w", err)
	}
	for _, iv := range intervals {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO labeled_intervals(stream, start_ts, end_ts) VALUES(?,?,?)
        `, stream, iv.Start, iv.End); err != nil {
			return fmt.Errorf("insert interval: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetIntervals(ctx context.Context, stream string) ([]evaluate.LabeledInterval, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT start_ts, end_ts FROM labeled_intervals WHERE stream=? ORDER BY start_ts ASC`, stream)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []evaluate.LabeledInterval
	for rows.Next() {
		var iv evaluate.LabeledInterval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, err
		}
		result = append(result, iv)
	}
	return result, rows.Err()
}

// ─── Evaluations ─────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendEvaluation(ctx context.Context, rec *EvaluationRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO evaluation_runs(id, stream, delay, true_positive, false_positive, false_negative, precision, recall, f1, recorded_at)
        VALUES(?,?,?,?,?,?,?,?,?,?)
    `,
		rec.ID, rec.Stream, rec.Delay,
		rec.Score.TruePositive, rec.Score.FalsePositive, rec.Score.FalseNegative,
		rec.Score.Precision, rec.Score.Recall, rec.Score.F1,
		rec.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListEvaluations(ctx context.Context, stream string, limit int) ([]*EvaluationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, stream, delay, true_positive, false_positive, false_negative, precision, recall, f1, recorded_at
        FROM evaluation_runs WHERE stream=? ORDER BY recorded_at DESC LIMIT ?
    `, stream, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*EvaluationRecord
	for rows.Next() {
		var rec EvaluationRecord
		var ts string
		if err := rows.Scan(&rec.ID, &rec.Stream, &rec.Delay,
			&rec.Score.TruePositive, &rec.Score.FalsePositive, &rec.Score.FalseNegative,
			&rec.Score.Precision, &rec.Score.Recall, &rec.Score.F1, &ts); err != nil {
			return nil, err
		}
		rec.RecordedAt, _ = parseTime(ts)
		result = append(result, &rec)
	}
	return result, rows.Err()
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// parseTime handles the timestamp formats SQLite hands back depending
// on how the value was written.
func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
