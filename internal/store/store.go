package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andresmejia3/facetrace/internal/types"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Store manages the PostgreSQL pool holding run history.
type Store struct {
	pool *pgxpool.Pool
}

// Run is one completed matching run.
type Run struct {
	ID            string
	VideoID       string
	VideoPath     string
	ReferenceID   string
	ReferencePath string
	Origin        string // "cli" or "http"
	Record        types.MatchRecord
	StartedAt     time.Time
	FinishedAt    time.Time
}

// RunSummary is a row of the history listing.
type RunSummary struct {
	ID          string
	VideoPath   string
	OutputPath  string
	Origin      string
	TotalFrames int
	MatchCount  int
	FinishedAt  time.Time
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS video_metadata (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			indexed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			video_id TEXT REFERENCES video_metadata(id),
			reference_id TEXT NOT NULL,
			reference_path TEXT NOT NULL,
			output_path TEXT NOT NULL,
			origin TEXT NOT NULL,
			total_frames INT NOT NULL,
			match_count INT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS run_matches (
			run_id TEXT REFERENCES runs(id) ON DELETE CASCADE,
			frame_index INT NOT NULL,
			timestamp TEXT NOT NULL,
			PRIMARY KEY (run_id, frame_index)
		);
		CREATE INDEX IF NOT EXISTS runs_video_id_idx ON runs (video_id);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureVideoMetadata registers the video in the database. If it exists, it updates the timestamp.
func (s *Store) EnsureVideoMetadata(ctx context.Context, videoID, path string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO video_metadata (id, path, indexed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET indexed_at = NOW(), path = EXCLUDED.path
	`, videoID, path)
	return err
}

// SaveRun persists a run and its matched frames atomically.
func (s *Store) SaveRun(ctx context.Context, run Run) error {
	if len(run.Record.MatchedFrames) != len(run.Record.MatchedTimestamps) {
		return fmt.Errorf("run %s: %d frames but %d timestamps", run.ID, len(run.Record.MatchedFrames), len(run.Record.MatchedTimestamps))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO video_metadata (id, path, indexed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET indexed_at = NOW(), path = EXCLUDED.path
	`, run.VideoID, run.VideoPath)
	if err != nil {
		return fmt.Errorf("register video: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO runs (id, video_id, reference_id, reference_path, output_path, origin, total_frames, match_count, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, run.ID, run.VideoID, run.ReferenceID, run.ReferencePath, run.Record.ProcessedVideoPath, run.Origin,
		run.Record.TotalFrames, len(run.Record.MatchedFrames), run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if n := len(run.Record.MatchedFrames); n > 0 {
		rows := make([][]any, n)
		for i := range rows {
			rows[i] = []any{run.ID, run.Record.MatchedFrames[i], run.Record.MatchedTimestamps[i]}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"run_matches"}, []string{"run_id", "frame_index", "timestamp"}, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("insert matches: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, v.path, r.output_path, r.origin, r.total_frames, r.match_count, r.finished_at
		FROM runs r
		JOIN video_metadata v ON v.id = r.video_id
		ORDER BY r.finished_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.ID, &r.VideoPath, &r.OutputPath, &r.Origin, &r.TotalFrames, &r.MatchCount, &r.FinishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun loads a run including its matched frames in frame order.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{ID: id}
	err := s.pool.QueryRow(ctx, `
		SELECT r.video_id, v.path, r.reference_id, r.reference_path, r.output_path, r.origin, r.total_frames, r.started_at, r.finished_at
		FROM runs r
		JOIN video_metadata v ON v.id = r.video_id
		WHERE r.id = $1
	`, id).Scan(&run.VideoID, &run.VideoPath, &run.ReferenceID, &run.ReferencePath, &run.Record.ProcessedVideoPath,
		&run.Origin, &run.Record.TotalFrames, &run.StartedAt, &run.FinishedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, "SELECT frame_index, timestamp FROM run_matches WHERE run_id = $1 ORDER BY frame_index", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	run.Record.MatchedFrames = []int{}
	run.Record.MatchedTimestamps = []string{}
	for rows.Next() {
		var frame int
		var ts string
		if err := rows.Scan(&frame, &ts); err != nil {
			return nil, err
		}
		run.Record.MatchedFrames = append(run.Record.MatchedFrames, frame)
		run.Record.MatchedTimestamps = append(run.Record.MatchedTimestamps, ts)
	}
	return run, rows.Err()
}

// OutputPaths lists every processed video the history knows about.
func (s *Store) OutputPaths(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT DISTINCT output_path FROM runs")
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS run_matches CASCADE;
		DROP TABLE IF EXISTS runs CASCADE;
		DROP TABLE IF EXISTS video_metadata CASCADE;
	`)
	return err
}
