package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/facetrace/internal/types"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("facetrace_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close()

	// --- Test Scenarios ---

	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	runA := Run{
		ID:            uuid.NewString(),
		VideoID:       "vid_123",
		VideoPath:     "/tmp/video.mp4",
		ReferenceID:   "ref_abc",
		ReferencePath: "/tmp/ref.jpg",
		Origin:        "cli",
		Record: types.MatchRecord{
			MatchedFrames:      []int{30, 31, 90},
			MatchedTimestamps:  []string{"00:01:000", "00:01:033", "00:03:000"},
			TotalFrames:        120,
			ProcessedVideoPath: "/tmp/video_processed.mp4",
		},
		StartedAt:  started,
		FinishedAt: started.Add(30 * time.Second),
	}
	if err := s.SaveRun(ctx, runA); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	// Same video, no matches, finished later.
	runB := runA
	runB.ID = uuid.NewString()
	runB.Origin = "http"
	runB.Record = types.MatchRecord{MatchedFrames: []int{}, MatchedTimestamps: []string{}, TotalFrames: 120, ProcessedVideoPath: "/tmp/video_processed.mp4"}
	runB.FinishedAt = runA.FinishedAt.Add(time.Minute)
	if err := s.SaveRun(ctx, runB); err != nil {
		t.Fatalf("SaveRun (no matches) failed: %v", err)
	}

	// Mismatched record is rejected before touching the database.
	bad := runA
	bad.ID = uuid.NewString()
	bad.Record.MatchedTimestamps = bad.Record.MatchedTimestamps[:1]
	if err := s.SaveRun(ctx, bad); err == nil {
		t.Error("Expected SaveRun to reject misaligned record")
	}

	got, err := s.GetRun(ctx, runA.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if !reflect.DeepEqual(got.Record, runA.Record) {
		t.Errorf("Record round trip mismatch:\n got %+v\nwant %+v", got.Record, runA.Record)
	}
	if got.Origin != "cli" || got.VideoPath != runA.VideoPath {
		t.Errorf("Unexpected run metadata %+v", got)
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != runB.ID || runs[1].MatchCount != 3 {
		t.Errorf("Expected newest first with match counts, got %+v", runs)
	}

	paths, err := s.OutputPaths(ctx)
	if err != nil {
		t.Fatalf("OutputPaths failed: %v", err)
	}
	if len(paths) != 1 || paths[0] != "/tmp/video_processed.mp4" {
		t.Errorf("Unexpected output paths %v", paths)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListRuns(ctx, 10); err == nil {
		t.Error("Expected ListRuns to fail after tables were dropped")
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
