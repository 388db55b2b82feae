package verifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"sync"
	"testing"

	"github.com/andresmejia3/facetrace/internal/types"
	"github.com/andresmejia3/facetrace/internal/worker"
)

type fakeWorker struct {
	id     int
	err    error
	closed bool
	calls  int
}

func (f *fakeWorker) Verify(reference, candidate []byte) (bool, float64, error) {
	f.calls++
	if f.err != nil {
		return false, 0, f.err
	}
	return bytes.Equal(reference, []byte("ref")), 0.3, nil
}

func (f *fakeWorker) Close() { f.closed = true }

// faceless answers like a worker that detects no face in either image.
type faceless struct{ closed bool }

func (f *faceless) Verify(reference, candidate []byte) (bool, float64, error) {
	return false, math.Inf(1), nil
}

func (f *faceless) Close() { f.closed = true }

type spawnRecorder struct {
	mu      sync.Mutex
	workers []*fakeWorker
	nextErr error
	fail    error
}

func (s *spawnRecorder) spawn(_ context.Context, id int) (Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	w := &fakeWorker{id: id, err: s.nextErr}
	s.workers = append(s.workers, w)
	return w, nil
}

func testImage() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 8, 8))
}

func TestEncodeJPEG(t *testing.T) {
	data, err := EncodeJPEG(testImage())
	if err != nil {
		t.Fatal(err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Output is not a JPEG: %v", err)
	}
	if img.Bounds().Dx() != 8 {
		t.Errorf("Unexpected bounds %v", img.Bounds())
	}
}

func TestDeepFaceVerify(t *testing.T) {
	rec := &spawnRecorder{}
	pool := NewDeepFace(context.Background(), 2, rec.spawn)
	defer pool.Close()

	ref := &types.Reference{ID: "r", Data: []byte("ref")}
	for i := 0; i < 3; i++ {
		out, err := pool.Verify(context.Background(), ref, testImage())
		if err != nil {
			t.Fatal(err)
		}
		if !out.Verified || out.Distance != 0.3 {
			t.Errorf("Unexpected outcome %+v", out)
		}
	}

	// Never more processes than slots.
	if len(rec.workers) != 2 {
		t.Errorf("Expected 2 workers spawned lazily, got %d", len(rec.workers))
	}
}

func TestDeepFaceRespawnsBrokenWorker(t *testing.T) {
	rec := &spawnRecorder{nextErr: fmt.Errorf("worker 1: %w", errors.New("broken pipe"))}
	pool := NewDeepFace(context.Background(), 1, rec.spawn)
	defer pool.Close()

	ref := &types.Reference{Data: []byte("ref")}
	if _, err := pool.Verify(context.Background(), ref, testImage()); err == nil {
		t.Fatal("Expected error from broken worker")
	}
	if !rec.workers[0].closed {
		t.Error("Broken worker should be closed")
	}

	rec.nextErr = nil
	out, err := pool.Verify(context.Background(), ref, testImage())
	if err != nil || !out.Verified {
		t.Fatalf("Expected replacement worker to succeed, got %+v, %v", out, err)
	}
	if len(rec.workers) != 2 {
		t.Errorf("Expected a second worker, got %d", len(rec.workers))
	}
}

func TestDeepFaceKeepsWorkerOnRemoteError(t *testing.T) {
	rec := &spawnRecorder{nextErr: fmt.Errorf("%w: no face", worker.ErrRemote)}
	pool := NewDeepFace(context.Background(), 1, rec.spawn)
	defer pool.Close()

	ref := &types.Reference{Data: []byte("ref")}
	for i := 0; i < 2; i++ {
		if _, err := pool.Verify(context.Background(), ref, testImage()); !errors.Is(err, worker.ErrRemote) {
			t.Fatalf("Expected ErrRemote, got %v", err)
		}
	}
	if len(rec.workers) != 1 || rec.workers[0].calls != 2 {
		t.Errorf("Worker should survive remote errors; spawned %d", len(rec.workers))
	}
}

func TestDeepFaceSpawnFailure(t *testing.T) {
	rec := &spawnRecorder{fail: errors.New("python3 not found")}
	pool := NewDeepFace(context.Background(), 1, rec.spawn)
	defer pool.Close()

	out, err := pool.Verify(context.Background(), &types.Reference{}, testImage())
	if err == nil {
		t.Fatal("Expected spawn error")
	}
	if out.Verified {
		t.Error("Failure must not verify")
	}

	// The slot is returned, so a later call does not deadlock.
	rec.fail = nil
	if _, err := pool.Verify(context.Background(), &types.Reference{}, testImage()); err != nil {
		t.Fatalf("Expected recovery after spawn failure, got %v", err)
	}
}

func TestDeepFaceHonoursContext(t *testing.T) {
	rec := &spawnRecorder{}
	pool := NewDeepFace(context.Background(), 1, rec.spawn)

	// Hold the only slot.
	held := <-pool.slots
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := pool.Verify(ctx, &types.Reference{}, testImage()); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	pool.slots <- held
	pool.Close()
}

func TestDeepFaceNoFace(t *testing.T) {
	w := &faceless{}
	pool := NewDeepFace(context.Background(), 1, func(context.Context, int) (Worker, error) { return w, nil })
	defer pool.Close()

	out, err := pool.Verify(context.Background(), &types.Reference{Data: []byte("ref")}, testImage())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if out != types.NoFace {
		t.Errorf("Expected NoFace, got %+v", out)
	}
	if w.closed {
		t.Error("Worker should stay alive after a no-face answer")
	}
}
