// Package verifier decides whether a face crop shows the reference identity.
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

	"github.com/andresmejia3/facetrace/internal/types"
	"github.com/andresmejia3/facetrace/internal/worker"
)

// JPEGQuality used for crops sent to a backend.
const JPEGQuality = 90

// EncodeJPEG encodes img into memory.
func EncodeJPEG(img image.Image) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Worker is one verification process.
type Worker interface {
	Verify(reference, candidate []byte) (bool, float64, error)
	Close()
}

// Spawner starts worker number id.
type Spawner func(ctx context.Context, id int) (Worker, error)

// PythonSpawner starts DeepFace workers described by cfg.
func PythonSpawner(cfg worker.Config) Spawner {
	return func(ctx context.Context, id int) (Worker, error) {
		return worker.NewPythonWorker(ctx, id, cfg)
	}
}

// DeepFace verifies through a fixed pool of external worker processes.
// A worker whose pipe breaks is discarded and replaced on next use.
type DeepFace struct {
	ctx   context.Context
	spawn Spawner
	slots chan Worker // nil entries are empty slots

	mu     sync.Mutex
	nextID int
	closed bool
}

// NewDeepFace creates a pool of size workers. Workers are started on first
// use and live until Close or until ctx is done.
func NewDeepFace(ctx context.Context, size int, spawn Spawner) *DeepFace {
	if size < 1 {
		size = 1
	}
	d := &DeepFace{ctx: ctx, spawn: spawn, slots: make(chan Worker, size)}
	for i := 0; i < size; i++ {
		d.slots <- nil
	}
	return d
}

// Verify compares candidate against ref. It blocks until a worker is free.
func (d *DeepFace) Verify(ctx context.Context, ref *types.Reference, candidate image.Image) (types.Outcome, error) {
	cand, err := EncodeJPEG(candidate)
	if err != nil {
		return types.NoFace, err
	}

	var w Worker
	select {
	case w = <-d.slots:
	case <-ctx.Done():
		return types.NoFace, ctx.Err()
	}

	if w == nil {
		if w, err = d.start(); err != nil {
			d.slots <- nil
			return types.NoFace, err
		}
	}

	verified, distance, err := w.Verify(ref.Data, cand)
	if err != nil {
		if !errors.Is(err, worker.ErrRemote) {
			// Transport failure: the process is gone or out of sync.
			w.Close()
			w = nil
		}
		d.slots <- w
		return types.NoFace, err
	}
	d.slots <- w
	if !verified && math.IsInf(distance, 1) {
		// The worker found no face in one of the two images.
		return types.NoFace, nil
	}
	return types.Outcome{Verified: verified, Distance: distance}, nil
}

func (d *DeepFace) start() (Worker, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, fmt.Errorf("verifier pool closed")
	}
	d.nextID++
	id := d.nextID
	d.mu.Unlock()

	w, err := d.spawn(d.ctx, id)
	if err != nil {
		return nil, fmt.Errorf("start worker %d: %w", id, err)
	}
	return w, nil
}

// Close stops idle workers. Call it once no Verify is in flight.
func (d *DeepFace) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	for i := 0; i < cap(d.slots); i++ {
		if w := <-d.slots; w != nil {
			w.Close()
		}
	}
	return nil
}
