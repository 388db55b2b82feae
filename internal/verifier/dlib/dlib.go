// Package dlib verifies identities in-process with dlib's ResNet face
// descriptors through github.com/Kagami/go-face.
package dlib

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/Kagami/go-face"

	"github.com/andresmejia3/facetrace/internal/types"
	"github.com/andresmejia3/facetrace/internal/verifier"
)

// DefaultThreshold is the usual dlib cut-off for "same person".
const DefaultThreshold = 0.6

// cacheSize bounds how many reference descriptors are kept.
const cacheSize = 64

// Verifier compares 128-d descriptors by Euclidean distance. The recognizer
// is shared; calls into it are serialised.
type Verifier struct {
	threshold float64

	mu  sync.Mutex
	rec *face.Recognizer

	cacheMu sync.Mutex
	cache   map[string]*face.Descriptor // nil value: reference has no face
	order   []string
}

// New loads the dlib models (shape predictor, ResNet, CNN/HOG detector) from modelsDir.
func New(modelsDir string, threshold float64) (*Verifier, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("load dlib models from %s: %w", modelsDir, err)
	}
	return &Verifier{
		threshold: threshold,
		rec:       rec,
		cache:     make(map[string]*face.Descriptor),
	}, nil
}

// Verify reports whether candidate shows the reference identity. A candidate
// or reference without a detectable face is simply not verified.
func (v *Verifier) Verify(ctx context.Context, ref *types.Reference, candidate image.Image) (types.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return types.NoFace, err
	}

	refDesc, err := v.reference(ref)
	if err != nil {
		return types.NoFace, err
	}
	if refDesc == nil {
		return types.NoFace, nil
	}

	candDesc, err := v.describe(candidate)
	if err != nil {
		return types.NoFace, err
	}
	if candDesc == nil {
		return types.NoFace, nil
	}

	d := Distance(*refDesc, *candDesc)
	return types.Outcome{Verified: d <= v.threshold, Distance: d}, nil
}

// reference returns the cached descriptor for ref, computing it once.
func (v *Verifier) reference(ref *types.Reference) (*face.Descriptor, error) {
	key := ref.ID
	if key != "" {
		v.cacheMu.Lock()
		desc, ok := v.cache[key]
		v.cacheMu.Unlock()
		if ok {
			return desc, nil
		}
	}

	desc, err := v.describe(ref.Image)
	if err != nil {
		return nil, fmt.Errorf("reference descriptor: %w", err)
	}

	if key != "" {
		v.cacheMu.Lock()
		if _, ok := v.cache[key]; !ok {
			if len(v.order) >= cacheSize {
				delete(v.cache, v.order[0])
				v.order = v.order[1:]
			}
			v.order = append(v.order, key)
		}
		v.cache[key] = desc
		v.cacheMu.Unlock()
	}
	return desc, nil
}

// describe returns nil when no face is found.
func (v *Verifier) describe(img image.Image) (*face.Descriptor, error) {
	if img == nil {
		return nil, fmt.Errorf("no image")
	}
	// go-face only decodes JPEG.
	data, err := verifier.EncodeJPEG(img)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	f, err := v.rec.RecognizeSingle(data)
	v.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("recognize: %w", err)
	}
	if f == nil {
		return nil, nil
	}
	desc := f.Descriptor
	return &desc, nil
}

// Close frees the dlib models.
func (v *Verifier) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rec.Close()
	return nil
}

// Distance is the Euclidean distance between two descriptors.
func Distance(a, b face.Descriptor) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
