// Package locator finds candidate face regions in frames with an OpenCV Haar cascade.
package locator

import (
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

// Config holds the cascade tunables.
type Config struct {
	// CascadePath points at an OpenCV cascade XML file.
	CascadePath string `yaml:"cascade_path"`
	// ScaleFactor is the image pyramid step (must be > 1).
	ScaleFactor float64 `yaml:"scale_factor"`
	// MinNeighbors is how many overlapping hits a region needs to be kept.
	MinNeighbors int `yaml:"min_neighbors"`
	// MinSize and MaxSize bound the face side in pixels; 0 disables MaxSize.
	MinSize int `yaml:"min_size"`
	MaxSize int `yaml:"max_size"`
	// Equalize applies histogram equalisation before detection.
	Equalize bool `yaml:"equalize"`
}

// DefaultConfig returns the cascade parameters commonly used for frontal faces.
func DefaultConfig() Config {
	return Config{
		CascadePath:  "haarcascade_frontalface_default.xml",
		ScaleFactor:  1.1,
		MinNeighbors: 5,
		MinSize:      30,
	}
}

// Validate reports the first unusable parameter.
func (c Config) Validate() error {
	switch {
	case c.CascadePath == "":
		return fmt.Errorf("cascade path is required")
	case c.ScaleFactor <= 1:
		return fmt.Errorf("scale factor must be greater than 1, got %v", c.ScaleFactor)
	case c.MinNeighbors < 0:
		return fmt.Errorf("min neighbors must not be negative, got %d", c.MinNeighbors)
	case c.MinSize < 0 || c.MaxSize < 0:
		return fmt.Errorf("face size bounds must not be negative")
	case c.MaxSize > 0 && c.MaxSize < c.MinSize:
		return fmt.Errorf("max size %d is below min size %d", c.MaxSize, c.MinSize)
	}
	return nil
}

// Cascade is a loaded classifier. It may be shared between runs; detection
// calls are serialised because the classifier keeps internal scratch state.
type Cascade struct {
	cfg        Config
	mu         sync.Mutex
	classifier gocv.CascadeClassifier
}

// New loads the cascade described by cfg.
func New(cfg Config) (*Cascade, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.CascadePath); err != nil {
		return nil, fmt.Errorf("cascade file: %w", err)
	}

	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(cfg.CascadePath) {
		classifier.Close()
		return nil, fmt.Errorf("failed to load cascade classifier from %s", cfg.CascadePath)
	}
	return &Cascade{cfg: cfg, classifier: classifier}, nil
}

// Locate returns candidate face rectangles in frame coordinates. An empty
// result is normal.
func (c *Cascade) Locate(frame *image.RGBA) ([]image.Rectangle, error) {
	b := frame.Bounds()
	if b.Empty() {
		return []image.Rectangle{}, nil
	}

	mat, err := gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC4, packed(frame))
	if err != nil {
		return nil, fmt.Errorf("wrap frame: %w", err)
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorRGBAToGray)

	input := gray
	if c.cfg.Equalize {
		equalized := gocv.NewMat()
		defer equalized.Close()
		gocv.EqualizeHist(gray, &equalized)
		input = equalized
	}

	maxSize := image.Point{}
	if c.cfg.MaxSize > 0 {
		maxSize = image.Pt(c.cfg.MaxSize, c.cfg.MaxSize)
	}

	c.mu.Lock()
	rects := c.classifier.DetectMultiScaleWithParams(
		input,
		c.cfg.ScaleFactor,
		c.cfg.MinNeighbors,
		0,
		image.Pt(c.cfg.MinSize, c.cfg.MinSize),
		maxSize,
	)
	c.mu.Unlock()

	return toFrame(rects, b), nil
}

// Close releases the classifier.
func (c *Cascade) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classifier.Close()
}

// packed returns the frame pixels without row padding, copying only when the
// frame is a sub-image.
func packed(img *image.RGBA) []byte {
	b := img.Bounds()
	rowLen := b.Dx() * 4
	if img.Stride == rowLen {
		return img.Pix[:rowLen*b.Dy()]
	}
	buf := make([]byte, 0, rowLen*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		buf = append(buf, img.Pix[off:off+rowLen]...)
	}
	return buf
}

// toFrame moves detections from Mat coordinates (origin 0,0) into the frame's
// coordinate space and drops anything that ends up outside it.
func toFrame(rects []image.Rectangle, bounds image.Rectangle) []image.Rectangle {
	out := make([]image.Rectangle, 0, len(rects))
	for _, r := range rects {
		r = r.Add(bounds.Min).Intersect(bounds)
		if !r.Empty() {
			out = append(out, r)
		}
	}
	return out
}
