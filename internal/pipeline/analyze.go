package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"
	"os"

	"github.com/andresmejia3/facetrace/internal/types"
)

// Analyze counts how many frames of videoPath contain at least one face.
// No reference and no output file are involved.
func (p *Pipeline) Analyze(ctx context.Context, videoPath string) (*types.PresenceSummary, error) {
	src, err := p.opts.OpenSource(ctx, videoPath)
	if err != nil {
		if !errors.Is(err, ErrUnreadableStream) {
			err = fmt.Errorf("%w: %v", ErrUnreadableStream, err)
		}
		return nil, err
	}
	defer src.Close()

	sum := &types.PresenceSummary{}
	onFrame := p.opts.Hooks.OnFrame
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: frame %d: %v", ErrUnreadableStream, sum.TotalCount+1, err)
		}

		sum.TotalCount++
		rects, err := p.loc.Locate(frame.Image)
		if err != nil {
			p.log.Warning("Frame %d: face detection failed: %v", frame.Index, err)
		} else if len(rects) > 0 {
			sum.SubjectCount++
		}
		if onFrame != nil {
			onFrame(frame.Index)
		}
		recycle(src, frame)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return sum, nil
}

// AnalyzeImage reports the number of faces in a single still image.
func (p *Pipeline) AnalyzeImage(path string) (*types.PresenceSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	rects, err := p.loc.Locate(toRGBA(img))
	if err != nil {
		return nil, fmt.Errorf("face detection: %w", err)
	}
	return &types.PresenceSummary{SubjectCount: len(rects), TotalCount: 1}, nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}
