// Package pipeline runs the locate, verify, track, annotate and encode loop
// over a video for one reference face.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/facetrace/internal/annotate"
	"github.com/andresmejia3/facetrace/internal/logger"
	"github.com/andresmejia3/facetrace/internal/tracker"
	"github.com/andresmejia3/facetrace/internal/types"
	"github.com/andresmejia3/facetrace/internal/video"
)

var (
	// ErrInvalidReferenceFace means the reference photo has no usable face.
	ErrInvalidReferenceFace = errors.New("no valid face found in the reference photo")
	// ErrUnreadableStream means the input video could not be decoded.
	ErrUnreadableStream = video.ErrUnreadableStream
	// ErrWriteFailure means the annotated output could not be written.
	ErrWriteFailure = video.ErrWriteFailure
)

// DefaultCropMargin pads each candidate by this fraction of its size on every side.
const DefaultCropMargin = 0.2

// Locator finds candidate face regions in a frame.
type Locator interface {
	Locate(frame *image.RGBA) ([]image.Rectangle, error)
}

// Verifier decides whether candidate shows the reference identity.
// Implementations shared between runs must be safe for concurrent use.
type Verifier interface {
	Verify(ctx context.Context, ref *types.Reference, candidate image.Image) (types.Outcome, error)
}

// FrameSource yields frames in order and io.EOF at the end.
type FrameSource interface {
	Info() types.VideoInfo
	Next() (*types.Frame, error)
	Close() error
}

// FrameSink receives the annotated frames.
type FrameSink interface {
	Write(img *image.RGBA) error
	Close() error
	Abort() error
}

type (
	SourceOpener func(ctx context.Context, path string) (FrameSource, error)
	SinkCreator  func(ctx context.Context, path string, info types.VideoInfo) (FrameSink, error)
)

// Options tunes a Pipeline. The zero value decodes and encodes through ffmpeg.
type Options struct {
	Video video.Options

	// OutputDir receives the processed video; empty means next to the input.
	OutputDir string
	// CropMargin overrides DefaultCropMargin when positive.
	CropMargin float64

	OpenSource SourceOpener
	CreateSink SinkCreator

	// Hooks observe every run in addition to the built-in logging.
	Hooks  tracker.Hooks
	Logger *logger.Logger
}

// Pipeline holds the shared models. Runs keep all their state on the stack,
// so one Pipeline can serve concurrent Process calls.
type Pipeline struct {
	loc  Locator
	ver  Verifier
	opts Options
	log  *logger.Logger
}

// New wires a pipeline. ver may be nil when only Analyze is used.
func New(loc Locator, ver Verifier, opts Options) *Pipeline {
	if opts.CropMargin <= 0 {
		opts.CropMargin = DefaultCropMargin
	}
	if opts.OpenSource == nil {
		vopts := opts.Video
		opts.OpenSource = func(ctx context.Context, path string) (FrameSource, error) {
			return video.Open(ctx, path, vopts)
		}
	}
	if opts.CreateSink == nil {
		vopts := opts.Video
		opts.CreateSink = func(ctx context.Context, path string, info types.VideoInfo) (FrameSink, error) {
			return video.Create(ctx, path, info.FrameRate, info.Width, info.Height, vopts)
		}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Pipeline{loc: loc, ver: ver, opts: opts, log: log}
}

// Process scans videoPath for the face in photoPath, writes an annotated copy
// and returns the matched frames. Failures before the first frame are
// ErrInvalidReferenceFace, ErrUnreadableStream or ErrWriteFailure, checked in
// that order. A cancelled run returns ctx.Err() and leaves no output file.
func (p *Pipeline) Process(ctx context.Context, videoPath, photoPath string) (*types.MatchRecord, error) {
	return p.ProcessWithHooks(ctx, videoPath, photoPath, tracker.Hooks{})
}

// ProcessWithHooks is Process with extra per-run observers.
func (p *Pipeline) ProcessWithHooks(ctx context.Context, videoPath, photoPath string, hooks tracker.Hooks) (*types.MatchRecord, error) {
	if p.ver == nil {
		return nil, fmt.Errorf("pipeline has no verifier")
	}

	// 1. Reference
	ref, err := LoadReference(photoPath)
	if err != nil {
		return nil, err
	}
	if err := p.validateReference(ctx, ref); err != nil {
		return nil, err
	}

	// 2. Source
	src, err := p.opts.OpenSource(ctx, videoPath)
	if err != nil {
		if !errors.Is(err, ErrUnreadableStream) {
			err = fmt.Errorf("%w: %v", ErrUnreadableStream, err)
		}
		return nil, err
	}
	defer src.Close()
	info := src.Info()

	// 3. Sink
	outPath := OutputPath(videoPath, p.opts.OutputDir)
	sink, err := p.opts.CreateSink(ctx, outPath, info)
	if err != nil {
		if !errors.Is(err, ErrWriteFailure) {
			err = fmt.Errorf("%w: %v", ErrWriteFailure, err)
		}
		return nil, err
	}
	finished := false
	defer func() {
		if !finished {
			if err := sink.Abort(); err != nil {
				p.log.Warning("Failed to remove partial output %s: %v", outPath, err)
			}
		}
	}()

	p.log.Info("Processing %s (%dx%d @ %.3f fps) against %s", videoPath, info.Width, info.Height, info.FrameRate, photoPath)

	// 4. Frame loop
	tr := tracker.New(info.FrameRate, p.hooks(hooks))
	for {
		if err := ctx.Err(); err != nil {
			p.log.Warning("Run cancelled after %d frames", tr.Frames())
			return nil, err
		}

		frame, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: frame %d: %v", ErrUnreadableStream, tr.Frames()+1, err)
		}

		res := tr.Observe(frame.Index, p.check(ctx, ref, frame))
		if len(res.Matched) > 0 {
			annotate.Annotate(frame.Image, res.Matched, res.Timestamp)
		}
		if err := sink.Write(frame.Image); err != nil {
			return nil, fmt.Errorf("%w: frame %d: %v", ErrWriteFailure, frame.Index, err)
		}
		recycle(src, frame)
	}

	// A cancelled decoder ends its stream early and looks like EOF.
	if err := ctx.Err(); err != nil {
		p.log.Warning("Run cancelled after %d frames", tr.Frames())
		return nil, err
	}
	if err := sink.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	finished = true

	if e, ok := src.(interface{ Err() error }); ok && e.Err() != nil {
		p.log.Warning("Decoder reported an error at end of stream: %v", e.Err())
	}

	rec := tr.Record()
	rec.ProcessedVideoPath = outPath
	p.log.Info("Finished %s: %d/%d frames matched", videoPath, len(rec.MatchedFrames), rec.TotalFrames)
	return &rec, nil
}

// validateReference runs the verifier on the reference against itself.
func (p *Pipeline) validateReference(ctx context.Context, ref *types.Reference) error {
	out, err := p.ver.Verify(ctx, ref, ref.Image)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReferenceFace, err)
	}
	if !out.Verified {
		return fmt.Errorf("%w: %s does not verify against itself", ErrInvalidReferenceFace, ref.Path)
	}
	return nil
}

// check locates and verifies every candidate in frame. Failures are folded
// into the checks; nothing here stops the run.
func (p *Pipeline) check(ctx context.Context, ref *types.Reference, frame *types.Frame) []tracker.Check {
	rects, err := p.loc.Locate(frame.Image)
	if err != nil {
		p.log.Warning("Frame %d: face detection failed: %v", frame.Index, err)
		return nil
	}

	checks := make([]tracker.Check, 0, len(rects))
	for _, r := range rects {
		out, err := p.ver.Verify(ctx, ref, Crop(frame.Image, r, p.opts.CropMargin))
		checks = append(checks, tracker.Check{Rect: r, Outcome: out, Err: err})
	}
	return checks
}

// hooks layers logging and the pipeline-wide hooks under the per-run ones.
func (p *Pipeline) hooks(run tracker.Hooks) tracker.Hooks {
	global := p.opts.Hooks
	return tracker.Hooks{
		OnFrame: func(index int) {
			if global.OnFrame != nil {
				global.OnFrame(index)
			}
			if run.OnFrame != nil {
				run.OnFrame(index)
			}
		},
		OnMatch: func(index int, ts string, matched []image.Rectangle) {
			p.log.Debug("Frame %d (%s): %d matching face(s)", index, ts, len(matched))
			if global.OnMatch != nil {
				global.OnMatch(index, ts, matched)
			}
			if run.OnMatch != nil {
				run.OnMatch(index, ts, matched)
			}
		},
		OnFaceLost: func(index int, ts string) {
			p.log.Info("Face lost at frame %d (%s)", index, ts)
			if global.OnFaceLost != nil {
				global.OnFaceLost(index, ts)
			}
			if run.OnFaceLost != nil {
				run.OnFaceLost(index, ts)
			}
		},
		OnCandidateFailed: func(index int, r image.Rectangle, err error) {
			p.log.Warning("Error processing frame %d candidate %v: %v", index, r, err)
			if global.OnCandidateFailed != nil {
				global.OnCandidateFailed(index, r, err)
			}
			if run.OnCandidateFailed != nil {
				run.OnCandidateFailed(index, r, err)
			}
		},
	}
}

func recycle(src FrameSource, f *types.Frame) {
	if r, ok := src.(interface{ Recycle(*types.Frame) }); ok {
		r.Recycle(f)
	}
}

// Crop returns a view of frame around r, grown by margin times the face size
// on each side and clipped to the frame. It shares pixels with frame.
func Crop(frame *image.RGBA, r image.Rectangle, margin float64) image.Image {
	dx := int(float64(r.Dx()) * margin)
	dy := int(float64(r.Dy()) * margin)
	padded := image.Rect(r.Min.X-dx, r.Min.Y-dy, r.Max.X+dx, r.Max.Y+dy)
	return frame.SubImage(padded.Intersect(frame.Bounds()))
}

// OutputPath derives "<dir>/<stem>_processed<ext>" from the input path. Inputs
// without an extension (capture devices, streams) get ".mp4". Stream URLs
// without an explicit dir are written to the working directory.
func OutputPath(input, dir string) string {
	base := filepath.Base(input)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if ext == "" {
		ext = ".mp4"
	}
	if dir == "" {
		dir = filepath.Dir(input)
		if strings.Contains(input, "://") {
			dir = "."
		}
	}
	return filepath.Join(dir, stem+"_processed"+ext)
}
