package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/facetrace/internal/config"
	"github.com/andresmejia3/facetrace/internal/locator"
	"github.com/andresmejia3/facetrace/internal/logger"
	"github.com/andresmejia3/facetrace/internal/pipeline"
	"github.com/andresmejia3/facetrace/internal/tracker"
	"github.com/andresmejia3/facetrace/internal/verifier"
	"github.com/andresmejia3/facetrace/internal/verifier/dlib"
	"github.com/andresmejia3/facetrace/internal/video"
)

// engine owns the loaded models behind a pipeline.
type engine struct {
	*pipeline.Pipeline
	closers []func() error
}

func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Cleanup failed: %v\n", err)
		}
	}
}

// videoOptions maps the configuration onto the ffmpeg layer.
func videoOptions(cfg *config.Config, inputFormat string) video.Options {
	return video.Options{
		FFmpegPath:  cfg.Video.FFmpegPath,
		FFprobePath: cfg.Video.FFprobePath,
		InputFormat: inputFormat,
		Codec:       cfg.Video.Codec,
		Quality:     cfg.Video.Quality,
	}
}

type engineOptions struct {
	Video      video.Options
	OutputDir  string
	DetectOnly bool
	// OnFrame is called for every decoded frame of every run.
	OnFrame func(index int)
}

// newEngine loads the locator and, unless DetectOnly, the configured verifier.
func newEngine(ctx context.Context, cfg *config.Config, log *logger.Logger, opts engineOptions) (*engine, error) {
	e := &engine{}

	fmt.Fprintln(os.Stderr, "🚀 Loading face locator...")
	loc, err := locator.New(locator.Config(cfg.Locator))
	if err != nil {
		return nil, fmt.Errorf("face locator: %w", err)
	}
	e.closers = append(e.closers, loc.Close)

	var ver pipeline.Verifier
	if !opts.DetectOnly {
		switch cfg.Backend {
		case config.BackendDlib:
			fmt.Fprintln(os.Stderr, "🚀 Loading dlib models...")
			d, err := dlib.New(cfg.Dlib.ModelsDir, cfg.Dlib.Threshold)
			if err != nil {
				e.Close()
				return nil, err
			}
			e.closers = append(e.closers, d.Close)
			ver = d
		default:
			fmt.Fprintf(os.Stderr, "⚙️  Using %d DeepFace worker(s)...\n", cfg.Workers)
			pool := verifier.NewDeepFace(ctx, cfg.Workers, verifier.PythonSpawner(cfg.Worker))
			e.closers = append(e.closers, pool.Close)
			ver = pool
		}
	}

	e.Pipeline = pipeline.New(loc, ver, pipeline.Options{
		Video:      opts.Video,
		OutputDir:  opts.OutputDir,
		CropMargin: cfg.CropMargin,
		Hooks:      tracker.Hooks{OnFrame: opts.OnFrame},
		Logger:     log,
	})
	return e, nil
}
