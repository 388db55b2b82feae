// Package video decodes and encodes video containers through ffmpeg pipes.
//
// Frames travel as raw RGBA (4 bytes per pixel, alpha always opaque) so they
// can be wrapped in an image.RGBA without copying, annotated in place and
// streamed straight into the encoder.
package video

import (
	"errors"
	"strconv"
)

// DefaultFrameRate is reported when the container does not carry a usable
// frame rate. Timestamps are computed from it, so callers that see it should
// treat match times as approximate.
const DefaultFrameRate = 30.0

// DefaultCodec works for the mp4, avi and mov containers accepted on upload.
const DefaultCodec = "mpeg4"

var (
	// ErrUnreadableStream means the input could not be decoded at all.
	ErrUnreadableStream = errors.New("unreadable video stream")
	// ErrWriteFailure means the output encoder could not be initialized.
	ErrWriteFailure = errors.New("cannot initialize video writer")
)

// Options controls the ffmpeg binaries and codec choices.
type Options struct {
	FFmpegPath  string // default "ffmpeg"
	FFprobePath string // default "ffprobe"

	// InputFormat forces the demuxer (e.g. "v4l2" for a capture device).
	InputFormat string

	// Codec is the ffmpeg encoder used for the output (default DefaultCodec).
	Codec string
	// Quality maps to -q:v; 0 leaves the encoder default.
	Quality int

	// CountFrames falls back to counting packets when the container has no
	// frame count. Slow on long files, only useful for progress reporting.
	CountFrames bool
}

func (o Options) ffmpeg() string {
	if o.FFmpegPath != "" {
		return o.FFmpegPath
	}
	return "ffmpeg"
}

func (o Options) ffprobe() string {
	if o.FFprobePath != "" {
		return o.FFprobePath
	}
	return "ffprobe"
}

func (o Options) codec() string {
	if o.Codec != "" {
		return o.Codec
	}
	return DefaultCodec
}

// formatRate renders a frame rate for the ffmpeg command line without
// rounding it.
func formatRate(fps float64) string {
	return strconv.FormatFloat(fps, 'f', -1, 64)
}
