package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/andresmejia3/facetrace/internal/types"
	"github.com/andresmejia3/facetrace/internal/utils"
)

// Buffer pool to reduce GC pressure while decoding
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, 1024*1024) },
}

// Source is an open decoder. It is not safe for concurrent use.
type Source struct {
	info      types.VideoInfo
	r         io.Reader
	frameSize int
	index     int
	done      bool
	err       error

	cmd    *utils.SafeCommand
	cancel context.CancelFunc
}

// Open probes path and starts an ffmpeg decoder producing raw RGBA frames.
// Any failure is reported as ErrUnreadableStream.
func Open(ctx context.Context, path string, opts Options) (*Source, error) {
	info, err := Probe(ctx, path, opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := newRawDecoder(ctx, path, opts)
	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: decoder pipe: %v", ErrUnreadableStream, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start decoder: %v", ErrUnreadableStream, err)
	}

	s := NewSource(out, info)
	s.cmd = cmd
	s.cancel = cancel
	return s, nil
}

// NewSource reads tightly packed RGBA frames of info's dimensions from r.
func NewSource(r io.Reader, info types.VideoInfo) *Source {
	return &Source{
		info:      info,
		r:         r,
		frameSize: info.Width * info.Height * 4,
	}
}

// newRawDecoder configures ffmpeg to write every decoded frame as raw RGBA to stdout.
func newRawDecoder(ctx context.Context, path string, opts Options) *utils.SafeCommand {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if opts.InputFormat != "" {
		args = append(args, "-f", opts.InputFormat)
	}
	args = append(args, "-i", path, "-an", "-vsync", "passthrough", "-f", "rawvideo", "-pix_fmt", "rgba", "-")
	return utils.NewSafeCommand(ctx, opts.ffmpeg(), args...)
}

// Info returns the probed stream properties.
func (s *Source) Info() types.VideoInfo {
	return s.info
}

// Next returns the next frame, or io.EOF once the stream is exhausted.
// After the first io.EOF every further call returns io.EOF again.
func (s *Source) Next() (*types.Frame, error) {
	if s.done {
		return nil, io.EOF
	}

	buf := frameBufferPool.Get().([]byte)
	if cap(buf) < s.frameSize {
		buf = make([]byte, s.frameSize)
	}
	buf = buf[:s.frameSize]

	if _, err := io.ReadFull(s.r, buf); err != nil {
		frameBufferPool.Put(buf)
		// A truncated trailing frame is dropped like a clean end of stream.
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			s.err = err
		}
		s.finish()
		return nil, io.EOF
	}

	s.index++
	return &types.Frame{
		Index: s.index,
		Image: &image.RGBA{
			Pix:    buf,
			Stride: s.info.Width * 4,
			Rect:   image.Rect(0, 0, s.info.Width, s.info.Height),
		},
	}, nil
}

// Recycle hands a frame's buffer back for reuse. The frame must not be used afterwards.
func (s *Source) Recycle(f *types.Frame) {
	if f == nil || f.Image == nil {
		return
	}
	frameBufferPool.Put(f.Image.Pix[:0])
	f.Image = nil
}

// FramesRead is the number of frames returned so far.
func (s *Source) FramesRead() int {
	return s.index
}

// Err reports a decoder failure observed when the stream ended. It does not
// change what Next returns.
func (s *Source) Err() error {
	return s.err
}

func (s *Source) finish() {
	s.done = true
	if s.cmd == nil {
		return
	}
	if err := s.cmd.Wait(); err != nil && s.err == nil {
		s.err = fmt.Errorf("decoder exited: %w: %s", err, s.cmd.Stderr.String())
	}
	s.cancel()
	s.cmd = nil
}

// Close stops the decoder. It is safe to call more than once.
func (s *Source) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	if s.cmd == nil {
		return nil
	}
	s.cancel()
	// Killed on purpose; the exit status carries no information.
	_ = s.cmd.Wait()
	s.cmd = nil
	return nil
}
