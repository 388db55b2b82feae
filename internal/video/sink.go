package video

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/andresmejia3/facetrace/internal/utils"
)

// Sink is an open encoder writing raw RGBA frames into a container file.
type Sink struct {
	path   string
	width  int
	height int

	cmd    *utils.SafeCommand
	in     io.WriteCloser
	cancel context.CancelFunc
	closed bool
}

// Create checks that the encoder can actually be used and starts it.
// Every precondition failure (ffmpeg missing, codec unavailable, destination
// not writable, process refusing to start) is reported as ErrWriteFailure and
// leaves no file behind.
func Create(ctx context.Context, path string, fps float64, width, height int, opts Options) (*Sink, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: invalid frame size %dx%d", ErrWriteFailure, width, height)
	}
	if fps <= 0 {
		fps = DefaultFrameRate
	}

	bin, err := exec.LookPath(opts.ffmpeg())
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not found: %v", ErrWriteFailure, err)
	}
	if err := checkEncoder(ctx, bin, opts.codec()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	if err := checkWritableDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := newRawEncoder(ctx, bin, path, fps, width, height, opts)
	in, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: encoder pipe: %v", ErrWriteFailure, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start encoder: %v", ErrWriteFailure, err)
	}

	return &Sink{
		path:   path,
		width:  width,
		height: height,
		cmd:    cmd,
		in:     in,
		cancel: cancel,
	}, nil
}

// newRawEncoder reads raw RGBA frames from stdin at the source frame rate.
func newRawEncoder(ctx context.Context, bin, path string, fps float64, width, height int, opts Options) *utils.SafeCommand {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", formatRate(fps),
		"-i", "-",
		"-an", "-c:v", opts.codec(), "-pix_fmt", "yuv420p",
	}
	if opts.Quality > 0 {
		args = append(args, "-q:v", strconv.Itoa(opts.Quality))
	}
	args = append(args, path)
	return utils.NewSafeCommand(ctx, bin, args...)
}

// checkEncoder asks ffmpeg for its encoder list; a codec that is merely
// unknown to the build would otherwise only surface after the first write.
func checkEncoder(ctx context.Context, bin, codec string) error {
	out, err := exec.CommandContext(ctx, bin, "-hide_banner", "-encoders").Output()
	if err != nil {
		return fmt.Errorf("list encoders: %v", err)
	}
	if _, ok := parseEncoders(out)[codec]; !ok {
		return fmt.Errorf("codec %q not available in this ffmpeg build", codec)
	}
	return nil
}

// parseEncoders extracts encoder names from `ffmpeg -encoders` output.
// Entries follow the " ------" separator as "<flags> <name> <description>".
func parseEncoders(out []byte) map[string]struct{} {
	encoders := make(map[string]struct{})
	sc := bufio.NewScanner(bytes.NewReader(out))
	listing := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !listing {
			listing = strings.HasPrefix(line, "------")
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		encoders[fields[1]] = struct{}{}
	}
	return encoders
}

func checkWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("output directory: %v", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output path %s is not a directory", dir)
	}
	probe, err := os.CreateTemp(dir, ".facetrace-*")
	if err != nil {
		return fmt.Errorf("output directory not writable: %v", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

// Path is the destination file.
func (s *Sink) Path() string {
	return s.path
}

// Write appends one frame. The frame must match the size given to Create.
func (s *Sink) Write(img *image.RGBA) error {
	if s.closed {
		return fmt.Errorf("write to closed sink")
	}
	b := img.Bounds()
	if b.Dx() != s.width || b.Dy() != s.height {
		return fmt.Errorf("frame size %dx%d does not match sink %dx%d", b.Dx(), b.Dy(), s.width, s.height)
	}

	rowLen := s.width * 4
	if img.Stride == rowLen && len(img.Pix) >= rowLen*s.height {
		if _, err := s.in.Write(img.Pix[:rowLen*s.height]); err != nil {
			return fmt.Errorf("write frame: %w: %s", err, s.cmd.Stderr.String())
		}
		return nil
	}

	// Sub-images carry a wider stride; send them row by row.
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		if _, err := s.in.Write(img.Pix[off : off+rowLen]); err != nil {
			return fmt.Errorf("write frame: %w: %s", err, s.cmd.Stderr.String())
		}
	}
	return nil
}

// Close flushes the encoder and finalizes the container.
func (s *Sink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	defer s.cancel()

	if err := s.in.Close(); err != nil {
		return fmt.Errorf("close encoder input: %w", err)
	}
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("encoder exited: %w: %s", err, s.cmd.Stderr.String())
	}
	return nil
}

// Abort stops the encoder and removes whatever was written so far.
func (s *Sink) Abort() error {
	if !s.closed {
		s.closed = true
		s.cancel()
		s.in.Close()
		_ = s.cmd.Wait()
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
