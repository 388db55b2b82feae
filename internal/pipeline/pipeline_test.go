package pipeline

import (
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/andresmejia3/facetrace/internal/annotate"
	"github.com/andresmejia3/facetrace/internal/tracker"
	"github.com/andresmejia3/facetrace/internal/types"
	"github.com/andresmejia3/facetrace/internal/verifier"
)

// --- Stubs ---

type stubLocator struct {
	faces func(index int) []image.Rectangle
	calls int
	err   error
}

func (s *stubLocator) Locate(frame *image.RGBA) ([]image.Rectangle, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	// Frames are tagged with their index in the first pixel.
	return s.faces(int(frame.Pix[0])), nil
}

func everyFrame(r image.Rectangle) func(int) []image.Rectangle {
	return func(int) []image.Rectangle { return []image.Rectangle{r} }
}

type stubVerifier struct {
	reference func() (types.Outcome, error)
	candidate func(img image.Image) (types.Outcome, error)
}

func (s *stubVerifier) Verify(_ context.Context, ref *types.Reference, cand image.Image) (types.Outcome, error) {
	if cand == ref.Image {
		if s.reference != nil {
			return s.reference()
		}
		return types.Outcome{Verified: true}, nil
	}
	return s.candidate(cand)
}

func always(verified bool) *stubVerifier {
	return &stubVerifier{candidate: func(image.Image) (types.Outcome, error) {
		if verified {
			return types.Outcome{Verified: true, Distance: 0.1}, nil
		}
		return types.Outcome{Verified: false, Distance: 0.9}, nil
	}}
}

type memSource struct {
	info   types.VideoInfo
	n      int
	next   int
	closed bool
	// cut, when set, ends the stream early once it returns true.
	cut func(next int) bool
}

func (m *memSource) Info() types.VideoInfo { return m.info }

func (m *memSource) Next() (*types.Frame, error) {
	if m.cut != nil && m.cut(m.next) {
		return nil, io.EOF
	}
	if m.next >= m.n {
		return nil, io.EOF
	}
	m.next++
	img := image.NewRGBA(image.Rect(0, 0, m.info.Width, m.info.Height))
	img.Pix[0] = byte(m.next)
	return &types.Frame{Index: m.next, Image: img}, nil
}

func (m *memSource) Close() error {
	m.closed = true
	return nil
}

type memSink struct {
	path    string
	frames  []*image.RGBA
	closed  bool
	aborted bool
}

func (m *memSink) Write(img *image.RGBA) error {
	m.frames = append(m.frames, img)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func (m *memSink) Abort() error {
	m.aborted = true
	return nil
}

type harness struct {
	src        *memSource
	sink       *memSink
	opened     bool
	sinkCalled bool
	openErr    error
	sinkErr    error
}

func newHarness(frames int) *harness {
	return &harness{src: &memSource{info: types.VideoInfo{FrameRate: 30, Width: 64, Height: 48}, n: frames}}
}

func (h *harness) options() Options {
	return Options{
		OpenSource: func(_ context.Context, _ string) (FrameSource, error) {
			h.opened = true
			if h.openErr != nil {
				return nil, h.openErr
			}
			return h.src, nil
		},
		CreateSink: func(_ context.Context, path string, _ types.VideoInfo) (FrameSink, error) {
			h.sinkCalled = true
			if h.sinkErr != nil {
				return nil, h.sinkErr
			}
			h.sink = &memSink{path: path}
			return h.sink, nil
		},
	}
}

func writeReference(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ref.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, 16, 16))); err != nil {
		t.Fatal(err)
	}
	return path
}

var face = image.Rect(10, 10, 40, 40)

// --- Tests ---

func TestProcessAllFramesMatch(t *testing.T) {
	h := newHarness(5)
	p := New(&stubLocator{faces: everyFrame(face)}, always(true), h.options())

	rec, err := p.Process(context.Background(), "/videos/clip.mp4", writeReference(t))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	want := []int{1, 2, 3, 4, 5}
	if !reflect.DeepEqual(rec.MatchedFrames, want) {
		t.Errorf("MatchedFrames = %v; want %v", rec.MatchedFrames, want)
	}
	if len(rec.MatchedTimestamps) != len(rec.MatchedFrames) {
		t.Errorf("Timestamps not index-aligned: %v", rec.MatchedTimestamps)
	}
	for i, f := range rec.MatchedFrames {
		if rec.MatchedTimestamps[i] != tracker.FormatTimestamp(f, 30) {
			t.Errorf("Timestamp %d = %s", i, rec.MatchedTimestamps[i])
		}
	}
	if rec.TotalFrames != 5 {
		t.Errorf("TotalFrames = %d; want 5", rec.TotalFrames)
	}
	if rec.ProcessedVideoPath != filepath.Join("/videos", "clip_processed.mp4") {
		t.Errorf("Unexpected output path %s", rec.ProcessedVideoPath)
	}

	if !h.sink.closed || h.sink.aborted {
		t.Error("Sink should be closed, not aborted")
	}
	if !h.src.closed {
		t.Error("Source should be closed")
	}
	if len(h.sink.frames) != 5 {
		t.Errorf("Expected 5 frames written, got %d", len(h.sink.frames))
	}

	// Matched frames carry the marker on the box outline.
	if got := h.sink.frames[0].RGBAAt(face.Min.X, face.Min.Y+5); got != annotate.MarkerColor {
		t.Errorf("Expected annotation on written frame, got %v", got)
	}
}

func TestProcessNoMatches(t *testing.T) {
	tests := []struct {
		name string
		loc  *stubLocator
		ver  *stubVerifier
	}{
		{"Verifier always rejects", &stubLocator{faces: everyFrame(face)}, always(false)},
		{"No faces located", &stubLocator{faces: func(int) []image.Rectangle { return nil }}, always(true)},
		{"Locator fails", &stubLocator{err: errors.New("opencv")}, always(true)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(4)
			rec, err := New(tt.loc, tt.ver, h.options()).Process(context.Background(), "clip.mp4", writeReference(t))
			if err != nil {
				t.Fatalf("Process failed: %v", err)
			}
			if len(rec.MatchedFrames) != 0 || len(rec.MatchedTimestamps) != 0 {
				t.Errorf("Expected no matches, got %v", rec.MatchedFrames)
			}
			if rec.MatchedFrames == nil || rec.MatchedTimestamps == nil {
				t.Error("Empty results should be empty slices, not nil")
			}
			if rec.TotalFrames != 4 || len(h.sink.frames) != 4 {
				t.Errorf("Expected all 4 frames processed and written, got %d/%d", rec.TotalFrames, len(h.sink.frames))
			}
			// Untouched output.
			if h.sink.frames[0].RGBAAt(face.Min.X, face.Min.Y+5) == annotate.MarkerColor {
				t.Error("Unmatched frame was annotated")
			}
		})
	}
}

func TestProcessSelectiveMatches(t *testing.T) {
	h := newHarness(6)
	loc := &stubLocator{faces: func(i int) []image.Rectangle {
		if i%2 == 0 {
			return []image.Rectangle{face, image.Rect(45, 5, 60, 20)}
		}
		return nil
	}}

	rec, err := New(loc, always(true), h.options()).Process(context.Background(), "clip.mov", writeReference(t))
	if err != nil {
		t.Fatal(err)
	}
	// Two faces in a frame still produce one entry.
	if want := []int{2, 4, 6}; !reflect.DeepEqual(rec.MatchedFrames, want) {
		t.Errorf("MatchedFrames = %v; want %v", rec.MatchedFrames, want)
	}
	for i := 1; i < len(rec.MatchedFrames); i++ {
		if rec.MatchedFrames[i] <= rec.MatchedFrames[i-1] {
			t.Errorf("Frames not strictly increasing: %v", rec.MatchedFrames)
		}
	}
	if filepath.Base(rec.ProcessedVideoPath) != "clip_processed.mov" {
		t.Errorf("Container extension not preserved: %s", rec.ProcessedVideoPath)
	}
}

func TestProcessCandidateErrorsDoNotAbort(t *testing.T) {
	h := newHarness(3)
	var failures int
	ver := &stubVerifier{candidate: func(image.Image) (types.Outcome, error) {
		return types.NoFace, errors.New("inference failed")
	}}
	opts := h.options()
	opts.Hooks.OnCandidateFailed = func(int, image.Rectangle, error) { failures++ }

	rec, err := New(&stubLocator{faces: everyFrame(face)}, ver, opts).Process(context.Background(), "clip.mp4", writeReference(t))
	if err != nil {
		t.Fatalf("Per-candidate failures must not fail the run: %v", err)
	}
	if len(rec.MatchedFrames) != 0 || rec.TotalFrames != 3 {
		t.Errorf("Unexpected record %+v", rec)
	}
	if failures != 3 {
		t.Errorf("Expected 3 failure callbacks, got %d", failures)
	}
}

func TestProcessDeterministic(t *testing.T) {
	loc := &stubLocator{faces: func(i int) []image.Rectangle {
		if i%3 == 0 {
			return []image.Rectangle{face}
		}
		return nil
	}}
	ref := writeReference(t)

	run := func() *types.MatchRecord {
		h := newHarness(10)
		rec, err := New(loc, always(true), h.options()).Process(context.Background(), "clip.mp4", ref)
		if err != nil {
			t.Fatal(err)
		}
		return rec
	}

	a, b := run(), run()
	if !reflect.DeepEqual(a, b) {
		t.Errorf("Runs differ:\n%+v\n%+v", a, b)
	}
}

func TestProcessInvalidReference(t *testing.T) {
	notAnImage := filepath.Join(t.TempDir(), "ref.jpg")
	if err := os.WriteFile(notAnImage, []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		photo string
		ver   *stubVerifier
	}{
		{"Missing file", filepath.Join(t.TempDir(), "missing.jpg"), always(true)},
		{"Undecodable", notAnImage, always(true)},
		{"No face in reference", "", &stubVerifier{reference: func() (types.Outcome, error) { return types.NoFace, nil }}},
		{"Verifier error on reference", "", &stubVerifier{reference: func() (types.Outcome, error) { return types.NoFace, errors.New("boom") }}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			photo := tt.photo
			if photo == "" {
				photo = writeReference(t)
			}
			h := newHarness(3)
			_, err := New(&stubLocator{faces: everyFrame(face)}, tt.ver, h.options()).Process(context.Background(), "clip.mp4", photo)
			if !errors.Is(err, ErrInvalidReferenceFace) {
				t.Fatalf("Expected ErrInvalidReferenceFace, got %v", err)
			}
			if h.opened || h.sinkCalled {
				t.Error("Nothing may be opened before the reference is accepted")
			}
		})
	}
}

// blankWorker answers the way the DeepFace worker does when it cannot detect
// a face in either image.
type blankWorker struct{ calls int }

func (b *blankWorker) Verify(reference, candidate []byte) (bool, float64, error) {
	b.calls++
	return false, math.Inf(1), nil
}

func (b *blankWorker) Close() {}

func TestProcessFacelessReferenceWithWorkerPool(t *testing.T) {
	w := &blankWorker{}
	pool := verifier.NewDeepFace(context.Background(), 1, func(context.Context, int) (verifier.Worker, error) { return w, nil })
	defer pool.Close()

	h := newHarness(3)
	_, err := New(&stubLocator{faces: everyFrame(face)}, pool, h.options()).Process(context.Background(), "clip.mp4", writeReference(t))
	if !errors.Is(err, ErrInvalidReferenceFace) {
		t.Fatalf("Expected ErrInvalidReferenceFace, got %v", err)
	}
	if w.calls != 1 {
		t.Errorf("Expected one self-verification call, got %d", w.calls)
	}
	if h.opened || h.sinkCalled {
		t.Error("Nothing may be opened for a reference without a face")
	}
}

func TestProcessUnreadableStream(t *testing.T) {
	h := newHarness(3)
	h.openErr = errors.New("moov atom not found")

	_, err := New(&stubLocator{faces: everyFrame(face)}, always(true), h.options()).Process(context.Background(), "clip.mp4", writeReference(t))
	if !errors.Is(err, ErrUnreadableStream) {
		t.Fatalf("Expected ErrUnreadableStream, got %v", err)
	}
	if h.sinkCalled {
		t.Error("Sink must not be created for an unreadable stream")
	}
}

func TestProcessWriteFailure(t *testing.T) {
	h := newHarness(3)
	h.sinkErr = errors.New("codec missing")

	_, err := New(&stubLocator{faces: everyFrame(face)}, always(true), h.options()).Process(context.Background(), "clip.mp4", writeReference(t))
	if !errors.Is(err, ErrWriteFailure) {
		t.Fatalf("Expected ErrWriteFailure, got %v", err)
	}
	if !h.src.closed {
		t.Error("Source must be released when the sink cannot be created")
	}
}

func TestProcessCancellation(t *testing.T) {
	h := newHarness(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := h.options()
	opts.Hooks.OnFrame = func(index int) {
		if index == 3 {
			cancel()
		}
	}

	_, err := New(&stubLocator{faces: everyFrame(face)}, always(true), opts).Process(ctx, "clip.mp4", writeReference(t))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	// The frame in flight completes; nothing after it is read.
	if len(h.sink.frames) != 3 {
		t.Errorf("Expected 3 frames written before stopping, got %d", len(h.sink.frames))
	}
	if !h.sink.aborted || h.sink.closed {
		t.Error("Cancelled run must abort the sink")
	}
	if !h.src.closed {
		t.Error("Source must be closed on cancellation")
	}
}

func TestProcessCancelledDecoderEndsStream(t *testing.T) {
	h := newHarness(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A killed ffmpeg closes its pipe mid-frame, which reads as EOF.
	h.src.cut = func(next int) bool {
		if next == 4 {
			cancel()
			return true
		}
		return false
	}

	_, err := New(&stubLocator{faces: everyFrame(face)}, always(true), h.options()).Process(ctx, "clip.mp4", writeReference(t))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrWriteFailure) {
		t.Error("Cancellation must not be reported as a write failure")
	}
	if h.sink.closed || !h.sink.aborted {
		t.Error("Sink must be aborted, not finalized")
	}
}

func TestAnalyzeCancelledDecoderEndsStream(t *testing.T) {
	h := newHarness(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.src.cut = func(next int) bool {
		if next == 2 {
			cancel()
			return true
		}
		return false
	}

	if _, err := New(&stubLocator{faces: everyFrame(face)}, nil, h.options()).Analyze(ctx, "clip.mp4"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestProcessWithHooks(t *testing.T) {
	h := newHarness(4)
	loc := &stubLocator{faces: func(i int) []image.Rectangle {
		if i <= 2 {
			return []image.Rectangle{face}
		}
		return nil
	}}

	var matches, lost []int
	hooks := tracker.Hooks{
		OnMatch:    func(i int, _ string, _ []image.Rectangle) { matches = append(matches, i) },
		OnFaceLost: func(i int, _ string) { lost = append(lost, i) },
	}
	if _, err := New(loc, always(true), h.options()).ProcessWithHooks(context.Background(), "clip.mp4", writeReference(t), hooks); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(matches, []int{1, 2}) || !reflect.DeepEqual(lost, []int{3}) {
		t.Errorf("Unexpected hook calls: matches=%v lost=%v", matches, lost)
	}
}

func TestOutputPath(t *testing.T) {
	tests := []struct {
		input, dir, want string
	}{
		{"/data/uploads/abc_clip.mp4", "", "/data/uploads/abc_clip_processed.mp4"},
		{"clip.avi", "", "clip_processed.avi"},
		{"/data/in/clip.mov", "/data/out", "/data/out/clip_processed.mov"},
		{"/dev/video0", "/tmp", "/tmp/video0_processed.mp4"},
		{"rtsp://cam.local/stream", "", "stream_processed.mp4"},
	}

	for _, tt := range tests {
		if got := OutputPath(tt.input, tt.dir); got != tt.want {
			t.Errorf("OutputPath(%q, %q) = %q; want %q", tt.input, tt.dir, got, tt.want)
		}
	}
}

func TestCrop(t *testing.T) {
	frame := image.NewRGBA(image.Rect(0, 0, 100, 100))

	tests := []struct {
		name   string
		rect   image.Rectangle
		margin float64
		want   image.Rectangle
	}{
		{"Padded", image.Rect(40, 40, 60, 60), 0.2, image.Rect(36, 36, 64, 64)},
		{"Clipped at origin", image.Rect(0, 0, 20, 20), 0.5, image.Rect(0, 0, 30, 30)},
		{"Clipped at far edge", image.Rect(90, 90, 100, 100), 0.5, image.Rect(85, 85, 100, 100)},
		{"No margin", image.Rect(10, 10, 20, 30), 0, image.Rect(10, 10, 20, 30)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Crop(frame, tt.rect, tt.margin).Bounds(); got != tt.want {
				t.Errorf("Crop() bounds = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestAnalyze(t *testing.T) {
	h := newHarness(6)
	loc := &stubLocator{faces: func(i int) []image.Rectangle {
		if i == 2 || i == 5 {
			return []image.Rectangle{face, face}
		}
		return nil
	}}

	sum, err := New(loc, nil, h.options()).Analyze(context.Background(), "clip.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if sum.SubjectCount != 2 || sum.TotalCount != 6 {
		t.Errorf("Unexpected summary %+v", sum)
	}
	if h.sinkCalled {
		t.Error("Analyze must not write output")
	}
	if !h.src.closed {
		t.Error("Source should be closed")
	}
}

func TestAnalyzeUnreadable(t *testing.T) {
	h := newHarness(1)
	h.openErr = errors.New("bad file")
	if _, err := New(&stubLocator{}, nil, h.options()).Analyze(context.Background(), "x.mp4"); !errors.Is(err, ErrUnreadableStream) {
		t.Errorf("Expected ErrUnreadableStream, got %v", err)
	}
}

func TestAnalyzeImage(t *testing.T) {
	loc := &stubLocator{faces: func(int) []image.Rectangle { return []image.Rectangle{face, face, face} }}
	sum, err := New(loc, nil, Options{}).AnalyzeImage(writeReference(t))
	if err != nil {
		t.Fatal(err)
	}
	if sum.SubjectCount != 3 || sum.TotalCount != 1 {
		t.Errorf("Unexpected summary %+v", sum)
	}
}
