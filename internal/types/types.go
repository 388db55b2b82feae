package types

import (
	"image"
	"math"
)

// VideoInfo describes a decoded stream. TotalFrames is 0 when the container
// does not report it (live sources, some VFR files).
type VideoInfo struct {
	FrameRate   float64
	Width       int
	Height      int
	TotalFrames int
}

// Frame is a single decoded raster plus its 1-based position in the stream.
// Image wraps the decoder's buffer directly, so drawing on it changes what the
// sink receives.
type Frame struct {
	Index int
	Image *image.RGBA
}

// Reference is the validated reference face. It is read-only once the
// pipeline has accepted it.
type Reference struct {
	Path  string
	ID    string // sha256 of Data
	Data  []byte // original encoded bytes (jpg/png)
	Image image.Image
}

// Outcome is the verifier's decision for one (reference, candidate) pair.
type Outcome struct {
	Verified bool
	Distance float64
}

// NoFace is the outcome reported when the verifier cannot find a face in the
// candidate crop.
var NoFace = Outcome{Verified: false, Distance: math.Inf(1)}

// MatchRecord is the aggregate result of one run. MatchedFrames and
// MatchedTimestamps are index-aligned.
type MatchRecord struct {
	MatchedFrames      []int    `json:"matched_frames"`
	MatchedTimestamps  []string `json:"matched_timestamps"`
	TotalFrames        int      `json:"total_frames"`
	ProcessedVideoPath string   `json:"processed_video_url"`
}

// PresenceSummary is the detection-only result: how many frames contained at
// least one face.
type PresenceSummary struct {
	SubjectCount int `json:"subject_count"`
	TotalCount   int `json:"total_count"`
}
