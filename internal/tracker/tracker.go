// Package tracker turns per-frame verification outcomes into a match record
// and a presence signal.
package tracker

import (
	"fmt"
	"image"
	"math"

	"github.com/andresmejia3/facetrace/internal/types"
)

// Presence is whether the reference identity was matched in the previous frame.
type Presence int

const (
	Absent Presence = iota
	Present
)

func (p Presence) String() string {
	if p == Present {
		return "present"
	}
	return "absent"
}

// Check is the verification result for one candidate region.
// A non-nil Err means verification could not be carried out for this
// candidate; it counts as not verified and never aborts the run.
type Check struct {
	Rect    image.Rectangle
	Outcome types.Outcome
	Err     error
}

// Result describes what a single Observe call decided.
type Result struct {
	Matched   []image.Rectangle
	Timestamp string
	State     Presence
	Lost      bool // present -> absent on this frame
	Ignored   bool // index was not after the previously observed one
}

// Hooks are optional observers. None of them influence the record.
type Hooks struct {
	OnFrame           func(index int)
	OnMatch           func(index int, timestamp string, matched []image.Rectangle)
	OnFaceLost        func(index int, timestamp string)
	OnCandidateFailed func(index int, rect image.Rectangle, err error)
}

// Tracker is owned by a single run and is not safe for concurrent use.
type Tracker struct {
	fps      float64
	hooks    Hooks
	state    Presence
	last     int
	observed int
	matched  []int
	stamps   []string
}

// New creates a tracker in the Absent state. A non-positive fps falls back to 30.
func New(fps float64, hooks Hooks) *Tracker {
	if fps <= 0 {
		fps = 30
	}
	return &Tracker{
		fps:     fps,
		hooks:   hooks,
		matched: []int{},
		stamps:  []string{},
	}
}

// Observe records one frame. Frame indices must be strictly increasing;
// an index at or below the previous one is ignored.
func (t *Tracker) Observe(index int, checks []Check) Result {
	if t.observed > 0 && index <= t.last {
		return Result{State: t.state, Ignored: true}
	}
	t.last = index
	t.observed++
	if t.hooks.OnFrame != nil {
		t.hooks.OnFrame(index)
	}

	var matched []image.Rectangle
	for _, c := range checks {
		if c.Err != nil {
			if t.hooks.OnCandidateFailed != nil {
				t.hooks.OnCandidateFailed(index, c.Rect, c.Err)
			}
			continue
		}
		if c.Outcome.Verified {
			matched = append(matched, c.Rect)
		}
	}

	ts := FormatTimestamp(index, t.fps)
	res := Result{Timestamp: ts}

	if len(matched) > 0 {
		// One entry per frame no matter how many candidates matched.
		t.matched = append(t.matched, index)
		t.stamps = append(t.stamps, ts)
		t.state = Present
		res.Matched = matched
		if t.hooks.OnMatch != nil {
			t.hooks.OnMatch(index, ts, matched)
		}
	} else {
		if t.state == Present {
			res.Lost = true
			if t.hooks.OnFaceLost != nil {
				t.hooks.OnFaceLost(index, ts)
			}
		}
		t.state = Absent
	}

	res.State = t.state
	return res
}

// State is the presence after the last observed frame.
func (t *Tracker) State() Presence {
	return t.state
}

// Frames is the number of frames observed.
func (t *Tracker) Frames() int {
	return t.observed
}

// Record returns a copy of what has been accumulated so far.
func (t *Tracker) Record() types.MatchRecord {
	rec := types.MatchRecord{
		MatchedFrames:     make([]int, len(t.matched)),
		MatchedTimestamps: make([]string, len(t.stamps)),
		TotalFrames:       t.observed,
	}
	copy(rec.MatchedFrames, t.matched)
	copy(rec.MatchedTimestamps, t.stamps)
	return rec
}

// FormatTimestamp renders index/fps seconds as MM:SS:mmm, truncating to
// whole milliseconds. Minutes are not wrapped into hours.
func FormatTimestamp(index int, fps float64) string {
	if fps <= 0 {
		fps = 30
	}
	// Work in whole milliseconds; the epsilon absorbs float error such as
	// 0.29*1000 = 289.99999999999997.
	ms := int64(math.Floor(float64(index)*1000/fps + 1e-6))
	if ms < 0 {
		ms = 0
	}
	minutes := ms / 60000
	seconds := (ms / 1000) % 60
	millis := ms % 1000
	return fmt.Sprintf("%02d:%02d:%03d", minutes, seconds, millis)
}
