// Package timeline projects participant recordings onto the meeting's
// second-indexed timeline.
package timeline

import (
	"github.com/ansel1/merry/v2"
	"github.com/samber/lo"
)

// ErrValidation is the cause of every rejected track or job payload.
var ErrValidation = merry.Sentinel("invalid job")

// Track is one participant's presence window on the meeting timeline.
// Offsets are whole seconds from the meeting start and both ends are inclusive.
type Track struct {
	VideoPath string
	Start     int
	End       int
	Name      string
}

// NewTrack validates and builds a Track. A window that ends before it starts
// is rejected rather than clamped.
func NewTrack(videoPath string, start, end int, name string) (Track, error) {
	if videoPath == "" {
		return Track{}, merry.Wrap(ErrValidation, merry.WithMessage("invalid job: video path is required"))
	}
	if start < 0 {
		return Track{}, merry.Wrap(ErrValidation, merry.WithMessagef("invalid job: start offset %d is before the meeting start", start))
	}
	if end < start {
		return Track{}, merry.Wrap(ErrValidation, merry.WithMessagef("invalid job: end offset %d is before start offset %d", end, start))
	}

	return Track{VideoPath: videoPath, Start: start, End: end, Name: name}, nil
}

// ActiveAt reports whether the track covers second t.
func (tr Track) ActiveAt(t int) bool {
	return tr.Start <= t && t <= tr.End
}

// Horizon returns the last second of the timeline: the largest end offset.
// It returns -1 for an empty track list.
func Horizon(tracks []Track) int {
	if len(tracks) == 0 {
		return -1
	}
	return lo.MaxBy(tracks, func(a, b Track) bool {
		return a.End > b.End
	}).End
}

// Active returns the tracks covering second t, in their original order.
func Active(tracks []Track, t int) []Track {
	return lo.Filter(tracks, func(tr Track, _ int) bool {
		return tr.ActiveAt(t)
	})
}

// SourcePaths returns each distinct video path once, in first-seen order.
func SourcePaths(tracks []Track) []string {
	return lo.Uniq(lo.Map(tracks, func(tr Track, _ int) string {
		return tr.VideoPath
	}))
}
