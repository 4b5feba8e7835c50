// Package media is the boundary to the video engine: opening sources, cutting
// one-second slices, labelling them, composing grids and writing the final
// stream. The compositor only sees the Engine interface.
package media

import (
	"context"

	"github.com/ansel1/merry/v2"
)

var (
	// ErrSourceUnavailable means a participant's source could not be opened or decoded.
	ErrSourceUnavailable = merry.Sentinel("source unavailable")

	// ErrSliceOutOfRange means a slice starts at or after the end of its source.
	ErrSliceOutOfRange = merry.Sentinel("slice out of range")
)

// Size is a frame size in pixels.
type Size struct {
	Width  int
	Height int
}

// Source is an opened, normalized participant recording. Sources are owned
// by the caller of Open and must be closed.
type Source interface {
	Path() string
	// Duration is the decodable length in seconds.
	Duration() float64
	// Size is the normalized frame size (longer raw side fitted to the cell).
	Size() Size
	Close() error
}

// Clip is one cell of a composed frame: a time range of a source, or a
// placeholder when Source is nil. Clips are values and never share decode
// state, so two clips of the same source can be used independently.
type Clip struct {
	Source Source
	Start  float64
	End    float64
	Label  string
}

// Placeholder returns a one-second blank cell.
func Placeholder() Clip {
	return Clip{Start: 0, End: 1}
}

// IsPlaceholder reports whether the clip has no source behind it.
func (c Clip) IsPlaceholder() bool {
	return c.Source == nil
}

// Duration returns the clip length in seconds.
func (c Clip) Duration() float64 {
	return c.End - c.Start
}

// Frame is a composed grid held for a fixed time, written to Path.
type Frame struct {
	Path     string
	Duration float64
	Size     Size
}

// Engine is the set of primitives the compositor needs.
type Engine interface {
	// CellSize is the size every cell is fitted into.
	CellSize() Size

	// Open probes and normalizes a source file.
	Open(ctx context.Context, path string) (Source, error)

	// Slice cuts [start, end) seconds out of src.
	Slice(src Source, start, end float64) (Clip, error)

	// Overlay attaches a name label to the clip's bottom-left corner.
	Overlay(clip Clip, label string) Clip

	// ComposeGrid arranges rows of clips into one frame of canvas size, held
	// for one second, and writes it to outputPath. Rows must share a width.
	ComposeGrid(ctx context.Context, rows [][]Clip, canvas Size, outputPath string) (Frame, error)

	// EncodeStream concatenates frames in order into outputPath and returns
	// the duration of the written stream in seconds.
	EncodeStream(ctx context.Context, frames []Frame, outputPath string) (float64, error)

	// ExtractFrame writes the frame at the given second of videoPath as an image.
	ExtractFrame(ctx context.Context, videoPath string, at float64, outputPath string) error
}
