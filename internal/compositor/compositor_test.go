package compositor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/meetcomposer/internal/media"
	"github.com/bobarin/meetcomposer/internal/timeline"
)

type fakeSource struct {
	path     string
	duration float64
	closed   int
}

func (s *fakeSource) Path() string      { return s.path }
func (s *fakeSource) Duration() float64 { return s.duration }
func (s *fakeSource) Size() media.Size  { return media.Size{Width: 640, Height: 360} }
func (s *fakeSource) Close() error {
	s.closed++
	return nil
}

// fakeEngine records every grid it is asked to compose instead of running ffmpeg.
type fakeEngine struct {
	durations   map[string]float64 // Openable paths; anything else is unavailable
	opens       map[string]int
	opened      []*fakeSource
	grids       [][][]media.Clip
	canvases    []media.Size
	failCompose map[int]bool // Second index whose first compose attempt fails
	composeErr  error        // Fails every compose when set
	encodeErr   error
	encoded     []media.Frame
	extractAt   float64
	extractErr  error
}

func newFakeEngine(durations map[string]float64) *fakeEngine {
	return &fakeEngine{
		durations:   durations,
		opens:       make(map[string]int),
		failCompose: make(map[int]bool),
	}
}

func (e *fakeEngine) CellSize() media.Size { return media.Size{Width: 640, Height: 480} }

func (e *fakeEngine) Open(_ context.Context, path string) (media.Source, error) {
	e.opens[path]++
	d, ok := e.durations[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, media.ErrSourceUnavailable)
	}
	src := &fakeSource{path: path, duration: d}
	e.opened = append(e.opened, src)
	return src, nil
}

func (e *fakeEngine) Slice(src media.Source, start, end float64) (media.Clip, error) {
	if start >= src.Duration() {
		return media.Clip{}, media.ErrSliceOutOfRange
	}
	return media.Clip{Source: src, Start: start, End: min(end, src.Duration())}, nil
}

func (e *fakeEngine) Overlay(clip media.Clip, label string) media.Clip {
	clip.Label = label
	return clip
}

func (e *fakeEngine) ComposeGrid(_ context.Context, rows [][]media.Clip, canvas media.Size, outputPath string) (media.Frame, error) {
	if e.composeErr != nil {
		return media.Frame{}, e.composeErr
	}
	second := len(e.grids)
	if e.failCompose[second] {
		delete(e.failCompose, second)
		return media.Frame{}, errors.New("ffmpeg exploded")
	}
	e.grids = append(e.grids, rows)
	e.canvases = append(e.canvases, canvas)
	return media.Frame{Path: outputPath, Duration: 1, Size: canvas}, nil
}

func (e *fakeEngine) EncodeStream(_ context.Context, frames []media.Frame, _ string) (float64, error) {
	if e.encodeErr != nil {
		return 0, e.encodeErr
	}
	e.encoded = frames
	return float64(len(frames)), nil
}

func (e *fakeEngine) ExtractFrame(_ context.Context, _ string, at float64, _ string) error {
	e.extractAt = at
	return e.extractErr
}

func (e *fakeEngine) closedAll(t *testing.T) {
	t.Helper()
	for _, src := range e.opened {
		assert.Equal(t, 1, src.closed, "source %s closed", src.path)
	}
}

func newTestCompositor(t *testing.T, engine media.Engine) *Compositor {
	return New(engine, Config{WorkDir: t.TempDir(), ThumbnailAt: 1}, zerolog.Nop())
}

func outputPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "out", "125.mp4")
}

// shape returns the number of cells per row of a grid.
func shape(grid [][]media.Clip) []int {
	out := make([]int, len(grid))
	for i, row := range grid {
		out[i] = len(row)
	}
	return out
}

func TestRenderSingleTrack(t *testing.T) {
	engine := newFakeEngine(map[string]float64{"a.mp4": 10})
	c := newTestCompositor(t, engine)

	summary, err := c.Render(context.Background(), []timeline.Track{
		{VideoPath: "a.mp4", Start: 0, End: 5, Name: "Alice"},
	}, outputPath(t))
	require.NoError(t, err)

	assert.Equal(t, 6, summary.Frames)
	assert.Equal(t, 6.0, summary.Duration)
	assert.Equal(t, 6, summary.RealCells)
	require.Len(t, engine.grids, 6)

	for i, grid := range engine.grids {
		require.Equal(t, []int{1}, shape(grid))
		cell := grid[0][0]
		assert.Equal(t, "Alice", cell.Label)
		assert.Equal(t, float64(i), cell.Start)
		assert.Equal(t, float64(i+1), cell.End)
	}
	assert.Equal(t, media.Size{Width: 640, Height: 480}, engine.canvases[0])
	engine.closedAll(t)
}

func TestRenderOverlappingTracks(t *testing.T) {
	engine := newFakeEngine(map[string]float64{"a.mp4": 20, "b.mp4": 20, "c.mp4": 20})
	c := newTestCompositor(t, engine)

	summary, err := c.Render(context.Background(), []timeline.Track{
		{VideoPath: "a.mp4", Start: 0, End: 5, Name: "A"},
		{VideoPath: "b.mp4", Start: 2, End: 8, Name: "B"},
		{VideoPath: "c.mp4", Start: 10, End: 12, Name: "C"},
	}, outputPath(t))
	require.NoError(t, err)

	require.Equal(t, 13, summary.Frames)
	require.Len(t, engine.grids, 13)
	assert.Equal(t, 1, summary.BlankFrames)

	for sec, grid := range engine.grids {
		switch {
		case sec <= 1:
			assert.Equal(t, []int{1}, shape(grid), "second %d", sec)
			assert.Equal(t, "A", grid[0][0].Label)
		case sec <= 5:
			assert.Equal(t, []int{2}, shape(grid), "second %d", sec)
			assert.Equal(t, "A", grid[0][0].Label)
			assert.Equal(t, "B", grid[0][1].Label)
			assert.Equal(t, float64(sec-2), grid[0][1].Start)
		case sec <= 8:
			assert.Equal(t, []int{1}, shape(grid), "second %d", sec)
			assert.Equal(t, "B", grid[0][0].Label)
		case sec == 9:
			assert.Equal(t, []int{1}, shape(grid))
			assert.True(t, grid[0][0].IsPlaceholder())
			assert.Empty(t, grid[0][0].Label)
		default:
			assert.Equal(t, []int{1}, shape(grid), "second %d", sec)
			assert.Equal(t, "C", grid[0][0].Label)
			assert.Equal(t, float64(sec-10), grid[0][0].Start)
		}
	}

	for _, canvas := range engine.canvases {
		assert.Equal(t, media.Size{Width: 1280, Height: 480}, canvas)
	}
	engine.closedAll(t)
}

func TestRenderUnavailableSourceBecomesPlaceholder(t *testing.T) {
	engine := newFakeEngine(map[string]float64{"a.mp4": 20})
	c := newTestCompositor(t, engine)

	summary, err := c.Render(context.Background(), []timeline.Track{
		{VideoPath: "a.mp4", Start: 0, End: 9, Name: "A"},
		{VideoPath: "missing.mp4", Start: 2, End: 8, Name: "B"},
	}, outputPath(t))
	require.NoError(t, err)

	assert.Equal(t, 10, summary.RealCells)
	assert.Equal(t, 7, summary.PlaceholderCells)
	assert.Equal(t, 1, engine.opens["missing.mp4"], "failed opens are not retried")

	for sec := 2; sec <= 8; sec++ {
		grid := engine.grids[sec]
		require.Equal(t, []int{2}, shape(grid))
		assert.False(t, grid[0][0].IsPlaceholder())
		assert.True(t, grid[0][1].IsPlaceholder())
		assert.Equal(t, "B", grid[0][1].Label)
	}
	engine.closedAll(t)
}

func TestRenderAllSourcesUnavailable(t *testing.T) {
	engine := newFakeEngine(nil)
	c := newTestCompositor(t, engine)

	_, err := c.Render(context.Background(), []timeline.Track{
		{VideoPath: "x.mp4", Start: 0, End: 3, Name: "X"},
		{VideoPath: "y.mp4", Start: 1, End: 2, Name: "Y"},
	}, outputPath(t))

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrComposition))
	assert.Empty(t, engine.grids)
	assert.Nil(t, engine.encoded)
}

func TestRenderNoTracks(t *testing.T) {
	_, err := newTestCompositor(t, newFakeEngine(nil)).Render(context.Background(), nil, outputPath(t))
	assert.True(t, errors.Is(err, ErrComposition))
}

func TestRenderRejectsTimelineBeyondLimit(t *testing.T) {
	engine := newFakeEngine(map[string]float64{"a.mp4": 10})
	c := New(engine, Config{WorkDir: t.TempDir(), MaxHorizon: 5}, zerolog.Nop())

	_, err := c.Render(context.Background(), []timeline.Track{
		{VideoPath: "a.mp4", Start: 0, End: math.MaxInt32, Name: "A"},
	}, outputPath(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrComposition))
	assert.Empty(t, engine.opens, "nothing is opened for an oversized timeline")

	summary, err := c.Render(context.Background(), []timeline.Track{
		{VideoPath: "a.mp4", Start: 0, End: 5, Name: "A"},
	}, outputPath(t))
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Frames)
}

func TestRenderSkipsSecondsPastSourceEnd(t *testing.T) {
	engine := newFakeEngine(map[string]float64{"short.mp4": 2.5})
	c := newTestCompositor(t, engine)

	summary, err := c.Render(context.Background(), []timeline.Track{
		{VideoPath: "short.mp4", Start: 0, End: 5, Name: "S"},
	}, outputPath(t))
	require.NoError(t, err)

	assert.Equal(t, 6, summary.Frames)
	assert.Equal(t, 3, summary.RealCells)
	assert.Equal(t, 3, summary.BlankFrames)
	assert.Equal(t, 2.5, engine.grids[2][0][0].End)
	assert.True(t, engine.grids[3][0][0].IsPlaceholder())
}

func TestRenderSharedSourceSlicesIndependently(t *testing.T) {
	engine := newFakeEngine(map[string]float64{"shared.mp4": 30})
	c := newTestCompositor(t, engine)

	_, err := c.Render(context.Background(), []timeline.Track{
		{VideoPath: "shared.mp4", Start: 0, End: 6, Name: "First"},
		{VideoPath: "shared.mp4", Start: 3, End: 6, Name: "Second"},
	}, outputPath(t))
	require.NoError(t, err)

	assert.Equal(t, 1, engine.opens["shared.mp4"])

	grid := engine.grids[4]
	require.Equal(t, []int{2}, shape(grid))
	assert.Equal(t, 4.0, grid[0][0].Start)
	assert.Equal(t, 1.0, grid[0][1].Start)
	assert.Same(t, grid[0][0].Source, grid[0][1].Source)
	engine.closedAll(t)
}

func TestRenderCanvasFitsLargestGrid(t *testing.T) {
	durations := map[string]float64{}
	var tracks []timeline.Track
	for i := 0; i < 4; i++ {
		path := fmt.Sprintf("%d.mp4", i)
		durations[path] = 10
		tracks = append(tracks, timeline.Track{VideoPath: path, Start: i, End: 5, Name: path})
	}

	engine := newFakeEngine(durations)
	_, err := newTestCompositor(t, engine).Render(context.Background(), tracks, outputPath(t))
	require.NoError(t, err)

	// Second 2 has three speakers in one row, second 3 a 2x2 grid.
	assert.Equal(t, []int{3}, shape(engine.grids[2]))
	assert.Equal(t, []int{2, 2}, shape(engine.grids[3]))
	for _, canvas := range engine.canvases {
		assert.Equal(t, media.Size{Width: 1920, Height: 960}, canvas)
	}
}

func TestRenderDropsCellsBeyondLargestGrid(t *testing.T) {
	durations := map[string]float64{}
	var tracks []timeline.Track
	for i := 0; i < 22; i++ {
		path := fmt.Sprintf("%d.mp4", i)
		durations[path] = 5
		tracks = append(tracks, timeline.Track{VideoPath: path, Start: 0, End: 0, Name: path})
	}

	engine := newFakeEngine(durations)
	summary, err := newTestCompositor(t, engine).Render(context.Background(), tracks, outputPath(t))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Dropped)
	assert.Equal(t, 20, summary.RealCells)
	assert.Equal(t, []int{5, 5, 5, 5}, shape(engine.grids[0]))
}

func TestRenderFallsBackToPlaceholderFrame(t *testing.T) {
	engine := newFakeEngine(map[string]float64{"a.mp4": 10})
	engine.failCompose[1] = true
	c := newTestCompositor(t, engine)

	summary, err := c.Render(context.Background(), []timeline.Track{
		{VideoPath: "a.mp4", Start: 0, End: 2, Name: "A"},
	}, outputPath(t))
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Frames)
	require.Len(t, engine.grids, 3)
	assert.True(t, engine.grids[1][0][0].IsPlaceholder())
}

func TestRenderComposeFailure(t *testing.T) {
	engine := newFakeEngine(map[string]float64{"a.mp4": 10})
	engine.composeErr = errors.New("no ffmpeg")

	_, err := newTestCompositor(t, engine).Render(context.Background(), []timeline.Track{
		{VideoPath: "a.mp4", Start: 0, End: 2, Name: "A"},
	}, outputPath(t))
	assert.True(t, errors.Is(err, ErrComposition))
	engine.closedAll(t)
}

func TestComposeReturnsDuration(t *testing.T) {
	engine := newFakeEngine(map[string]float64{"a.mp4": 10})
	duration, err := newTestCompositor(t, engine).Compose(context.Background(), []timeline.Track{
		{VideoPath: "a.mp4", Start: 0, End: 3, Name: "A"},
	}, outputPath(t))
	require.NoError(t, err)
	assert.Equal(t, 4.0, duration)

	engine.encodeErr = errors.New("disk full")
	_, err = newTestCompositor(t, engine).Compose(context.Background(), []timeline.Track{
		{VideoPath: "a.mp4", Start: 0, End: 3, Name: "A"},
	}, outputPath(t))
	assert.True(t, errors.Is(err, ErrComposition))
}

func TestThumbnail(t *testing.T) {
	engine := newFakeEngine(nil)
	c := newTestCompositor(t, engine)

	require.NoError(t, c.Thumbnail(context.Background(), "v.mp4", 6, "t.png"))
	assert.Equal(t, 1.0, engine.extractAt)

	require.NoError(t, c.Thumbnail(context.Background(), "v.mp4", 0.5, "t.png"))
	assert.InDelta(t, 0.4, engine.extractAt, 1e-9)

	engine.extractErr = errors.New("no frame")
	err := c.Thumbnail(context.Background(), "v.mp4", 6, "t.png")
	assert.True(t, errors.Is(err, ErrThumbnail))
}

func TestThumbnailTime(t *testing.T) {
	assert.Equal(t, 1.0, thumbnailTime(1, 10))
	assert.Equal(t, 0.0, thumbnailTime(1, 0.05))
	assert.Equal(t, 1.0, thumbnailTime(1, 0))
}
