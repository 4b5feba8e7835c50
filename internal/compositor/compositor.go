// Package compositor renders a meeting's participant tracks into one tiled
// video, one composed grid per second of the meeting timeline.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ansel1/merry/v2"
	"github.com/rs/zerolog"

	"github.com/bobarin/meetcomposer/internal/layout"
	"github.com/bobarin/meetcomposer/internal/media"
	"github.com/bobarin/meetcomposer/internal/timeline"
)

var (
	// ErrComposition means no usable output could be produced for the job.
	ErrComposition = merry.Sentinel("composition failed")

	// ErrThumbnail means the thumbnail could not be extracted. It never fails a job.
	ErrThumbnail = merry.Sentinel("thumbnail failed")
)

// thumbnailMargin keeps the thumbnail timestamp strictly inside the stream.
const thumbnailMargin = 0.1

// Config holds the compositor settings.
type Config struct {
	WorkDir     string  // Parent directory for per-job segment scratch dirs
	ThumbnailAt float64 // Thumbnail timestamp in seconds
	MaxHorizon  int     // Longest timeline in seconds; timeline.DefaultMaxHorizon when zero
}

// Summary describes a rendered composite.
type Summary struct {
	Duration         float64 // Duration of the written stream in seconds
	Frames           int     // Composed one-second frames (horizon + 1)
	RealCells        int     // Cells backed by a source slice
	PlaceholderCells int     // Labelled placeholders standing in for a failed source
	BlankFrames      int     // Seconds with no surviving cell
	Dropped          int     // Cells beyond the largest grid
	Elapsed          time.Duration
}

type Compositor struct {
	engine media.Engine
	cfg    Config
	log    zerolog.Logger
}

func New(engine media.Engine, cfg Config, log zerolog.Logger) *Compositor {
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.ThumbnailAt < 0 {
		cfg.ThumbnailAt = 0
	}
	if cfg.MaxHorizon <= 0 {
		cfg.MaxHorizon = timeline.DefaultMaxHorizon
	}

	return &Compositor{
		engine: engine,
		cfg:    cfg,
		log:    log.With().Str("component", "compositor").Logger(),
	}
}

// Compose renders tracks into outputPath and returns the output duration.
func (c *Compositor) Compose(ctx context.Context, tracks []timeline.Track, outputPath string) (float64, error) {
	summary, err := c.Render(ctx, tracks, outputPath)
	if err != nil {
		return 0, err
	}
	return summary.Duration, nil
}

// Render walks seconds 0..horizon, builds one grid of cells per second and
// encodes the grids in order into outputPath. A source that cannot be opened
// becomes a labelled placeholder for its whole window; the job fails with
// ErrComposition only when not a single real cell was produced.
func (c *Compositor) Render(ctx context.Context, tracks []timeline.Track, outputPath string) (Summary, error) {
	started := time.Now()

	if len(tracks) == 0 {
		return Summary{}, merry.Wrap(ErrComposition, merry.WithMessage("composition failed: no tracks"))
	}

	horizon := timeline.Horizon(tracks)

	sources := newSourceCache(c.engine, c.log)
	defer sources.close()

	var summary Summary
	if horizon > c.cfg.MaxHorizon {
		return Summary{}, merry.Wrap(ErrComposition, merry.WithMessagef("composition failed: timeline of %d seconds exceeds the limit of %d", horizon, c.cfg.MaxHorizon))
	}

	var grids [][][]media.Clip

	for t := 0; t <= horizon; t++ {
		var cells []media.Clip
		for _, tr := range timeline.Active(tracks, t) {
			clip, kind := c.extract(ctx, sources, tr, t)
			if kind == cellSkipped {
				continue
			}
			cells = append(cells, clip)
		}

		if len(cells) == 0 {
			cells = []media.Clip{media.Placeholder()}
			summary.BlankFrames++
		}

		grid, dropped := arrange(cells)
		summary.Dropped += dropped
		for _, row := range grid {
			for _, cell := range row {
				switch {
				case !cell.IsPlaceholder():
					summary.RealCells++
				case cell.Label != "":
					summary.PlaceholderCells++
				}
			}
		}

		grids = append(grids, grid)
	}

	if summary.RealCells == 0 {
		return Summary{}, merry.Wrap(ErrComposition, merry.WithMessagef("composition failed: none of %d sources produced a frame", len(timeline.SourcePaths(tracks))))
	}

	canvas := canvasSize(grids, c.engine.CellSize())

	if err := os.MkdirAll(c.cfg.WorkDir, 0755); err != nil {
		return Summary{}, fmt.Errorf("failed to create work dir: %w", err)
	}
	scratch, err := os.MkdirTemp(c.cfg.WorkDir, "compose-*")
	if err != nil {
		return Summary{}, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	c.log.Info().
		Int("tracks", len(tracks)).
		Int("frames", len(grids)).
		Int("canvas_width", canvas.Width).
		Int("canvas_height", canvas.Height).
		Msg("composing timeline")

	frames := make([]media.Frame, 0, len(grids))
	for t, grid := range grids {
		frame, err := c.composeSecond(ctx, t, grid, canvas, filepath.Join(scratch, fmt.Sprintf("%06d.mp4", t)))
		if err != nil {
			return Summary{}, err
		}
		frames = append(frames, frame)
	}

	if dir := filepath.Dir(outputPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return Summary{}, fmt.Errorf("failed to create output dir: %w", err)
		}
	}

	duration, err := c.engine.EncodeStream(ctx, frames, outputPath)
	if err != nil {
		return Summary{}, merry.Wrap(ErrComposition, merry.WithMessagef("composition failed: encoding %s", outputPath), merry.WithCause(err))
	}

	summary.Duration = duration
	summary.Frames = len(frames)
	summary.Elapsed = time.Since(started)

	c.log.Info().
		Float64("duration", duration).
		Int("real_cells", summary.RealCells).
		Int("placeholder_cells", summary.PlaceholderCells).
		Int("blank_frames", summary.BlankFrames).
		Dur("elapsed", summary.Elapsed).
		Msg("composition complete")

	return summary, nil
}

// composeSecond writes one grid. If the engine cannot compose it, the second
// degrades to a single blank cell so the timeline keeps its length.
func (c *Compositor) composeSecond(ctx context.Context, t int, grid [][]media.Clip, canvas media.Size, path string) (media.Frame, error) {
	frame, err := c.engine.ComposeGrid(ctx, grid, canvas, path)
	if err == nil {
		return frame, nil
	}

	c.log.Warn().Err(err).Int("second", t).Msg("grid compose failed, using placeholder frame")

	frame, err = c.engine.ComposeGrid(ctx, [][]media.Clip{{media.Placeholder()}}, canvas, path)
	if err != nil {
		return media.Frame{}, merry.Wrap(ErrComposition, merry.WithMessagef("composition failed at second %d", t), merry.WithCause(err))
	}
	return frame, nil
}

// Thumbnail extracts one frame of the composed video. The timestamp is
// clamped inside the stream when the video is shorter than ThumbnailAt.
func (c *Compositor) Thumbnail(ctx context.Context, videoPath string, duration float64, outputPath string) error {
	at := thumbnailTime(c.cfg.ThumbnailAt, duration)

	if err := c.engine.ExtractFrame(ctx, videoPath, at, outputPath); err != nil {
		return merry.Wrap(ErrThumbnail, merry.WithMessagef("thumbnail failed at %.2fs of %s", at, videoPath), merry.WithCause(err))
	}
	return nil
}

func thumbnailTime(at, duration float64) float64 {
	if duration > 0 && at > duration-thumbnailMargin {
		at = duration - thumbnailMargin
	}
	if at < 0 {
		at = 0
	}
	return at
}

// arrange maps cells onto the layout for their count. Padded positions become
// blank placeholders; cells past the largest grid are returned as dropped.
func arrange(cells []media.Clip) ([][]media.Clip, int) {
	l := layout.Select(len(cells))

	grid := make([][]media.Clip, len(l))
	for r, row := range l {
		grid[r] = make([]media.Clip, len(row))
		for i, slot := range row {
			if slot == layout.Placeholder {
				grid[r][i] = media.Placeholder()
				continue
			}
			grid[r][i] = cells[slot]
		}
	}

	return grid, len(cells) - len(l.Slots())
}

// canvasSize is the smallest frame that holds every grid of the job, so all
// segments share one resolution and can be concatenated without re-encoding.
func canvasSize(grids [][][]media.Clip, cell media.Size) media.Size {
	rows, cols := 1, 1
	for _, g := range grids {
		rows = max(rows, len(g))
		if len(g) > 0 {
			cols = max(cols, len(g[0]))
		}
	}
	return media.Size{Width: cols * cell.Width, Height: rows * cell.Height}
}

type cellKind int

const (
	cellReal cellKind = iota
	cellPlaceholder
	cellSkipped
)

// extract returns the labelled cell of track tr at second t. A track whose
// source has ended is skipped for that second; any other failure yields a
// labelled placeholder.
func (c *Compositor) extract(ctx context.Context, sources *sourceCache, tr timeline.Track, t int) (media.Clip, cellKind) {
	src, err := sources.get(ctx, tr.VideoPath)
	if err != nil {
		return c.engine.Overlay(media.Placeholder(), tr.Name), cellPlaceholder
	}

	offset := float64(t - tr.Start)
	clip, err := c.engine.Slice(src, offset, offset+1)
	if err != nil {
		if errors.Is(err, media.ErrSliceOutOfRange) {
			return media.Clip{}, cellSkipped
		}
		c.log.Warn().Err(err).Str("path", tr.VideoPath).Int("second", t).Msg("slice failed, using placeholder")
		return c.engine.Overlay(media.Placeholder(), tr.Name), cellPlaceholder
	}

	return c.engine.Overlay(clip, tr.Name), cellReal
}
