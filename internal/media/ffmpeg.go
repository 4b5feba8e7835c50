package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ansel1/merry/v2"
	"github.com/rs/zerolog"
)

// Defaults for a meeting composite: 640x480 cells at 15fps with a small white
// name label on a black box.
const (
	defaultCellWidth    = 640
	defaultCellHeight   = 480
	defaultFPS          = 15
	defaultFontSize     = 12
	defaultLabelPadding = 10
)

// FFmpegConfig configures the ffmpeg-backed engine. Zero values fall back to
// the defaults above and to binaries on PATH.
type FFmpegConfig struct {
	FFmpegPath   string
	FFprobePath  string
	CellWidth    int
	CellHeight   int
	FPS          int
	FontSize     int
	LabelPadding int
	FontFile     string // Optional TTF for labels; ffmpeg's default font otherwise
}

// FFmpeg implements Engine by shelling out to ffmpeg and ffprobe. Each
// composed second becomes a short segment file; EncodeStream stitches them.
type FFmpeg struct {
	cfg    FFmpegConfig
	probes *prober
	log    zerolog.Logger
}

func NewFFmpeg(cfg FFmpegConfig, log zerolog.Logger) *FFmpeg {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.CellWidth <= 0 || cfg.CellHeight <= 0 {
		cfg.CellWidth, cfg.CellHeight = defaultCellWidth, defaultCellHeight
	}
	if cfg.FPS <= 0 {
		cfg.FPS = defaultFPS
	}
	if cfg.FontSize <= 0 {
		cfg.FontSize = defaultFontSize
	}
	if cfg.LabelPadding <= 0 {
		cfg.LabelPadding = defaultLabelPadding
	}

	return &FFmpeg{
		cfg:    cfg,
		probes: newProber(cfg.FFprobePath),
		log:    log.With().Str("component", "ffmpeg").Logger(),
	}
}

type fileSource struct {
	path     string
	duration float64
	size     Size
	release  func()
}

func (s *fileSource) Path() string      { return s.path }
func (s *fileSource) Duration() float64 { return s.duration }
func (s *fileSource) Size() Size        { return s.size }

func (s *fileSource) Close() error {
	if s.release != nil {
		s.release()
		s.release = nil
	}
	return nil
}

func (e *FFmpeg) CellSize() Size {
	return Size{Width: e.cfg.CellWidth, Height: e.cfg.CellHeight}
}

// Open probes path and computes its normalized size. Files without a video
// stream or a usable duration are reported as ErrSourceUnavailable.
func (e *FFmpeg) Open(ctx context.Context, path string) (Source, error) {
	res, err := e.probes.Probe(ctx, path)
	if err != nil {
		return nil, merry.Wrap(ErrSourceUnavailable, merry.WithMessagef("source unavailable: %s", path), merry.WithCause(err))
	}

	stream, ok := res.videoStream()
	if !ok || stream.Width <= 0 || stream.Height <= 0 {
		e.probes.Forget(path)
		return nil, merry.Wrap(ErrSourceUnavailable, merry.WithMessagef("source unavailable: %s has no video stream", path))
	}

	duration := res.duration()
	if duration <= 0 {
		e.probes.Forget(path)
		return nil, merry.Wrap(ErrSourceUnavailable, merry.WithMessagef("source unavailable: %s has no duration", path))
	}

	raw := Size{Width: stream.Width, Height: stream.Height}
	size := FitSize(raw, e.CellSize())

	e.log.Debug().
		Str("path", path).
		Float64("duration", duration).
		Int("raw_width", raw.Width).Int("raw_height", raw.Height).
		Int("width", size.Width).Int("height", size.Height).
		Msg("opened source")

	return &fileSource{
		path:     path,
		duration: duration,
		size:     size,
		release:  func() { e.probes.Forget(path) },
	}, nil
}

// FitSize scales raw so its longer side matches the cell: portrait sources
// get the cell height, landscape sources the cell width. Aspect ratio is kept
// and dimensions are rounded down to even numbers for yuv420p.
func FitSize(raw, cell Size) Size {
	if raw.Width <= 0 || raw.Height <= 0 {
		return cell
	}

	var w, h int
	if raw.Height > raw.Width {
		h = cell.Height
		w = raw.Width * cell.Height / raw.Height
	} else {
		w = cell.Width
		h = raw.Height * cell.Width / raw.Width
		if h > cell.Height {
			h = cell.Height
			w = raw.Width * cell.Height / raw.Height
		}
	}

	return Size{Width: even(w), Height: even(h)}
}

func even(v int) int {
	v &^= 1
	if v < 2 {
		return 2
	}
	return v
}

func (e *FFmpeg) Slice(src Source, start, end float64) (Clip, error) {
	if src == nil {
		return Clip{}, merry.Wrap(ErrSourceUnavailable, merry.WithMessage("source unavailable: nil source"))
	}

	duration := src.Duration()
	if start < 0 || start >= duration {
		return Clip{}, merry.Wrap(ErrSliceOutOfRange, merry.WithMessagef("slice out of range: %.3fs of %s (duration %.3fs)", start, src.Path(), duration))
	}
	if end > duration {
		end = duration
	}
	if end <= start {
		return Clip{}, merry.Wrap(ErrSliceOutOfRange, merry.WithMessagef("slice out of range: empty range %.3f-%.3f of %s", start, end, src.Path()))
	}

	return Clip{Source: src, Start: start, End: end}, nil
}

func (e *FFmpeg) Overlay(clip Clip, label string) Clip {
	clip.Label = label
	return clip
}

func (e *FFmpeg) ComposeGrid(ctx context.Context, rows [][]Clip, canvas Size, outputPath string) (Frame, error) {
	args, err := e.gridArgs(rows, canvas, outputPath)
	if err != nil {
		return Frame{}, err
	}

	e.log.Debug().Str("output", outputPath).Strs("args", args).Msg("composing grid")

	if _, err := runCommand(ctx, e.cfg.FFmpegPath, args...); err != nil {
		return Frame{}, fmt.Errorf("ffmpeg compose grid failed: %w", err)
	}

	return Frame{Path: outputPath, Duration: 1, Size: canvas}, nil
}

// gridArgs builds the ffmpeg invocation for one composed second. Every cell
// is its own input: real clips seek independently with -ss, placeholders are
// lavfi color sources. Cells are fitted and padded to the cell size, stacked
// with xstack and centred on the canvas.
func (e *FFmpeg) gridArgs(rows [][]Clip, canvas Size, outputPath string) ([]string, error) {
	cell := e.CellSize()
	fps := strconv.Itoa(e.cfg.FPS)

	args := []string{"-hide_banner", "-loglevel", "error"}
	var filters, positions, outputs []string

	idx := 0
	for r, row := range rows {
		for c, clip := range row {
			var chain string
			if clip.IsPlaceholder() {
				args = append(args,
					"-f", "lavfi",
					"-t", "1",
					"-i", fmt.Sprintf("color=c=black:s=%dx%d:r=%d", cell.Width, cell.Height, e.cfg.FPS),
				)
				chain = fmt.Sprintf("[%d:v]setsar=1", idx)
			} else {
				size := clip.Source.Size()
				args = append(args,
					"-ss", seconds(clip.Start),
					"-t", seconds(clip.Duration()),
					"-i", clip.Source.Path(),
				)
				chain = fmt.Sprintf(
					"[%d:v]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black,setsar=1,fps=%d,tpad=stop_mode=clone:stop_duration=1",
					idx, size.Width, size.Height, cell.Width, cell.Height, e.cfg.FPS,
				)
			}

			chain += ",trim=duration=1,setpts=PTS-STARTPTS"
			if clip.Label != "" {
				chain += "," + e.drawtext(clip.Label)
			}

			out := fmt.Sprintf("c%d", idx)
			filters = append(filters, chain+"["+out+"]")
			outputs = append(outputs, "["+out+"]")
			positions = append(positions, fmt.Sprintf("%d_%d", c*cell.Width, r*cell.Height))
			idx++
		}
	}

	if idx == 0 {
		return nil, fmt.Errorf("compose grid: no cells")
	}

	pad := fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black", canvas.Width, canvas.Height)
	if idx == 1 {
		filters = append(filters, "[c0]"+pad+"[out]")
	} else {
		filters = append(filters,
			fmt.Sprintf("%sxstack=inputs=%d:layout=%s[grid]", strings.Join(outputs, ""), idx, strings.Join(positions, "|")),
			"[grid]"+pad+"[out]",
		)
	}

	args = append(args,
		"-filter_complex", strings.Join(filters, ";"),
		"-map", "[out]",
		"-t", "1",
		"-r", fps,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-an",
		"-y",
		outputPath,
	)

	return args, nil
}

// drawtext renders the name label bottom-left: white text on an opaque black
// box that extends LabelPadding pixels around the text.
func (e *FFmpeg) drawtext(label string) string {
	p := e.cfg.LabelPadding
	f := fmt.Sprintf(
		"drawtext=text='%s':expansion=none:fontcolor=white:fontsize=%d:box=1:boxcolor=black:boxborderw=%d:x=%d:y=h-th-%d",
		escapeDrawtext(label), e.cfg.FontSize, p, p, p,
	)
	if e.cfg.FontFile != "" {
		f += fmt.Sprintf(":fontfile='%s'", escapeFilterPath(e.cfg.FontFile))
	}
	return f
}

// EncodeStream concatenates the per-second segments with the concat demuxer.
// Segments share codec, size and frame rate, so streams are copied.
func (e *FFmpeg) EncodeStream(ctx context.Context, frames []Frame, outputPath string) (float64, error) {
	if len(frames) == 0 {
		return 0, fmt.Errorf("no frames to encode")
	}

	listPath := outputPath + ".concat.txt"
	if err := writeConcatList(listPath, frames); err != nil {
		return 0, err
	}
	defer os.Remove(listPath)

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-movflags", "+faststart",
		"-y",
		outputPath,
	}

	e.log.Debug().Str("output", outputPath).Int("frames", len(frames)).Msg("encoding stream")

	if _, err := runCommand(ctx, e.cfg.FFmpegPath, args...); err != nil {
		return 0, fmt.Errorf("ffmpeg concatenate failed: %w", err)
	}

	res, err := e.probes.probe(ctx, outputPath)
	if err != nil || res.duration() <= 0 {
		expected := 0.0
		for _, f := range frames {
			expected += f.Duration
		}
		e.log.Warn().Err(err).Str("output", outputPath).Msg("could not measure output duration, using frame total")
		return expected, nil
	}

	return res.duration(), nil
}

func writeConcatList(listPath string, frames []Frame) error {
	var sb strings.Builder
	for _, f := range frames {
		p, err := filepath.Abs(f.Path)
		if err != nil {
			p = f.Path
		}
		fmt.Fprintf(&sb, "file '%s'\n", strings.ReplaceAll(p, "'", "'\\''"))
	}

	if err := os.WriteFile(listPath, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}
	return nil
}

func (e *FFmpeg) ExtractFrame(ctx context.Context, videoPath string, at float64, outputPath string) error {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-ss", seconds(at),
		"-i", videoPath,
		"-frames:v", "1",
		"-y",
		outputPath,
	}

	if _, err := runCommand(ctx, e.cfg.FFmpegPath, args...); err != nil {
		return fmt.Errorf("ffmpeg extract frame failed: %w", err)
	}

	if info, err := os.Stat(outputPath); err != nil || info.Size() == 0 {
		return fmt.Errorf("ffmpeg extract frame produced no image at %ss", seconds(at))
	}

	return nil
}

// Reencode normalizes an uploaded recording into H.264/AAC at the output
// frame rate, which also repairs the missing duration metadata of browser
// webm recordings.
func (e *FFmpeg) Reencode(ctx context.Context, inputPath, outputPath string) error {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", inputPath,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(e.cfg.FPS),
		"-c:a", "aac",
		"-b:a", "128k",
		"-y",
		outputPath,
	}

	if _, err := runCommand(ctx, e.cfg.FFmpegPath, args...); err != nil {
		return fmt.Errorf("ffmpeg re-encode failed: %w", err)
	}

	return nil
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// escapeDrawtext escapes a label for use inside a quoted drawtext text value.
// Quoting keeps the value literal for the graph parser and the option parser
// unescapes it once. Labels are drawn with expansion=none, so '%' is literal.
func escapeDrawtext(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`'`, `'\\\''`,
		`:`, `\:`,
		"\n", " ",
	)
	return r.Replace(s)
}

// escapeFilterPath escapes special characters in file paths for ffmpeg filter syntax.
func escapeFilterPath(path string) string {
	path = strings.ReplaceAll(path, "\\", "\\\\")
	path = strings.ReplaceAll(path, ":", "\\:")
	path = strings.ReplaceAll(path, "'", "'\\''")
	return path
}
