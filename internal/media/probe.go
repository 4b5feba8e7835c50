package media

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	cache "github.com/Code-Hex/go-generics-cache"
	"github.com/samber/lo"
)

// probeTTL bounds how long a probe result is reused for the same path.
const probeTTL = 5 * time.Minute

type probeStream struct {
	Index     int    `json:"index"`
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Duration  string `json:"duration"`
}

type probeResult struct {
	Streams []probeStream `json:"streams"`
	Format  struct {
		Filename string `json:"filename"`
		Duration string `json:"duration"`
	} `json:"format"`
}

// videoStream returns the first video stream of the probe.
func (p *probeResult) videoStream() (probeStream, bool) {
	return lo.Find(p.Streams, func(s probeStream) bool {
		return s.CodecType == "video"
	})
}

// duration prefers the container duration and falls back to the video
// stream's own duration (webm files often only carry one of them).
func (p *probeResult) duration() float64 {
	if d, err := strconv.ParseFloat(strings.TrimSpace(p.Format.Duration), 64); err == nil && d > 0 {
		return d
	}
	if s, ok := p.videoStream(); ok {
		if d, err := strconv.ParseFloat(strings.TrimSpace(s.Duration), 64); err == nil && d > 0 {
			return d
		}
	}
	return 0
}

type prober struct {
	bin   string
	cache *cache.Cache[string, *probeResult]
}

func newProber(bin string) *prober {
	return &prober{
		bin:   bin,
		cache: cache.New[string, *probeResult](),
	}
}

// Probe returns the ffprobe description of path, reusing a recent result.
func (p *prober) Probe(ctx context.Context, path string) (*probeResult, error) {
	if res, ok := p.cache.Get(path); ok {
		return res, nil
	}

	res, err := p.probe(ctx, path)
	if err != nil {
		return nil, err
	}

	p.cache.Set(path, res, cache.WithExpiration(probeTTL))
	return res, nil
}

// Forget drops the cached probe of path.
func (p *prober) Forget(path string) {
	p.cache.Delete(path)
}

func (p *prober) probe(ctx context.Context, path string) (*probeResult, error) {
	out, err := runCommand(ctx, p.bin,
		"-hide_banner",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	var res probeResult
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output for %s: %w", path, err)
	}

	return &res, nil
}
