package compositor

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/bobarin/meetcomposer/internal/media"
)

type openedSource struct {
	src media.Source
	err error
}

// sourceCache opens each source path at most once per job. Failed opens are
// remembered so a broken file is not retried every second.
type sourceCache struct {
	engine  media.Engine
	log     zerolog.Logger
	entries map[string]openedSource
}

func newSourceCache(engine media.Engine, log zerolog.Logger) *sourceCache {
	return &sourceCache{
		engine:  engine,
		log:     log,
		entries: make(map[string]openedSource),
	}
}

func (c *sourceCache) get(ctx context.Context, path string) (media.Source, error) {
	if e, ok := c.entries[path]; ok {
		return e.src, e.err
	}

	src, err := c.engine.Open(ctx, path)
	if err != nil {
		c.log.Warn().Err(err).Str("path", path).Msg("source unavailable, substituting placeholder")
		src = nil
	}

	c.entries[path] = openedSource{src: src, err: err}
	return src, err
}

// close releases every opened source.
func (c *sourceCache) close() {
	for path, e := range c.entries {
		if e.src == nil {
			continue
		}
		if err := e.src.Close(); err != nil {
			c.log.Warn().Err(err).Str("path", path).Msg("failed to close source")
		}
	}
	c.entries = make(map[string]openedSource)
}
