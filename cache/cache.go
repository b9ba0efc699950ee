// Package cache provides the process-wide extraction cache: a bounded
// LRU of completed extractions keyed by session id, plus exact
// in-flight-call deduplication so concurrent ingests of the same session
// share one extraction call.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultSize is the default number of completed extractions retained.
const DefaultSize = 512

// ExtractionCache deduplicates and memoizes per-session extraction calls.
type ExtractionCache struct {
	completed *lru.Cache[string, string]
	inflight  singleflight.Group
}

// New returns an ExtractionCache holding up to size completed
// extractions. A non-positive size falls back to DefaultSize.
func New(size int) (*ExtractionCache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	completed, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &ExtractionCache{completed: completed}, nil
}

// GetOrExtract returns the cached extraction for sessionID if present.
// Otherwise it calls extract exactly once even if multiple goroutines
// request the same sessionID concurrently (golang.org/x/sync/singleflight),
// caches the result on success, and returns it to every waiting caller.
// hit reports whether the result came from the completed-extraction cache
// (true) or from a live/in-flight call (false).
func (c *ExtractionCache) GetOrExtract(sessionID string, extract func() (string, error)) (result string, hit bool, err error) {
	if cached, ok := c.completed.Get(sessionID); ok {
		return cached, true, nil
	}

	v, err, _ := c.inflight.Do(sessionID, func() (any, error) {
		text, err := extract()
		if err != nil {
			return "", err
		}
		c.completed.Add(sessionID, text)
		return text, nil
	})
	if err != nil {
		return "", false, err
	}
	return v.(string), false, nil
}

// Invalidate removes sessionID from the completed cache, e.g. after a
// Clear of the container that contributed it.
func (c *ExtractionCache) Invalidate(sessionID string) {
	c.completed.Remove(sessionID)
}

// Len returns the number of completed extractions currently cached.
func (c *ExtractionCache) Len() int {
	return c.completed.Len()
}
