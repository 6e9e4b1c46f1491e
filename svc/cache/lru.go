package cache

import (
	"context"
	"slices"
	"time"

	"echobin/metrics"
	"echobin/pkg/domain"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

const maxEntries = 100000

// LRU holds decrypted paste files keyed by paste id. Each entry carries its
// own deadline, never past the paste's expiry, so a stale hit is dropped on
// read instead of waiting for eviction.
type LRU struct {
	c *lru.Cache[string, entry]
}
type entry struct {
	files    []domain.File
	deadline time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 || size > maxEntries {
		return nil, errors.Errorf("cache size must be between 1 and %d", maxEntries)
	}
	c, err := lru.New[string, entry](size)
	if err != nil {
		return nil, errors.Wrap(err, "new lru")
	}
	return &LRU{c: c}, nil
}

// Get returns a copy of the cached file slice.
func (l *LRU) Get(ctx context.Context, id string) ([]domain.File, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	e, ok := l.c.Get(id)
	if ok && time.Now().Before(e.deadline) {
		metrics.CacheHits.Inc()
		return slices.Clone(e.files), true
	}
	if ok {
		l.c.Remove(id)
	}
	metrics.CacheMisses.Inc()
	return nil, false
}

// Set is a no-op for a non-positive ttl.
func (l *LRU) Set(id string, files []domain.File, ttl time.Duration) {
	if ttl > 0 {
		l.c.Add(id, entry{files: slices.Clone(files), deadline: time.Now().Add(ttl)})
	}
}
func (l *LRU) Delete(id string) { l.c.Remove(id) }
func (l *LRU) Len() int         { return l.c.Len() }
