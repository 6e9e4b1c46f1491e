package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const maxCachedKeys = 10000

// KEKCache keeps unwrapped data keys for a while so hot pastes do not hit
// the KMS on every read. Concurrent misses for one key share a single call.
// Evicted keys are wiped.
type KEKCache struct {
	keys    *expirable.LRU[string, *dekEntry]
	adapter *Adapter
	flight  singleflight.Group
	stopped atomic.Bool
}

// dekEntry is nil'd under mu when evicted so readers never copy a wiped key.
type dekEntry struct {
	mu  sync.RWMutex
	dek []byte
}

func (e *dekEntry) clone() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.dek == nil {
		return nil
	}
	return append([]byte(nil), e.dek...)
}
func (e *dekEntry) wipe() {
	e.mu.Lock()
	wipeBytes(e.dek)
	e.dek = nil
	e.mu.Unlock()
}

func NewKEKCache(adapter *Adapter, ttl time.Duration) *KEKCache {
	return &KEKCache{
		keys: expirable.NewLRU[string, *dekEntry](maxCachedKeys, func(_ string, e *dekEntry) {
			e.wipe()
		}, ttl),
		adapter: adapter,
	}
}

// DecryptDEK returns a copy of the unwrapped key owned by the caller.
func (c *KEKCache) DecryptDEK(ctx context.Context, encryptedDEK []byte, pasteID string) ([]byte, error) {
	if c.stopped.Load() {
		return nil, ErrProviderUnavailable
	}
	key := cacheKey(encryptedDEK, pasteID)
	if e, ok := c.keys.Get(key); ok {
		if dek := e.clone(); dek != nil {
			return dek, nil
		}
	}
	v, err, _ := c.flight.Do(key, func() (any, error) {
		dek, err := UnwrapDEK(ctx, c.adapter, encryptedDEK, pasteID)
		if err != nil {
			return nil, err
		}
		if !c.stopped.Load() {
			c.keys.Add(key, &dekEntry{dek: append([]byte(nil), dek...)})
		}
		return dek, nil
	})
	if err != nil {
		return nil, err
	}
	// v is shared by every caller of this flight.
	return append([]byte(nil), v.([]byte)...), nil
}

// Forget drops and wipes the cached key of a deleted paste.
func (c *KEKCache) Forget(encryptedDEK []byte, pasteID string) {
	c.keys.Remove(cacheKey(encryptedDEK, pasteID))
}

// Stop wipes every cached key. Later calls to DecryptDEK fail.
func (c *KEKCache) Stop() {
	if c.stopped.CompareAndSwap(false, true) {
		c.keys.Purge()
	}
}

type CacheStats struct {
	Entries int
}

func (c *KEKCache) Stats() CacheStats {
	return CacheStats{Entries: c.keys.Len()}
}
func cacheKey(encryptedDEK []byte, pasteID string) string {
	h := sha256.New()
	h.Write([]byte(pasteID))
	h.Write([]byte{0})
	h.Write(encryptedDEK)
	return hex.EncodeToString(h.Sum(nil))
}
func wipeBytes(b []byte) {
	clear(b)
}
