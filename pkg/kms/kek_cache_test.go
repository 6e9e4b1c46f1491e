package kms

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	decryptFunc func(ctx context.Context, ciphertext, aad []byte) ([]byte, error)
}

func (m *mockProvider) Name() string { return "mock" }
func (m *mockProvider) Wrap(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	return plaintext, nil
}
func (m *mockProvider) Unwrap(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	if m.decryptFunc != nil {
		return m.decryptFunc(ctx, ciphertext, aad)
	}
	return ciphertext, nil
}
func (m *mockProvider) Secret(ctx context.Context, key string) (string, error) {
	return "secret", nil
}

func countingAdapter(calls *int32, delay time.Duration) *Adapter {
	return &Adapter{
		primary: &mockProvider{
			decryptFunc: func(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
				time.Sleep(delay)
				atomic.AddInt32(calls, 1)
				return append([]byte("dek-"), ciphertext...), nil
			},
		},
	}
}

func TestKEKCacheHitMiss(t *testing.T) {
	var calls int32
	cache := NewKEKCache(countingAdapter(&calls, 0), time.Hour)
	defer cache.Stop()
	ctx := context.Background()

	first, err := cache.DecryptDEK(ctx, []byte("wrapped"), "paste1")
	require.NoError(t, err)
	second, err := cache.DecryptDEK(ctx, []byte("wrapped"), "paste1")
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, []byte("dek-wrapped"), first)
	assert.Equal(t, first, second)
}

func TestKEKCacheCallerOwnsCopy(t *testing.T) {
	var calls int32
	cache := NewKEKCache(countingAdapter(&calls, 0), time.Hour)
	defer cache.Stop()
	ctx := context.Background()

	first, err := cache.DecryptDEK(ctx, []byte("wrapped"), "paste1")
	require.NoError(t, err)
	wipeBytes(first)
	second, err := cache.DecryptDEK(ctx, []byte("wrapped"), "paste1")
	require.NoError(t, err)
	assert.Equal(t, []byte("dek-wrapped"), second)
}

func TestKEKCacheExpiration(t *testing.T) {
	var calls int32
	cache := NewKEKCache(countingAdapter(&calls, 0), 10*time.Millisecond)
	defer cache.Stop()
	ctx := context.Background()

	_, err := cache.DecryptDEK(ctx, []byte("wrapped"), "paste1")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = cache.DecryptDEK(ctx, []byte("wrapped"), "paste1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestKEKCacheSingleFlight(t *testing.T) {
	var calls int32
	cache := NewKEKCache(countingAdapter(&calls, 50*time.Millisecond), time.Hour)
	defer cache.Stop()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dek, err := cache.DecryptDEK(ctx, []byte("wrapped"), "paste1")
			assert.NoError(t, err)
			assert.Equal(t, []byte("dek-wrapped"), dek)
			wipeBytes(dek)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestKEKCacheKeyedByPaste(t *testing.T) {
	var calls int32
	cache := NewKEKCache(countingAdapter(&calls, 0), time.Hour)
	defer cache.Stop()
	ctx := context.Background()

	_, err := cache.DecryptDEK(ctx, []byte("wrapped"), "paste1")
	require.NoError(t, err)
	_, err = cache.DecryptDEK(ctx, []byte("wrapped"), "paste2")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 2, cache.Stats().Entries)
}

func TestKEKCacheForget(t *testing.T) {
	var calls int32
	cache := NewKEKCache(countingAdapter(&calls, 0), time.Hour)
	defer cache.Stop()
	ctx := context.Background()

	_, err := cache.DecryptDEK(ctx, []byte("wrapped"), "paste1")
	require.NoError(t, err)
	cache.Forget([]byte("wrapped"), "paste1")
	assert.Equal(t, 0, cache.Stats().Entries)
	_, err = cache.DecryptDEK(ctx, []byte("wrapped"), "paste1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestKEKCacheStop(t *testing.T) {
	var calls int32
	cache := NewKEKCache(countingAdapter(&calls, 0), time.Hour)
	ctx := context.Background()
	_, _ = cache.DecryptDEK(ctx, []byte("dek1"), "paste1")
	_, _ = cache.DecryptDEK(ctx, []byte("dek2"), "paste2")
	assert.Equal(t, 2, cache.Stats().Entries)

	cache.Stop()
	cache.Stop()
	assert.Equal(t, 0, cache.Stats().Entries)
	_, err := cache.DecryptDEK(ctx, []byte("dek1"), "paste1")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}
