package db

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"echobin/pkg/domain"
	"echobin/svc/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreTests exercises the Store contract shared by every backend.
func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"ConsumeViewIncrements", testConsumeViewIncrements},
		{"ConsumeViewWrongHash", testConsumeViewWrongHash},
		{"ConsumeViewMaxViews", testConsumeViewMaxViews},
		{"ConsumeViewExpired", testConsumeViewExpired},
		{"ConsumeViewConcurrentBoundary", testConsumeViewConcurrentBoundary},
		{"Credential", testCredential},
		{"DuplicateKeepsTxUsable", testDuplicateKeepsTxUsable},
		{"DuplicateSafety", testDuplicateSafety},
		{"RollbackOnError", testRollbackOnError},
		{"FilesAndAnnotations", testFilesAndAnnotations},
		{"Safety", testSafety},
		{"CleanupExpired", testCleanupExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func newTestPaste(t *testing.T) *domain.Paste {
	t.Helper()
	id, err := util.GenPasteID()
	require.NoError(t, err)
	token, err := util.GenSafetyToken()
	require.NoError(t, err)
	return &domain.Paste{
		ID:           id,
		CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
		SafetyHash:   util.HashToken(token),
		EncryptedDEK: []byte("wrapped-dek"),
	}
}

func insertTestPaste(t *testing.T, s Store, p *domain.Paste, files ...domain.File) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx Tx) error {
		if err := tx.InsertPaste(context.Background(), p); err != nil {
			return err
		}
		for i := range files {
			fileID, err := tx.InsertFile(context.Background(), p.ID, &files[i])
			if err != nil {
				return err
			}
			for _, a := range files[i].Annotations {
				if err := tx.InsertAnnotation(context.Background(), fileID, a); err != nil {
					return err
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func intPtr(n int) *int { return &n }

func testConsumeViewIncrements(t *testing.T, s Store) {
	p := newTestPaste(t)
	insertTestPaste(t, s, p)
	ctx := context.Background()

	got, err := s.ConsumeView(ctx, p.ID, "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, int64(1), got.Views)
	assert.Equal(t, []byte("wrapped-dek"), got.EncryptedDEK)
	assert.Nil(t, got.ExpiresAt)
	assert.Nil(t, got.MaxViews)
	assert.WithinDuration(t, p.CreatedAt, got.CreatedAt, time.Millisecond)

	got, err = s.ConsumeView(ctx, p.ID, "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Views)

	_, err = s.ConsumeView(ctx, "missing", "", time.Now())
	assert.Equal(t, domain.ErrPasteNotFound, err)
}

func testConsumeViewWrongHash(t *testing.T, s Store) {
	p := newTestPaste(t)
	p.PasswordHash = "$argon2id$stored"
	insertTestPaste(t, s, p)
	ctx := context.Background()

	_, err := s.ConsumeView(ctx, p.ID, "", time.Now())
	assert.Equal(t, domain.ErrPasteNotFound, err)
	_, err = s.ConsumeView(ctx, p.ID, "$argon2id$other", time.Now())
	assert.Equal(t, domain.ErrPasteNotFound, err)

	info, err := s.BySafety(ctx, p.SafetyHash)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Views)

	got, err := s.ConsumeView(ctx, p.ID, p.PasswordHash, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Views)
}

func testConsumeViewMaxViews(t *testing.T, s Store) {
	p := newTestPaste(t)
	p.MaxViews = intPtr(3)
	insertTestPaste(t, s, p)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		got, err := s.ConsumeView(ctx, p.ID, "", time.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(i), got.Views)
		require.NotNil(t, got.MaxViews)
		assert.Equal(t, 3, *got.MaxViews)
	}
	_, err := s.ConsumeView(ctx, p.ID, "", time.Now())
	assert.Equal(t, domain.ErrPasteNotFound, err)

	info, err := s.BySafety(ctx, p.SafetyHash)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Views)
}

func testConsumeViewExpired(t *testing.T, s Store) {
	ctx := context.Background()
	past := time.Now().Add(-time.Minute).UTC()
	p := newTestPaste(t)
	p.ExpiresAt = &past
	insertTestPaste(t, s, p)
	_, err := s.ConsumeView(ctx, p.ID, "", time.Now())
	assert.Equal(t, domain.ErrPasteNotFound, err)

	future := time.Now().Add(time.Hour).UTC()
	q := newTestPaste(t)
	q.ExpiresAt = &future
	insertTestPaste(t, s, q)
	got, err := s.ConsumeView(ctx, q.ID, "", time.Now())
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, future, *got.ExpiresAt, time.Millisecond)
	_, err = s.ConsumeView(ctx, q.ID, "", future.Add(time.Second))
	assert.Equal(t, domain.ErrPasteNotFound, err)
}

func testConsumeViewConcurrentBoundary(t *testing.T, s Store) {
	const maxViews = 5
	p := newTestPaste(t)
	p.MaxViews = intPtr(maxViews)
	insertTestPaste(t, s, p)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		views     = map[int64]bool{}
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.ConsumeView(ctx, p.ID, "", time.Now())
			if err != nil {
				assert.Equal(t, domain.ErrPasteNotFound, err)
				return
			}
			mu.Lock()
			successes++
			views[got.Views] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, maxViews, successes)
	assert.Len(t, views, maxViews, "every success observes a distinct count")

	info, err := s.BySafety(ctx, p.SafetyHash)
	require.NoError(t, err)
	assert.Equal(t, int64(maxViews), info.Views)
}

func testCredential(t *testing.T, s Store) {
	ctx := context.Background()
	p := newTestPaste(t)
	p.PasswordHash = "$argon2id$stored"
	insertTestPaste(t, s, p)
	q := newTestPaste(t)
	insertTestPaste(t, s, q)

	hash, found, err := s.Credential(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "$argon2id$stored", hash)

	hash, found, err = s.Credential(ctx, q.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, hash)

	_, found, err = s.Credential(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func testDuplicateKeepsTxUsable(t *testing.T, s Store) {
	ctx := context.Background()
	existing := newTestPaste(t)
	insertTestPaste(t, s, existing)

	retry := newTestPaste(t)
	err := s.WithTx(ctx, func(tx Tx) error {
		clash := newTestPaste(t)
		clash.ID = existing.ID
		err := tx.InsertPaste(ctx, clash)
		require.ErrorIs(t, err, ErrDuplicate)
		return tx.InsertPaste(ctx, retry)
	})
	require.NoError(t, err)
	_, found, err := s.Credential(ctx, retry.ID)
	require.NoError(t, err)
	assert.True(t, found)
}

func testDuplicateSafety(t *testing.T, s Store) {
	ctx := context.Background()
	existing := newTestPaste(t)
	insertTestPaste(t, s, existing)
	err := s.WithTx(ctx, func(tx Tx) error {
		clash := newTestPaste(t)
		clash.SafetyHash = existing.SafetyHash
		return tx.InsertPaste(ctx, clash)
	})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func testRollbackOnError(t *testing.T, s Store) {
	ctx := context.Background()
	p := newTestPaste(t)
	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertPaste(ctx, p); err != nil {
			return err
		}
		if _, err := tx.InsertFile(ctx, p.ID, &domain.File{Name: "a", Sealed: []byte("x"), Lines: 1, Characters: 1}); err != nil {
			return err
		}
		return fmt.Errorf("scan failed")
	})
	require.Error(t, err)
	_, found, err := s.Credential(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, found)
	files, err := s.Files(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func testFilesAndAnnotations(t *testing.T, s Store) {
	ctx := context.Background()
	p := newTestPaste(t)
	ann := domain.Annotation{
		Head:    domain.Position{Line: 1, Char: 2},
		Tail:    domain.Position{Line: 1, Char: 60},
		Content: "echobin found a secret for Discord.",
	}
	insertTestPaste(t, s, p,
		domain.File{Name: "first.txt", Sealed: []byte("sealed-1"), Language: "go", Lines: 2, Characters: 10, Annotations: []domain.Annotation{ann}},
		domain.File{Name: "second.txt", Sealed: []byte("sealed-2"), Lines: 1, Characters: 3},
	)

	files, err := s.Files(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "first.txt", files[0].Name)
	assert.Equal(t, []byte("sealed-1"), files[0].Sealed)
	assert.Equal(t, "go", files[0].Language)
	assert.Equal(t, 2, files[0].Lines)
	assert.Equal(t, 10, files[0].Characters)
	assert.Equal(t, []domain.Annotation{ann}, files[0].Annotations)
	assert.Equal(t, "second.txt", files[1].Name)
	assert.Empty(t, files[1].Language)
	assert.NotNil(t, files[1].Annotations)
	assert.Empty(t, files[1].Annotations)
}

func testSafety(t *testing.T, s Store) {
	ctx := context.Background()
	p := newTestPaste(t)
	p.MaxViews = intPtr(10)
	insertTestPaste(t, s, p, domain.File{Name: "a", Sealed: []byte("x"), Lines: 1, Characters: 1})

	info, err := s.BySafety(ctx, p.SafetyHash)
	require.NoError(t, err)
	assert.Equal(t, p.ID, info.ID)
	require.NotNil(t, info.MaxViews)
	assert.Equal(t, 10, *info.MaxViews)

	_, err = s.BySafety(ctx, util.HashToken("unknown"))
	assert.Equal(t, domain.ErrInvalidSafetyToken, err)

	info, err = s.DeleteBySafety(ctx, p.SafetyHash)
	require.NoError(t, err)
	assert.Equal(t, p.ID, info.ID)

	_, err = s.DeleteBySafety(ctx, p.SafetyHash)
	assert.Equal(t, domain.ErrInvalidSafetyToken, err)
	_, err = s.ConsumeView(ctx, p.ID, "", time.Now())
	assert.Equal(t, domain.ErrPasteNotFound, err)
	files, err := s.Files(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func testCleanupExpired(t *testing.T, s Store) {
	ctx := context.Background()
	past := time.Now().Add(-time.Hour).UTC()
	expired := newTestPaste(t)
	expired.ExpiresAt = &past
	insertTestPaste(t, s, expired, domain.File{Name: "a", Sealed: []byte("x"), Lines: 1, Characters: 1})

	exhausted := newTestPaste(t)
	exhausted.MaxViews = intPtr(1)
	insertTestPaste(t, s, exhausted)
	_, err := s.ConsumeView(ctx, exhausted.ID, "", time.Now())
	require.NoError(t, err)

	live := newTestPaste(t)
	live.MaxViews = intPtr(2)
	insertTestPaste(t, s, live)

	n, err := s.CleanupExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)

	for _, id := range []string{expired.ID, exhausted.ID} {
		_, found, err := s.Credential(ctx, id)
		require.NoError(t, err)
		assert.False(t, found, id)
	}
	_, found, err := s.Credential(ctx, live.ID)
	require.NoError(t, err)
	assert.True(t, found)
}
