package db

import (
	"context"
	"time"

	"echobin/pkg/domain"

	"github.com/pkg/errors"
)

// ErrDuplicate is returned by Tx.InsertPaste when the id or the safety
// digest is already taken. The transaction stays usable.
var ErrDuplicate = errors.New("duplicate paste key")

// Store is the relational backend for pastes, files and annotations.
// Implementations: SQLite (default) and Postgres.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	// Credential returns the stored password hash for id. found is false when
	// no row exists; hash is empty for pastes without a password.
	Credential(ctx context.Context, id string) (hash string, found bool, err error)
	// ConsumeView increments views in one conditional statement and returns
	// the updated row. It returns domain.ErrPasteNotFound when the paste is
	// missing, expired, exhausted or its hash no longer equals hash.
	ConsumeView(ctx context.Context, id, hash string, now time.Time) (*domain.Paste, error)
	// Files returns the files of a paste in insertion order with sealed
	// content and their annotations.
	Files(ctx context.Context, pasteID string) ([]domain.File, error)
	BySafety(ctx context.Context, safetyHash string) (*domain.PasteInfo, error)
	DeleteBySafety(ctx context.Context, safetyHash string) (*domain.PasteInfo, error)
	CleanupExpired(ctx context.Context, now time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the write side used while creating a paste.
type Tx interface {
	InsertPaste(ctx context.Context, p *domain.Paste) error
	InsertFile(ctx context.Context, pasteID string, f *domain.File) (int64, error)
	InsertAnnotation(ctx context.Context, fileID int64, a domain.Annotation) error
}

const cleanupBatch = 100

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
func utc(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
