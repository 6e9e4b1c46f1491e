package db

import (
	"context"
	"embed"
	"strings"
	"time"

	"echobin/pkg/domain"
	"echobin/svc/util"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Postgres struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewPostgres connects a pool. Schema changes are applied separately by
// MigratePostgres.
func NewPostgres(ctx context.Context, dsn string, maxConns int, queryTimeout time.Duration) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &Postgres{pool: pool, queryTimeout: queryTimeout}, nil
}

// MigratePostgres applies the embedded migrations.
func MigratePostgres(dsn string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "open migrations")
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(dsn))
	if err != nil {
		return errors.Wrap(err, "init migrations")
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "apply migrations")
	}
	version, dirty, _ := m.Version()
	util.Info().Uint("version", version).Bool("dirty", dirty).Msg("postgres migrations applied")
	return nil
}
func migrateURL(dsn string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}
func (p *Postgres) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx)
	if err := fn(&pgTx{tx: tx, timeout: p.queryTimeout}); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "commit tx")
}
func (p *Postgres) Credential(ctx context.Context, id string) (string, bool, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	var hash *string
	err := p.pool.QueryRow(queryCtx, `SELECT password_hash FROM pastes WHERE id = $1`, id).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "db credential")
	}
	if hash == nil {
		return "", true, nil
	}
	return *hash, true, nil
}
func (p *Postgres) ConsumeView(ctx context.Context, id, hash string, now time.Time) (*domain.Paste, error) {
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	var paste domain.Paste
	err := p.pool.QueryRow(queryCtx, `
	UPDATE pastes SET views = views + 1
	WHERE id = $1
		AND password_hash IS NOT DISTINCT FROM $2::text
		AND (max_views IS NULL OR views < max_views)
		AND (expires_at IS NULL OR expires_at > $3)
	RETURNING id, created_at, expires_at, views, max_views, encrypted_dek
	`, id, nullString(hash), now.UTC()).Scan(
		&paste.ID, &paste.CreatedAt, &paste.ExpiresAt, &paste.Views, &paste.MaxViews, &paste.EncryptedDEK,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db consume view")
	}
	paste.CreatedAt = paste.CreatedAt.UTC()
	return &paste, nil
}
func (p *Postgres) Files(ctx context.Context, pasteID string) ([]domain.File, error) {
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	rows, err := p.pool.Query(queryCtx, `
	SELECT id, name, content, COALESCE(language, ''), lines, characters
	FROM files WHERE paste_id = $1 ORDER BY id
	`, pasteID)
	if err != nil {
		return nil, errors.Wrap(err, "db files")
	}
	var (
		files []domain.File
		ids   = map[int64]int{}
	)
	for rows.Next() {
		var (
			f  domain.File
			id int64
		)
		if err := rows.Scan(&id, &f.Name, &f.Sealed, &f.Language, &f.Lines, &f.Characters); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan file")
		}
		f.Annotations = []domain.Annotation{}
		ids[id] = len(files)
		files = append(files, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate files")
	}
	rows, err = p.pool.Query(queryCtx, `
	SELECT a.file_id, a.head_line, a.head_char, a.tail_line, a.tail_char, a.content
	FROM annotations a JOIN files f ON f.id = a.file_id
	WHERE f.paste_id = $1 ORDER BY a.id
	`, pasteID)
	if err != nil {
		return nil, errors.Wrap(err, "db annotations")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a      domain.Annotation
			fileID int64
		)
		if err := rows.Scan(&fileID, &a.Head.Line, &a.Head.Char, &a.Tail.Line, &a.Tail.Char, &a.Content); err != nil {
			return nil, errors.Wrap(err, "scan annotation")
		}
		if i, ok := ids[fileID]; ok {
			files[i].Annotations = append(files[i].Annotations, a)
		}
	}
	return files, errors.Wrap(rows.Err(), "iterate annotations")
}
func (p *Postgres) BySafety(ctx context.Context, safetyHash string) (*domain.PasteInfo, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	return scanPgInfo(p.pool.QueryRow(queryCtx, `
	SELECT id, created_at, expires_at, views, max_views FROM pastes WHERE safety_hash = $1
	`, safetyHash))
}
func (p *Postgres) DeleteBySafety(ctx context.Context, safetyHash string) (*domain.PasteInfo, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	return scanPgInfo(p.pool.QueryRow(queryCtx, `
	DELETE FROM pastes WHERE safety_hash = $1
	RETURNING id, created_at, expires_at, views, max_views
	`, safetyHash))
}
func scanPgInfo(row pgx.Row) (*domain.PasteInfo, error) {
	var info domain.PasteInfo
	err := row.Scan(&info.ID, &info.CreatedAt, &info.ExpiresAt, &info.Views, &info.MaxViews)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrInvalidSafetyToken
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan paste info")
	}
	info.CreatedAt = info.CreatedAt.UTC()
	return &info, nil
}
func (p *Postgres) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
		tag, err := p.pool.Exec(queryCtx, `
		DELETE FROM pastes
		WHERE id IN (
			SELECT id FROM pastes
			WHERE (expires_at IS NOT NULL AND expires_at <= $1)
				OR (max_views IS NOT NULL AND views >= max_views)
			LIMIT $2
		)
		`, now.UTC(), cleanupBatch)
		cancel()
		if err != nil {
			return total, errors.Wrap(err, "cleanup batch failed")
		}
		deleted := int(tag.RowsAffected())
		total += deleted
		if deleted < cleanupBatch {
			return total, nil
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
	}
}
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

type pgTx struct {
	tx      pgx.Tx
	timeout time.Duration
}

// InsertPaste runs inside a savepoint so a unique violation leaves the outer
// transaction usable for the next attempt.
func (t *pgTx) InsertPaste(ctx context.Context, p *domain.Paste) error {
	queryCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	sp, err := t.tx.Begin(queryCtx)
	if err != nil {
		return errors.Wrap(err, "savepoint")
	}
	_, err = sp.Exec(queryCtx, `
	INSERT INTO pastes (id, created_at, expires_at, views, max_views, password_hash, safety_hash, encrypted_dek)
	VALUES ($1, $2, $3, 0, $4, $5, $6, $7)
	`, p.ID, p.CreatedAt.UTC(), utc(p.ExpiresAt), p.MaxViews, nullString(p.PasswordHash), p.SafetyHash, p.EncryptedDEK)
	if err != nil {
		sp.Rollback(queryCtx)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return errors.Wrap(err, "insert paste")
	}
	return errors.Wrap(sp.Commit(queryCtx), "release savepoint")
}
func (t *pgTx) InsertFile(ctx context.Context, pasteID string, f *domain.File) (int64, error) {
	queryCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	var id int64
	err := t.tx.QueryRow(queryCtx, `
	INSERT INTO files (paste_id, name, content, language, lines, characters)
	VALUES ($1, $2, $3, $4, $5, $6) RETURNING id
	`, pasteID, f.Name, f.Sealed, nullString(f.Language), f.Lines, f.Characters).Scan(&id)
	return id, errors.Wrap(err, "insert file")
}
func (t *pgTx) InsertAnnotation(ctx context.Context, fileID int64, a domain.Annotation) error {
	queryCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	_, err := t.tx.Exec(queryCtx, `
	INSERT INTO annotations (file_id, head_line, head_char, tail_line, tail_char, content)
	VALUES ($1, $2, $3, $4, $5, $6)
	`, fileID, a.Head.Line, a.Head.Char, a.Tail.Line, a.Tail.Char, a.Content)
	return errors.Wrap(err, "insert annotation")
}
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
