package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"echobin/pkg/domain"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
	sqliteParams        = "_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL&_foreign_keys=on&_txlock=immediate"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pastes (
	id TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	expires_at INTEGER,
	views INTEGER NOT NULL DEFAULT 0,
	max_views INTEGER,
	password_hash TEXT,
	safety_hash TEXT NOT NULL UNIQUE,
	encrypted_dek BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at);
CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	paste_id TEXT NOT NULL REFERENCES pastes(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	content BLOB NOT NULL,
	language TEXT,
	lines INTEGER NOT NULL,
	characters INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_paste_id ON files(paste_id);
CREATE TABLE IF NOT EXISTS annotations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
	head_line INTEGER NOT NULL,
	head_char INTEGER NOT NULL,
	tail_line INTEGER NOT NULL,
	tail_char INTEGER NOT NULL,
	content TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_annotations_file_id ON annotations(file_id);
`

// SQLite stores timestamps as unix milliseconds so expiry checks compare
// integers.
type SQLite struct {
	breaker
	db           *sql.DB
	queryTimeout time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}
func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}
func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// sqliteDSN puts the pragmas on the connection string so every pooled
// connection gets them, not just the first one.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + sep + sqliteParams
}
func (s *SQLite) migrate() error {
	_, err := s.db.Exec(sqliteSchema)
	return err
}
func (s *SQLite) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.recordError(err)
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(&sqliteTx{tx: tx, timeout: s.queryTimeout}); err != nil {
		tx.Rollback()
		return err
	}
	err = tx.Commit()
	s.recordError(err)
	return errors.Wrap(err, "commit tx")
}
func (s *SQLite) Credential(ctx context.Context, id string) (string, bool, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return "", false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var hash sql.NullString
	err := s.db.QueryRowContext(queryCtx, `SELECT password_hash FROM pastes WHERE id = ?`, id).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	s.recordError(err)
	if err != nil {
		return "", false, errors.Wrap(err, "db credential")
	}
	return hash.String, true, nil
}
func (s *SQLite) ConsumeView(ctx context.Context, id, hash string, now time.Time) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	UPDATE pastes SET views = views + 1
	WHERE id = ?
		AND password_hash IS ?
		AND (max_views IS NULL OR views < max_views)
		AND (expires_at IS NULL OR expires_at > ?)
	RETURNING id, created_at, expires_at, views, max_views, encrypted_dek
	`
	var (
		p         domain.Paste
		createdAt int64
		expiresAt sql.NullInt64
		maxViews  sql.NullInt64
	)
	err := s.db.QueryRowContext(queryCtx, q, id, nullString(hash), now.UnixMilli()).Scan(
		&p.ID, &createdAt, &expiresAt, &p.Views, &maxViews, &p.EncryptedDEK,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db consume view")
	}
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	p.ExpiresAt = fromMillis(expiresAt)
	p.MaxViews = fromNullInt(maxViews)
	return &p, nil
}
func (s *SQLite) Files(ctx context.Context, pasteID string) ([]domain.File, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `
	SELECT id, name, content, language, lines, characters
	FROM files WHERE paste_id = ? ORDER BY id
	`, pasteID)
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "db files")
	}
	var (
		files []domain.File
		ids   = map[int64]int{}
	)
	for rows.Next() {
		var (
			f    domain.File
			id   int64
			lang sql.NullString
		)
		if err := rows.Scan(&id, &f.Name, &f.Sealed, &lang, &f.Lines, &f.Characters); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan file")
		}
		f.Language = lang.String
		f.Annotations = []domain.Annotation{}
		ids[id] = len(files)
		files = append(files, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "iterate files")
	}
	rows, err = s.db.QueryContext(queryCtx, `
	SELECT a.file_id, a.head_line, a.head_char, a.tail_line, a.tail_char, a.content
	FROM annotations a JOIN files f ON f.id = a.file_id
	WHERE f.paste_id = ? ORDER BY a.id
	`, pasteID)
	if err != nil {
		s.recordError(err)
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
	err = rows.Err()
	s.recordError(err)
	return files, errors.Wrap(err, "iterate annotations")
}
func (s *SQLite) BySafety(ctx context.Context, safetyHash string) (*domain.PasteInfo, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	row := s.db.QueryRowContext(queryCtx, `
	SELECT id, created_at, expires_at, views, max_views FROM pastes WHERE safety_hash = ?
	`, safetyHash)
	info, err := scanInfo(row)
	s.recordError(err)
	return info, err
}
func (s *SQLite) DeleteBySafety(ctx context.Context, safetyHash string) (*domain.PasteInfo, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	row := s.db.QueryRowContext(queryCtx, `
	DELETE FROM pastes WHERE safety_hash = ?
	RETURNING id, created_at, expires_at, views, max_views
	`, safetyHash)
	info, err := scanInfo(row)
	s.recordError(err)
	return info, err
}
func scanInfo(row *sql.Row) (*domain.PasteInfo, error) {
	var (
		info      domain.PasteInfo
		createdAt int64
		expiresAt sql.NullInt64
		maxViews  sql.NullInt64
	)
	err := row.Scan(&info.ID, &createdAt, &expiresAt, &info.Views, &maxViews)
	if err == sql.ErrNoRows {
		return nil, domain.ErrInvalidSafetyToken
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan paste info")
	}
	info.CreatedAt = time.UnixMilli(createdAt).UTC()
	info.ExpiresAt = fromMillis(expiresAt)
	info.MaxViews = fromNullInt(maxViews)
	return &info, nil
}
func (s *SQLite) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	totalDeleted := 0
	maxIterations := 10000
	for i := 0; i < maxIterations; i++ {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE (expires_at IS NOT NULL AND expires_at <= ?)
					OR (max_views IS NOT NULL AND views >= max_views)
				LIMIT ?
			)
		`, now.UnixMilli(), cleanupBatch)
		cancel()
		s.recordError(err)
		if err != nil {
			return totalDeleted, errors.Wrap(err, "cleanup batch failed")
		}
		deleted, _ := result.RowsAffected()
		totalDeleted += int(deleted)
		if deleted < cleanupBatch {
			break
		}
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	if totalDeleted == maxIterations*cleanupBatch {
		return totalDeleted, errors.New("cleanup hit iteration limit, more records may exist")
	}
	return totalDeleted, nil
}
func (s *SQLite) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	tx      *sql.Tx
	timeout time.Duration
}

func (t *sqliteTx) InsertPaste(ctx context.Context, p *domain.Paste) error {
	queryCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	_, err := t.tx.ExecContext(queryCtx, `
	INSERT INTO pastes (id, created_at, expires_at, views, max_views, password_hash, safety_hash, encrypted_dek)
	VALUES (?, ?, ?, 0, ?, ?, ?, ?)
	`, p.ID, p.CreatedAt.UnixMilli(), toMillis(p.ExpiresAt), p.MaxViews, nullString(p.PasswordHash), p.SafetyHash, p.EncryptedDEK)
	if isSQLiteUnique(err) {
		return ErrDuplicate
	}
	return errors.Wrap(err, "insert paste")
}
func (t *sqliteTx) InsertFile(ctx context.Context, pasteID string, f *domain.File) (int64, error) {
	queryCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	res, err := t.tx.ExecContext(queryCtx, `
	INSERT INTO files (paste_id, name, content, language, lines, characters)
	VALUES (?, ?, ?, ?, ?, ?)
	`, pasteID, f.Name, f.Sealed, nullString(f.Language), f.Lines, f.Characters)
	if err != nil {
		return 0, errors.Wrap(err, "insert file")
	}
	id, err := res.LastInsertId()
	return id, errors.Wrap(err, "file id")
}
func (t *sqliteTx) InsertAnnotation(ctx context.Context, fileID int64, a domain.Annotation) error {
	queryCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	_, err := t.tx.ExecContext(queryCtx, `
	INSERT INTO annotations (file_id, head_line, head_char, tail_line, tail_char, content)
	VALUES (?, ?, ?, ?, ?, ?)
	`, fileID, a.Head.Line, a.Head.Char, a.Tail.Line, a.Tail.Char, a.Content)
	return errors.Wrap(err, "insert annotation")
}
func isSQLiteUnique(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
func fromNullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
