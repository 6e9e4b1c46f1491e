package svc

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"echobin/cfg"
	"echobin/metrics"
	"echobin/pkg/domain"
	"echobin/pkg/kms"
	"echobin/svc/auth"
	"echobin/svc/cache"
	"echobin/svc/db"
	"echobin/svc/scan"
	"echobin/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

const (
	maxIDAttempts     = 32
	maxNameChars      = 32
	maxLanguageChars  = 32
	maxPasswordBytes  = 72
	maxViewsLimit     = 128
	defaultFileName   = "unknown"
	maxLookupIDLength = 64
)

type Paste struct {
	store           db.Store
	lru             *cache.LRU
	rdb             *db.Redis
	hasher          *auth.Hasher
	kmsAdapter      *kms.Adapter
	kekCache        *kms.KEKCache
	pipeline        *scan.Pipeline
	cfg             *cfg.Cfg
	genID           func() (string, error)
	genToken        func() (string, error)
	now             func() time.Time
	activeCreateOps int32
	shutdown        atomic.Bool
	opWg            sync.WaitGroup
}

// NewPaste wires the access controller. rdb may be nil.
func NewPaste(store db.Store, lru *cache.LRU, rdb *db.Redis, h *auth.Hasher, kmsAdapter *kms.Adapter, pipeline *scan.Pipeline, c *cfg.Cfg) *Paste {
	if store == nil || lru == nil || h == nil || c == nil || kmsAdapter == nil || pipeline == nil {
		panic("paste service: nil dependency (store, lru, hasher, cfg, kmsAdapter or pipeline)")
	}
	return &Paste{
		store:      store,
		lru:        lru,
		rdb:        rdb,
		hasher:     h,
		kmsAdapter: kmsAdapter,
		kekCache:   kms.NewKEKCache(kmsAdapter, c.KEKCacheTTL),
		pipeline:   pipeline,
		cfg:        c,
		genID:      util.GenPasteID,
		genToken:   util.GenSafetyToken,
		now:        time.Now,
	}
}
func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	p.opWg.Wait()
	p.kekCache.Stop()
	util.Debug().Msg("paste service shutdown complete")
}
func (p *Paste) begin() error {
	if p.shutdown.Load() {
		return domain.ErrShuttingDown
	}
	p.opWg.Add(1)
	return nil
}

// Create validates params, then inserts the paste row, its files and their
// scan annotations in one transaction. The returned paste is the only place
// the safety token ever appears.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if p.cfg.MaxWorkerLoad > 0 {
		currentLoad := atomic.AddInt32(&p.activeCreateOps, 1)
		defer atomic.AddInt32(&p.activeCreateOps, -1)
		if currentLoad > int32(p.cfg.MaxWorkerLoad) {
			return nil, domain.ErrServerBusy
		}
	}
	files, err := p.validate(params)
	if err != nil {
		return nil, err
	}
	var pwHash string
	if params.Password != "" {
		pwHash, err = p.hasher.Hash(ctx, params.Password)
		if err != nil {
			return nil, errors.Wrap(err, "failed to hash password")
		}
	}
	dek, err := kms.GenerateDEK()
	if err != nil {
		return nil, errors.Wrap(err, "generate dek")
	}
	defer util.Wipe(dek)

	paste := &domain.Paste{
		CreatedAt:    p.now().UTC().Truncate(time.Millisecond),
		MaxViews:     params.MaxViews,
		PasswordHash: pwHash,
	}
	if params.ExpiresAt != nil {
		exp := params.ExpiresAt.UTC().Truncate(time.Millisecond)
		paste.ExpiresAt = &exp
	}
	invalidate := params.Password == ""
	err = p.store.WithTx(ctx, func(tx db.Tx) error {
		if err := p.insertPaste(ctx, tx, paste, dek); err != nil {
			return err
		}
		for i := range files {
			sealed, err := kms.AEADSeal([]byte(files[i].Content), dek, kms.FileAAD(paste.ID, i))
			if err != nil {
				return errors.Wrap(err, "seal file")
			}
			files[i].Sealed = sealed
			fileID, err := tx.InsertFile(ctx, paste.ID, &files[i])
			if err != nil {
				return err
			}
			for _, f := range p.pipeline.Scan(files[i].Content, invalidate) {
				a := f.Annotation()
				if err := tx.InsertAnnotation(ctx, fileID, a); err != nil {
					return err
				}
				files[i].Annotations = append(files[i].Annotations, a)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Cause(err) == domain.ErrIDGenerationFailed {
			util.Ctx(ctx).Error().Int("attempts", maxIDAttempts).Msg("could not find a free paste id")
			return nil, domain.ErrIDGenerationFailed
		}
		return nil, errors.Wrap(err, "create paste")
	}
	paste.Files = files
	p.cacheFiles(ctx, paste, files, true)
	metrics.PasteCreated.Inc()
	util.Ctx(ctx).Debug().Str("id", paste.ID).Int("files", len(files)).Msg("paste created")
	return paste, nil
}

// insertPaste draws a fresh id and safety token until the row inserts
// without a uniqueness clash.
func (p *Paste) insertPaste(ctx context.Context, tx db.Tx, paste *domain.Paste, dek []byte) error {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := p.genID()
		if err != nil {
			return errors.Wrap(err, "gen id")
		}
		token, err := p.genToken()
		if err != nil {
			return errors.Wrap(err, "gen safety token")
		}
		wrapped, err := kms.WrapDEK(ctx, p.kmsAdapter, dek, id)
		if err != nil {
			return errors.Wrap(err, "wrap dek")
		}
		paste.ID = id
		paste.Safety = token
		paste.SafetyHash = util.HashToken(token)
		paste.EncryptedDEK = wrapped
		err = tx.InsertPaste(ctx, paste)
		if err == nil {
			return nil
		}
		if !errors.Is(err, db.ErrDuplicate) {
			return err
		}
		metrics.IDCollisions.Inc()
		util.Ctx(ctx).Debug().Int("attempt", attempt+1).Msg("paste id or safety token collision, retrying")
	}
	return domain.ErrIDGenerationFailed
}
func (p *Paste) validate(params domain.CreateParams) ([]domain.File, error) {
	if len(params.Files) == 0 {
		return nil, domain.ErrNoFiles
	}
	if len(params.Files) > p.cfg.MaxFiles {
		return nil, domain.ErrTooManyFiles
	}
	if params.Password != "" && len(params.Password) > maxPasswordBytes {
		return nil, domain.ErrInvalidPassword
	}
	if params.MaxViews != nil && (*params.MaxViews < 1 || *params.MaxViews > maxViewsLimit) {
		return nil, domain.ErrInvalidMaxViews
	}
	files := make([]domain.File, len(params.Files))
	for i, in := range params.Files {
		if !utf8.ValidString(in.Content) || !utf8.ValidString(in.Name) {
			return nil, domain.ErrInvalidRequest
		}
		content := NormalizeNewlines(in.Content)
		if content == "" {
			return nil, domain.ErrContentRequired
		}
		chars := utf8.RuneCountInString(content)
		if chars > p.cfg.MaxFileChars {
			return nil, domain.ErrContentTooLarge
		}
		name := norm.NFC.String(strings.TrimSpace(in.Name))
		if name == "" {
			name = defaultFileName
		}
		if utf8.RuneCountInString(name) > maxNameChars || strings.ContainsAny(name, "\r\n") {
			return nil, domain.ErrInvalidFileName
		}
		lang := strings.TrimSpace(in.Language)
		if utf8.RuneCountInString(lang) > maxLanguageChars || strings.ContainsAny(lang, "\r\n") {
			return nil, domain.ErrInvalidRequest
		}
		files[i] = domain.File{
			Name:        name,
			Content:     content,
			Language:    lang,
			Lines:       strings.Count(content, "\n") + 1,
			Characters:  chars,
			Annotations: []domain.Annotation{},
		}
	}
	return files, nil
}

// NormalizeNewlines rewrites CRLF and lone CR to LF so annotation positions
// refer to the stored text.
func NormalizeNewlines(s string) string {
	if !strings.ContainsRune(s, '\r') {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// Get verifies the read password, then consumes one view in a single
// conditional update. Every refusal is ErrPasteNotFound.
func (p *Paste) Get(ctx context.Context, id, password string) (*domain.Paste, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	paste, err := p.consume(ctx, id, password)
	if err != nil {
		if errors.Cause(err) == domain.ErrPasteNotFound {
			metrics.PasteDenied.Inc()
		}
		return nil, err
	}
	files, err := p.files(ctx, paste)
	if err != nil {
		if errors.Cause(err) == domain.ErrPasteNotFound {
			metrics.PasteDenied.Inc()
		}
		return nil, err
	}
	paste.Files = files
	if paste.MaxViews != nil && paste.Views >= int64(*paste.MaxViews) {
		p.purge(ctx, paste.ID)
		p.kekCache.Forget(paste.EncryptedDEK, paste.ID)
	}
	paste.EncryptedDEK = nil
	metrics.PasteRetrieved.Inc()
	return paste, nil
}
func (p *Paste) consume(ctx context.Context, id, password string) (*domain.Paste, error) {
	if id == "" || len(id) > maxLookupIDLength {
		return nil, domain.ErrPasteNotFound
	}
	hash, found, err := p.store.Credential(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "read credential")
	}
	if !found || hash == "" {
		if password != "" {
			p.hasher.VerifyAbsent(password)
			return nil, domain.ErrPasteNotFound
		}
		if !found {
			return nil, domain.ErrPasteNotFound
		}
	} else {
		if password == "" || len(password) > maxPasswordBytes {
			p.hasher.VerifyAbsent(password)
			return nil, domain.ErrPasteNotFound
		}
		match, _, err := p.hasher.Verify(password, hash)
		if err != nil {
			return nil, errors.Wrap(err, "verify password")
		}
		if !match {
			return nil, domain.ErrPasteNotFound
		}
	}
	return p.store.ConsumeView(ctx, id, hash, p.now())
}

// files loads decrypted files through LRU, then Redis, then the store. A paste
// deleted after its view was consumed has no files left and reads as missing.
func (p *Paste) files(ctx context.Context, paste *domain.Paste) ([]domain.File, error) {
	if files, ok := p.lru.Get(ctx, paste.ID); ok {
		return files, nil
	}
	var (
		files     []domain.File
		fromStore bool
	)
	if p.rdb != nil {
		cached, err := p.rdb.Files(ctx, paste.ID)
		if err != nil {
			util.Ctx(ctx).Warn().Err(err).Str("id", paste.ID).Msg("redis file lookup failed")
		}
		files = cached
	}
	if len(files) == 0 {
		stored, err := p.store.Files(ctx, paste.ID)
		if err != nil {
			return nil, errors.Wrap(err, "load files")
		}
		if len(stored) == 0 {
			return nil, domain.ErrPasteNotFound
		}
		files = stored
		fromStore = true
	}
	dek, err := p.kekCache.DecryptDEK(ctx, paste.EncryptedDEK, paste.ID)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt dek (cached)")
	}
	defer util.Wipe(dek)
	for i := range files {
		plaintext, err := kms.AEADOpen(files[i].Sealed, dek, kms.FileAAD(paste.ID, i))
		if err != nil {
			return nil, errors.Wrapf(err, "open file %d", i)
		}
		files[i].Content = string(plaintext)
	}
	p.cacheFiles(ctx, paste, files, fromStore)
	return files, nil
}
func (p *Paste) cacheFiles(ctx context.Context, paste *domain.Paste, files []domain.File, toRedis bool) {
	ttl := p.cfg.CacheTTL
	if paste.ExpiresAt != nil {
		if until := paste.ExpiresAt.Sub(p.now()); until < ttl {
			ttl = until
		}
	}
	if ttl <= 0 {
		return
	}
	p.lru.Set(paste.ID, files, ttl)
	if toRedis && p.rdb != nil {
		if err := p.rdb.CacheFiles(ctx, paste.ID, files, ttl); err != nil {
			util.Ctx(ctx).Warn().Err(err).Str("id", paste.ID).Msg("failed to cache in Redis")
		}
	}
}

// Lookup returns the sparse record of the paste owning token.
func (p *Paste) Lookup(ctx context.Context, token string) (*domain.PasteInfo, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if token == "" {
		return nil, domain.ErrInvalidSafetyToken
	}
	return p.store.BySafety(ctx, util.HashToken(token))
}

// Delete removes the paste owning token and purges it from the caches.
func (p *Paste) Delete(ctx context.Context, token string) (*domain.PasteInfo, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if token == "" {
		return nil, domain.ErrInvalidSafetyToken
	}
	info, err := p.store.DeleteBySafety(ctx, util.HashToken(token))
	if err != nil {
		return nil, err
	}
	p.purge(ctx, info.ID)
	metrics.PasteDeleted.Inc()
	util.Ctx(ctx).Info().Str("id", info.ID).Msg("paste deleted via safety token")
	return info, nil
}
func (p *Paste) purge(ctx context.Context, id string) {
	p.lru.Delete(id)
	if p.rdb != nil {
		if err := p.rdb.Delete(ctx, id); err != nil {
			util.Ctx(ctx).Warn().Err(err).Str("id", id).Msg("failed to delete from redis")
		}
	}
}
