package main

import (
	"context"
	"encoding/base64"
	"os"
	"os/signal"
	"syscall"
	"time"

	"echobin/cfg"
	"echobin/pkg/kms"
	"echobin/svc/api"
	"echobin/svc/auth"
	"echobin/svc/cache"
	"echobin/svc/db"
	"echobin/svc/lim"
	"echobin/svc/report"
	"echobin/svc/scan"
	"echobin/svc/svc"
	"echobin/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	drainTimeout = 30 * time.Second
	pingTimeout  = 2 * time.Second
)

func main() {
	util.InitLog("info", false)
	if err := cfg.LoadDotEnv(".env"); err != nil {
		util.Fatal().Err(err).Msg("failed to read .env")
	}
	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")

	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthCheck(c))
	}
	util.Info().Str("environment", c.Environment).Msg("starting echobin")
	if err := run(c); err != nil {
		util.Fatal().Err(err).Msg("echobin stopped")
	}
	util.Info().Msg("shutdown complete")
}

// healthCheck exits 0 when the configured store answers.
func healthCheck(c *cfg.Cfg) int {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	store, err := openStore(ctx, c, false)
	if err != nil {
		return 1
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return 1
	}
	return 0
}
func openStore(ctx context.Context, c *cfg.Cfg, migrate bool) (db.Store, error) {
	if c.IsPostgres() {
		if migrate {
			if err := db.MigratePostgres(c.DatabaseURL); err != nil {
				return nil, err
			}
		}
		return db.NewPostgres(ctx, c.DatabaseURL, c.DBMaxOpenConns, c.DBQueryTimeout)
	}
	return db.NewSQLiteWithConfig(c.DatabaseURL, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
}
func loadPepper(ctx context.Context, c *cfg.Cfg, kmsAdapter *kms.Adapter) ([]byte, error) {
	var pepper []byte
	if c.PepperFromKMS {
		pepperB64, err := kmsAdapter.GetSecret(ctx, "ARGON2_PEPPER")
		if err != nil {
			return nil, errors.Wrap(err, "load pepper from KMS")
		}
		pepper, err = base64.StdEncoding.DecodeString(pepperB64)
		if err != nil {
			return nil, errors.Wrap(err, "invalid pepper format")
		}
	} else {
		if !c.Pepper.IsSet() {
			return nil, errors.New("PEPPER must be set when PEPPER_FROM_KMS=false")
		}
		pepper = []byte(c.Pepper.Value())
	}
	if len(pepper) < 32 {
		util.Wipe(pepper)
		return nil, errors.Errorf("pepper too short (%d bytes), must be >= 32", len(pepper))
	}
	return pepper, nil
}

// githubToken resolves the disclosure token. An empty token disables
// reporting, and with it invalidation.
func githubToken(ctx context.Context, c *cfg.Cfg, kmsAdapter *kms.Adapter) cfg.Secret {
	if !c.Report.GitHubTokenFromKMS {
		return c.Report.GitHubToken
	}
	token, err := kmsAdapter.GetSecret(ctx, "GITHUB_TOKEN")
	if err != nil {
		util.Warn().Err(err).Msg("GitHub token unavailable from KMS, secret disclosure disabled")
		return cfg.NewSecret("")
	}
	return cfg.NewSecret(token)
}
func run(c *cfg.Cfg) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kmsAdapter, err := kms.NewAdapter(ctx)
	if err != nil {
		return errors.Wrap(err, "initialize KMS adapter")
	}
	pepper, err := loadPepper(ctx, c, kmsAdapter)
	if err != nil {
		return err
	}
	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, pepper)
	util.Wipe(pepper)
	if err != nil {
		return errors.Wrap(err, "initialize hasher")
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		return errors.Wrap(err, "start hasher")
	}
	defer hasher.Stop()
	util.Info().Int("workers", c.HasherWorkerCount).Msg("hasher initialized")

	defs, err := cfg.LoadScanners(c.ScannersFile)
	if err != nil {
		return errors.Wrap(err, "load scanners")
	}
	registry, err := scan.NewRegistry(defs)
	if err != nil {
		return errors.Wrap(err, "build scanner registry")
	}
	util.Info().Int("scanners", registry.Len()).Str("file", c.ScannersFile).Msg("scanner registry loaded")

	var (
		reporter *report.Reporter
		queue    scan.Queue
	)
	if token := githubToken(ctx, c, kmsAdapter); token.IsSet() {
		reporter, err = report.NewGitHub(ctx, token, c.Report)
		if err != nil {
			return errors.Wrap(err, "initialize reporter")
		}
		queue = reporter
	} else {
		util.Warn().Msg("no GitHub token, secrets will be annotated but not invalidated")
	}
	pipeline := scan.NewPipeline(registry, queue)

	store, err := openStore(ctx, c, true)
	if err != nil {
		return errors.Wrap(err, "initialize database")
	}
	defer store.Close()
	util.Info().Bool("postgres", c.IsPostgres()).Msg("database initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				return errors.Wrap(err, "redis required in production")
			}
			util.Warn().Err(err).Msg("redis unavailable, running without shared cache")
			rdb = nil
		} else {
			defer rdb.Close()
			util.Info().Msg("redis connected")
		}
	}

	lruCache, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		return errors.Wrap(err, "create LRU cache")
	}
	pasteSvc := svc.NewPaste(store, lruCache, rdb, hasher, kmsAdapter, pipeline, c)
	defer pasteSvc.Shutdown()

	limiter, err := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, rdb, c.TrustedProxies)
	if err != nil {
		return errors.Wrap(err, "initialize rate limiter")
	}
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, pasteSvc, limiter, store, rdb)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx, drainTimeout) })
	g.Go(func() error { return svc.RunCleaner(gctx, store, c.CleanupInterval) })
	if reporter != nil {
		g.Go(func() error { return reporter.Run(gctx) })
	}
	if sqlite, ok := store.(*db.SQLite); ok {
		g.Go(func() error { return sqlite.MaintainWAL(gctx, 0) })
	}
	err = g.Wait()
	util.Info().Msg("shutting down gracefully")
	return err
}
