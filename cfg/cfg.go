package cfg

import (
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// Secret keeps credentials out of logs and %v output.
type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string  { return string(s.value) }
func (s Secret) IsSet() bool    { return len(s.value) > 0 }
func (s Secret) String() string { return "***REDACTED***" }
func (s Secret) Wipe()          { clear(s.value) }

type Cfg struct {
	Port              string
	Environment       string
	LogLevel          string
	DatabaseURL       string
	RedisURL          string
	RedisTLS          bool
	RedisUsername     string
	RedisPassword     Secret
	RedisTimeout      time.Duration
	LRUCacheSize      int
	CacheTTL          time.Duration
	Argon2Time        uint32
	Argon2Memory      uint32
	Argon2Parallelism uint8
	Argon2KeyLen      uint32
	HasherWorkerCount int
	RateLimit         RateLimitCfg
	MaxFiles          int
	MaxFileChars      int
	MaxWorkerLoad     int
	TrustedProxies    []string
	MetricsUser       string
	MetricsPass       Secret
	Pepper            Secret
	PepperFromKMS     bool
	ContextTimeout    time.Duration
	AllowedOrigins    []string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBQueryTimeout    time.Duration
	KEKCacheTTL       time.Duration
	CleanupInterval   time.Duration
	ScannersFile      string
	Report            ReportCfg
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
}

// ReportCfg controls disclosure of invalidated secrets as public gists.
// Reporting is off when no token is available.
type ReportCfg struct {
	GitHubToken        Secret
	GitHubTokenFromKMS bool
	GitHubAPIURL       string
	Interval           time.Duration
	Timeout            time.Duration
	QueueLimit         int
	BatchSize          int
}

// LoadDotEnv seeds the environment from the given files. Variables already
// set win, and missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Wrapf(err, "load %s", p)
		}
	}
	return nil
}

// Load reads the process environment. Unset or empty variables take their
// defaults; the first malformed value is returned as the error.
func Load() (*Cfg, error) {
	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", nil), nil); err != nil {
		return nil, errors.Wrap(err, "load environment")
	}
	r := &reader{k: k}
	c := &Cfg{
		Port:              r.str("PORT", "8080"),
		Environment:       r.str("ENVIRONMENT", "development"),
		LogLevel:          r.str("LOG_LEVEL", "info"),
		DatabaseURL:       r.str("DATABASE_URL", "echobin.db"),
		RedisURL:          r.str("REDIS_URL", ""),
		RedisTLS:          r.flag("REDIS_TLS"),
		RedisUsername:     r.str("REDIS_USERNAME", ""),
		RedisPassword:     NewSecret(r.str("REDIS_PASSWORD", "")),
		RedisTimeout:      r.dur("REDIS_TIMEOUT", 5*time.Second),
		LRUCacheSize:      r.num("LRU_CACHE_SIZE", 1000),
		CacheTTL:          r.dur("CACHE_TTL", time.Hour),
		Argon2Time:        r.u32("ARGON2_TIME", 4),
		Argon2Memory:      r.u32("ARGON2_MEMORY", 128*1024),
		Argon2Parallelism: uint8(r.unsigned("ARGON2_PARALLELISM", 2, 8)),
		Argon2KeyLen:      r.u32("ARGON2_KEYLEN", 32),
		HasherWorkerCount: r.num("HASHER_WORKER_COUNT", 4),
		RateLimit: RateLimitCfg{
			RPM:               r.num("RATE_LIMIT_RPM", 60),
			Burst:             r.num("RATE_LIMIT_BURST", 10),
			ConservativeLimit: r.num("RATE_LIMIT_CONSERVATIVE", 30),
		},
		MaxFiles:        r.num("MAX_FILES", 5),
		MaxFileChars:    r.num("MAX_FILE_CHARS", 300000),
		MaxWorkerLoad:   r.num("MAX_WORKER_LOAD", 100),
		TrustedProxies:  r.list("TRUSTED_PROXIES"),
		MetricsUser:     r.str("METRICS_USER", ""),
		MetricsPass:     NewSecret(r.str("METRICS_PASS", "")),
		Pepper:          NewSecret(r.str("PEPPER", "")),
		PepperFromKMS:   r.flag("PEPPER_FROM_KMS"),
		ContextTimeout:  r.dur("CONTEXT_TIMEOUT", 10*time.Second),
		AllowedOrigins:  r.list("ALLOWED_ORIGINS"),
		DBMaxOpenConns:  r.num("DB_MAX_OPEN_CONNS", 100),
		DBMaxIdleConns:  r.num("DB_MAX_IDLE_CONNS", 10),
		DBQueryTimeout:  r.dur("DB_QUERY_TIMEOUT", 5*time.Second),
		KEKCacheTTL:     r.dur("KEK_CACHE_TTL", 10*time.Minute),
		CleanupInterval: r.dur("CLEANUP_INTERVAL", time.Hour),
		ScannersFile:    r.str("SCANNERS_FILE", "scanners.yaml"),
		Report: ReportCfg{
			GitHubToken:        NewSecret(r.str("GITHUB_TOKEN", "")),
			GitHubTokenFromKMS: r.flag("GITHUB_TOKEN_FROM_KMS"),
			GitHubAPIURL:       r.str("GITHUB_API_URL", ""),
			Interval:           r.dur("REPORT_INTERVAL", 10*time.Second),
			Timeout:            r.dur("REPORT_TIMEOUT", 10*time.Second),
			QueueLimit:         r.num("REPORT_QUEUE_LIMIT", 10000),
			BatchSize:          r.num("REPORT_BATCH_SIZE", 300),
		},
	}
	if r.err != nil {
		return nil, r.err
	}
	return c, nil
}

// IsPostgres reports whether DatabaseURL names a PostgreSQL server rather
// than a SQLite file.
func (c *Cfg) IsPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// Validate returns the first rule c breaks.
func Validate(c *Cfg) error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if err := validateDatabase(c); err != nil {
		return err
	}
	rules := []struct {
		bad bool
		msg string
	}{
		{c.RedisURL != "" && !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://"),
			"REDIS_URL must start with redis:// or rediss://"},
		{strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS, "REDIS_URL uses rediss:// but REDIS_TLS=false"},
		{c.LRUCacheSize <= 0, "LRU_CACHE_SIZE must be positive"},
		{c.CacheTTL < time.Second, "CACHE_TTL must be at least 1s"},
		{c.Argon2Time < 4, "ARGON2_TIME must be >= 4"},
		{c.Argon2Memory < 128*1024, "ARGON2_MEMORY must be >= 131072 (128MB)"},
		{c.Argon2Parallelism < 1, "ARGON2_PARALLELISM must be at least 1"},
		{c.Argon2KeyLen < 32, "ARGON2_KEYLEN must be >= 32"},
		{c.RateLimit.RPM <= 0, "RATE_LIMIT_RPM must be positive"},
		{c.MaxFiles < 1 || c.MaxFiles > 5, "MAX_FILES must be between 1 and 5"},
		{c.MaxFileChars < 1 || c.MaxFileChars > 300000, "MAX_FILE_CHARS must be between 1 and 300000"},
		{c.Environment == "production" && (c.MetricsUser == "" || !c.MetricsPass.IsSet()),
			"METRICS_USER and METRICS_PASS are required in production"},
		{!c.PepperFromKMS && len(c.Pepper.value) < 32, "PEPPER must be at least 32 bytes unless PEPPER_FROM_KMS=true"},
		{c.KEKCacheTTL < time.Minute || c.KEKCacheTTL > time.Hour, "KEK_CACHE_TTL must be between 1m and 1h"},
		{c.CleanupInterval < time.Minute, "CLEANUP_INTERVAL must be at least 1 minute"},
		{c.Report.Interval < time.Second, "REPORT_INTERVAL must be at least 1s"},
		{c.Report.Timeout <= 0 || c.Report.Timeout > c.Report.Interval*6,
			"REPORT_TIMEOUT must be positive and at most 6x REPORT_INTERVAL"},
		{c.Report.QueueLimit < 0, "REPORT_QUEUE_LIMIT must not be negative"},
		{c.Report.BatchSize < 1 || c.Report.BatchSize > 300, "REPORT_BATCH_SIZE must be between 1 and 300"},
	}
	for _, rule := range rules {
		if rule.bad {
			return errors.New(rule.msg)
		}
	}
	if c.Report.GitHubAPIURL != "" {
		u, err := url.Parse(c.Report.GitHubAPIURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.New("GITHUB_API_URL must be an absolute URL")
		}
	}
	return nil
}

// validateDatabase keeps SQLite files inside the working directory.
func validateDatabase(c *Cfg) error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.IsPostgres() {
		if _, err := url.Parse(c.DatabaseURL); err != nil {
			return errors.New("DATABASE_URL is not a valid postgres URL")
		}
		return nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return errors.Wrap(err, "working directory")
	}
	db, err := filepath.Abs(c.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "DATABASE_URL")
	}
	if rel, err := filepath.Rel(wd, db); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errors.Errorf("sqlite DATABASE_URL must be within working directory %s", wd)
	}
	return nil
}

// Wipe clears every secret held by c.
func (c *Cfg) Wipe() {
	for _, s := range []Secret{c.RedisPassword, c.MetricsPass, c.Pepper, c.Report.GitHubToken} {
		s.Wipe()
	}
}

// reader pulls typed values from koanf and remembers the first parse error.
type reader struct {
	k   *koanf.Koanf
	err error
}

func (r *reader) str(key, def string) string {
	if v := r.k.String(key); v != "" {
		return v
	}
	return def
}
func (r *reader) flag(key string) bool {
	return strings.EqualFold(r.k.String(key), "true")
}
func (r *reader) fail(key, kind string, err error) {
	if r.err == nil {
		r.err = errors.Wrapf(err, "invalid %s for %s", kind, key)
	}
}
func (r *reader) num(key string, def int) int {
	s := r.k.String(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		r.fail(key, "integer", err)
	}
	return v
}
func (r *reader) unsigned(key string, def uint64, bits int) uint64 {
	s := r.k.String(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		r.fail(key, "unsigned integer", err)
	}
	return v
}
func (r *reader) u32(key string, def uint32) uint32 {
	return uint32(r.unsigned(key, uint64(def), 32))
}
func (r *reader) dur(key string, def time.Duration) time.Duration {
	s := r.k.String(key)
	if s == "" {
		return def
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		r.fail(key, "duration", err)
	}
	return v
}

// list splits a comma separated value, dropping blanks.
func (r *reader) list(key string) []string {
	var out []string
	for _, p := range strings.Split(r.k.String(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
