package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"os"
	"time"

	"echobin/cfg"
	"echobin/pkg/domain"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	filesKeyPrefix = "files:"
	defaultTimeout = 5 * time.Second
)

// Redis is the shared second-level file cache and the rate-limit counter
// store. Cached files keep their sealed content; plaintext never leaves the
// process.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(url string, c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize, opt.MinIdleConns = 50, 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff, opt.MaxRetryBackoff = 8*time.Millisecond, 512*time.Millisecond
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.IsSet() {
		opt.Password = c.RedisPassword.Value()
	}
	if c.RedisTLS {
		if opt.TLSConfig, err = redisTLS(c.Environment == "production"); err != nil {
			return nil, errors.Wrap(err, "redis tls")
		}
	}
	return newRedis(redis.NewClient(opt), c.RedisTimeout)
}
func newRedis(client *redis.Client, timeout time.Duration) (*Redis, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	r := &Redis{client: client, timeout: timeout}
	if err := r.Ping(context.Background()); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return r, nil
}

// redisTLS pins TLS 1.3 and REDIS_HOSTNAME. Roots come from
// REDIS_TLS_CA_CERT or the system pool, plus REDIS_TLS_DEV_CA outside
// production.
func redisTLS(production bool) (*tls.Config, error) {
	host := os.Getenv("REDIS_HOSTNAME")
	if host == "" {
		return nil, errors.New("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	pool, err := x509.SystemCertPool()
	if ca := os.Getenv("REDIS_TLS_CA_CERT"); ca != "" {
		pool, err = x509.NewCertPool(), nil
		if err := appendPEM(pool, ca); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "system cert pool")
	}
	if dev := os.Getenv("REDIS_TLS_DEV_CA"); dev != "" && !production {
		if err := appendPEM(pool, dev); err != nil {
			return nil, err
		}
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		ServerName: host,
		RootCAs:    pool,
	}, nil
}
func appendPEM(pool *x509.CertPool, path string) error {
	pem, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	if !pool.AppendCertsFromPEM(pem) {
		return errors.Errorf("no certificates in %s", path)
	}
	return nil
}
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// cachedFile is the JSON shape of one sealed file in Redis.
type cachedFile struct {
	Name        string              `json:"n"`
	Sealed      []byte              `json:"s"`
	Language    string              `json:"l,omitempty"`
	Lines       int                 `json:"loc"`
	Characters  int                 `json:"cc"`
	Annotations []domain.Annotation `json:"a"`
}

func (r *Redis) CacheFiles(ctx context.Context, pasteID string, files []domain.File, ttl time.Duration) error {
	out := make([]cachedFile, 0, len(files))
	for _, f := range files {
		out = append(out, cachedFile{f.Name, f.Sealed, f.Language, f.Lines, f.Characters, f.Annotations})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return errors.Wrap(err, "marshal files")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Set(ctx, filesKeyPrefix+pasteID, data, ttl).Err(), "set files")
}

// Files returns the sealed files cached for a paste, or nil on a miss.
func (r *Redis) Files(ctx context.Context, pasteID string) ([]domain.File, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, filesKeyPrefix+pasteID).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, errors.Wrap(err, "get files")
	}
	var in []cachedFile
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, errors.Wrap(err, "unmarshal files")
	}
	files := make([]domain.File, 0, len(in))
	for _, e := range in {
		if e.Annotations == nil {
			e.Annotations = []domain.Annotation{}
		}
		files = append(files, domain.File{
			Name:        e.Name,
			Sealed:      e.Sealed,
			Language:    e.Language,
			Lines:       e.Lines,
			Characters:  e.Characters,
			Annotations: e.Annotations,
		})
	}
	return files, nil
}
func (r *Redis) Delete(ctx context.Context, pasteID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Del(ctx, filesKeyPrefix+pasteID).Err(), "delete files")
}

// fixedWindow counts hits to KEYS[1] in a window of ARGV[1] ms and stops
// counting once ARGV[2] is reached, so rejected requests do not extend the
// penalty.
var fixedWindow = redis.NewScript(`
local n = tonumber(redis.call("GET", KEYS[1]) or "0")
if n >= tonumber(ARGV[2]) then
	return n + 1
end
n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RateLimit returns the hit count for key in the current window. A value
// above limit means the request is over budget.
func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := fixedWindow.Run(ctx, r.client, []string{"rl:" + key}, window.Milliseconds(), limit).Int()
	return n, errors.Wrap(err, "rate limit script")
}
func (r *Redis) Close() error {
	return r.client.Close()
}
