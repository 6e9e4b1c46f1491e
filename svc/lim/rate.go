package lim

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"echobin/metrics"
	"echobin/svc/db"
	"echobin/svc/util"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	maxLimiters  = 10000
	limiterTTL   = 30 * time.Minute
	adaptiveFor  = 60 * time.Second
	redisTimeout = 100 * time.Millisecond
	window       = time.Minute
)

// Limiter enforces per-client request budgets per endpoint. Redis holds the
// shared counters when configured; otherwise, or when Redis fails, a local
// token bucket per client applies the conservative limit.
type Limiter struct {
	rdb           *db.Redis
	proxies       Proxies
	detector      *AnomalyDetector
	buckets       *expirable.LRU[string, *rate.Limiter]
	bucketMu      sync.Mutex
	rpm           int
	localLimit    int
	burst         int
	adaptiveUntil atomic.Int64
}
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// New validates trustedProxies and starts the anomaly loop. rdb may be nil.
func New(rpm, perIPBurst, conservativeLimit int, rdb *db.Redis, trustedProxies []string) (*Limiter, error) {
	if rpm <= 0 || conservativeLimit <= 0 {
		return nil, errors.New("rate limits must be positive")
	}
	proxies, err := ParseProxies(trustedProxies)
	if err != nil {
		return nil, err
	}
	if perIPBurst <= 0 {
		perIPBurst = conservativeLimit
	}
	l := &Limiter{
		rdb:        rdb,
		proxies:    proxies,
		buckets:    expirable.NewLRU[string, *rate.Limiter](maxLimiters, nil, limiterTTL),
		rpm:        rpm,
		localLimit: conservativeLimit,
		burst:      perIPBurst,
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	l.detector.Start()
	return l, nil
}
func (l *Limiter) Stop() {
	l.detector.Stop()
}

// ClientIP is the address requests from r are charged to.
func (l *Limiter) ClientIP(r *http.Request) string {
	return l.proxies.ClientIP(r)
}
func (l *Limiter) TriggerAdaptiveMode() {
	l.adaptiveUntil.Store(time.Now().Add(adaptiveFor).UnixNano())
	util.Warn().Dur("for", adaptiveFor).Msg("error rate high, halving rate limits")
}
func (l *Limiter) RecordRequest() { l.detector.RecordRequest() }
func (l *Limiter) RecordError()   { l.detector.RecordError() }

// effective halves limit while adaptive mode is on.
func (l *Limiter) effective(limit int) int {
	if time.Now().UnixNano() < l.adaptiveUntil.Load() {
		return max(1, limit/2)
	}
	return limit
}
func (l *Limiter) CheckLimit(r *http.Request, endpoint string) *RateLimitResult {
	ip := l.ClientIP(r)
	var res *RateLimitResult
	if l.rdb != nil {
		res = l.shared(r.Context(), ip, endpoint)
	}
	if res == nil {
		res = l.local(ip, endpoint)
	}
	if !res.Allowed {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
	}
	return res
}

// shared returns nil when Redis cannot answer.
func (l *Limiter) shared(ctx context.Context, ip, endpoint string) *RateLimitResult {
	limit := l.effective(l.rpm)
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	used, err := l.rdb.RateLimit(ctx, endpoint+":"+ip, limit, window)
	if err != nil {
		util.Warn().Err(err).Msg("redis rate limit unavailable, using local buckets")
		return nil
	}
	return &RateLimitResult{
		Allowed:   used <= limit,
		Limit:     limit,
		Remaining: max(0, limit-used),
		Reset:     time.Now().Add(window),
	}
}
func (l *Limiter) local(ip, endpoint string) *RateLimitResult {
	limit := l.effective(l.localLimit)
	key := endpoint + ":" + ip
	l.bucketMu.Lock()
	b, ok := l.buckets.Get(key)
	if !ok {
		b = rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), min(l.burst, limit))
		l.buckets.Add(key, b)
	}
	l.bucketMu.Unlock()
	res := &RateLimitResult{Limit: limit, Reset: time.Now().Add(window)}
	if b.Allow() {
		res.Allowed = true
		res.Remaining = max(0, int(b.Tokens()))
	}
	return res
}
