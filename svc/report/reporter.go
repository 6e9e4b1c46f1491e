package report

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"echobin/metrics"
	"echobin/svc/util"

	"github.com/google/go-github/v57/github"
	"github.com/pkg/errors"
)

const (
	description      = "echobin secret scanning is invalidating these secrets. Protect a paste with a password to disable this."
	defaultInterval  = 10 * time.Second
	defaultTimeout   = 10 * time.Second
	defaultBatchSize = 300
)

var ErrAlreadyRunning = errors.New("reporter already running")

// GistCreator is the part of the GitHub gists API the reporter needs.
type GistCreator interface {
	Create(ctx context.Context, gist *github.Gist) (*github.Gist, *github.Response, error)
}

type Options struct {
	Interval   time.Duration
	Timeout    time.Duration
	QueueLimit int
	BatchSize  int
}

// Reporter discloses queued secrets as public gists so that issuers revoke
// them. The queue lives in memory only: a crash loses whatever has not been
// reported yet, and a report that succeeds remotely but fails locally is
// sent again.
//
// head is the absolute sequence number of queue[0]. A report removes
// entries by sequence number, so oldest-first drops that happen while a
// request is in flight never cause unreported secrets to be removed.
type Reporter struct {
	gists   GistCreator
	opts    Options
	mu      sync.Mutex
	queue   []string
	head    uint64
	flushMu sync.Mutex
	running atomic.Bool
}

func New(gists GistCreator, opts Options) *Reporter {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Reporter{gists: gists, opts: opts}
}

// Enqueue appends a secret. It never blocks on the network.
func (r *Reporter) Enqueue(secret string) {
	dropped := false
	r.mu.Lock()
	if r.opts.QueueLimit > 0 && len(r.queue) >= r.opts.QueueLimit {
		r.queue[0] = ""
		r.queue = r.queue[1:]
		r.head++
		dropped = true
	}
	r.queue = append(r.queue, secret)
	depth := len(r.queue)
	r.mu.Unlock()
	metrics.ReportQueueDepth.Set(float64(depth))
	if dropped {
		metrics.ReportDropped.Inc()
		util.Warn().Int("limit", r.opts.QueueLimit).Msg("report queue full, dropped oldest secret")
	}
}
func (r *Reporter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Tick reports up to BatchSize of the oldest queued secrets in one gist and
// returns how many were removed from the queue. On failure nothing is removed.
func (r *Reporter) Tick(ctx context.Context) (int, error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	n := len(r.queue)
	if n > r.opts.BatchSize {
		n = r.opts.BatchSize
	}
	if n == 0 {
		r.mu.Unlock()
		return 0, nil
	}
	batch := make([]string, n)
	copy(batch, r.queue[:n])
	end := r.head + uint64(n)
	r.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	if _, _, err := r.gists.Create(callCtx, buildGist(batch)); err != nil {
		metrics.ReportBatches.WithLabelValues("failure").Inc()
		return 0, errors.Wrap(err, "create gist")
	}
	metrics.ReportBatches.WithLabelValues("success").Inc()
	return r.drain(end), nil
}
func (r *Reporter) drain(end uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if end <= r.head {
		return 0
	}
	k := int(end - r.head)
	if k > len(r.queue) {
		k = len(r.queue)
	}
	clear(r.queue[:k])
	r.queue = r.queue[k:]
	r.head += uint64(k)
	metrics.ReportQueueDepth.Set(float64(len(r.queue)))
	return k
}

// Run ticks every Interval until ctx is done. Only one Run may be active.
func (r *Reporter) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	util.Info().Dur("interval", r.opts.Interval).Int("batch", r.opts.BatchSize).Msg("secret reporter started")
	for {
		select {
		case <-ctx.Done():
			if pending := r.Len(); pending > 0 {
				util.Warn().Int("pending", pending).Msg("secret reporter stopped with unreported secrets")
			} else {
				util.Info().Msg("secret reporter stopped")
			}
			return nil
		case <-ticker.C:
			n, err := r.Tick(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				util.Warn().Err(err).Int("pending", r.Len()).Msg("secret disclosure failed, retrying next tick")
				continue
			}
			if n > 0 {
				util.Info().Int("reported", n).Int("pending", r.Len()).Msg("secrets disclosed")
			}
		}
	}
}
func buildGist(secrets []string) *github.Gist {
	files := make(map[github.GistFilename]github.GistFile, len(secrets))
	for i, s := range secrets {
		files[github.GistFilename(strconv.Itoa(i)+".txt")] = github.GistFile{Content: github.String(s)}
	}
	return &github.Gist{
		Description: github.String(description),
		Public:      github.Bool(true),
		Files:       files,
	}
}
