package lim

import (
	"sync"
	"sync/atomic"
	"time"

	"echobin/metrics"
	"echobin/svc/util"
)

const (
	anomalyBuckets      = 5
	anomalyMinRequests  = 10
	anomalyErrorPercent = 5.0
)

type bucket struct {
	requests int64
	errors   int64
}

// AnomalyDetector tracks the 5xx rate over the last five minutes and fires
// onAnomaly when it crosses the threshold. The running minute is counted
// lock free; AdvanceWindow folds it into the ring.
type AnomalyDetector struct {
	onAnomaly func()
	requests  atomic.Int64
	errors    atomic.Int64
	mu        sync.Mutex
	ring      [anomalyBuckets]bucket
	next      int
	done      chan struct{}
	stopOnce  sync.Once
}

func NewAnomalyDetector(onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{onAnomaly: onAnomaly, done: make(chan struct{})}
}

// Start advances the window once a minute until Stop.
func (d *AnomalyDetector) Start() {
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-d.done:
				return
			case <-t.C:
				d.AdvanceWindow()
			}
		}
	}()
}
func (d *AnomalyDetector) Stop()          { d.stopOnce.Do(func() { close(d.done) }) }
func (d *AnomalyDetector) RecordRequest() { d.requests.Add(1) }
func (d *AnomalyDetector) RecordError()   { d.errors.Add(1) }

// AdvanceWindow closes the running minute, publishes the windowed error
// rate and fires the callback outside the lock when it is too high.
func (d *AnomalyDetector) AdvanceWindow() {
	d.mu.Lock()
	d.ring[d.next] = bucket{requests: d.requests.Swap(0), errors: d.errors.Swap(0)}
	d.next = (d.next + 1) % anomalyBuckets
	var sum bucket
	for _, b := range d.ring {
		sum.requests += b.requests
		sum.errors += b.errors
	}
	d.mu.Unlock()

	rate := 0.0
	if sum.requests > 0 {
		rate = float64(sum.errors) * 100 / float64(sum.requests)
	}
	metrics.RecentErrorRatePercent.Set(rate)
	if sum.requests <= anomalyMinRequests || rate <= anomalyErrorPercent {
		return
	}
	util.Warn().
		Float64("error_rate", rate).
		Int64("requests", sum.requests).
		Int64("errors", sum.errors).
		Msg("high error rate")
	if d.onAnomaly != nil {
		d.onAnomaly()
	}
}
