package db

import (
	"context"
	"database/sql"
	"math/rand"
	"sync/atomic"
	"time"

	"echobin/pkg/domain"

	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed int32 = iota
	circuitOpen
	circuitHalfOpen
)

const (
	maxFailures        = 5
	cooldown           = 30 * time.Second
	minResponseTime    = 50 * time.Millisecond
	responseTimeJitter = 20 * time.Millisecond
)

// breaker opens after maxFailures consecutive storage faults and lets a
// single probe through once cooldown has passed. Misses, conflicts,
// cancellations and domain errors are not faults.
type breaker struct {
	failures atomic.Int32
	state    atomic.Int32
	openedAt atomic.Int64
}

func (b *breaker) checkCircuit() error {
	switch b.state.Load() {
	case circuitClosed:
		return nil
	case circuitOpen:
		if b.cooled() && b.state.CompareAndSwap(circuitOpen, circuitHalfOpen) {
			b.openedAt.Store(time.Now().UnixNano())
			return nil
		}
	case circuitHalfOpen:
		// a probe that never reported back is replaced after another cooldown
		if b.cooled() {
			b.openedAt.Store(time.Now().UnixNano())
			return nil
		}
	}
	return ErrCircuitOpen
}
func (b *breaker) cooled() bool {
	return time.Since(time.Unix(0, b.openedAt.Load())) >= cooldown
}
func (b *breaker) trip() {
	b.openedAt.Store(time.Now().UnixNano())
	b.state.Store(circuitOpen)
	b.failures.Store(0)
}

// recordError feeds the outcome of a call. Any answer that is not a fault
// proves the database reachable and closes a half-open circuit.
func (b *breaker) recordError(err error) {
	if err != nil && isFault(err) {
		n := b.failures.Add(1)
		switch b.state.Load() {
		case circuitHalfOpen:
			b.trip()
		case circuitClosed:
			if n >= maxFailures {
				b.trip()
			}
		}
		return
	}
	if err == nil || b.state.Load() == circuitHalfOpen {
		b.failures.Store(0)
		b.state.Store(circuitClosed)
	}
}
func isFault(err error) bool {
	for _, benign := range []error{sql.ErrNoRows, ErrDuplicate, context.Canceled, context.DeadlineExceeded} {
		if errors.Is(err, benign) {
			return false
		}
	}
	_, isDomain := errors.Cause(err).(*domain.Err)
	return !isDomain
}

// normalizeResponseTime pads lookups by secret to a jittered floor so
// hits and misses take about as long.
func normalizeResponseTime(start time.Time) {
	target := minResponseTime + time.Duration(rand.Int63n(int64(responseTimeJitter)))
	if rest := target - time.Since(start); rest > 0 {
		time.Sleep(rest)
	}
}
