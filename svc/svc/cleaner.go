package svc

import (
	"context"
	"time"

	"echobin/metrics"
	"echobin/svc/db"
	"echobin/svc/util"

	"github.com/pkg/errors"
)

// RunCleaner removes expired and exhausted pastes every interval until ctx
// is done.
func RunCleaner(ctx context.Context, store db.Store, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("cleanup interval must be positive")
	}
	ctx = util.SetRequestID(ctx, util.NewRequestID())
	log := util.Ctx(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	log.Info().Dur("interval", interval).Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("cleanup worker stopped")
			return nil
		case <-t.C:
			cleanOnce(ctx, store)
		}
	}
}
func cleanOnce(ctx context.Context, store db.Store) int {
	metrics.PruneCycles.Inc()
	n, err := store.CleanupExpired(ctx, time.Now())
	switch {
	case err != nil && ctx.Err() == nil:
		util.Ctx(ctx).Error().Err(err).Msg("cleanup failed")
	case n > 0:
		metrics.PrunedPastes.Add(float64(n))
		util.Ctx(ctx).Info().Int("deleted", n).Msg("cleanup completed")
	}
	return n
}
