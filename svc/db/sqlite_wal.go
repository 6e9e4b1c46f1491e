package db

import (
	"context"
	"time"

	"echobin/svc/util"

	"github.com/pkg/errors"
)

const (
	checkpointInterval = 5 * time.Minute
	checkpointTimeout  = 30 * time.Second
	// a PASSIVE pass that leaves more WAL pages than this is followed by
	// TRUNCATE
	truncateAbovePages = 1000
)

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// MaintainWAL checkpoints the write-ahead log every interval until ctx is
// done, then runs one final checkpoint.
func (s *SQLite) MaintainWAL(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = checkpointInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.checkpoint(ctx); err != nil && ctx.Err() == nil {
				util.Error().Err(err).Msg("wal checkpoint failed")
			}
		case <-ctx.Done():
			if err := s.checkpoint(context.WithoutCancel(ctx)); err != nil {
				util.Error().Err(err).Msg("final wal checkpoint failed")
			}
			return nil
		}
	}
}

type walStat struct {
	busy, log, done int
}

func (s *SQLite) walCheckpoint(ctx context.Context, mode string) (walStat, error) {
	var st walStat
	err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint("+mode+")").Scan(&st.busy, &st.log, &st.done)
	return st, errors.Wrapf(err, "%s checkpoint", mode)
}
func (s *SQLite) checkpoint(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkpointTimeout)
	defer cancel()
	start := time.Now()
	st, err := s.walCheckpoint(ctx, "PASSIVE")
	if err != nil {
		return err
	}
	if st.busy > 0 || st.log > truncateAbovePages {
		if st, err = s.walCheckpoint(ctx, "TRUNCATE"); err != nil {
			return err
		}
	}
	var check string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&check); err != nil {
		return errors.Wrap(err, "quick_check")
	}
	if check != "ok" {
		return errors.Errorf("quick_check: %s", check)
	}
	util.Debug().
		Int("busy", st.busy).
		Int("log", st.log).
		Int("checkpointed", st.done).
		Dur("took", time.Since(start)).
		Msg("wal checkpoint")
	return nil
}
