// Package janitor prunes stale pending challenges and old journal entries.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInterval is the sweep period used when none is given.
const DefaultInterval = time.Minute

// ChallengePruner deletes pending challenges created before cutoff.
type ChallengePruner interface {
	PruneChallenges(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionPruner deletes journal sessions started before cutoff.
type SessionPruner interface {
	PruneSessions(cutoff time.Time) (int64, error)
}

// Worker sweeps the stores on a fixed interval.
type Worker struct {
	challenges   ChallengePruner
	sessions     SessionPruner
	challengeTTL time.Duration
	retention    time.Duration
	interval     time.Duration
	now          func() time.Time
	logger       zerolog.Logger
}

// Options configures a Worker. A zero ChallengeTTL or Retention disables
// that half of the sweep.
type Options struct {
	ChallengeTTL time.Duration
	Retention    time.Duration
	Interval     time.Duration
	Logger       zerolog.Logger
}

// NewWorker creates a Worker. Either pruner may be nil.
// If opts.Interval is <= 0, it defaults to DefaultInterval.
func NewWorker(challenges ChallengePruner, sessions SessionPruner, opts Options) *Worker {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{
		challenges:   challenges,
		sessions:     sessions,
		challengeTTL: opts.ChallengeTTL,
		retention:    opts.Retention,
		interval:     interval,
		now:          time.Now,
		logger:       opts.Logger,
	}
}

// Run sweeps until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Error().Err(err).Msg("janitor sweep failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Result counts what one sweep removed.
type Result struct {
	Challenges int64
	Sessions   int64
}

// RunOnce performs a single sweep. Both halves run even if one fails.
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	var (
		res  Result
		errs []error
	)
	now := w.now()

	if w.challenges != nil && w.challengeTTL > 0 {
		n, err := w.challenges.PruneChallenges(ctx, now.Add(-w.challengeTTL))
		if err != nil {
			errs = append(errs, fmt.Errorf("pruning challenges: %w", err))
		}
		res.Challenges = n
	}

	if w.sessions != nil && w.retention > 0 {
		n, err := w.sessions.PruneSessions(now.Add(-w.retention))
		if err != nil {
			errs = append(errs, fmt.Errorf("pruning sessions: %w", err))
		}
		res.Sessions = n
	}

	if res.Challenges > 0 || res.Sessions > 0 {
		w.logger.Info().Int64("challenges", res.Challenges).Int64("sessions", res.Sessions).Msg("pruned stale entries")
	}
	return res, errors.Join(errs...)
}
