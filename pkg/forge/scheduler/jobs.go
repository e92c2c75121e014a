package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Job names.
const (
	JobPruneSessions      = "prune-sessions"
	JobPruneRateLimits    = "prune-rate-limits"
	JobSyncDirectories    = "sync-directories"
	JobRenewSubscriptions = "renew-subscriptions"
)

// renewWindow is how far ahead of expiry Graph subscriptions are renewed.
// Graph allows user subscriptions to live for just under three days.
const renewWindow = 24 * time.Hour

type SessionPruner interface {
	PruneExpired(ctx context.Context) (int64, error)
}

type LimiterPruner interface {
	Prune() int
}

type DirectorySyncer interface {
	SyncAll(ctx context.Context) error
	RenewExpiring(ctx context.Context, within time.Duration) error
}

// Deps are the components the default jobs maintain. Nil fields skip their jobs.
type Deps struct {
	Sessions     SessionPruner
	Limiter      LimiterPruner
	Syncer       DirectorySyncer
	SyncInterval time.Duration
	Logger       *zap.Logger
}

// DefaultJobs returns the maintenance jobs the server runs.
func DefaultJobs(d Deps) []Job {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var jobs []Job
	if d.Sessions != nil {
		jobs = append(jobs, Job{
			Name:     JobPruneSessions,
			Interval: 15 * time.Minute,
			Run: func(ctx context.Context) error {
				n, err := d.Sessions.PruneExpired(ctx)
				if n > 0 {
					logger.Info("pruned expired sessions and codes", zap.Int64("rows", n))
				}
				return err
			},
		})
	}
	if d.Limiter != nil {
		jobs = append(jobs, Job{
			Name:     JobPruneRateLimits,
			Interval: 10 * time.Minute,
			Run: func(context.Context) error {
				d.Limiter.Prune()
				return nil
			},
		})
	}
	if d.Syncer != nil {
		interval := d.SyncInterval
		if interval <= 0 {
			interval = 6 * time.Hour
		}
		jobs = append(jobs,
			Job{Name: JobSyncDirectories, Interval: interval, Run: d.Syncer.SyncAll},
			Job{
				Name:     JobRenewSubscriptions,
				Interval: time.Hour,
				Run: func(ctx context.Context) error {
					return d.Syncer.RenewExpiring(ctx, renewWindow)
				},
			},
		)
	}
	return jobs
}
