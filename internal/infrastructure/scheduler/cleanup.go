package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/session-auth/internal/pkg/metrics"
)

const defaultInterval = 10 * time.Minute

// Sweeper is the part of the auth service the cleanup job drives.
type Sweeper interface {
	CleanupExpiredSessions(ctx context.Context) (int64, error)
}

// CleanupJob periodically marks expired sessions. A failed run is logged
// and the job keeps going.
type CleanupJob struct {
	sweeper  Sweeper
	interval time.Duration
	log      zerolog.Logger
}

func NewCleanupJob(sweeper Sweeper, interval time.Duration, log zerolog.Logger) *CleanupJob {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &CleanupJob{sweeper: sweeper, interval: interval, log: log}
}

// Run blocks until ctx is cancelled.
func (j *CleanupJob) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.log.Info().Dur("interval", j.interval).Msg("session cleanup job started")
	for {
		select {
		case <-ctx.Done():
			j.log.Info().Msg("session cleanup job stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep.
func (j *CleanupJob) RunOnce(ctx context.Context) {
	start := time.Now()
	n, err := j.sweeper.CleanupExpiredSessions(ctx)
	if err != nil {
		metrics.CleanupDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		j.log.Error().Err(err).Msg("session cleanup failed")
		return
	}
	metrics.CleanupDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
	if n > 0 {
		j.log.Info().Int64("expired", n).Msg("expired sessions cleaned up")
	}
}
