package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/wabot-server-go/internal/config"
	"github.com/openclaw/wabot-server-go/internal/repository"
	"github.com/openclaw/wabot-server-go/internal/session"
)

// CleanupJob periodically expires stale pending pairings, trims the inbound
// message log, and deactivates durable records that have not connected for a
// long time.
type CleanupJob struct {
	manager     *session.Manager
	sessionRepo repository.SessionRepository
	msgRepo     repository.MessageLogRepository
	pairingTTL  time.Duration
	interval    time.Duration
	done        chan struct{}
}

func NewCleanupJob(
	manager *session.Manager,
	sessionRepo repository.SessionRepository,
	msgRepo repository.MessageLogRepository,
	pairingTTL time.Duration,
	interval time.Duration,
) *CleanupJob {
	return &CleanupJob{
		manager:     manager,
		sessionRepo: sessionRepo,
		msgRepo:     msgRepo,
		pairingTTL:  pairingTTL,
		interval:    interval,
		done:        make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if expired := j.manager.ExpirePendingPairings(j.pairingTTL); expired > 0 {
		log.Info().Int("count", expired).Msg("expired stale pending pairings")
	}

	j.runCleanup(ctx, "message log", func(ctx context.Context) (int64, error) {
		return j.msgRepo.DeleteOlderThan(ctx, time.Now().Add(-config.MessageLogRetention))
	})
	j.runCleanup(ctx, "stale sessions", func(ctx context.Context) (int64, error) {
		return j.sessionRepo.DeactivateStale(ctx, time.Now().Add(-config.StaleSessionAge))
	})
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
