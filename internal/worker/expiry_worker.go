package worker

import (
	"context"
	"time"

	"github.com/kotoba-cbt/kotoba-backend/internal/repository"
	"github.com/kotoba-cbt/kotoba-backend/internal/service"
	"github.com/kotoba-cbt/kotoba-backend/internal/session"
	"github.com/rs/zerolog"
)

// ExpiryWorker sweeps for attempts whose global timer ran out while no
// live session was watching them (candidate disconnected and never came
// back). Live sessions expire themselves through the session manager; the
// sweep only has to catch the orphans. Submit is idempotent, so racing the
// manager is safe.
type ExpiryWorker struct {
	attemptRepo *repository.AttemptRepository
	attempts    *service.AttemptService
	manager     *session.Manager
	clock       session.Clock
	interval    time.Duration
	grace       time.Duration
	log         zerolog.Logger
}

// NewExpiryWorker creates a new ExpiryWorker.
func NewExpiryWorker(
	attemptRepo *repository.AttemptRepository,
	attempts *service.AttemptService,
	manager *session.Manager,
	clock session.Clock,
	interval, grace time.Duration,
	log zerolog.Logger,
) *ExpiryWorker {
	return &ExpiryWorker{
		attemptRepo: attemptRepo,
		attempts:    attempts,
		manager:     manager,
		clock:       clock,
		interval:    interval,
		grace:       grace,
		log:         log.With().Str("component", "expiry_worker").Logger(),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (w *ExpiryWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("Worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ExpiryWorker) sweep(ctx context.Context) {
	expired, err := w.attemptRepo.ListExpired(ctx, w.clock.Now(), w.grace)
	if err != nil {
		w.log.Error().Err(err).Msg("List expired attempts failed")
		return
	}

	for i := range expired {
		a := &expired[i]

		// A live session owns its own expiry.
		if w.manager.Get(a.ID) != nil {
			continue
		}

		if _, err := w.attempts.Submit(ctx, a.ID, a.ExamID, a.UserID); err != nil {
			w.log.Error().Err(err).
				Str("attempt_id", a.ID.String()).
				Msg("Force submit failed")
			continue
		}

		w.log.Info().
			Str("attempt_id", a.ID.String()).
			Int("user_id", a.UserID).
			Msg("Expired attempt force-submitted")
	}
}
