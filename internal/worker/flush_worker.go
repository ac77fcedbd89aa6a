package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kotoba-cbt/kotoba-backend/internal/config"
	"github.com/kotoba-cbt/kotoba-backend/internal/model"
	"github.com/kotoba-cbt/kotoba-backend/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// FlushWorker consumes persist_progress_queue and writes progress
// snapshots to PostgreSQL. Snapshots are idempotent full-state overwrites,
// so replays and out-of-order delivery are harmless.
type FlushWorker struct {
	attempts *service.AttemptService
	rdb      *redis.Client
	log      zerolog.Logger
}

// NewFlushWorker creates a new FlushWorker.
func NewFlushWorker(attempts *service.AttemptService, rdb *redis.Client, log zerolog.Logger) *FlushWorker {
	return &FlushWorker{
		attempts: attempts,
		rdb:      rdb,
		log:      log.With().Str("component", "flush_worker").Logger(),
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *FlushWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *FlushWorker) processNext(ctx context.Context) {
	// BLPop blocks until an item is available or timeout (1 second).
	result, err := w.rdb.BLPop(ctx, time.Second, config.WorkerKey.PersistProgressQueue).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
			time.Sleep(3 * time.Second)
		}
		return
	}

	if len(result) < 2 {
		return
	}

	var p model.AttemptProgress
	if err := json.Unmarshal([]byte(result[1]), &p); err != nil {
		w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
		return
	}

	if err := w.attempts.SaveProgress(ctx, &p); err != nil {
		w.log.Error().Err(err).
			Str("attempt_id", p.AttemptID.String()).
			Msg("Persist error, retrying in 5s")
		// Push back to queue for retry.
		w.rdb.RPush(ctx, config.WorkerKey.PersistProgressQueue, result[1])
		time.Sleep(5 * time.Second)
	}
}

// drain processes all remaining items in the queue before shutdown.
func (w *FlushWorker) drain(ctx context.Context) {
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.PersistProgressQueue).Result()
		if err != nil {
			break
		}

		var p model.AttemptProgress
		if err := json.Unmarshal([]byte(result), &p); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if err := w.attempts.SaveProgress(ctx, &p); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, config.WorkerKey.PersistProgressQueue, result)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
