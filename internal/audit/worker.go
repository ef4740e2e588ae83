package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openmarketlabs/credits-engine/internal/credit"
	"github.com/openmarketlabs/credits-engine/internal/engine"
)

const (
	blpopTimeout = 5 * time.Second
	// archiveCap bounds the inspection archive; older entries roll off.
	archiveCap = 10_000
)

// Run is the audit loop: BLPOP the event queue, log each event, and move
// it to a capped archive list for operator inspection.
func Run(ctx context.Context, rdb *redis.Client, log *zap.Logger) {
	log.Info("audit worker started", zap.String("queue", credit.EventQueueKey))

	for {
		if ctx.Err() != nil {
			log.Info("audit worker stopped")
			return
		}

		results, err := rdb.BLPop(ctx, blpopTimeout, credit.EventQueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Error("audit: BLPOP error", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		// results[0] = key, results[1] = value
		archive(ctx, rdb, results[1], log)
	}
}

// DrainOnce moves a single queued event to the archive without blocking.
// Returns redis.Nil when the queue is empty.
func DrainOnce(ctx context.Context, rdb *redis.Client, log *zap.Logger) error {
	raw, err := rdb.LPop(ctx, credit.EventQueueKey).Result()
	if err != nil {
		return err
	}
	archive(ctx, rdb, raw, log)
	return nil
}

func archive(ctx context.Context, rdb *redis.Client, raw string, log *zap.Logger) {
	var ev engine.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		log.Error("audit: unmarshal event", zap.String("raw", raw), zap.Error(err))
	} else {
		log.Info("audit event",
			zap.String("type", ev.Type),
			zap.Int64("timestamp", ev.Timestamp),
			zap.String("actor", ev.Actor),
			zap.String("consumer", ev.Consumer),
			zap.String("amount", ev.Amount),
		)
	}

	pipe := rdb.TxPipeline()
	pipe.RPush(ctx, credit.EventArchiveKey, raw)
	pipe.LTrim(ctx, credit.EventArchiveKey, -archiveCap, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error("audit: archive event", zap.Error(err))
	}
}
