package events

import (
	"context"
	"time"

	"github.com/smallbiznis/billcore/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultMaxAttempts = 10

// Dispatcher relays pending outbox rows to the publisher. Delivery is at
// least once; consumers dedupe on Message.ID.
type Dispatcher struct {
	db          *gorm.DB
	log         *zap.Logger
	publisher   Publisher
	clock       clock.Clock
	maxAttempts int
}

type DispatcherParams struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Publisher Publisher
	Clock     clock.Clock
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	return &Dispatcher{
		db:          p.DB,
		log:         p.Log.Named("events.dispatcher"),
		publisher:   p.Publisher,
		clock:       p.Clock,
		maxAttempts: defaultMaxAttempts,
	}
}

// RelayOnce publishes up to batch pending events and reports how many were
// delivered.
func (d *Dispatcher) RelayOnce(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}

	var pending []OutboxEvent
	if err := d.db.WithContext(ctx).
		Where("status = ?", OutboxStatusPending).
		Order("created_at asc, id asc").
		Limit(batch).
		Find(&pending).Error; err != nil {
		return 0, err
	}

	delivered := 0
	for _, ev := range pending {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		pubErr := d.publisher.Publish(ctx, messageFromOutbox(ev))
		if pubErr != nil {
			if err := d.markFailedAttempt(ctx, ev, pubErr); err != nil {
				return delivered, err
			}
			d.log.Warn("event publish failed",
				zap.String("event_id", ev.ID.String()),
				zap.String("type", ev.Type),
				zap.Int("attempts", ev.Attempts+1),
				zap.Error(pubErr),
			)
			continue
		}

		now := d.clock.Now()
		if err := d.db.WithContext(ctx).Model(&OutboxEvent{}).
			Where("id = ?", ev.ID).
			Updates(map[string]any{
				"status":       OutboxStatusPublished,
				"attempts":     ev.Attempts + 1,
				"published_at": now,
			}).Error; err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

func (d *Dispatcher) markFailedAttempt(ctx context.Context, ev OutboxEvent, cause error) error {
	status := OutboxStatusPending
	if ev.Attempts+1 >= d.maxAttempts {
		status = OutboxStatusFailed
	}
	return d.db.WithContext(ctx).Model(&OutboxEvent{}).
		Where("id = ?", ev.ID).
		Updates(map[string]any{
			"status":     status,
			"attempts":   ev.Attempts + 1,
			"last_error": cause.Error(),
		}).Error
}

// Run relays on a fixed interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.RelayOnce(ctx, 100); err != nil && ctx.Err() == nil {
				d.log.Error("outbox relay failed", zap.Error(err))
			}
		}
	}
}
