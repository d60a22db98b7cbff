package events

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/clock"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrInvalidEvent = errors.New("invalid_event")

type Outbox struct {
	genID *snowflake.Node
	clock clock.Clock
}

type OutboxParams struct {
	fx.In

	GenID *snowflake.Node
	Clock clock.Clock
}

func NewOutbox(p OutboxParams) *Outbox {
	return &Outbox{genID: p.GenID, clock: p.Clock}
}

// PublishTx stores the event inside tx. The event becomes visible to the
// dispatcher only if tx commits.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, ev Event) error {
	if o == nil {
		return nil
	}
	if tx == nil || ev.OrgID == 0 || strings.TrimSpace(ev.Type) == "" {
		return ErrInvalidEvent
	}

	id := o.genID.Generate()
	dedupe := strings.TrimSpace(ev.DedupeKey)
	if dedupe == "" {
		dedupe = ev.Type + ":" + id.String()
	}
	payload := datatypes.JSONMap{}
	for k, v := range ev.Payload {
		payload[k] = v
	}

	row := OutboxEvent{
		ID:            id,
		OrgID:         ev.OrgID,
		Type:          ev.Type,
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID,
		Payload:       payload,
		DedupeKey:     dedupe,
		Status:        OutboxStatusPending,
		CreatedAt:     o.clock.Now(),
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_key"}}, DoNothing: true}).
		Create(&row).Error
}
