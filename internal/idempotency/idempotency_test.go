package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/pkg/db/dbtest"
	"github.com/smallbiznis/billcore/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type widget struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type widgetRow struct {
	ID   int64 `gorm:"primaryKey"`
	Name string
}

func setup(t *testing.T) (*gorm.DB, *Store) {
	db := dbtest.Open(t, &Record{}, &widgetRow{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return db, NewStore(Params{GenID: node, Clock: clock.NewFakeClock(time.Now())})
}

func TestRunReplaysStoredResult(t *testing.T) {
	db, store := setup(t)
	ctx := context.Background()
	calls := 0

	create := func(tx *gorm.DB) (widget, error) {
		calls++
		row := widgetRow{ID: int64(calls), Name: "a"}
		if err := tx.Create(&row).Error; err != nil {
			return widget{}, err
		}
		return widget{ID: row.ID, Name: row.Name}, nil
	}

	first, err := Run(ctx, store, db, 1, "widget.create", "key-1", map[string]any{"name": "a"}, create)
	require.NoError(t, err)
	second, err := Run(ctx, store, db, 1, "widget.create", "key-1", map[string]any{"name": "a"}, create)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)

	var count int64
	require.NoError(t, db.Model(&widgetRow{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRunRejectsDivergentPayload(t *testing.T) {
	db, store := setup(t)
	ctx := context.Background()
	fn := func(tx *gorm.DB) (widget, error) { return widget{ID: 1}, nil }

	_, err := Run(ctx, store, db, 1, "widget.create", "key-1", map[string]any{"name": "a"}, fn)
	require.NoError(t, err)

	_, err = Run(ctx, store, db, 1, "widget.create", "key-1", map[string]any{"name": "b"}, fn)
	assert.ErrorIs(t, err, ErrKeyReused)
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestRunDoesNotStoreFailures(t *testing.T) {
	db, store := setup(t)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := Run(ctx, store, db, 1, "widget.create", "key-1", 1, func(tx *gorm.DB) (widget, error) {
		return widget{}, boom
	})
	require.ErrorIs(t, err, boom)

	res, err := Run(ctx, store, db, 1, "widget.create", "key-1", 1, func(tx *gorm.DB) (widget, error) {
		return widget{ID: 2}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.ID)
}

func TestKeysAreScopedPerOrganization(t *testing.T) {
	db, store := setup(t)
	ctx := context.Background()

	a, err := Run(ctx, store, db, 1, "s", "k", 1, func(tx *gorm.DB) (widget, error) { return widget{ID: 1}, nil })
	require.NoError(t, err)
	b, err := Run(ctx, store, db, 2, "s", "k", 1, func(tx *gorm.DB) (widget, error) { return widget{ID: 2}, nil })
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}
