// Package idempotency stores command results under client supplied keys so a
// retried command returns the original result instead of running twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/clock"
	pkgdb "github.com/smallbiznis/billcore/pkg/db"
	"github.com/smallbiznis/billcore/pkg/errs"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrKeyReused = errs.Conflict("idempotency_key_reused")

type Record struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	OrgID       snowflake.ID   `gorm:"not null;uniqueIndex:ux_idempotency_scope_key"`
	Scope       string         `gorm:"not null;uniqueIndex:ux_idempotency_scope_key"`
	Key         string         `gorm:"column:idempotency_key;not null;uniqueIndex:ux_idempotency_scope_key"`
	RequestHash string         `gorm:"not null"`
	Response    datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time      `gorm:"not null"`
}

func (Record) TableName() string { return "idempotency_records" }

type Store struct {
	genID *snowflake.Node
	clock clock.Clock
}

type Params struct {
	fx.In

	GenID *snowflake.Node
	Clock clock.Clock
}

func NewStore(p Params) *Store {
	return &Store{genID: p.GenID, clock: p.Clock}
}

var Module = fx.Module("idempotency",
	fx.Provide(NewStore),
)

// Hash fingerprints a request payload.
func Hash(request any) (string, error) {
	b, err := json.Marshal(request)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Lookup loads the stored result for key into out. It reports false when
// the key was never used, and ErrKeyReused when it was used for a different
// payload.
func (s *Store) Lookup(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, scope, key, requestHash string, out any) (bool, error) {
	var rec Record
	err := tx.WithContext(ctx).
		Where("org_id = ? AND scope = ? AND idempotency_key = ?", orgID, scope, key).
		Limit(1).
		Find(&rec).Error
	if err != nil {
		return false, err
	}
	if rec.ID == 0 {
		return false, nil
	}
	if rec.RequestHash != requestHash {
		return true, ErrKeyReused.WithEntity(scope, key)
	}
	if out != nil {
		if err := json.Unmarshal(rec.Response, out); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Save stores the result for key inside tx.
func (s *Store) Save(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, scope, key, requestHash string, response any) error {
	b, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).Create(&Record{
		ID:          s.genID.Generate(),
		OrgID:       orgID,
		Scope:       scope,
		Key:         key,
		RequestHash: requestHash,
		Response:    datatypes.JSON(b),
		CreatedAt:   s.clock.Now(),
	}).Error
}

// Run executes fn in a transaction guarded by key. A blank key runs fn
// without deduplication. fn must do all of its writes through tx.
func Run[T any](ctx context.Context, s *Store, db *gorm.DB, orgID snowflake.ID, scope, key string, request any, fn func(tx *gorm.DB) (T, error)) (T, error) {
	var out T
	key = strings.TrimSpace(key)
	if key == "" || s == nil {
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res, err := fn(tx)
			if err != nil {
				return err
			}
			out = res
			return nil
		})
		return out, err
	}

	hash, err := Hash(request)
	if err != nil {
		return out, err
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hit, err := s.Lookup(ctx, tx, orgID, scope, key, hash, &out)
		if err != nil || hit {
			return err
		}
		res, err := fn(tx)
		if err != nil {
			return err
		}
		out = res
		return s.Save(ctx, tx, orgID, scope, key, hash, res)
	})
	if err != nil && pkgdb.IsDuplicateKeyErr(err) {
		// Lost a race with a concurrent delivery of the same key.
		var stored T
		hit, lookupErr := s.Lookup(ctx, db, orgID, scope, key, hash, &stored)
		if lookupErr != nil {
			return stored, lookupErr
		}
		if hit {
			return stored, nil
		}
	}
	return out, err
}
