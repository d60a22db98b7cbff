// Package testkit wires the shared infrastructure that service tests need:
// an in-memory database, a fake clock, the outbox, audit and locking.
package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/billcore/internal/audit/domain"
	auditrepo "github.com/smallbiznis/billcore/internal/audit/repository"
	auditservice "github.com/smallbiznis/billcore/internal/audit/service"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/internal/config"
	"github.com/smallbiznis/billcore/internal/events"
	"github.com/smallbiznis/billcore/internal/idempotency"
	"github.com/smallbiznis/billcore/internal/locker"
	"github.com/smallbiznis/billcore/internal/orgcontext"
	"github.com/smallbiznis/billcore/pkg/db/dbtest"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OrgID is the tenant every test context runs as.
const OrgID int64 = 1

var Epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

type Env struct {
	DB          *gorm.DB
	Log         *zap.Logger
	Node        *snowflake.Node
	Clock       *clock.FakeClock
	Billing     *config.BillingConfigHolder
	Outbox      *events.Outbox
	Audit       auditdomain.Service
	Locker      locker.Locker
	Idempotency *idempotency.Store
}

// New opens a fresh database migrated for models plus the outbox, audit and
// idempotency tables.
func New(t testing.TB, models ...any) *Env {
	t.Helper()

	all := append([]any{&events.OutboxEvent{}, &auditdomain.AuditLog{}, &idempotency.Record{}}, models...)
	db := dbtest.Open(t, all...)

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	clk := clock.NewFakeClock(Epoch)
	log := zap.NewNop()

	return &Env{
		DB:      db,
		Log:     log,
		Node:    node,
		Clock:   clk,
		Billing: config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		Outbox:  events.NewOutbox(events.OutboxParams{GenID: node, Clock: clk}),
		Audit: auditservice.NewService(auditservice.Params{
			DB:    db,
			Log:   log,
			GenID: node,
			Clock: clk,
			Repo:  auditrepo.Provide(),
		}),
		Locker:      locker.NewLocalLocker(),
		Idempotency: idempotency.NewStore(idempotency.Params{GenID: node, Clock: clk}),
	}
}

// Context returns a background context scoped to OrgID.
func (e *Env) Context() context.Context {
	return orgcontext.WithOrgID(context.Background(), OrgID)
}

// Events returns the outbox rows of the given type in insertion order.
func (e *Env) Events(t testing.TB, eventType string) []events.OutboxEvent {
	t.Helper()
	var rows []events.OutboxEvent
	if err := e.DB.Where("type = ?", eventType).Order("created_at asc, id asc").Find(&rows).Error; err != nil {
		t.Fatalf("load events: %v", err)
	}
	return rows
}

// AuditActions returns the audited actions for a target in insertion order.
func (e *Env) AuditActions(t testing.TB, targetType, targetID string) []string {
	t.Helper()
	var actions []string
	err := e.DB.Model(&auditdomain.AuditLog{}).
		Where("target_type = ? AND target_id = ?", targetType, targetID).
		Order("created_at asc, id asc").
		Pluck("action", &actions).Error
	if err != nil {
		t.Fatalf("load audit: %v", err)
	}
	return actions
}
