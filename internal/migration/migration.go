// Package migration owns the database schema. Postgres is migrated with the
// embedded SQL files; other dialects used for local runs are auto-migrated
// from the models.
package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	auditdomain "github.com/smallbiznis/billcore/internal/audit/domain"
	catalogdomain "github.com/smallbiznis/billcore/internal/catalog/domain"
	creditgrantdomain "github.com/smallbiznis/billcore/internal/creditgrant/domain"
	creditnotedomain "github.com/smallbiznis/billcore/internal/creditnote/domain"
	customerdomain "github.com/smallbiznis/billcore/internal/customer/domain"
	"github.com/smallbiznis/billcore/internal/events"
	"github.com/smallbiznis/billcore/internal/idempotency"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/billcore/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/billcore/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/billcore/internal/usage/domain"
	walletdomain "github.com/smallbiznis/billcore/internal/wallet/domain"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "migrations"

var ErrNoDatabase = errors.New("migration database handle is required")

// Models lists every persisted model in dependency order.
func Models() []any {
	return []any{
		&customerdomain.Customer{},
		&catalogdomain.Plan{},
		&catalogdomain.Feature{},
		&catalogdomain.Price{},
		&catalogdomain.Entitlement{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.Addon{},
		&subscriptiondomain.Pause{},
		&invoicedomain.Invoice{},
		&invoicedomain.LineItem{},
		&invoicedomain.InvoicePayment{},
		&invoicedomain.PendingLineItem{},
		&paymentdomain.Payment{},
		&creditnotedomain.CreditNote{},
		&creditnotedomain.Line{},
		&walletdomain.Wallet{},
		&walletdomain.Transaction{},
		&creditgrantdomain.CreditGrant{},
		&creditgrantdomain.Application{},
		&usagedomain.Event{},
		&usagedomain.Counter{},
		&auditdomain.AuditLog{},
		&events.OutboxEvent{},
		&idempotency.Record{},
	}
}

// Apply brings the schema up to date for the given dialect.
func Apply(conn *gorm.DB, dialect string) error {
	if conn == nil {
		return ErrNoDatabase
	}
	if dialect != "postgres" {
		return conn.AutoMigrate(Models()...)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return Up(sqlDB)
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	if db == nil {
		return nil, ErrNoDatabase
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	// The migrator is never closed: closing it would close the shared *sql.DB.
	return migrator, nil
}

func Up(db *sql.DB) error {
	migrator, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Down reverts the last steps migrations.
func Down(db *sql.DB, steps int) error {
	if steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", steps)
	}
	migrator, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := migrator.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("revert migrations: %w", err)
	}
	return nil
}

func Version(db *sql.DB) (uint, bool, error) {
	migrator, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
