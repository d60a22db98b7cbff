package main

import (
	"fmt"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/audit"
	"github.com/smallbiznis/billcore/internal/catalog"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/internal/config"
	"github.com/smallbiznis/billcore/internal/creditgrant"
	"github.com/smallbiznis/billcore/internal/creditnote"
	"github.com/smallbiznis/billcore/internal/customer"
	"github.com/smallbiznis/billcore/internal/entitlement"
	"github.com/smallbiznis/billcore/internal/events"
	"github.com/smallbiznis/billcore/internal/idempotency"
	"github.com/smallbiznis/billcore/internal/invoice"
	"github.com/smallbiznis/billcore/internal/locker"
	"github.com/smallbiznis/billcore/internal/migration"
	"github.com/smallbiznis/billcore/internal/observability"
	"github.com/smallbiznis/billcore/internal/payment"
	"github.com/smallbiznis/billcore/internal/scheduler"
	"github.com/smallbiznis/billcore/internal/server"
	"github.com/smallbiznis/billcore/internal/subscription"
	"github.com/smallbiznis/billcore/internal/usage"
	"github.com/smallbiznis/billcore/internal/wallet"
	"github.com/smallbiznis/billcore/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	rootCmd.AddCommand(serveCmd, schedulerCmd, migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)

	schedulerCmd.Flags().Bool("once", false, "Run every job a single time and exit")
	migrateDownCmd.Flags().Int("steps", 1, "Number of migrations to revert")
}

var rootCmd = &cobra.Command{
	Use:           "billcore",
	Short:         "Subscription billing and ledger engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with the background scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		fx.New(
			infrastructure(),
			domains(),
			migration.Module,
			server.Module,
			scheduler.Module,
			scheduler.Run,
		).Run()
		return nil
	},
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the renewal, credit expiry and outbox jobs without the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")
		if !once {
			fx.New(infrastructure(), domains(), scheduler.Module, scheduler.Run).Run()
			return nil
		}
		return fx.New(
			infrastructure(),
			domains(),
			scheduler.Module,
			fx.Invoke(func(s *scheduler.Scheduler) error {
				return s.RunOnce(cmd.Context())
			}),
		).Err()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the postgres schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(func(conn *gorm.DB, cfg db.Config, log *zap.Logger) error {
			if err := migration.Apply(conn, cfg.Type); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert applied migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, _ := cmd.Flags().GetInt("steps")
		return withDatabase(func(conn *gorm.DB, cfg db.Config, log *zap.Logger) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := migration.Down(sqlDB, steps); err != nil {
				return err
			}
			log.Info("migrations reverted", zap.Int("steps", steps))
			return nil
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(func(conn *gorm.DB, cfg db.Config, log *zap.Logger) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			version, dirty, err := migration.Version(sqlDB)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", version, dirty)
			return nil
		})
	},
}

func infrastructure() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		locker.Module,
		idempotency.Module,
		events.Module,
	)
}

func domains() fx.Option {
	return fx.Options(
		audit.Module,
		customer.Module,
		catalog.Module,
		entitlement.Module,
		usage.Module,
		wallet.Module,
		invoice.Module,
		payment.Module,
		creditgrant.Module,
		creditnote.Module,
		subscription.Module,
	)
}

func withDatabase(fn func(conn *gorm.DB, cfg db.Config, log *zap.Logger) error) error {
	app := fx.New(
		config.Module,
		observability.Module,
		db.Module,
		fx.NopLogger,
		fx.Invoke(fn),
	)
	return app.Err()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
