// Package scheduler drives time-based billing: it renews subscriptions whose
// period ended, applies scheduled pauses, resumes and cancellations, expires
// credit and relays the event outbox.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/billcore/internal/clock"
	creditgrantdomain "github.com/smallbiznis/billcore/internal/creditgrant/domain"
	"github.com/smallbiznis/billcore/internal/events"
	obslogger "github.com/smallbiznis/billcore/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/billcore/internal/observability/metrics"
	"github.com/smallbiznis/billcore/internal/orgcontext"
	subscriptiondomain "github.com/smallbiznis/billcore/internal/subscription/domain"
	"github.com/smallbiznis/billcore/pkg/errs"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	JobRenewals      = "renewals"
	JobCreditExpiry  = "credit_expiry"
	JobOutboxRelay   = "outbox_relay"
	relayBatchFactor = 5
)

var ErrInvalidConfig = errs.Validation("invalid_scheduler_config")

type Params struct {
	fx.In

	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Config        Config
	Subscriptions subscriptiondomain.Service
	CreditGrants  creditgrantdomain.Service
	Dispatcher    *events.Dispatcher
	Metrics       *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Scheduler struct {
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	cfg           Config
	subscriptions subscriptiondomain.Service
	creditGrants  creditgrantdomain.Service
	dispatcher    *events.Dispatcher
	metrics       *obsmetrics.SchedulerMetrics

	mu   sync.Mutex
	cron *cron.Cron
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Subscriptions == nil || p.CreditGrants == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for _, spec := range []string{cfg.Spec, cfg.RelaySpec} {
		if _, err := parser.Parse(spec); err != nil {
			return nil, ErrInvalidConfig.Wrap(fmt.Errorf("cron spec %q: %w", spec, err))
		}
	}
	return &Scheduler{
		log:           p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		genID:         p.GenID,
		clock:         p.Clock,
		cfg:           cfg,
		subscriptions: p.Subscriptions,
		creditGrants:  p.CreditGrants,
		dispatcher:    p.Dispatcher,
		metrics:       p.Metrics,
	}, nil
}

// Start registers the jobs on a cron runner. A job still running when its
// next tick fires is skipped for that tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	logger := cronLogger{log: s.log.Sugar()}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	jobs := []struct {
		spec string
		name string
		fn   func(context.Context) (int, error)
	}{
		{s.cfg.Spec, JobRenewals, s.RenewDue},
		{s.cfg.Spec, JobCreditExpiry, s.ExpireCredit},
	}
	if s.dispatcher != nil {
		jobs = append(jobs, struct {
			spec string
			name string
			fn   func(context.Context) (int, error)
		}{s.cfg.RelaySpec, JobOutboxRelay, s.RelayOutbox})
	}
	for _, job := range jobs {
		job := job
		if _, err := c.AddFunc(job.spec, func() {
			if err := s.runJob(ctx, job.name, job.fn); err != nil {
				s.log.Error("scheduler job failed", zap.String("job", job.name), zap.Error(err))
			}
		}); err != nil {
			return ErrInvalidConfig.Wrap(err)
		}
	}

	c.Start()
	s.cron = c
	s.log.Info("scheduler started",
		zap.String("spec", s.cfg.Spec),
		zap.String("relay_spec", s.cfg.RelaySpec),
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Int("concurrency", s.cfg.Concurrency),
	)
	return nil
}

// Stop stops the cron runner and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs every job a single time, in order.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var err error
	err = errors.Join(err, s.runJob(ctx, JobRenewals, s.RenewDue))
	err = errors.Join(err, s.runJob(ctx, JobCreditExpiry, s.ExpireCredit))
	if s.dispatcher != nil {
		err = errors.Join(err, s.runJob(ctx, JobOutboxRelay, s.RelayOutbox))
	}
	return err
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(context.Context) (int, error)) error {
	started := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	runID := s.genID.Generate().String()
	log := obslogger.WithContext(ctx, s.log).With(zap.String("job", name), zap.String("run_id", runID))
	s.metrics.IncJobRun(name)

	processed, err := fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(started))
	s.metrics.AddProcessed(name, processed)

	fields := []zap.Field{
		zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		zap.Int("processed_count", processed),
	}
	if err == nil {
		if processed > 0 {
			log.Info("scheduler.job.finish", fields...)
		} else {
			log.Debug("scheduler.job.finish", fields...)
		}
		return nil
	}

	s.metrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn("scheduler.job.timeout", append(fields, zap.Duration("timeout", s.cfg.JobTimeout), zap.Error(err))...)
		return nil
	}
	log.Warn("scheduler.job.finish", append(fields, zap.Error(err))...)
	return fmt.Errorf("%s: %w", name, err)
}

// RenewDue renews every due subscription in one batch, at most
// Config.Concurrency at a time. One failing subscription does not stop the
// others; failures are returned joined.
func (s *Scheduler) RenewDue(ctx context.Context) (int, error) {
	due, err := s.subscriptions.ListDue(ctx, s.clock.Now(), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	sem := semaphore.NewWeighted(int64(s.cfg.Concurrency))
	group, gctx := errgroup.WithContext(ctx)

	var (
		mu        sync.Mutex
		processed int
		failures  []error
	)
	for _, sub := range due {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		sub := sub
		group.Go(func() error {
			defer sem.Release(1)
			orgCtx := orgcontext.WithOrgID(gctx, int64(sub.OrgID))
			renewed, err := s.subscriptions.Renew(orgCtx, sub.ID.String())

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.log.Error("subscription renewal failed",
					zap.String("org_id", sub.OrgID.String()),
					zap.String("subscription_id", sub.ID.String()),
					zap.String("error_type", obsmetrics.ClassifySchedulerError(err)),
					zap.Error(err),
				)
				failures = append(failures, fmt.Errorf("subscription %s: %w", sub.ID, err))
				return nil
			}
			processed++
			if renewed.Status != sub.Status {
				s.log.Info("subscription transitioned by scheduler",
					zap.String("subscription_id", sub.ID.String()),
					zap.String("from", string(sub.Status)),
					zap.String("to", string(renewed.Status)),
				)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return processed, err
	}
	if err := ctx.Err(); err != nil {
		failures = append(failures, err)
	}
	return processed, errors.Join(failures...)
}

func (s *Scheduler) ExpireCredit(ctx context.Context) (int, error) {
	return s.creditGrants.ExpireDue(ctx, s.clock.Now())
}

func (s *Scheduler) RelayOutbox(ctx context.Context) (int, error) {
	return s.dispatcher.RelayOnce(ctx, s.cfg.BatchSize*relayBatchFactor)
}

// cronLogger routes cron runner logs to zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
