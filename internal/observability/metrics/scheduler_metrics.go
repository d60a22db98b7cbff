package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/billcore/pkg/errs"
)

const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDependency       = "dependency"
	SchedulerErrorTypeUnknown          = "unknown"
)

// SchedulerMetrics captures billing scheduler health on the prometheus
// registry served at /metrics.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobErrors      *prometheus.CounterVec
	itemsProcessed *prometheus.CounterVec
}

// NewSchedulerMetrics registers scheduler collectors on the default registry.
func NewSchedulerMetrics(cfg Config) (*SchedulerMetrics, error) {
	return newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) (*SchedulerMetrics, error) {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "billcore"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{"service": serviceName, "env": environment}

	jobRuns, err := register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "billcore_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"}))
	if err != nil {
		return nil, err
	}
	jobDuration, err := register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "billcore_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency.",
		ConstLabels: constLabels,
		Buckets:     prometheus.DefBuckets,
	}, []string{"job"}))
	if err != nil {
		return nil, err
	}
	jobErrors, err := register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "billcore_scheduler_job_errors_total",
		Help:        "Scheduler job errors by classification.",
		ConstLabels: constLabels,
	}, []string{"job", "type"}))
	if err != nil {
		return nil, err
	}
	itemsProcessed, err := register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "billcore_scheduler_items_processed_total",
		Help:        "Subscriptions, grants or events handled by scheduler jobs.",
		ConstLabels: constLabels,
	}, []string{"job"}))
	if err != nil {
		return nil, err
	}

	return &SchedulerMetrics{
		jobRuns:        jobRuns,
		jobDuration:    jobDuration,
		jobErrors:      jobErrors,
		itemsProcessed: itemsProcessed,
	}, nil
}

// register returns the already registered collector when one with the same
// descriptor exists, so the fx graph can be built more than once per process.
func register[T prometheus.Collector](r prometheus.Registerer, c T) (T, error) {
	if err := r.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerError(err)).Inc()
}

func (m *SchedulerMetrics) AddProcessed(job string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.itemsProcessed.WithLabelValues(job).Add(float64(n))
}

// ClassifySchedulerError buckets errors into a small label set.
func ClassifySchedulerError(err error) string {
	switch {
	case err == nil:
		return SchedulerErrorTypeUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return SchedulerErrorTypeDeadlineExceeded
	case errors.Is(err, errs.ErrDependency):
		return SchedulerErrorTypeDependency
	}
	if _, ok := errs.KindOf(err); ok {
		return SchedulerErrorTypeBusinessRule
	}
	return SchedulerErrorTypeUnknown
}
