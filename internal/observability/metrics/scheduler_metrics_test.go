package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/billcore/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifySchedulerError(t *testing.T) {
	assert.Equal(t, SchedulerErrorTypeDeadlineExceeded, ClassifySchedulerError(fmt.Errorf("tick: %w", context.DeadlineExceeded)))
	assert.Equal(t, SchedulerErrorTypeDependency, ClassifySchedulerError(errs.Dependency("gateway_timeout")))
	assert.Equal(t, SchedulerErrorTypeBusinessRule, ClassifySchedulerError(errs.InvalidState("subscription_not_active")))
	assert.Equal(t, SchedulerErrorTypeUnknown, ClassifySchedulerError(errors.New("boom")))
}

func TestSchedulerMetricsRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := newSchedulerMetrics(reg, Config{ServiceName: "billcore", Environment: "test"})
	require.NoError(t, err)

	_, err = newSchedulerMetrics(reg, Config{ServiceName: "billcore", Environment: "test"})
	require.NoError(t, err)

	m.IncJobRun("renewals")
	m.ObserveJobDuration("renewals", 10*time.Millisecond)
	m.AddProcessed("renewals", 3)
	m.IncJobError("renewals", errors.New("boom"))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
