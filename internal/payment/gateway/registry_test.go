package gateway

import (
	"context"
	"fmt"
	"syscall"
	"testing"

	"github.com/smallbiznis/billcore/internal/payment/domain"
	"github.com/smallbiznis/billcore/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGateway struct{ method domain.Method }

func (g stubGateway) Method() domain.Method { return g.method }

func (g stubGateway) Charge(context.Context, domain.ChargeRequest) (domain.ChargeResult, error) {
	return domain.ChargeResult{Succeeded: true}, nil
}

func (g stubGateway) Refund(context.Context, string, int64) error { return nil }

func TestRegistryIgnoresInternalMethods(t *testing.T) {
	registry := NewRegistry(
		stubGateway{method: domain.MethodCard},
		stubGateway{method: domain.MethodWallet},
		stubGateway{method: "CHEQUE"},
		nil,
	)
	assert.True(t, registry.Exists(domain.MethodCard))
	assert.False(t, registry.Exists(domain.MethodWallet))

	gw, err := registry.For(domain.MethodCard)
	require.NoError(t, err)
	assert.Equal(t, domain.MethodCard, gw.Method())

	_, err = registry.For(domain.MethodBankTransfer)
	assert.ErrorIs(t, err, domain.ErrGatewayNotFound)
	assert.ErrorIs(t, err, errs.ErrDependency)

	var empty *Registry
	_, err = empty.For(domain.MethodCard)
	assert.ErrorIs(t, err, domain.ErrGatewayNotFound)
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(context.DeadlineExceeded))
	assert.True(t, Retryable(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
	assert.False(t, Retryable(fmt.Errorf("card declined")))
}
