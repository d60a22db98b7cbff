// Package gateway routes payments to the Gateway registered for their
// method.
package gateway

import (
	"github.com/smallbiznis/billcore/internal/payment/domain"
	"go.uber.org/fx"
)

type Registry struct {
	gateways map[domain.Method]domain.Gateway
}

type RegistryParams struct {
	fx.In

	Gateways []domain.Gateway `group:"payment_gateways"`
}

func Provide(p RegistryParams) *Registry {
	return NewRegistry(p.Gateways...)
}

// NewRegistry indexes gateways by method. A later gateway replaces an
// earlier one for the same method.
func NewRegistry(gateways ...domain.Gateway) *Registry {
	registry := &Registry{gateways: map[domain.Method]domain.Gateway{}}
	for _, gw := range gateways {
		if gw == nil {
			continue
		}
		method := gw.Method()
		if !method.Valid() || method == domain.MethodWallet || method == domain.MethodOffline {
			continue
		}
		registry.gateways[method] = gw
	}
	return registry
}

func (r *Registry) Exists(method domain.Method) bool {
	if r == nil {
		return false
	}
	_, ok := r.gateways[method]
	return ok
}

func (r *Registry) For(method domain.Method) (domain.Gateway, error) {
	if r == nil {
		return nil, domain.ErrGatewayNotFound
	}
	gw, ok := r.gateways[method]
	if !ok {
		return nil, domain.ErrGatewayNotFound.WithEntity("payment_method", string(method))
	}
	return gw, nil
}
