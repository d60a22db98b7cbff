package payment

import (
	"github.com/smallbiznis/billcore/internal/payment/gateway"
	"github.com/smallbiznis/billcore/internal/payment/repository"
	"github.com/smallbiznis/billcore/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(gateway.Provide),
	fx.Provide(service.New),
)
