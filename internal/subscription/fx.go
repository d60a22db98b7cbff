package subscription

import (
	"github.com/smallbiznis/billcore/internal/subscription/repository"
	"github.com/smallbiznis/billcore/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
