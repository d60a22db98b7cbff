package usage

import (
	"github.com/smallbiznis/billcore/internal/usage/repository"
	"github.com/smallbiznis/billcore/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
