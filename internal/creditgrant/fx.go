package creditgrant

import (
	"github.com/smallbiznis/billcore/internal/creditgrant/repository"
	"github.com/smallbiznis/billcore/internal/creditgrant/service"
	"go.uber.org/fx"
)

var Module = fx.Module("creditgrant.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
