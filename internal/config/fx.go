package config

import (
	"github.com/smallbiznis/billcore/pkg/db"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(
		Load,
		NewBillingConfigHolder,
		func(cfg Config) db.Config { return cfg.Database() },
	),
)
