package events

import (
	"context"

	"github.com/smallbiznis/billcore/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewOutbox),
	fx.Provide(providePublisher),
	fx.Provide(NewDispatcher),
)

func providePublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Publisher {
	var pub Publisher
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) > 0 {
		log.Info("publishing events to kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
		pub = NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	} else {
		pub = NewLogPublisher(log)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return pub.Close()
		},
	})
	return pub
}
