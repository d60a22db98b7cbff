package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes billing instruments. A nil *Metrics is valid and records
// nothing, so services can take it as an optional dependency.
type Metrics struct {
	usageIngest        metric.Int64Counter
	walletTransactions metric.Int64Counter
	invoiceTransitions metric.Int64Counter
	payments           metric.Int64Counter
	prorations         metric.Int64Counter
	subscriptionEvents metric.Int64Counter
	gatewayLatency     metric.Float64Histogram
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "billcore"
	}
	meter := provider.Meter(name)

	var (
		m   Metrics
		err error
	)
	if m.usageIngest, err = meter.Int64Counter("billcore_usage_ingest_total"); err != nil {
		return nil, err
	}
	if m.walletTransactions, err = meter.Int64Counter("billcore_wallet_transactions_total"); err != nil {
		return nil, err
	}
	if m.invoiceTransitions, err = meter.Int64Counter("billcore_invoice_transitions_total"); err != nil {
		return nil, err
	}
	if m.payments, err = meter.Int64Counter("billcore_payments_total"); err != nil {
		return nil, err
	}
	if m.prorations, err = meter.Int64Counter("billcore_prorations_total"); err != nil {
		return nil, err
	}
	if m.subscriptionEvents, err = meter.Int64Counter("billcore_subscription_transitions_total"); err != nil {
		return nil, err
	}
	if m.gatewayLatency, err = meter.Float64Histogram("billcore_payment_gateway_seconds"); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) RecordUsageIngest(ctx context.Context, featureCode string, duplicate bool) {
	if m == nil {
		return
	}
	outcome := "accepted"
	if duplicate {
		outcome = "duplicate"
	}
	m.usageIngest.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("feature_code", strings.TrimSpace(featureCode)),
		attribute.String("outcome", outcome),
	)...))
}

func (m *Metrics) RecordWalletTransaction(ctx context.Context, txType, reason string) {
	if m == nil {
		return
	}
	m.walletTransactions.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("type", txType),
		attribute.String("reason", reason),
	)...))
}

func (m *Metrics) RecordInvoiceTransition(ctx context.Context, to string) {
	if m == nil {
		return
	}
	m.invoiceTransitions.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("status", to))...))
}

func (m *Metrics) RecordPayment(ctx context.Context, method, status string) {
	if m == nil {
		return
	}
	m.payments.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("method", method),
		attribute.String("status", status),
	)...))
}

func (m *Metrics) RecordProration(ctx context.Context, behavior string) {
	if m == nil {
		return
	}
	m.prorations.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("behavior", behavior))...))
}

func (m *Metrics) RecordSubscriptionTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.subscriptionEvents.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	)...))
}

func (m *Metrics) ObserveGatewayLatency(ctx context.Context, method string, d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayLatency.Record(ctx, d.Seconds(), metric.WithAttributes(FilterAttributes(attribute.String("method", method))...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"feature_code": {},
	"outcome":      {},
	"type":         {},
	"reason":       {},
	"status":       {},
	"method":       {},
	"behavior":     {},
	"from":         {},
	"to":           {},
	"job":          {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
