package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/billcore/internal/billingcycle"
	catalogdomain "github.com/smallbiznis/billcore/internal/catalog/domain"
	"github.com/smallbiznis/billcore/internal/orgcontext"
	"github.com/smallbiznis/billcore/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/billcore/internal/usage/domain"
	"go.uber.org/zap"
)

// ReportUsage records metered usage against an active subscription. The
// event must fall in the current period and the feature must be enabled for
// the customer. Limits are reported by entitlement checks, not enforced here.
func (s *Service) ReportUsage(ctx context.Context, req domain.ReportUsageRequest) (usagedomain.IngestResult, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return usagedomain.IngestResult{}, err
	}
	subID, err := parseID(req.SubscriptionID)
	if err != nil {
		return usagedomain.IngestResult{}, err
	}
	sub, err := s.find(ctx, s.db, orgID, subID)
	if err != nil {
		return usagedomain.IngestResult{}, err
	}
	period, ok := sub.Period()
	if sub.Status != domain.StatusActive || !ok {
		return usagedomain.IngestResult{}, domain.ErrNotActive.WithEntity("subscription", sub.ID.String())
	}

	code := strings.TrimSpace(req.FeatureCode)
	if code == "" {
		return usagedomain.IngestResult{}, domain.ErrInvalidFeature
	}
	feature, err := s.catalog.GetFeatureByCode(ctx, code)
	if err != nil {
		return usagedomain.IngestResult{}, domain.ErrInvalidFeature.Wrap(err)
	}
	if feature.Type != catalogdomain.FeatureMetered {
		return usagedomain.IngestResult{}, domain.ErrInvalidFeature.WithEntity("feature", code)
	}
	if !req.Quantity.IsPositive() {
		return usagedomain.IngestResult{}, domain.ErrInvalidUsage
	}

	ts := s.clock.Now()
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}
	if !period.Contains(ts) {
		return usagedomain.IngestResult{}, domain.ErrUsageOutsidePeriod.WithEntity("subscription", sub.ID.String())
	}

	resolved, err := s.entitlements.Resolve(ctx, sub.CustomerID, &feature.ID)
	if err != nil {
		return usagedomain.IngestResult{}, err
	}
	if len(resolved) == 0 || !resolved[0].Enabled {
		return usagedomain.IngestResult{}, domain.ErrFeatureNotEntitled.WithEntity("feature", code)
	}
	windows := []billingcycle.Period{period}
	if window := billingcycle.CounterWindow(resolved[0].ResetPeriod, period, ts); !window.Start.Equal(period.Start) || !window.End.Equal(period.End) {
		windows = append(windows, window)
	}

	result, err := s.usage.Ingest(ctx, usagedomain.IngestRequest{
		EventID:        req.EventID,
		CustomerID:     sub.CustomerID,
		FeatureID:      feature.ID,
		FeatureCode:    feature.Code,
		SubscriptionID: &sub.ID,
		Quantity:       req.Quantity,
		Timestamp:      ts,
		Windows:        windows,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return usagedomain.IngestResult{}, err
	}
	if result.Duplicate {
		s.log.Debug("duplicate usage event ignored",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("event_id", req.EventID),
		)
	}
	return result, nil
}
