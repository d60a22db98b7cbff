package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/internal/observability/metrics"
	"github.com/smallbiznis/billcore/internal/orgcontext"
	"github.com/smallbiznis/billcore/internal/usage/domain"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`
	Repo    domain.Repository
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	metrics *metrics.Metrics
	repo    domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("usage.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		metrics: p.Metrics,
		repo:    p.Repo,
	}
}

func (s *Service) Ingest(ctx context.Context, req domain.IngestRequest) (domain.IngestResult, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.IngestResult{}, err
	}

	eventID := strings.TrimSpace(req.EventID)
	switch {
	case eventID == "":
		return domain.IngestResult{}, domain.ErrInvalidEventID
	case req.CustomerID == 0:
		return domain.IngestResult{}, domain.ErrInvalidCustomer
	case req.FeatureID == 0:
		return domain.IngestResult{}, domain.ErrInvalidFeature
	case req.Quantity.IsNegative():
		return domain.IngestResult{}, domain.ErrInvalidQuantity
	}

	windows, err := normalizeWindows(req.Windows)
	if err != nil {
		return domain.IngestResult{}, err
	}

	now := s.clock.Now()
	timestamp := req.Timestamp.UTC()
	if req.Timestamp.IsZero() {
		timestamp = now
	}

	event := domain.Event{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		EventID:        eventID,
		CustomerID:     req.CustomerID,
		FeatureID:      req.FeatureID,
		SubscriptionID: req.SubscriptionID,
		Quantity:       req.Quantity,
		Timestamp:      timestamp,
		CreatedAt:      now,
	}
	if len(req.Metadata) > 0 {
		event.Metadata = datatypes.JSONMap(req.Metadata)
	}

	var result domain.IngestResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.InsertEvent(ctx, tx, &event)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := s.repo.FindEvent(ctx, tx, orgID, eventID)
			if err != nil {
				return err
			}
			if existing == nil {
				return domain.ErrEventConflict.WithEntity("usage_event", eventID)
			}
			result = domain.IngestResult{Event: *existing, Duplicate: true}
			return nil
		}

		for _, window := range windows {
			if err := s.accumulate(ctx, tx, domain.CounterKey{
				OrgID:       orgID,
				CustomerID:  req.CustomerID,
				FeatureID:   req.FeatureID,
				PeriodStart: window.Start,
				PeriodEnd:   window.End,
			}, req.Quantity, now); err != nil {
				return err
			}
		}
		result = domain.IngestResult{Event: event}
		return nil
	})
	if err != nil {
		return domain.IngestResult{}, err
	}

	featureLabel := req.FeatureCode
	if featureLabel == "" {
		featureLabel = req.FeatureID.String()
	}
	s.metrics.RecordUsageIngest(ctx, featureLabel, result.Duplicate)
	if result.Duplicate {
		s.log.Debug("duplicate usage event ignored", zap.String("event_id", eventID))
	}
	return result, nil
}

func (s *Service) accumulate(ctx context.Context, tx *gorm.DB, key domain.CounterKey, quantity decimal.Decimal, now time.Time) error {
	counter, err := s.lockCounter(ctx, tx, key, now)
	if err != nil {
		return err
	}
	counter.Quantity = counter.Quantity.Add(quantity)
	counter.UpdatedAt = now
	return s.repo.UpdateCounter(ctx, tx, counter)
}

// lockCounter returns the counter row for key, creating it on first use.
func (s *Service) lockCounter(ctx context.Context, tx *gorm.DB, key domain.CounterKey, now time.Time) (*domain.Counter, error) {
	if err := s.repo.EnsureCounter(ctx, tx, &domain.Counter{
		ID:          s.genID.Generate(),
		OrgID:       key.OrgID,
		CustomerID:  key.CustomerID,
		FeatureID:   key.FeatureID,
		PeriodStart: key.PeriodStart,
		PeriodEnd:   key.PeriodEnd,
		Quantity:    decimal.Zero,
		Snapshot:    decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		return nil, err
	}
	counter, err := s.repo.FindCounterForUpdate(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if counter == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return counter, nil
}

func (s *Service) Current(ctx context.Context, customerID, featureID snowflake.ID, window billingcycle.Period) (decimal.Decimal, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if !window.Valid() {
		return decimal.Zero, domain.ErrInvalidWindow
	}
	counter, err := s.repo.FindCounter(ctx, s.db, domain.CounterKey{
		OrgID:       orgID,
		CustomerID:  customerID,
		FeatureID:   featureID,
		PeriodStart: window.Start.UTC(),
		PeriodEnd:   window.End.UTC(),
	})
	if err != nil {
		return decimal.Zero, err
	}
	if counter == nil {
		return decimal.Zero, nil
	}
	return counter.Quantity, nil
}

func (s *Service) Snapshot(ctx context.Context, customerID, featureID snowflake.ID, window billingcycle.Period) (decimal.Decimal, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	var out decimal.Decimal
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.SnapshotTx(ctx, tx, orgID, customerID, featureID, window)
		return err
	})
	return out, err
}

func (s *Service) SnapshotTx(ctx context.Context, tx *gorm.DB, orgID, customerID, featureID snowflake.ID, window billingcycle.Period) (decimal.Decimal, error) {
	if !window.Valid() {
		return decimal.Zero, domain.ErrInvalidWindow
	}
	key := domain.CounterKey{
		OrgID:       orgID,
		CustomerID:  customerID,
		FeatureID:   featureID,
		PeriodStart: window.Start.UTC(),
		PeriodEnd:   window.End.UTC(),
	}
	counter, err := s.repo.FindCounterForUpdate(ctx, tx, key)
	if err != nil {
		return decimal.Zero, err
	}
	if counter == nil {
		return decimal.Zero, nil
	}

	if counter.Quantity.GreaterThan(counter.Snapshot) {
		counter.Snapshot = counter.Quantity
	}
	now := s.clock.Now()
	counter.SnapshotAt = &now
	counter.UpdatedAt = now
	if err := s.repo.UpdateCounter(ctx, tx, counter); err != nil {
		return decimal.Zero, err
	}
	return counter.Snapshot, nil
}

func (s *Service) ListEvents(ctx context.Context, req domain.ListEventsRequest) (domain.ListEventsResponse, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.ListEventsResponse{}, err
	}

	filter := domain.ListEventFilter{From: req.From, To: req.To}
	if filter.CustomerID, err = optionalID(req.CustomerID, domain.ErrInvalidCustomer); err != nil {
		return domain.ListEventsResponse{}, err
	}
	if filter.FeatureID, err = optionalID(req.FeatureID, domain.ErrInvalidFeature); err != nil {
		return domain.ListEventsResponse{}, err
	}
	if filter.SubscriptionID, err = optionalID(req.SubscriptionID, domain.ErrInvalidSubscription); err != nil {
		return domain.ListEventsResponse{}, err
	}

	pageSize := pagination.Normalize(req.PageSize)
	items, err := s.repo.ListEvents(ctx, s.db, orgID, filter, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  int(pageSize),
	})
	if err != nil {
		return domain.ListEventsResponse{}, err
	}
	events, info := pagination.Trim(items, pageSize, func(e *domain.Event) string {
		return pagination.CursorFor(e.ID.String(), e.CreatedAt)
	})
	return domain.ListEventsResponse{PageInfo: info, Events: events}, nil
}

func normalizeWindows(in []billingcycle.Period) ([]billingcycle.Period, error) {
	if len(in) == 0 {
		return nil, domain.ErrInvalidWindow
	}
	out := make([]billingcycle.Period, 0, len(in))
	seen := make(map[[2]int64]struct{}, len(in))
	for _, w := range in {
		if !w.Valid() {
			return nil, domain.ErrInvalidWindow
		}
		w = billingcycle.Period{Start: w.Start.UTC(), End: w.End.UTC()}
		k := [2]int64{w.Start.UnixNano(), w.End.UnixNano()}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, w)
	}
	return out, nil
}

func optionalID(value string, invalid error) (snowflake.ID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	id, err := snowflake.ParseString(value)
	if err != nil || id == 0 {
		return 0, invalid
	}
	return id, nil
}
