package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	catalogdomain "github.com/smallbiznis/billcore/internal/catalog/domain"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/internal/entitlement/domain"
	"github.com/smallbiznis/billcore/internal/orgcontext"
	usagedomain "github.com/smallbiznis/billcore/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Catalog catalogdomain.Service
	Usage   usagedomain.Service
	Repo    domain.Repository
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	catalog catalogdomain.Service
	usage   usagedomain.Service
	repo    domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("entitlement.service"),
		clock:   p.Clock,
		catalog: p.Catalog,
		usage:   p.Usage,
		repo:    p.Repo,
	}
}

func (s *Service) Resolve(ctx context.Context, customerID snowflake.ID, featureID *snowflake.ID) ([]domain.Resolved, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return nil, err
	}
	if customerID == 0 {
		return nil, domain.ErrInvalidCustomer
	}

	sources, err := s.repo.ActiveSources(ctx, s.db, orgID, customerID)
	if err != nil {
		return nil, err
	}

	var grants []domain.Grant
	if len(sources) > 0 {
		productIDs := lo.Uniq(lo.Map(sources, func(src domain.Source, _ int) snowflake.ID { return src.ProductID }))
		entitlements, err := s.catalog.PlanEntitlements(ctx, productIDs)
		if err != nil {
			return nil, err
		}
		byProduct := lo.GroupBy(entitlements, func(e catalogdomain.Entitlement) snowflake.ID { return e.PlanID })

		for _, src := range sources {
			for _, ent := range byProduct[src.ProductID] {
				if featureID != nil && ent.FeatureID != *featureID {
					continue
				}
				grants = append(grants, domain.Grant{
					SubscriptionID: src.SubscriptionID,
					ProductID:      src.ProductID,
					FeatureID:      ent.FeatureID,
					Enabled:        ent.Enabled,
					UsageLimit:     ent.UsageLimit,
					ResetPeriod:    ent.UsageResetPeriod,
					Quantity:       src.Quantity,
					BillingPeriod:  periodOf(src),
				})
			}
		}
	}

	resolved := domain.Resolve(grants)
	if featureID != nil && len(resolved) == 0 {
		resolved = []domain.Resolved{{FeatureID: *featureID}}
	}
	return resolved, nil
}

func (s *Service) Check(ctx context.Context, req domain.CheckRequest) (domain.CheckResult, error) {
	customerID, err := snowflake.ParseString(strings.TrimSpace(req.CustomerID))
	if err != nil || customerID == 0 {
		return domain.CheckResult{}, domain.ErrInvalidCustomer
	}
	code := strings.TrimSpace(req.FeatureCode)
	if code == "" {
		return domain.CheckResult{}, domain.ErrInvalidFeature
	}
	quantity := req.Quantity
	if quantity.IsNegative() {
		return domain.CheckResult{}, domain.ErrInvalidQuantity
	}
	if quantity.IsZero() {
		quantity = decimal.NewFromInt(1)
	}
	at := req.At
	if at.IsZero() {
		at = s.clock.Now()
	}

	feature, err := s.catalog.GetFeatureByCode(ctx, code)
	if err != nil {
		return domain.CheckResult{}, err
	}

	resolved, err := s.Resolve(ctx, customerID, &feature.ID)
	if err != nil {
		return domain.CheckResult{}, err
	}
	ent := resolved[0]

	result := domain.CheckResult{
		FeatureID:   feature.ID,
		FeatureCode: feature.Code,
		Enabled:     ent.Enabled,
		UsageLimit:  ent.UsageLimit,
		Used:        decimal.Zero,
		ResetPeriod: ent.ResetPeriod,
	}
	if !ent.Enabled {
		return result, nil
	}
	if feature.Type != catalogdomain.FeatureMetered {
		result.Allowed = true
		return result, nil
	}

	result.Window = ent.CounterWindow(at)
	used, err := s.usage.Current(ctx, customerID, feature.ID, result.Window)
	if err != nil {
		return domain.CheckResult{}, err
	}
	result.Used = used

	if ent.UsageLimit == nil {
		result.Allowed = true
		return result, nil
	}
	limit := decimal.NewFromInt(*ent.UsageLimit)
	remaining := decimal.Max(limit.Sub(used), decimal.Zero)
	result.Remaining = &remaining
	result.Allowed = used.Add(quantity).LessThanOrEqual(limit)

	s.log.Debug("entitlement checked",
		zap.String("customer_id", customerID.String()),
		zap.String("feature_code", feature.Code),
		zap.Bool("allowed", result.Allowed),
	)
	return result, nil
}

func periodOf(src domain.Source) billingcycle.Period {
	return billingcycle.Period{Start: src.PeriodStart.UTC(), End: src.PeriodEnd.UTC()}
}
