package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	"github.com/smallbiznis/billcore/internal/catalog/domain"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/internal/config"
	"github.com/smallbiznis/billcore/internal/orgcontext"
	"github.com/smallbiznis/billcore/internal/pricing"
	pkgdb "github.com/smallbiznis/billcore/pkg/db"
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
	Billing *config.BillingConfigHolder
	Repo    domain.Repository
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	billing *config.BillingConfigHolder
	repo    domain.Repository
	cache   *definitionCache
}

func New(p Params) (domain.Service, error) {
	cache, err := newDefinitionCache()
	if err != nil {
		return nil, err
	}
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("catalog.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		billing: p.Billing,
		repo:    p.Repo,
		cache:   cache,
	}, nil
}

func (s *Service) CreatePlan(ctx context.Context, req domain.CreatePlanRequest) (domain.Plan, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Plan{}, err
	}

	kind := req.Kind
	if kind == "" {
		kind = domain.KindPlan
	}
	if kind != domain.KindPlan && kind != domain.KindAddon {
		return domain.Plan{}, domain.ErrInvalidKind
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Plan{}, domain.ErrInvalidName
	}

	code, err := normalizeCode(req.Code, name)
	if err != nil {
		return domain.Plan{}, err
	}

	existing, err := s.repo.FindPlanByCode(ctx, s.db, orgID, kind, code)
	if err != nil {
		return domain.Plan{}, err
	}
	if existing != nil {
		return domain.Plan{}, domain.ErrCodeTaken.WithEntity(strings.ToLower(string(kind)), code)
	}

	now := s.clock.Now()
	plan := domain.Plan{
		ID:          s.genID.Generate(),
		OrgID:       orgID,
		Kind:        kind,
		Code:        code,
		Name:        name,
		Description: strings.TrimSpace(req.Description),
		Active:      true,
		Metadata:    datatypes.JSONMap(copyMetadata(req.Metadata)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.InsertPlan(ctx, s.db, &plan); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return domain.Plan{}, domain.ErrCodeTaken
		}
		return domain.Plan{}, err
	}

	s.log.Info("plan created",
		zap.String("plan_id", plan.ID.String()),
		zap.String("kind", string(plan.Kind)),
		zap.String("code", plan.Code),
	)
	return plan, nil
}

func (s *Service) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Plan{}, err
	}
	planID, err := parseID(id)
	if err != nil {
		return domain.Plan{}, err
	}

	plan, err := s.repo.FindPlan(ctx, s.db, orgID, planID)
	if err != nil {
		return domain.Plan{}, err
	}
	if plan == nil {
		return domain.Plan{}, domain.ErrPlanNotFound.WithEntity("plan", id)
	}
	return *plan, nil
}

func (s *Service) ListPlans(ctx context.Context, req domain.ListPlanRequest) ([]domain.Plan, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return nil, err
	}
	if req.Kind != "" && req.Kind != domain.KindPlan && req.Kind != domain.KindAddon {
		return nil, domain.ErrInvalidKind
	}

	items, err := s.repo.ListPlans(ctx, s.db, orgID, req)
	if err != nil {
		return nil, err
	}
	return deref(items), nil
}

func (s *Service) UpdatePlan(ctx context.Context, req domain.UpdatePlanRequest) (domain.Plan, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Plan{}, err
	}
	planID, err := parseID(req.ID)
	if err != nil {
		return domain.Plan{}, err
	}

	var updated domain.Plan
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, err := s.repo.FindPlan(ctx, tx, orgID, planID)
		if err != nil {
			return err
		}
		if plan == nil {
			return domain.ErrPlanNotFound.WithEntity("plan", req.ID)
		}

		if req.Code != nil {
			code, err := normalizeCode(*req.Code, "")
			if err != nil {
				return err
			}
			if code != plan.Code {
				if err := s.ensureUnreferenced(ctx, tx, orgID, planID); err != nil {
					return err
				}
				existing, err := s.repo.FindPlanByCode(ctx, tx, orgID, plan.Kind, code)
				if err != nil {
					return err
				}
				if existing != nil {
					return domain.ErrCodeTaken.WithEntity("plan", code)
				}
				plan.Code = code
			}
		}
		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return domain.ErrInvalidName
			}
			plan.Name = name
		}
		if req.Description != nil {
			plan.Description = strings.TrimSpace(*req.Description)
		}
		if req.Active != nil {
			plan.Active = *req.Active
		}
		if req.Metadata != nil {
			plan.Metadata = datatypes.JSONMap(copyMetadata(*req.Metadata))
		}
		plan.UpdatedAt = s.clock.Now()

		if err := s.repo.UpdatePlan(ctx, tx, plan); err != nil {
			return err
		}
		updated = *plan
		return nil
	})
	if err != nil {
		return domain.Plan{}, err
	}
	return updated, nil
}

func (s *Service) CreatePrice(ctx context.Context, req domain.CreatePriceRequest) (domain.Price, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Price{}, err
	}
	planID, err := parseID(req.PlanID)
	if err != nil {
		return domain.Price{}, err
	}

	plan, err := s.repo.FindPlan(ctx, s.db, orgID, planID)
	if err != nil {
		return domain.Price{}, err
	}
	if plan == nil {
		return domain.Price{}, domain.ErrPlanNotFound.WithEntity("plan", req.PlanID)
	}

	price, err := s.buildPrice(ctx, orgID, req)
	if err != nil {
		return domain.Price{}, err
	}

	if err := s.repo.InsertPrice(ctx, s.db, &price); err != nil {
		return domain.Price{}, err
	}
	s.cache.evictPrices(orgID, planID)

	s.log.Info("price created",
		zap.String("price_id", price.ID.String()),
		zap.String("plan_id", planID.String()),
		zap.String("billing_model", string(price.BillingModel)),
	)
	return price, nil
}

func (s *Service) buildPrice(ctx context.Context, orgID snowflake.ID, req domain.CreatePriceRequest) (domain.Price, error) {
	planID, err := parseID(req.PlanID)
	if err != nil {
		return domain.Price{}, err
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if !s.billing.Get().SupportsCurrency(currency) {
		return domain.Price{}, domain.ErrInvalidCurrency
	}

	price := domain.Price{
		ID:           s.genID.Generate(),
		OrgID:        orgID,
		PlanID:       planID,
		Currency:     currency,
		Cadence:      req.Cadence,
		BillingModel: req.BillingModel,
		Amount:       req.Amount,
		UnitAmount:   req.UnitAmount,
		Active:       true,
		Metadata:     datatypes.JSONMap(copyMetadata(req.Metadata)),
	}

	switch req.Cadence {
	case domain.CadenceRecurring:
		count := req.BillingPeriodCount
		if count == 0 {
			count = 1
		}
		if err := billingcycle.Validate(req.BillingPeriod, count); err != nil {
			return domain.Price{}, err
		}
		price.BillingPeriod = req.BillingPeriod
		price.BillingPeriodCount = count
	case domain.CadenceOneTime:
		price.BillingPeriodCount = 1
	default:
		return domain.Price{}, domain.ErrInvalidCadence
	}

	switch req.BillingModel {
	case pricing.KindFlatFee:
		if req.Amount < 0 {
			return domain.Price{}, pricing.ErrInvalidAmount
		}
	case pricing.KindUsage, pricing.KindTiered:
		if req.Cadence != domain.CadenceRecurring {
			return domain.Price{}, domain.ErrMeteredOneTime
		}
		if req.UnitAmount.IsNegative() {
			return domain.Price{}, pricing.ErrInvalidAmount
		}
		if req.BillingModel == pricing.KindTiered {
			if req.TierMode != pricing.TierModeVolume && req.TierMode != pricing.TierModeGraduated {
				return domain.Price{}, pricing.ErrInvalidTierMode
			}
			if err := pricing.ValidateTiers(req.Tiers); err != nil {
				return domain.Price{}, err
			}
			price.TierMode = req.TierMode
			price.Tiers = datatypes.JSONSlice[pricing.Tier](req.Tiers)
		}
		featureID, err := parseID(req.FeatureID)
		if err != nil {
			return domain.Price{}, domain.ErrInvalidFeature
		}
		feature, err := s.repo.FindFeature(ctx, s.db, orgID, featureID)
		if err != nil {
			return domain.Price{}, err
		}
		if feature == nil || feature.Type != domain.FeatureMetered {
			return domain.Price{}, domain.ErrInvalidFeature
		}
		price.FeatureID = &featureID
	default:
		return domain.Price{}, pricing.ErrInvalidModel
	}

	now := s.clock.Now()
	price.CreatedAt = now
	price.UpdatedAt = now
	return price, nil
}

func (s *Service) GetPrice(ctx context.Context, id string) (domain.Price, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Price{}, err
	}
	priceID, err := parseID(id)
	if err != nil {
		return domain.Price{}, err
	}

	price, err := s.repo.FindPrice(ctx, s.db, orgID, priceID)
	if err != nil {
		return domain.Price{}, err
	}
	if price == nil {
		return domain.Price{}, domain.ErrPriceNotFound.WithEntity("price", id)
	}
	return *price, nil
}

func (s *Service) ListPrices(ctx context.Context, planID string) ([]domain.Price, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseID(planID)
	if err != nil {
		return nil, err
	}

	items, err := s.repo.ListPrices(ctx, s.db, orgID, id)
	if err != nil {
		return nil, err
	}
	return deref(items), nil
}

func (s *Service) UpdatePrice(ctx context.Context, req domain.UpdatePriceRequest) (domain.Price, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Price{}, err
	}
	priceID, err := parseID(req.ID)
	if err != nil {
		return domain.Price{}, err
	}

	var updated domain.Price
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		price, err := s.repo.FindPrice(ctx, tx, orgID, priceID)
		if err != nil {
			return err
		}
		if price == nil {
			return domain.ErrPriceNotFound.WithEntity("price", req.ID)
		}

		if req.Amount != nil && *req.Amount != price.Amount {
			if *req.Amount < 0 {
				return pricing.ErrInvalidAmount
			}
			if err := s.ensureUnreferenced(ctx, tx, orgID, price.PlanID); err != nil {
				return err
			}
			price.Amount = *req.Amount
		}
		if req.Active != nil {
			price.Active = *req.Active
		}
		if req.Metadata != nil {
			price.Metadata = datatypes.JSONMap(copyMetadata(*req.Metadata))
		}
		price.UpdatedAt = s.clock.Now()

		if err := s.repo.UpdatePrice(ctx, tx, price); err != nil {
			return err
		}
		updated = *price
		return nil
	})
	if err != nil {
		return domain.Price{}, err
	}
	s.cache.evictPrices(orgID, updated.PlanID)
	return updated, nil
}

func (s *Service) CreateFeature(ctx context.Context, req domain.CreateFeatureRequest) (domain.Feature, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Feature{}, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Feature{}, domain.ErrInvalidName
	}
	if req.Type != domain.FeatureBoolean && req.Type != domain.FeatureMetered {
		return domain.Feature{}, domain.ErrInvalidFeatureType
	}
	code, err := normalizeCode(req.Code, name)
	if err != nil {
		return domain.Feature{}, err
	}

	existing, err := s.repo.FindFeatureByCode(ctx, s.db, orgID, code)
	if err != nil {
		return domain.Feature{}, err
	}
	if existing != nil {
		return domain.Feature{}, domain.ErrCodeTaken.WithEntity("feature", code)
	}

	now := s.clock.Now()
	feature := domain.Feature{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		Code:      code,
		Name:      name,
		Type:      req.Type,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.InsertFeature(ctx, s.db, &feature); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return domain.Feature{}, domain.ErrCodeTaken
		}
		return domain.Feature{}, err
	}
	return feature, nil
}

func (s *Service) GetFeature(ctx context.Context, id string) (domain.Feature, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Feature{}, err
	}
	featureID, err := parseID(id)
	if err != nil {
		return domain.Feature{}, err
	}

	feature, err := s.repo.FindFeature(ctx, s.db, orgID, featureID)
	if err != nil {
		return domain.Feature{}, err
	}
	if feature == nil {
		return domain.Feature{}, domain.ErrFeatureNotFound.WithEntity("feature", id)
	}
	return *feature, nil
}

func (s *Service) GetFeatureByCode(ctx context.Context, code string) (domain.Feature, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Feature{}, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Feature{}, domain.ErrInvalidCode
	}

	feature, err := s.repo.FindFeatureByCode(ctx, s.db, orgID, code)
	if err != nil {
		return domain.Feature{}, err
	}
	if feature == nil {
		return domain.Feature{}, domain.ErrFeatureNotFound.WithEntity("feature", code)
	}
	return *feature, nil
}

func (s *Service) ListFeatures(ctx context.Context) ([]domain.Feature, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ListFeatures(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	return deref(items), nil
}

func (s *Service) UpdateFeature(ctx context.Context, req domain.UpdateFeatureRequest) (domain.Feature, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Feature{}, err
	}
	featureID, err := parseID(req.ID)
	if err != nil {
		return domain.Feature{}, err
	}

	feature, err := s.repo.FindFeature(ctx, s.db, orgID, featureID)
	if err != nil {
		return domain.Feature{}, err
	}
	if feature == nil {
		return domain.Feature{}, domain.ErrFeatureNotFound.WithEntity("feature", req.ID)
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Feature{}, domain.ErrInvalidName
		}
		feature.Name = name
	}
	feature.UpdatedAt = s.clock.Now()
	if err := s.repo.UpdateFeature(ctx, s.db, feature); err != nil {
		return domain.Feature{}, err
	}
	return *feature, nil
}

func (s *Service) CreateEntitlement(ctx context.Context, req domain.CreateEntitlementRequest) (domain.Entitlement, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Entitlement{}, err
	}
	planID, err := parseID(req.PlanID)
	if err != nil {
		return domain.Entitlement{}, err
	}
	featureID, err := parseID(req.FeatureID)
	if err != nil {
		return domain.Entitlement{}, domain.ErrInvalidFeature
	}

	plan, err := s.repo.FindPlan(ctx, s.db, orgID, planID)
	if err != nil {
		return domain.Entitlement{}, err
	}
	if plan == nil {
		return domain.Entitlement{}, domain.ErrPlanNotFound.WithEntity("plan", req.PlanID)
	}
	feature, err := s.repo.FindFeature(ctx, s.db, orgID, featureID)
	if err != nil {
		return domain.Entitlement{}, err
	}
	if feature == nil {
		return domain.Entitlement{}, domain.ErrFeatureNotFound.WithEntity("feature", req.FeatureID)
	}

	reset := req.UsageResetPeriod
	if reset == "" {
		reset = billingcycle.ResetBillingPeriod
	}
	if err := validateLimit(feature, req.UsageLimit, reset); err != nil {
		return domain.Entitlement{}, err
	}

	existing, err := s.repo.FindEntitlementByPlanFeature(ctx, s.db, orgID, planID, featureID)
	if err != nil {
		return domain.Entitlement{}, err
	}
	if existing != nil {
		return domain.Entitlement{}, domain.ErrEntitlementExists.WithEntity("entitlement", existing.ID.String())
	}

	now := s.clock.Now()
	entitlement := domain.Entitlement{
		ID:               s.genID.Generate(),
		OrgID:            orgID,
		PlanID:           planID,
		FeatureID:        featureID,
		Enabled:          req.Enabled,
		UsageLimit:       req.UsageLimit,
		UsageResetPeriod: reset,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.InsertEntitlement(ctx, s.db, &entitlement); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return domain.Entitlement{}, domain.ErrEntitlementExists
		}
		return domain.Entitlement{}, err
	}
	s.cache.evictEntitlements(orgID, planID)
	return entitlement, nil
}

func (s *Service) ListEntitlements(ctx context.Context, planID string) ([]domain.Entitlement, error) {
	if _, err := orgcontext.Require(ctx); err != nil {
		return nil, err
	}
	id, err := parseID(planID)
	if err != nil {
		return nil, err
	}
	return s.PlanEntitlements(ctx, []snowflake.ID{id})
}

func (s *Service) UpdateEntitlement(ctx context.Context, req domain.UpdateEntitlementRequest) (domain.Entitlement, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Entitlement{}, err
	}
	entitlementID, err := parseID(req.ID)
	if err != nil {
		return domain.Entitlement{}, err
	}

	entitlement, err := s.repo.FindEntitlement(ctx, s.db, orgID, entitlementID)
	if err != nil {
		return domain.Entitlement{}, err
	}
	if entitlement == nil {
		return domain.Entitlement{}, domain.ErrEntitlementNotFound.WithEntity("entitlement", req.ID)
	}
	feature, err := s.repo.FindFeature(ctx, s.db, orgID, entitlement.FeatureID)
	if err != nil {
		return domain.Entitlement{}, err
	}
	if feature == nil {
		return domain.Entitlement{}, domain.ErrFeatureNotFound
	}

	if req.Enabled != nil {
		entitlement.Enabled = *req.Enabled
	}
	if req.Unlimited {
		entitlement.UsageLimit = nil
	} else if req.UsageLimit != nil {
		limit := *req.UsageLimit
		entitlement.UsageLimit = &limit
	}
	if req.UsageResetPeriod != nil {
		entitlement.UsageResetPeriod = *req.UsageResetPeriod
	}
	if err := validateLimit(feature, entitlement.UsageLimit, entitlement.UsageResetPeriod); err != nil {
		return domain.Entitlement{}, err
	}
	entitlement.UpdatedAt = s.clock.Now()

	if err := s.repo.UpdateEntitlement(ctx, s.db, entitlement); err != nil {
		return domain.Entitlement{}, err
	}
	s.cache.evictEntitlements(orgID, entitlement.PlanID)
	return *entitlement, nil
}

func (s *Service) PlanPrices(ctx context.Context, planID snowflake.ID, currency string) ([]domain.Price, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return nil, err
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	key := priceKey(orgID, planID, currency)
	if cached, ok := s.cache.prices.Get(key); ok {
		return append([]domain.Price(nil), cached...), nil
	}

	items, err := s.repo.ListPrices(ctx, s.db, orgID, planID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Price, 0, len(items))
	for _, item := range items {
		if item.Active && item.Currency == currency {
			out = append(out, *item)
		}
	}
	s.cache.prices.Add(key, out)
	return out, nil
}

func (s *Service) PlanEntitlements(ctx context.Context, planIDs []snowflake.ID) ([]domain.Entitlement, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return nil, err
	}

	var out []domain.Entitlement
	var missing []snowflake.ID
	for _, id := range planIDs {
		if cached, ok := s.cache.entitlements.Get(planKey(orgID, id)); ok {
			out = append(out, cached...)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	items, err := s.repo.ListEntitlements(ctx, s.db, orgID, missing)
	if err != nil {
		return nil, err
	}
	byPlan := make(map[snowflake.ID][]domain.Entitlement, len(missing))
	for _, item := range items {
		byPlan[item.PlanID] = append(byPlan[item.PlanID], *item)
	}
	for _, id := range missing {
		list := byPlan[id]
		s.cache.entitlements.Add(planKey(orgID, id), list)
		out = append(out, list...)
	}
	return out, nil
}

func (s *Service) ensureUnreferenced(ctx context.Context, tx *gorm.DB, orgID, planID snowflake.ID) error {
	count, err := s.repo.CountLiveReferences(ctx, tx, orgID, planID)
	if err != nil {
		return err
	}
	if count > 0 {
		return domain.ErrPlanInUse.WithEntity("plan", planID.String())
	}
	return nil
}

func validateLimit(feature *domain.Feature, limit *int64, reset billingcycle.ResetPeriod) error {
	if !reset.Valid() {
		return domain.ErrInvalidResetPeriod
	}
	if limit == nil {
		return nil
	}
	if *limit < 0 || feature.Type != domain.FeatureMetered {
		return domain.ErrInvalidUsageLimit
	}
	return nil
}

// normalizeCode slugs an explicit code, or derives one from fallback.
func normalizeCode(code, fallback string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		code = fallback
	}
	code = slug.Make(code)
	if code == "" || !slug.IsSlug(code) {
		return "", domain.ErrInvalidCode
	}
	return code, nil
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}

func deref[T any](items []*T) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if item != nil {
			out = append(out, *item)
		}
	}
	return out
}

func copyMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if strings.TrimSpace(k) == "" {
			continue
		}
		out[k] = v
	}
	return out
}
