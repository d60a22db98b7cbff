package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/billcore/internal/audit/domain"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	catalogdomain "github.com/smallbiznis/billcore/internal/catalog/domain"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/internal/config"
	creditgrantdomain "github.com/smallbiznis/billcore/internal/creditgrant/domain"
	customerdomain "github.com/smallbiznis/billcore/internal/customer/domain"
	entitlementdomain "github.com/smallbiznis/billcore/internal/entitlement/domain"
	"github.com/smallbiznis/billcore/internal/events"
	"github.com/smallbiznis/billcore/internal/idempotency"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	"github.com/smallbiznis/billcore/internal/locker"
	"github.com/smallbiznis/billcore/internal/observability/metrics"
	"github.com/smallbiznis/billcore/internal/orgcontext"
	"github.com/smallbiznis/billcore/internal/proration"
	"github.com/smallbiznis/billcore/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/billcore/internal/usage/domain"
	walletdomain "github.com/smallbiznis/billcore/internal/wallet/domain"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// maxRenewals bounds how many elapsed periods one Renew call closes.
const maxRenewals = 36

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Billing      *config.BillingConfigHolder
	Locker       locker.Locker
	Outbox       *events.Outbox
	Audit        auditdomain.Service
	Idempotency  *idempotency.Store
	Customers    customerdomain.Service
	Catalog      catalogdomain.Service
	Entitlements entitlementdomain.Service
	Usage        usagedomain.Service
	Invoices     invoicedomain.Service
	Wallets      walletdomain.Service
	CreditGrants creditgrantdomain.Service
	Metrics      *metrics.Metrics `optional:"true"`
	Repo         domain.Repository
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	billing      *config.BillingConfigHolder
	locker       locker.Locker
	outbox       *events.Outbox
	audit        auditdomain.Service
	idempotency  *idempotency.Store
	customers    customerdomain.Service
	catalog      catalogdomain.Service
	entitlements entitlementdomain.Service
	usage        usagedomain.Service
	invoices     invoicedomain.Service
	wallets      walletdomain.Service
	creditGrants creditgrantdomain.Service
	metrics      *metrics.Metrics
	repo         domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("subscription.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		billing:      p.Billing,
		locker:       p.Locker,
		outbox:       p.Outbox,
		audit:        p.Audit,
		idempotency:  p.Idempotency,
		customers:    p.Customers,
		catalog:      p.Catalog,
		entitlements: p.Entitlements,
		usage:        p.Usage,
		invoices:     p.Invoices,
		wallets:      p.Wallets,
		creditGrants: p.CreditGrants,
		metrics:      p.Metrics,
		repo:         p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateSubscriptionRequest) (domain.Subscription, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Subscription{}, err
	}

	customer, err := s.customers.GetByID(ctx, req.CustomerID)
	if err != nil {
		return domain.Subscription{}, domain.ErrInvalidCustomer.Wrap(err)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = customer.Currency
	}
	if !s.billing.Get().SupportsCurrency(currency) {
		return domain.Subscription{}, domain.ErrInvalidCurrency
	}

	plan, err := s.product(ctx, req.PlanID, catalogdomain.KindPlan)
	if err != nil {
		return domain.Subscription{}, err
	}
	prices, err := s.catalog.PlanPrices(ctx, plan.ID, currency)
	if err != nil {
		return domain.Subscription{}, err
	}

	unit, count := req.BillingPeriod, req.BillingPeriodCount
	if count == 0 {
		count = 1
	}
	if unit == "" {
		price, ok := defaultTerms(prices)
		if !ok {
			return domain.Subscription{}, domain.ErrNoRecurringPrice.WithEntity("plan", plan.ID.String())
		}
		unit, count = price.BillingPeriod, max(price.BillingPeriodCount, 1)
	}
	if err := billingcycle.Validate(unit, count); err != nil {
		return domain.Subscription{}, domain.ErrInvalidBillingPeriod.Wrap(err)
	}
	if !hasRecurring(termsPrices(prices, unit, count)) {
		return domain.Subscription{}, domain.ErrNoRecurringPrice.WithEntity("plan", plan.ID.String())
	}

	anchor := req.BillingCycleAnchor
	if anchor == "" {
		anchor = billingcycle.AnchorAnniversary
	}
	if !anchor.Valid() {
		return domain.Subscription{}, domain.ErrInvalidAnchor
	}
	behavior := req.ProrationBehavior
	if behavior == "" {
		behavior = proration.BehaviorCreateProrations
	}
	if !behavior.Valid() {
		return domain.Subscription{}, domain.ErrInvalidProration
	}
	method := req.CollectionMethod
	if method == "" {
		method = invoicedomain.CollectionMethod(s.billing.Get().DefaultCollectionMethod)
	}
	if !method.Valid() {
		return domain.Subscription{}, domain.ErrInvalidCollectionMethod
	}

	addons, err := s.addonInputs(ctx, req.Addons)
	if err != nil {
		return domain.Subscription{}, err
	}

	return idempotency.Run(ctx, s.idempotency, s.db, orgID, "subscription.create", req.IdempotencyKey, req,
		func(tx *gorm.DB) (domain.Subscription, error) {
			now := s.clock.Now()
			sub := domain.Subscription{
				ID:                 s.genID.Generate(),
				OrgID:              orgID,
				CustomerID:         customer.ID,
				PlanID:             plan.ID,
				Currency:           currency,
				BillingPeriod:      unit,
				BillingPeriodCount: count,
				BillingCycleAnchor: anchor,
				Status:             domain.StatusDraft,
				ProrationBehavior:  behavior,
				CollectionMethod:   method,
				AllowOverlap:       req.AllowOverlap,
				Version:            1,
				Metadata:           datatypes.JSONMap(copyMetadata(req.Metadata)),
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			if err := s.repo.Insert(ctx, tx, &sub); err != nil {
				return domain.Subscription{}, err
			}
			for i := range addons {
				addons[i].ID = s.genID.Generate()
				addons[i].OrgID = orgID
				addons[i].SubscriptionID = sub.ID
				addons[i].AddedAt = now
				addons[i].CreatedAt = now
				addons[i].UpdatedAt = now
			}
			if err := s.repo.InsertAddons(ctx, tx, addons); err != nil {
				return domain.Subscription{}, err
			}
			sub.Addons = addons
			if sub.Addons == nil {
				sub.Addons = []domain.Addon{}
			}
			if err := s.record(ctx, tx, sub, "subscription.create", "", nil); err != nil {
				return domain.Subscription{}, err
			}
			s.log.Info("subscription created",
				zap.String("subscription_id", sub.ID.String()),
				zap.String("customer_id", sub.CustomerID.String()),
				zap.String("plan_id", sub.PlanID.String()),
			)
			return sub, nil
		})
}

// addonInputs validates the addons requested at creation. Each addon may
// appear once.
func (s *Service) addonInputs(ctx context.Context, inputs []domain.AddonInput) ([]domain.Addon, error) {
	seen := make(map[snowflake.ID]struct{}, len(inputs))
	out := make([]domain.Addon, 0, len(inputs))
	for _, in := range inputs {
		addon, err := s.product(ctx, in.AddonID, catalogdomain.KindAddon)
		if err != nil {
			return nil, err
		}
		qty := in.Quantity
		if qty == 0 {
			qty = 1
		}
		if qty < 1 {
			return nil, domain.ErrInvalidQuantity
		}
		if _, dup := seen[addon.ID]; dup {
			return nil, domain.ErrInvalidAddon.WithEntity("addon", addon.ID.String())
		}
		seen[addon.ID] = struct{}{}
		out = append(out, domain.Addon{AddonID: addon.ID, Quantity: qty})
	}
	return out, nil
}

// product loads an active plan or addon of the given kind.
func (s *Service) product(ctx context.Context, id string, kind catalogdomain.PlanKind) (catalogdomain.Plan, error) {
	invalid := domain.ErrInvalidPlan
	if kind == catalogdomain.KindAddon {
		invalid = domain.ErrInvalidAddon
	}
	plan, err := s.catalog.GetPlan(ctx, id)
	if err != nil {
		return catalogdomain.Plan{}, invalid.Wrap(err)
	}
	if plan.Kind != kind || !plan.Active {
		return catalogdomain.Plan{}, invalid.WithEntity(strings.ToLower(string(kind)), id)
	}
	return plan, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Subscription, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Subscription{}, err
	}
	subID, err := parseID(id)
	if err != nil {
		return domain.Subscription{}, err
	}
	return s.find(ctx, s.db, orgID, subID)
}

func (s *Service) List(ctx context.Context, req domain.ListSubscriptionRequest) (domain.ListSubscriptionResponse, error) {
	return s.list(ctx, req)
}

func (s *Service) Search(ctx context.Context, req domain.ListSubscriptionRequest) (domain.ListSubscriptionResponse, error) {
	return s.list(ctx, req)
}

func (s *Service) list(ctx context.Context, req domain.ListSubscriptionRequest) (domain.ListSubscriptionResponse, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.ListSubscriptionResponse{}, err
	}

	filter := domain.ListSubscriptionFilter{
		Status:      req.Status,
		CreatedFrom: req.CreatedFrom,
		CreatedTo:   req.CreatedTo,
	}
	if strings.TrimSpace(req.CustomerID) != "" {
		if filter.CustomerID, err = parseID(req.CustomerID); err != nil {
			return domain.ListSubscriptionResponse{}, domain.ErrInvalidCustomer
		}
	}
	if strings.TrimSpace(req.PlanID) != "" {
		if filter.PlanID, err = parseID(req.PlanID); err != nil {
			return domain.ListSubscriptionResponse{}, domain.ErrInvalidPlan
		}
	}

	pageSize := pagination.Normalize(req.PageSize)
	items, err := s.repo.List(ctx, s.db, orgID, filter, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  int(pageSize),
	})
	if err != nil {
		return domain.ListSubscriptionResponse{}, err
	}
	subs, info := pagination.Trim(items, pageSize, func(sub *domain.Subscription) string {
		return pagination.CursorFor(sub.ID.String(), sub.CreatedAt)
	})
	return domain.ListSubscriptionResponse{PageInfo: info, Subscriptions: subs}, nil
}

func (s *Service) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error) {
	subs, err := s.repo.ListDue(ctx, s.db, now, limit)
	if err != nil {
		return nil, err
	}
	due := subs[:0]
	for _, sub := range subs {
		if domain.IsDue(sub, now) {
			due = append(due, sub)
		}
	}
	return due, nil
}

func (s *Service) find(ctx context.Context, db *gorm.DB, orgID, subID snowflake.ID) (domain.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, db, orgID, subID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if sub == nil {
		return domain.Subscription{}, domain.ErrNotFound.WithEntity("subscription", subID.String())
	}
	return *sub, nil
}

func (s *Service) forUpdate(ctx context.Context, tx *gorm.DB, orgID, subID snowflake.ID) (*domain.Subscription, error) {
	sub, err := s.repo.FindByIDForUpdate(ctx, tx, orgID, subID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, domain.ErrNotFound.WithEntity("subscription", subID.String())
	}
	return sub, nil
}

// acquire locks a subscription together with its customer's wallet in the
// subscription currency and returns the subscription as read under the
// locks.
func (s *Service) acquire(ctx context.Context, id string) (snowflake.ID, domain.Subscription, func(), error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return 0, domain.Subscription{}, nil, err
	}
	subID, err := parseID(id)
	if err != nil {
		return 0, domain.Subscription{}, nil, err
	}
	sub, err := s.find(ctx, s.db, orgID, subID)
	if err != nil {
		return 0, domain.Subscription{}, nil, err
	}

	keys := []string{domain.LockKey(sub.ID)}
	wallet, err := s.wallets.FindForCustomerTx(ctx, s.db, orgID, sub.CustomerID, sub.Currency)
	if err != nil {
		return 0, domain.Subscription{}, nil, err
	}
	if wallet != nil {
		keys = append(keys, walletdomain.LockKey(wallet.ID))
	}
	unlock, err := s.locker.Lock(ctx, keys...)
	if err != nil {
		return 0, domain.Subscription{}, nil, err
	}

	sub, err = s.find(ctx, s.db, orgID, subID)
	if err != nil {
		unlock()
		return 0, domain.Subscription{}, nil, err
	}
	return orgID, sub, unlock, nil
}

func (s *Service) save(ctx context.Context, tx *gorm.DB, sub *domain.Subscription) error {
	sub.UpdatedAt = s.clock.Now()
	ok, err := s.repo.Update(ctx, tx, sub)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrConcurrentUpdate.WithEntity("subscription", sub.ID.String())
	}
	return nil
}

func (s *Service) checkOverlap(ctx context.Context, tx *gorm.DB, sub domain.Subscription, planID snowflake.ID) error {
	if sub.AllowOverlap {
		return nil
	}
	live, err := s.repo.CountLive(ctx, tx, sub.OrgID, sub.CustomerID, planID, sub.ID)
	if err != nil {
		return err
	}
	if live > 0 {
		return domain.ErrOverlap.WithEntity("subscription", sub.ID.String())
	}
	return nil
}

func (s *Service) record(ctx context.Context, tx *gorm.DB, sub domain.Subscription, action string, from domain.Status, extra map[string]any) error {
	metadata := map[string]any{
		"customer_id": sub.CustomerID.String(),
		"plan_id":     sub.PlanID.String(),
	}
	if period, ok := sub.Period(); ok {
		metadata["current_period_start"] = period.Start.Format(time.RFC3339)
		metadata["current_period_end"] = period.End.Format(time.RFC3339)
	}
	for k, v := range extra {
		metadata[k] = v
	}
	return s.audit.Record(ctx, tx, auditdomain.Entry{
		OrgID:      sub.OrgID,
		Action:     action,
		TargetType: "subscription",
		TargetID:   sub.ID.String(),
		From:       string(from),
		To:         string(sub.Status),
		Metadata:   metadata,
	})
}

// publish writes a subscription event to the outbox. An empty dedupeKey
// lets the event repeat.
func (s *Service) publish(ctx context.Context, tx *gorm.DB, eventType, dedupeKey string, sub domain.Subscription, extra map[string]any) error {
	payload := map[string]any{
		"subscription_id": sub.ID.String(),
		"customer_id":     sub.CustomerID.String(),
		"plan_id":         sub.PlanID.String(),
		"status":          string(sub.Status),
	}
	if period, ok := sub.Period(); ok {
		payload["current_period_start"] = period.Start.Format(time.RFC3339)
		payload["current_period_end"] = period.End.Format(time.RFC3339)
	}
	for k, v := range extra {
		payload[k] = v
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		OrgID:         sub.OrgID,
		Type:          eventType,
		AggregateType: "subscription",
		AggregateID:   sub.ID.String(),
		Payload:       payload,
		DedupeKey:     dedupeKey,
	})
}

func (s *Service) transitioned(ctx context.Context, sub domain.Subscription, from domain.Status, msg string) {
	if from != sub.Status {
		s.metrics.RecordSubscriptionTransition(ctx, string(from), string(sub.Status))
	}
	s.log.Info(msg,
		zap.String("subscription_id", sub.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(sub.Status)),
	)
}

func grantTarget(sub domain.Subscription, period billingcycle.Period) creditgrantdomain.Target {
	planIDs := []snowflake.ID{sub.PlanID}
	for _, addon := range sub.ActiveAddons() {
		planIDs = append(planIDs, addon.AddonID)
	}
	return creditgrantdomain.Target{
		OrgID:          sub.OrgID,
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		Currency:       sub.Currency,
		PlanIDs:        planIDs,
		Period:         period,
	}
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
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
