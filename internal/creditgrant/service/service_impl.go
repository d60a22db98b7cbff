package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/billcore/internal/audit/domain"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	catalogdomain "github.com/smallbiznis/billcore/internal/catalog/domain"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/internal/config"
	"github.com/smallbiznis/billcore/internal/creditgrant/domain"
	"github.com/smallbiznis/billcore/internal/events"
	"github.com/smallbiznis/billcore/internal/idempotency"
	"github.com/smallbiznis/billcore/internal/locker"
	"github.com/smallbiznis/billcore/internal/orgcontext"
	walletdomain "github.com/smallbiznis/billcore/internal/wallet/domain"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const expiryBatchSize = 100

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Billing     *config.BillingConfigHolder
	Locker      locker.Locker
	Outbox      *events.Outbox
	Audit       auditdomain.Service
	Idempotency *idempotency.Store
	Catalog     catalogdomain.Service
	Wallets     walletdomain.Service
	Repo        domain.Repository
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	billing     *config.BillingConfigHolder
	locker      locker.Locker
	outbox      *events.Outbox
	audit       auditdomain.Service
	idempotency *idempotency.Store
	catalog     catalogdomain.Service
	wallets     walletdomain.Service
	repo        domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("creditgrant.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		billing:     p.Billing,
		locker:      p.Locker,
		outbox:      p.Outbox,
		audit:       p.Audit,
		idempotency: p.Idempotency,
		catalog:     p.Catalog,
		wallets:     p.Wallets,
		repo:        p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateCreditGrantRequest) (domain.CreditGrant, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.CreditGrant{}, err
	}

	grant, err := s.build(ctx, orgID, req)
	if err != nil {
		return domain.CreditGrant{}, err
	}

	return idempotency.Run(ctx, s.idempotency, s.db, orgID, "creditgrant.create", req.IdempotencyKey, req,
		func(tx *gorm.DB) (domain.CreditGrant, error) {
			grant.ID = s.genID.Generate()
			if err := s.repo.Insert(ctx, tx, &grant); err != nil {
				return domain.CreditGrant{}, err
			}
			if err := s.audit.Record(ctx, tx, auditdomain.Entry{
				OrgID:      orgID,
				Action:     "credit_grant.create",
				TargetType: "credit_grant",
				TargetID:   grant.ID.String(),
				To:         string(grant.Status),
				Metadata: map[string]any{
					"scope":   string(grant.Scope),
					"amount":  grant.Amount,
					"cadence": string(grant.Cadence),
				},
			}); err != nil {
				return domain.CreditGrant{}, err
			}
			s.log.Info("credit grant created",
				zap.String("grant_id", grant.ID.String()),
				zap.String("scope", string(grant.Scope)),
				zap.Int64("amount", grant.Amount),
			)
			return grant, nil
		})
}

func (s *Service) build(ctx context.Context, orgID snowflake.ID, req domain.CreateCreditGrantRequest) (domain.CreditGrant, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.CreditGrant{}, domain.ErrInvalidName
	}
	if req.Amount <= 0 {
		return domain.CreditGrant{}, domain.ErrInvalidAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if !s.billing.Get().SupportsCurrency(currency) {
		return domain.CreditGrant{}, domain.ErrInvalidCurrency
	}

	now := s.clock.Now()
	grant := domain.CreditGrant{
		OrgID:        orgID,
		Name:         name,
		Scope:        req.Scope,
		Amount:       req.Amount,
		Currency:     currency,
		Cadence:      req.Cadence,
		PeriodCount:  1,
		ExpiryPolicy: req.ExpiryPolicy,
		Status:       domain.StatusActive,
		Metadata:     datatypes.JSONMap(copyMetadata(req.Metadata)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	switch req.Scope {
	case domain.ScopePlan:
		plan, err := s.catalog.GetPlan(ctx, req.PlanID)
		if err != nil {
			return domain.CreditGrant{}, domain.ErrInvalidPlan.Wrap(err)
		}
		grant.PlanID = &plan.ID
	case domain.ScopeSubscription:
		subscriptionID, err := parseID(req.SubscriptionID)
		if err != nil {
			return domain.CreditGrant{}, domain.ErrInvalidSubscription
		}
		grant.SubscriptionID = &subscriptionID
	default:
		return domain.CreditGrant{}, domain.ErrInvalidScope
	}

	switch req.Cadence {
	case domain.CadenceOneTime:
	case domain.CadenceRecurring:
		count := req.PeriodCount
		if count == 0 {
			count = 1
		}
		if err := billingcycle.Validate(req.Period, count); err != nil {
			return domain.CreditGrant{}, err
		}
		grant.Period = req.Period
		grant.PeriodCount = count
	default:
		return domain.CreditGrant{}, domain.ErrInvalidCadence
	}

	switch req.ExpiryPolicy {
	case "", domain.ExpiryNever:
		grant.ExpiryPolicy = domain.ExpiryNever
	case domain.ExpiryDuration:
		if req.ExpiryDuration <= 0 || !req.ExpiryUnit.Valid() {
			return domain.CreditGrant{}, domain.ErrInvalidExpiry
		}
		grant.ExpiryDuration = req.ExpiryDuration
		grant.ExpiryUnit = req.ExpiryUnit
	default:
		return domain.CreditGrant{}, domain.ErrInvalidExpiry
	}
	return grant, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.CreditGrant, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.CreditGrant{}, err
	}
	grantID, err := parseID(id)
	if err != nil {
		return domain.CreditGrant{}, err
	}
	grant, err := s.repo.FindByID(ctx, s.db, orgID, grantID)
	if err != nil {
		return domain.CreditGrant{}, err
	}
	if grant == nil {
		return domain.CreditGrant{}, domain.ErrNotFound.WithEntity("credit_grant", id)
	}
	return *grant, nil
}

func (s *Service) List(ctx context.Context, req domain.ListCreditGrantRequest) (domain.ListCreditGrantResponse, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.ListCreditGrantResponse{}, err
	}

	filter := domain.ListCreditGrantFilter{Scope: req.Scope, Status: req.Status}
	if strings.TrimSpace(req.PlanID) != "" {
		planID, err := parseID(req.PlanID)
		if err != nil {
			return domain.ListCreditGrantResponse{}, domain.ErrInvalidPlan
		}
		filter.PlanID = planID
	}
	if strings.TrimSpace(req.SubscriptionID) != "" {
		subscriptionID, err := parseID(req.SubscriptionID)
		if err != nil {
			return domain.ListCreditGrantResponse{}, domain.ErrInvalidSubscription
		}
		filter.SubscriptionID = subscriptionID
	}

	pageSize := pagination.Normalize(req.PageSize)
	items, err := s.repo.List(ctx, s.db, orgID, filter, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  int(pageSize),
	})
	if err != nil {
		return domain.ListCreditGrantResponse{}, err
	}
	grants, info := pagination.Trim(items, pageSize, func(g *domain.CreditGrant) string {
		return pagination.CursorFor(g.ID.String(), g.CreatedAt)
	})
	return domain.ListCreditGrantResponse{PageInfo: info, CreditGrants: grants}, nil
}

func (s *Service) Update(ctx context.Context, req domain.UpdateCreditGrantRequest) (domain.CreditGrant, error) {
	grant, err := s.Get(ctx, req.ID)
	if err != nil {
		return domain.CreditGrant{}, err
	}
	if grant.Status == domain.StatusArchived {
		return domain.CreditGrant{}, domain.ErrArchived.WithEntity("credit_grant", req.ID)
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.CreditGrant{}, domain.ErrInvalidName
		}
		grant.Name = name
	}
	if req.Metadata != nil {
		grant.Metadata = datatypes.JSONMap(copyMetadata(*req.Metadata))
	}
	return s.save(ctx, grant, "credit_grant.update", grant.Status)
}

func (s *Service) Delete(ctx context.Context, id string) (domain.CreditGrant, error) {
	grant, err := s.Get(ctx, id)
	if err != nil {
		return domain.CreditGrant{}, err
	}
	if grant.Status == domain.StatusArchived {
		return grant, nil
	}
	from := grant.Status
	grant.Status = domain.StatusArchived
	return s.save(ctx, grant, "credit_grant.archive", from)
}

func (s *Service) save(ctx context.Context, grant domain.CreditGrant, action string, from domain.Status) (domain.CreditGrant, error) {
	grant.UpdatedAt = s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Update(ctx, tx, &grant); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, auditdomain.Entry{
			OrgID:      grant.OrgID,
			Action:     action,
			TargetType: "credit_grant",
			TargetID:   grant.ID.String(),
			From:       string(from),
			To:         string(grant.Status),
		})
	})
	if err != nil {
		return domain.CreditGrant{}, err
	}
	return grant, nil
}

func (s *Service) Applications(ctx context.Context, subscriptionID string) ([]domain.Application, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseID(subscriptionID)
	if err != nil {
		return nil, domain.ErrInvalidSubscription
	}
	return s.repo.ListApplications(ctx, s.db, orgID, id)
}

func (s *Service) ApplyForPeriodTx(ctx context.Context, tx *gorm.DB, target domain.Target) ([]domain.Application, error) {
	grants, err := s.repo.ListApplicable(ctx, tx, target.OrgID, target.SubscriptionID, target.PlanIDs, target.Currency)
	if err != nil {
		return nil, err
	}

	var applied []domain.Application
	for _, grant := range grants {
		due, err := s.due(ctx, tx, grant, target)
		if err != nil {
			return nil, err
		}
		if !due {
			continue
		}
		app, ok, err := s.apply(ctx, tx, grant, target)
		if err != nil {
			return nil, err
		}
		if ok {
			applied = append(applied, app)
		}
	}
	return applied, nil
}

// due reports whether grant owes credit for the target period. One-time
// grants are owed once per subscription; recurring grants once their own
// cadence has elapsed since the last application.
func (s *Service) due(ctx context.Context, tx *gorm.DB, grant domain.CreditGrant, target domain.Target) (bool, error) {
	last, err := s.repo.LastApplied(ctx, tx, grant.ID, target.SubscriptionID)
	if err != nil {
		return false, err
	}
	if last == nil {
		return true, nil
	}
	if grant.Cadence == domain.CadenceOneTime {
		return false, nil
	}
	next := billingcycle.Add(*last, grant.Period, grant.PeriodCount)
	return !next.After(target.Period.Start), nil
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, grant domain.CreditGrant, target domain.Target) (domain.Application, bool, error) {
	now := s.clock.Now()
	start := target.Period.Start.UTC()
	expiresAt := grant.ExpiresAt(start)
	if expiresAt != nil && !expiresAt.After(now) {
		s.log.Info("credit grant already expired for period",
			zap.String("grant_id", grant.ID.String()),
			zap.String("subscription_id", target.SubscriptionID.String()),
		)
		return domain.Application{}, false, nil
	}

	wallet, err := s.wallets.EnsureTx(ctx, tx, target.OrgID, target.CustomerID, grant.Currency)
	if err != nil {
		return domain.Application{}, false, err
	}
	txn, err := s.wallets.CreditTx(ctx, tx, target.OrgID, walletdomain.Entry{
		WalletID:       wallet.ID,
		Amount:         grant.Amount,
		Reason:         walletdomain.ReasonCreditGrant,
		ReferenceType:  "credit_grant",
		ReferenceID:    grant.ID.String(),
		Description:    grant.Name,
		ExpiresAt:      expiresAt,
		IdempotencyKey: applicationKey(grant.ID, target.SubscriptionID, start),
	})
	if err != nil {
		return domain.Application{}, false, err
	}

	app := domain.Application{
		ID:             s.genID.Generate(),
		OrgID:          target.OrgID,
		GrantID:        grant.ID,
		SubscriptionID: target.SubscriptionID,
		PeriodStart:    start,
		CustomerID:     target.CustomerID,
		WalletID:       wallet.ID,
		TransactionID:  txn.ID,
		Amount:         grant.Amount,
		ExpiresAt:      expiresAt,
		CreatedAt:      now,
	}
	inserted, err := s.repo.InsertApplication(ctx, tx, &app)
	if err != nil {
		return domain.Application{}, false, err
	}
	if !inserted {
		return domain.Application{}, false, nil
	}

	if err := s.outbox.PublishTx(ctx, tx, events.Event{
		OrgID:         target.OrgID,
		Type:          events.EventCreditGrantApplied,
		AggregateType: "credit_grant",
		AggregateID:   grant.ID.String(),
		DedupeKey:     events.EventCreditGrantApplied + ":" + app.ID.String(),
		Payload: map[string]any{
			"grant_id":        grant.ID.String(),
			"subscription_id": target.SubscriptionID.String(),
			"customer_id":     target.CustomerID.String(),
			"wallet_id":       wallet.ID.String(),
			"amount":          grant.Amount,
			"currency":        grant.Currency,
			"period_start":    start,
		},
	}); err != nil {
		return domain.Application{}, false, err
	}
	if err := s.audit.Record(ctx, tx, auditdomain.Entry{
		OrgID:      target.OrgID,
		Action:     "credit_grant.apply",
		TargetType: "credit_grant",
		TargetID:   grant.ID.String(),
		Metadata: map[string]any{
			"subscription_id": target.SubscriptionID.String(),
			"period_start":    start.Format(time.RFC3339),
			"amount":          grant.Amount,
		},
	}); err != nil {
		return domain.Application{}, false, err
	}

	s.log.Info("credit grant applied",
		zap.String("grant_id", grant.ID.String()),
		zap.String("subscription_id", target.SubscriptionID.String()),
		zap.Int64("amount", grant.Amount),
	)
	return app, true, nil
}

// ExpireDue takes back what is left of expired credit. The amount expired is
// capped by the wallet balance, so credit already spent is never clawed
// back.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	apps, err := s.repo.ListExpirable(ctx, s.db, now, expiryBatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, app := range apps {
		ok, err := s.expire(ctx, app, now)
		if err != nil {
			s.log.Error("credit expiry failed",
				zap.String("application_id", app.ID.String()),
				zap.Error(err),
			)
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (s *Service) expire(ctx context.Context, app domain.Application, now time.Time) (bool, error) {
	unlock, err := s.locker.Lock(ctx, walletdomain.LockKey(app.WalletID))
	if err != nil {
		return false, err
	}
	defer unlock()

	ctx = orgcontext.WithOrgID(ctx, int64(app.OrgID))
	done := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindApplicationForUpdate(ctx, tx, app.ID)
		if err != nil {
			return err
		}
		if current == nil || current.Expired {
			return nil
		}

		balance, err := s.wallets.BalanceTx(ctx, tx, current.WalletID)
		if err != nil {
			return err
		}
		amount := min(current.Amount, max(balance, 0))
		if amount > 0 {
			_, err := s.wallets.DebitTx(ctx, tx, current.OrgID, walletdomain.Entry{
				WalletID:       current.WalletID,
				Amount:         amount,
				Reason:         walletdomain.ReasonCreditExpired,
				ReferenceType:  "credit_grant_application",
				ReferenceID:    current.ID.String(),
				Description:    "Credit expired",
				IdempotencyKey: "credit_expiry:" + current.ID.String(),
			})
			if err != nil {
				return err
			}
		}

		current.Expired = true
		current.ExpiredAmount = amount
		current.ExpiredAt = &now
		if err := s.repo.MarkExpired(ctx, tx, current); err != nil {
			return err
		}
		done = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if done {
		s.log.Info("credit expired", zap.String("application_id", app.ID.String()))
	}
	return done, nil
}

func applicationKey(grantID, subscriptionID snowflake.ID, periodStart time.Time) string {
	return "credit_grant:" + grantID.String() + ":" + subscriptionID.String() + ":" + strconv.FormatInt(periodStart.Unix(), 10)
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
