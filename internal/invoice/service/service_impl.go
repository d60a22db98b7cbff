package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/billcore/internal/audit/domain"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	catalogdomain "github.com/smallbiznis/billcore/internal/catalog/domain"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/internal/config"
	customerdomain "github.com/smallbiznis/billcore/internal/customer/domain"
	"github.com/smallbiznis/billcore/internal/events"
	"github.com/smallbiznis/billcore/internal/idempotency"
	"github.com/smallbiznis/billcore/internal/invoice/domain"
	"github.com/smallbiznis/billcore/internal/locker"
	"github.com/smallbiznis/billcore/internal/numbering"
	"github.com/smallbiznis/billcore/internal/observability/metrics"
	"github.com/smallbiznis/billcore/internal/orgcontext"
	paymentdomain "github.com/smallbiznis/billcore/internal/payment/domain"
	usagedomain "github.com/smallbiznis/billcore/internal/usage/domain"
	walletdomain "github.com/smallbiznis/billcore/internal/wallet/domain"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

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
	Customers   customerdomain.Service
	Catalog     catalogdomain.Service
	Usage       usagedomain.Service
	Wallets     walletdomain.Service
	Payments    paymentdomain.Repository
	Metrics     *metrics.Metrics `optional:"true"`
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
	customers   customerdomain.Service
	catalog     catalogdomain.Service
	usage       usagedomain.Service
	wallets     walletdomain.Service
	payments    paymentdomain.Repository
	metrics     *metrics.Metrics
	repo        domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("invoice.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		billing:     p.Billing,
		locker:      p.Locker,
		outbox:      p.Outbox,
		audit:       p.Audit,
		idempotency: p.Idempotency,
		customers:   p.Customers,
		catalog:     p.Catalog,
		usage:       p.Usage,
		wallets:     p.Wallets,
		payments:    p.Payments,
		metrics:     p.Metrics,
		repo:        p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateInvoiceRequest) (domain.Invoice, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}

	customer, err := s.customers.GetByID(ctx, req.CustomerID)
	if err != nil {
		return domain.Invoice{}, err
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = customer.Currency
	}
	if !s.billing.Get().SupportsCurrency(currency) {
		return domain.Invoice{}, domain.ErrInvalidCurrency
	}

	draft := domain.Draft{
		CustomerID:       customer.ID,
		Currency:         currency,
		Tax:              req.Tax,
		DueAt:            req.DueAt,
		CollectionMethod: req.CollectionMethod,
		Lines:            req.Lines,
		Metadata:         req.Metadata,
	}
	if strings.TrimSpace(req.SubscriptionID) != "" {
		subscriptionID, err := parseID(req.SubscriptionID)
		if err != nil {
			return domain.Invoice{}, err
		}
		draft.SubscriptionID = &subscriptionID
	}
	if req.PeriodStart != nil || req.PeriodEnd != nil {
		if req.PeriodStart == nil || req.PeriodEnd == nil {
			return domain.Invoice{}, domain.ErrInvalidPeriod
		}
		draft.Period = &billingcycle.Period{Start: req.PeriodStart.UTC(), End: req.PeriodEnd.UTC()}
	}
	if err := s.validateDraft(&draft); err != nil {
		return domain.Invoice{}, err
	}

	return idempotency.Run(ctx, s.idempotency, s.db, orgID, "invoice.create", req.IdempotencyKey, req,
		func(tx *gorm.DB) (domain.Invoice, error) {
			return s.CreateTx(ctx, tx, orgID, draft)
		})
}

// validateDraft normalizes draft in place.
func (s *Service) validateDraft(draft *domain.Draft) error {
	if draft.CustomerID == 0 {
		return domain.ErrInvalidCustomer
	}
	draft.Currency = strings.ToUpper(strings.TrimSpace(draft.Currency))
	if draft.Currency == "" {
		return domain.ErrInvalidCurrency
	}
	if draft.Period != nil && !draft.Period.Valid() {
		return domain.ErrInvalidPeriod
	}
	if draft.Tax < 0 {
		return domain.ErrInvalidTax
	}
	if draft.CollectionMethod == "" {
		draft.CollectionMethod = domain.CollectionMethod(s.billing.Get().DefaultCollectionMethod)
	}
	if !draft.CollectionMethod.Valid() {
		return domain.ErrInvalidCollectionMethod
	}
	for i := range draft.Lines {
		if err := normalizeLine(&draft.Lines[i]); err != nil {
			return err
		}
	}
	return nil
}

func normalizeLine(line *domain.LineInput) error {
	line.Name = strings.TrimSpace(line.Name)
	if line.Name == "" {
		return domain.ErrInvalidLineItem
	}
	if line.Source == "" {
		line.Source = domain.SourceOneOff
	}
	if !line.Source.Valid() {
		return domain.ErrInvalidLineItem
	}
	if line.Quantity.IsNegative() {
		return domain.ErrInvalidLineItem
	}
	if line.Amount < 0 && !line.Source.AllowsNegative() {
		return domain.ErrInvalidLineItem
	}
	if (line.PeriodStart == nil) != (line.PeriodEnd == nil) {
		return domain.ErrInvalidLineItem
	}
	if line.PeriodStart != nil && !line.PeriodEnd.After(*line.PeriodStart) {
		return domain.ErrInvalidLineItem
	}
	return nil
}

func (s *Service) CreateTx(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, draft domain.Draft) (domain.Invoice, error) {
	if err := s.validateDraft(&draft); err != nil {
		return domain.Invoice{}, err
	}

	now := s.clock.Now()
	number, err := numbering.Next(numbering.Template(s.billing.Get().InvoiceNumberPrefix), now)
	if err != nil {
		return domain.Invoice{}, err
	}

	invoice := domain.Invoice{
		ID:               s.genID.Generate(),
		OrgID:            orgID,
		CustomerID:       draft.CustomerID,
		SubscriptionID:   draft.SubscriptionID,
		Number:           number,
		Currency:         draft.Currency,
		Status:           domain.StatusDraft,
		PaymentStatus:    domain.PaymentPending,
		CollectionMethod: draft.CollectionMethod,
		Tax:              draft.Tax,
		DueAt:            utcPtr(draft.DueAt),
		Version:          1,
		Metadata:         datatypes.JSONMap(copyMetadata(draft.Metadata)),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if draft.Period != nil {
		start, end := draft.Period.Start.UTC(), draft.Period.End.UTC()
		invoice.PeriodStart = &start
		invoice.PeriodEnd = &end
	}
	invoice.Lines = s.buildLines(orgID, invoice.ID, draft.Lines, now)
	invoice.Recompute()

	if err := s.repo.Insert(ctx, tx, &invoice); err != nil {
		return domain.Invoice{}, err
	}
	if err := s.repo.InsertLines(ctx, tx, invoice.Lines); err != nil {
		return domain.Invoice{}, err
	}
	if err := s.audit.Record(ctx, tx, auditdomain.Entry{
		OrgID:      orgID,
		Action:     "invoice.create",
		TargetType: "invoice",
		TargetID:   invoice.ID.String(),
		To:         string(invoice.Status),
		Metadata: map[string]any{
			"customer_id": invoice.CustomerID.String(),
			"number":      invoice.Number,
			"total":       invoice.Total,
		},
	}); err != nil {
		return domain.Invoice{}, err
	}

	s.log.Info("invoice created",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("number", invoice.Number),
		zap.String("customer_id", invoice.CustomerID.String()),
		zap.Int64("total", invoice.Total),
	)
	return invoice, nil
}

func (s *Service) buildLines(orgID, invoiceID snowflake.ID, inputs []domain.LineInput, now time.Time) []domain.LineItem {
	lines := make([]domain.LineItem, 0, len(inputs))
	for _, in := range inputs {
		qty := in.Quantity
		if qty.IsZero() {
			qty = decimal.NewFromInt(1)
		}
		unit := decimal.NewFromInt(in.Amount).Div(qty)
		if in.UnitAmount != nil {
			unit = *in.UnitAmount
		}
		lines = append(lines, domain.LineItem{
			ID:          s.genID.Generate(),
			OrgID:       orgID,
			InvoiceID:   invoiceID,
			Name:        in.Name,
			Quantity:    qty,
			UnitAmount:  unit,
			Amount:      in.Amount,
			Source:      in.Source,
			SourceID:    in.SourceID,
			PriceID:     in.PriceID,
			PeriodStart: utcPtr(in.PeriodStart),
			PeriodEnd:   utcPtr(in.PeriodEnd),
			Metadata:    datatypes.JSONMap(copyMetadata(in.Metadata)),
			CreatedAt:   now,
		})
	}
	return lines
}

func (s *Service) Get(ctx context.Context, id string) (domain.Invoice, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	invoiceID, err := parseID(id)
	if err != nil {
		return domain.Invoice{}, err
	}
	return s.load(ctx, s.db, orgID, invoiceID)
}

func (s *Service) load(ctx context.Context, db *gorm.DB, orgID, invoiceID snowflake.ID) (domain.Invoice, error) {
	invoice, err := s.repo.FindByID(ctx, db, orgID, invoiceID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if invoice == nil {
		return domain.Invoice{}, domain.ErrNotFound.WithEntity("invoice", invoiceID.String())
	}
	lines, err := s.repo.ListLines(ctx, db, invoice.ID)
	if err != nil {
		return domain.Invoice{}, err
	}
	invoice.Lines = lines
	return *invoice, nil
}

func (s *Service) FindForUpdateTx(ctx context.Context, tx *gorm.DB, orgID, invoiceID snowflake.ID) (*domain.Invoice, error) {
	invoice, err := s.repo.FindByIDForUpdate(ctx, tx, orgID, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, domain.ErrNotFound.WithEntity("invoice", invoiceID.String())
	}
	lines, err := s.repo.ListLines(ctx, tx, invoice.ID)
	if err != nil {
		return nil, err
	}
	invoice.Lines = lines
	return invoice, nil
}

func (s *Service) List(ctx context.Context, req domain.ListInvoiceRequest) (domain.ListInvoiceResponse, error) {
	req.Number = ""
	req.TotalMin = nil
	req.TotalMax = nil
	req.CreatedFrom = nil
	req.CreatedTo = nil
	return s.list(ctx, req)
}

// Search is List with number, total and creation-date filters.
func (s *Service) Search(ctx context.Context, req domain.ListInvoiceRequest) (domain.ListInvoiceResponse, error) {
	return s.list(ctx, req)
}

func (s *Service) list(ctx context.Context, req domain.ListInvoiceRequest) (domain.ListInvoiceResponse, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.ListInvoiceResponse{}, err
	}

	filter := domain.ListInvoiceFilter{
		Status:        req.Status,
		PaymentStatus: req.PaymentStatus,
		Number:        strings.TrimSpace(req.Number),
		TotalMin:      req.TotalMin,
		TotalMax:      req.TotalMax,
		CreatedFrom:   req.CreatedFrom,
		CreatedTo:     req.CreatedTo,
	}
	if strings.TrimSpace(req.CustomerID) != "" {
		customerID, err := parseID(req.CustomerID)
		if err != nil {
			return domain.ListInvoiceResponse{}, domain.ErrInvalidCustomer
		}
		filter.CustomerID = customerID
	}
	if strings.TrimSpace(req.SubscriptionID) != "" {
		subscriptionID, err := parseID(req.SubscriptionID)
		if err != nil {
			return domain.ListInvoiceResponse{}, err
		}
		filter.SubscriptionID = subscriptionID
	}

	pageSize := pagination.Normalize(req.PageSize)
	items, err := s.repo.List(ctx, s.db, orgID, filter, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  int(pageSize),
	})
	if err != nil {
		return domain.ListInvoiceResponse{}, err
	}

	invoices, info := pagination.Trim(items, pageSize, func(i *domain.Invoice) string {
		return pagination.CursorFor(i.ID.String(), i.CreatedAt)
	})
	return domain.ListInvoiceResponse{PageInfo: info, Invoices: invoices}, nil
}

func (s *Service) Update(ctx context.Context, req domain.UpdateInvoiceRequest) (domain.Invoice, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	invoiceID, err := parseID(req.ID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if req.Tax != nil && *req.Tax < 0 {
		return domain.Invoice{}, domain.ErrInvalidTax
	}
	if req.Lines != nil {
		for i := range *req.Lines {
			if err := normalizeLine(&(*req.Lines)[i]); err != nil {
				return domain.Invoice{}, err
			}
		}
	}

	unlock, err := s.locker.Lock(ctx, domain.LockKey(invoiceID))
	if err != nil {
		return domain.Invoice{}, err
	}
	defer unlock()

	var updated domain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.FindForUpdateTx(ctx, tx, orgID, invoiceID)
		if err != nil {
			return err
		}
		if invoice.Status != domain.StatusDraft {
			return domain.ErrNotDraft.WithEntity("invoice", req.ID).WithTransition(string(invoice.Status), string(invoice.Status))
		}

		now := s.clock.Now()
		if req.Tax != nil {
			invoice.Tax = *req.Tax
		}
		if req.DueAt != nil {
			invoice.DueAt = utcPtr(req.DueAt)
		}
		if req.Metadata != nil {
			invoice.Metadata = datatypes.JSONMap(copyMetadata(*req.Metadata))
		}
		if req.Lines != nil {
			if err := s.repo.DeleteLines(ctx, tx, invoice.ID); err != nil {
				return err
			}
			invoice.Lines = s.buildLines(orgID, invoice.ID, *req.Lines, now)
			if err := s.repo.InsertLines(ctx, tx, invoice.Lines); err != nil {
				return err
			}
		}
		invoice.Recompute()
		invoice.UpdatedAt = now

		ok, err := s.repo.Update(ctx, tx, invoice)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrConcurrentUpdate.WithEntity("invoice", req.ID)
		}
		if err := s.audit.Record(ctx, tx, auditdomain.Entry{
			OrgID:      orgID,
			Action:     "invoice.update",
			TargetType: "invoice",
			TargetID:   req.ID,
			From:       string(invoice.Status),
			To:         string(invoice.Status),
			Metadata:   map[string]any{"total": invoice.Total},
		}); err != nil {
			return err
		}
		updated = *invoice
		return nil
	})
	if err != nil {
		return domain.Invoice{}, err
	}
	return updated, nil
}

func (s *Service) ListPending(ctx context.Context, subscriptionID snowflake.ID) ([]domain.PendingLineItem, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListPending(ctx, s.db, orgID, subscriptionID)
}

func (s *Service) AddPendingTx(ctx context.Context, tx *gorm.DB, items []domain.PendingLineItem) error {
	if len(items) == 0 {
		return nil
	}
	now := s.clock.Now()
	for i := range items {
		if items[i].ID == 0 {
			items[i].ID = s.genID.Generate()
		}
		if items[i].Quantity.IsZero() {
			items[i].Quantity = decimal.NewFromInt(1)
		}
		if items[i].CreatedAt.IsZero() {
			items[i].CreatedAt = now
		}
		if items[i].Source == "" || !items[i].Source.Valid() {
			return domain.ErrInvalidLineItem
		}
		if items[i].Amount < 0 && !items[i].Source.AllowsNegative() {
			return domain.ErrInvalidLineItem
		}
	}
	return s.repo.InsertPending(ctx, tx, items)
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
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
