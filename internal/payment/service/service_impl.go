package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/billcore/internal/audit/domain"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/internal/config"
	customerdomain "github.com/smallbiznis/billcore/internal/customer/domain"
	"github.com/smallbiznis/billcore/internal/idempotency"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	"github.com/smallbiznis/billcore/internal/locker"
	"github.com/smallbiznis/billcore/internal/observability/metrics"
	"github.com/smallbiznis/billcore/internal/orgcontext"
	"github.com/smallbiznis/billcore/internal/payment/domain"
	"github.com/smallbiznis/billcore/internal/payment/gateway"
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
	Audit       auditdomain.Service
	Idempotency *idempotency.Store
	Customers   customerdomain.Service
	Invoices    invoicedomain.Service
	Wallets     walletdomain.Service
	Gateways    *gateway.Registry
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
	audit       auditdomain.Service
	idempotency *idempotency.Store
	customers   customerdomain.Service
	invoices    invoicedomain.Service
	wallets     walletdomain.Service
	gateways    *gateway.Registry
	metrics     *metrics.Metrics
	repo        domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		billing:     p.Billing,
		locker:      p.Locker,
		audit:       p.Audit,
		idempotency: p.Idempotency,
		customers:   p.Customers,
		invoices:    p.Invoices,
		wallets:     p.Wallets,
		gateways:    p.Gateways,
		metrics:     p.Metrics,
		repo:        p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreatePaymentRequest) (domain.Payment, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Payment{}, err
	}
	if req.Amount <= 0 {
		return domain.Payment{}, domain.ErrInvalidAmount
	}
	if !req.Method.Valid() {
		return domain.Payment{}, domain.ErrInvalidMethod
	}

	customer, err := s.customers.GetByID(ctx, req.CustomerID)
	if err != nil {
		return domain.Payment{}, domain.ErrInvalidCustomer.Wrap(err)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = customer.Currency
	}
	if !s.billing.Get().SupportsCurrency(currency) {
		return domain.Payment{}, domain.ErrInvalidCurrency
	}

	var invoiceID *snowflake.ID
	if strings.TrimSpace(req.InvoiceID) != "" {
		invoice, err := s.invoices.Get(ctx, req.InvoiceID)
		if err != nil {
			return domain.Payment{}, domain.ErrInvalidInvoice.Wrap(err)
		}
		if invoice.CustomerID != customer.ID || invoice.Currency != currency {
			return domain.Payment{}, domain.ErrInvalidInvoice.WithEntity("invoice", req.InvoiceID)
		}
		invoiceID = &invoice.ID
	}

	return idempotency.Run(ctx, s.idempotency, s.db, orgID, "payment.create", req.IdempotencyKey, req,
		func(tx *gorm.DB) (domain.Payment, error) {
			now := s.clock.Now()
			payment := domain.Payment{
				ID:         s.genID.Generate(),
				OrgID:      orgID,
				CustomerID: customer.ID,
				InvoiceID:  invoiceID,
				Amount:     req.Amount,
				Currency:   currency,
				Method:     req.Method,
				Status:     domain.StatusPending,
				Metadata:   datatypes.JSONMap(copyMetadata(req.Metadata)),
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := s.repo.Insert(ctx, tx, &payment); err != nil {
				return domain.Payment{}, err
			}
			if err := s.record(ctx, tx, payment, "payment.create", ""); err != nil {
				return domain.Payment{}, err
			}
			return payment, nil
		})
}

func (s *Service) Get(ctx context.Context, id string) (domain.Payment, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Payment{}, err
	}
	paymentID, err := parseID(id)
	if err != nil {
		return domain.Payment{}, err
	}
	payment, err := s.repo.FindByID(ctx, s.db, orgID, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if payment == nil {
		return domain.Payment{}, domain.ErrNotFound.WithEntity("payment", id)
	}
	return *payment, nil
}

func (s *Service) List(ctx context.Context, req domain.ListPaymentRequest) (domain.ListPaymentResponse, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.ListPaymentResponse{}, err
	}

	filter := domain.ListPaymentFilter{Status: req.Status, Method: req.Method}
	if strings.TrimSpace(req.CustomerID) != "" {
		if filter.CustomerID, err = parseID(req.CustomerID); err != nil {
			return domain.ListPaymentResponse{}, domain.ErrInvalidCustomer
		}
	}
	if strings.TrimSpace(req.InvoiceID) != "" {
		if filter.InvoiceID, err = parseID(req.InvoiceID); err != nil {
			return domain.ListPaymentResponse{}, domain.ErrInvalidInvoice
		}
	}

	pageSize := pagination.Normalize(req.PageSize)
	items, err := s.repo.List(ctx, s.db, orgID, filter, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  int(pageSize),
	})
	if err != nil {
		return domain.ListPaymentResponse{}, err
	}
	payments, info := pagination.Trim(items, pageSize, func(p *domain.Payment) string {
		return pagination.CursorFor(p.ID.String(), p.CreatedAt)
	})
	return domain.ListPaymentResponse{PageInfo: info, Payments: payments}, nil
}

func (s *Service) Update(ctx context.Context, req domain.UpdatePaymentRequest) (domain.Payment, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Payment{}, err
	}
	paymentID, err := parseID(req.ID)
	if err != nil {
		return domain.Payment{}, err
	}
	if req.Method != nil && !req.Method.Valid() {
		return domain.Payment{}, domain.ErrInvalidMethod
	}

	unlock, err := s.locker.Lock(ctx, domain.LockKey(paymentID))
	if err != nil {
		return domain.Payment{}, err
	}
	defer unlock()

	var updated domain.Payment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.pendingForUpdate(ctx, tx, orgID, paymentID)
		if err != nil {
			return err
		}
		if req.Method != nil {
			payment.Method = *req.Method
		}
		if req.Metadata != nil {
			payment.Metadata = datatypes.JSONMap(copyMetadata(*req.Metadata))
		}
		payment.UpdatedAt = s.clock.Now()
		if err := s.repo.Update(ctx, tx, payment); err != nil {
			return err
		}
		updated = *payment
		return s.record(ctx, tx, updated, "payment.update", payment.Status)
	})
	if err != nil {
		return domain.Payment{}, err
	}
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return err
	}
	paymentID, err := parseID(id)
	if err != nil {
		return err
	}

	unlock, err := s.locker.Lock(ctx, domain.LockKey(paymentID))
	if err != nil {
		return err
	}
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.repo.FindByIDForUpdate(ctx, tx, orgID, paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return domain.ErrNotFound.WithEntity("payment", id)
		}
		if payment.Status == domain.StatusSucceeded {
			return domain.ErrSucceeded.WithEntity("payment", id)
		}
		if err := s.repo.Delete(ctx, tx, orgID, paymentID); err != nil {
			return err
		}
		return s.record(ctx, tx, *payment, "payment.delete", payment.Status)
	})
}

func (s *Service) pendingForUpdate(ctx context.Context, tx *gorm.DB, orgID, paymentID snowflake.ID) (*domain.Payment, error) {
	payment, err := s.repo.FindByIDForUpdate(ctx, tx, orgID, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrNotFound.WithEntity("payment", paymentID.String())
	}
	if payment.Status != domain.StatusPending {
		return nil, domain.ErrNotPending.
			WithEntity("payment", paymentID.String()).
			WithTransition(string(payment.Status), string(domain.StatusSucceeded))
	}
	return payment, nil
}

func (s *Service) record(ctx context.Context, tx *gorm.DB, payment domain.Payment, action string, from domain.Status) error {
	metadata := map[string]any{
		"amount":   payment.Amount,
		"currency": payment.Currency,
		"method":   string(payment.Method),
	}
	if payment.InvoiceID != nil {
		metadata["invoice_id"] = payment.InvoiceID.String()
	}
	if payment.FailureReason != "" {
		metadata["failure_reason"] = payment.FailureReason
	}
	return s.audit.Record(ctx, tx, auditdomain.Entry{
		OrgID:      payment.OrgID,
		Action:     action,
		TargetType: "payment",
		TargetID:   payment.ID.String(),
		From:       string(from),
		To:         string(payment.Status),
		Metadata:   metadata,
	})
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
