package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/billcore/internal/audit/domain"
	"github.com/smallbiznis/billcore/internal/events"
	"github.com/smallbiznis/billcore/internal/idempotency"
	"github.com/smallbiznis/billcore/internal/invoice/domain"
	"github.com/smallbiznis/billcore/internal/observability/tracing"
	"github.com/smallbiznis/billcore/internal/orgcontext"
	paymentdomain "github.com/smallbiznis/billcore/internal/payment/domain"
	walletdomain "github.com/smallbiznis/billcore/internal/wallet/domain"
	pkgdb "github.com/smallbiznis/billcore/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Finalize freezes a draft. Zero-due invoices are marked paid on the spot and
// CHARGE_WALLET invoices are collected from the customer's wallet in the
// same transaction.
func (s *Service) Finalize(ctx context.Context, id string) (domain.Invoice, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	invoiceID, err := parseID(id)
	if err != nil {
		return domain.Invoice{}, err
	}

	ctx, span := tracing.Start(ctx, "invoice.finalize", attribute.String("invoice_id", id))
	defer span.End()

	keys, err := s.lockKeys(ctx, orgID, invoiceID)
	if err != nil {
		return domain.Invoice{}, err
	}
	unlock, err := s.locker.Lock(ctx, keys...)
	if err != nil {
		return domain.Invoice{}, err
	}
	defer unlock()

	var finalized domain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		finalized, err = s.FinalizeTx(ctx, tx, orgID, invoiceID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return domain.Invoice{}, err
	}
	return finalized, nil
}

// lockKeys returns the invoice key plus the wallet key when finalizing would
// charge a wallet.
func (s *Service) lockKeys(ctx context.Context, orgID, invoiceID snowflake.ID) ([]string, error) {
	keys := []string{domain.LockKey(invoiceID)}
	invoice, err := s.repo.FindByID(ctx, s.db, orgID, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, domain.ErrNotFound.WithEntity("invoice", invoiceID.String())
	}
	if invoice.CollectionMethod != domain.CollectChargeWallet {
		return keys, nil
	}
	wallet, err := s.wallets.FindForCustomerTx(ctx, s.db, orgID, invoice.CustomerID, invoice.Currency)
	if err != nil {
		return nil, err
	}
	if wallet != nil {
		keys = append(keys, walletdomain.LockKey(wallet.ID))
	}
	return keys, nil
}

func (s *Service) FinalizeTx(ctx context.Context, tx *gorm.DB, orgID, invoiceID snowflake.ID) (domain.Invoice, error) {
	invoice, err := s.FindForUpdateTx(ctx, tx, orgID, invoiceID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if invoice.Status != domain.StatusDraft {
		return domain.Invoice{}, domain.ErrNotDraft.
			WithEntity("invoice", invoiceID.String()).
			WithTransition(string(invoice.Status), string(domain.StatusFinalized))
	}

	now := s.clock.Now()
	invoice.Recompute()
	invoice.Status = domain.StatusFinalized
	invoice.FinalizedAt = &now
	invoice.UpdatedAt = now
	if invoice.AmountDue == 0 {
		invoice.PaymentStatus = domain.PaymentSucceeded
		invoice.AutoPaid = true
		invoice.PaidAt = &now
	}

	ok, err := s.repo.Update(ctx, tx, invoice)
	if err != nil {
		return domain.Invoice{}, err
	}
	if !ok {
		return domain.Invoice{}, domain.ErrConcurrentUpdate.WithEntity("invoice", invoiceID.String())
	}

	if err := s.audit.Record(ctx, tx, auditdomain.Entry{
		OrgID:      orgID,
		Action:     "invoice.finalize",
		TargetType: "invoice",
		TargetID:   invoiceID.String(),
		From:       string(domain.StatusDraft),
		To:         string(invoice.Status),
		Metadata:   map[string]any{"total": invoice.Total, "auto_paid": invoice.AutoPaid},
	}); err != nil {
		return domain.Invoice{}, err
	}
	if err := s.publish(ctx, tx, events.EventInvoiceFinalized, invoice); err != nil {
		return domain.Invoice{}, err
	}
	if invoice.AutoPaid {
		if err := s.publish(ctx, tx, events.EventInvoicePaid, invoice); err != nil {
			return domain.Invoice{}, err
		}
	}
	s.metrics.RecordInvoiceTransition(ctx, string(domain.StatusFinalized))
	s.log.Info("invoice finalized",
		zap.String("invoice_id", invoiceID.String()),
		zap.String("number", invoice.Number),
		zap.Int64("total", invoice.Total),
		zap.Bool("auto_paid", invoice.AutoPaid),
	)

	if invoice.CollectionMethod == domain.CollectChargeWallet && invoice.AmountDue > 0 {
		return s.chargeWalletTx(ctx, tx, *invoice)
	}
	return *invoice, nil
}

// chargeWalletTx pays the amount due from the customer's wallet. A missing,
// closed or short wallet leaves the invoice open for another payment method.
func (s *Service) chargeWalletTx(ctx context.Context, tx *gorm.DB, invoice domain.Invoice) (domain.Invoice, error) {
	wallet, err := s.wallets.FindForCustomerTx(ctx, tx, invoice.OrgID, invoice.CustomerID, invoice.Currency)
	if err != nil {
		return domain.Invoice{}, err
	}
	if wallet == nil {
		s.log.Warn("no wallet to charge", zap.String("invoice_id", invoice.ID.String()))
		return invoice, nil
	}

	amount := invoice.Collectable()
	txn, err := s.wallets.DebitTx(ctx, tx, invoice.OrgID, walletdomain.Entry{
		WalletID:       wallet.ID,
		Amount:         amount,
		Reason:         walletdomain.ReasonInvoicePayment,
		ReferenceType:  "invoice",
		ReferenceID:    invoice.ID.String(),
		Description:    "Invoice " + invoice.Number,
		IdempotencyKey: "invoice:" + invoice.ID.String(),
	})
	if errors.Is(err, walletdomain.ErrInsufficientBalance) || errors.Is(err, walletdomain.ErrWalletClosed) {
		s.log.Warn("wallet charge skipped",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("wallet_id", wallet.ID.String()),
			zap.Error(err),
		)
		s.metrics.RecordPayment(ctx, string(paymentdomain.MethodWallet), string(paymentdomain.StatusFailed))
		return invoice, nil
	}
	if err != nil {
		return domain.Invoice{}, err
	}

	now := s.clock.Now()
	invoiceID := invoice.ID
	payment := paymentdomain.Payment{
		ID:               s.genID.Generate(),
		OrgID:            invoice.OrgID,
		CustomerID:       invoice.CustomerID,
		InvoiceID:        &invoiceID,
		Amount:           amount,
		Currency:         invoice.Currency,
		Method:           paymentdomain.MethodWallet,
		Status:           paymentdomain.StatusSucceeded,
		GatewayReference: txn.ID.String(),
		Attempts:         1,
		Metadata:         datatypes.JSONMap{"wallet_id": wallet.ID.String()},
		ProcessedAt:      &now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.payments.Insert(ctx, tx, &payment); err != nil {
		return domain.Invoice{}, err
	}
	s.metrics.RecordPayment(ctx, string(payment.Method), string(payment.Status))
	return s.ApplyPaymentTx(ctx, tx, invoice.OrgID, invoice.ID, payment.ID, amount)
}

// Void cancels a draft, or a finalized invoice nothing was paid on. Pending
// items the invoice consumed go back to the queue.
func (s *Service) Void(ctx context.Context, id string) (domain.Invoice, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	invoiceID, err := parseID(id)
	if err != nil {
		return domain.Invoice{}, err
	}

	unlock, err := s.locker.Lock(ctx, domain.LockKey(invoiceID))
	if err != nil {
		return domain.Invoice{}, err
	}
	defer unlock()

	var voided domain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.FindForUpdateTx(ctx, tx, orgID, invoiceID)
		if err != nil {
			return err
		}
		from := invoice.Status
		switch {
		case from == domain.StatusVoid:
			return domain.ErrVoided.WithEntity("invoice", id).WithTransition(string(from), string(domain.StatusVoid))
		case from == domain.StatusFinalized && (invoice.AmountPaid > 0 || invoice.AmountCredited > 0):
			return domain.ErrHasPayments.WithEntity("invoice", id).WithTransition(string(from), string(domain.StatusVoid))
		}

		now := s.clock.Now()
		invoice.Status = domain.StatusVoid
		invoice.VoidedAt = &now
		invoice.UpdatedAt = now
		ok, err := s.repo.Update(ctx, tx, invoice)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrConcurrentUpdate.WithEntity("invoice", id)
		}
		if err := s.repo.ReleasePending(ctx, tx, invoice.ID); err != nil {
			return err
		}
		if err := s.audit.Record(ctx, tx, auditdomain.Entry{
			OrgID:      orgID,
			Action:     "invoice.void",
			TargetType: "invoice",
			TargetID:   id,
			From:       string(from),
			To:         string(invoice.Status),
		}); err != nil {
			return err
		}
		if err := s.publish(ctx, tx, events.EventInvoiceVoided, invoice); err != nil {
			return err
		}
		voided = *invoice
		return nil
	})
	if err != nil {
		return domain.Invoice{}, err
	}

	s.metrics.RecordInvoiceTransition(ctx, string(domain.StatusVoid))
	s.log.Info("invoice voided", zap.String("invoice_id", id))
	return voided, nil
}

func (s *Service) ApplyPayment(ctx context.Context, req domain.ApplyPaymentRequest) (domain.Invoice, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	invoiceID, err := parseID(req.InvoiceID)
	if err != nil {
		return domain.Invoice{}, err
	}
	paymentID, err := snowflake.ParseString(strings.TrimSpace(req.PaymentID))
	if err != nil || paymentID == 0 {
		return domain.Invoice{}, domain.ErrInvalidPayment
	}

	unlock, err := s.locker.Lock(ctx, domain.LockKey(invoiceID))
	if err != nil {
		return domain.Invoice{}, err
	}
	defer unlock()

	var applied domain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		applied, err = s.ApplyPaymentTx(ctx, tx, orgID, invoiceID, paymentID, req.Amount)
		return err
	})
	if err != nil {
		return domain.Invoice{}, err
	}
	return applied, nil
}

// ApplyPaymentTx applies amount of a succeeded payment to a finalized
// invoice. The payment must belong to the invoice, or to its customer when
// it names no invoice, be in the invoice currency and cover amount on top of
// what it already paid elsewhere. Applying the same payment again with the
// same amount returns the invoice unchanged.
func (s *Service) ApplyPaymentTx(ctx context.Context, tx *gorm.DB, orgID, invoiceID, paymentID snowflake.ID, amount int64) (domain.Invoice, error) {
	if amount <= 0 {
		return domain.Invoice{}, domain.ErrInvalidAmount
	}
	if paymentID == 0 {
		return domain.Invoice{}, domain.ErrInvalidPayment
	}

	// Payment before invoice, the order the payment service locks them in.
	payment, err := s.payments.FindByIDForUpdate(ctx, tx, orgID, paymentID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if payment == nil {
		return domain.Invoice{}, domain.ErrPaymentNotFound.WithEntity("payment", paymentID.String())
	}
	invoice, err := s.FindForUpdateTx(ctx, tx, orgID, invoiceID)
	if err != nil {
		return domain.Invoice{}, err
	}

	existing, err := s.repo.FindPayment(ctx, tx, invoiceID, paymentID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if existing != nil {
		if existing.Amount != amount {
			return domain.Invoice{}, domain.ErrPaymentMismatch.WithEntity("invoice", invoiceID.String())
		}
		return *invoice, nil
	}
	if err := s.checkPayment(ctx, tx, *invoice, *payment, amount); err != nil {
		return domain.Invoice{}, err
	}

	if invoice.Status != domain.StatusFinalized {
		return domain.Invoice{}, domain.ErrNotFinalized.
			WithEntity("invoice", invoiceID.String()).
			WithTransition(string(invoice.Status), "PAID")
	}
	if amount > invoice.Collectable() {
		return domain.Invoice{}, domain.ErrOverpayment.WithEntity("invoice", invoiceID.String())
	}

	now := s.clock.Now()
	inserted, err := s.repo.InsertPayment(ctx, tx, &domain.InvoicePayment{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		InvoiceID: invoiceID,
		PaymentID: paymentID,
		Amount:    amount,
		CreatedAt: now,
	})
	if err != nil {
		return domain.Invoice{}, err
	}
	if !inserted {
		return domain.Invoice{}, domain.ErrConcurrentUpdate.WithEntity("invoice", invoiceID.String())
	}

	invoice.AmountPaid += amount
	invoice.AmountDue = invoice.Total - invoice.AmountPaid
	invoice.UpdatedAt = now
	paid := invoice.Collectable() <= 0
	if paid {
		invoice.PaymentStatus = domain.PaymentSucceeded
		invoice.PaidAt = &now
	}

	ok, err := s.repo.Update(ctx, tx, invoice)
	if err != nil {
		return domain.Invoice{}, err
	}
	if !ok {
		return domain.Invoice{}, domain.ErrConcurrentUpdate.WithEntity("invoice", invoiceID.String())
	}
	if err := s.audit.Record(ctx, tx, auditdomain.Entry{
		OrgID:      orgID,
		Action:     "invoice.payment_applied",
		TargetType: "invoice",
		TargetID:   invoiceID.String(),
		From:       string(invoice.Status),
		To:         string(invoice.Status),
		Metadata: map[string]any{
			"payment_id":  paymentID.String(),
			"amount":      amount,
			"amount_paid": invoice.AmountPaid,
		},
	}); err != nil {
		return domain.Invoice{}, err
	}
	if paid {
		if err := s.publish(ctx, tx, events.EventInvoicePaid, invoice); err != nil {
			return domain.Invoice{}, err
		}
	}

	s.log.Info("payment applied",
		zap.String("invoice_id", invoiceID.String()),
		zap.String("payment_id", paymentID.String()),
		zap.Int64("amount", amount),
		zap.Bool("paid", paid),
	)
	return *invoice, nil
}

func (s *Service) checkPayment(ctx context.Context, tx *gorm.DB, invoice domain.Invoice, payment paymentdomain.Payment, amount int64) error {
	if payment.Status != paymentdomain.StatusSucceeded {
		return domain.ErrPaymentNotSucceeded.
			WithEntity("payment", payment.ID.String()).
			WithTransition(string(payment.Status), string(paymentdomain.StatusSucceeded))
	}
	owner := payment.CustomerID == invoice.CustomerID
	if payment.InvoiceID != nil {
		owner = *payment.InvoiceID == invoice.ID
	}
	if !owner || !strings.EqualFold(payment.Currency, invoice.Currency) {
		return domain.ErrPaymentNotApplicable.WithEntity("payment", payment.ID.String())
	}
	applied, err := s.repo.AppliedAmount(ctx, tx, payment.ID)
	if err != nil {
		return err
	}
	if applied+amount > payment.Amount {
		return domain.ErrPaymentNotApplicable.WithEntity("payment", payment.ID.String())
	}
	return nil
}

// RecordPayment books money received outside any gateway and applies it.
func (s *Service) RecordPayment(ctx context.Context, req domain.RecordPaymentRequest) (domain.Invoice, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	invoiceID, err := parseID(req.InvoiceID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if req.Amount <= 0 {
		return domain.Invoice{}, domain.ErrInvalidAmount
	}

	unlock, err := s.locker.Lock(ctx, domain.LockKey(invoiceID))
	if err != nil {
		return domain.Invoice{}, err
	}
	defer unlock()

	return idempotency.Run(ctx, s.idempotency, s.db, orgID, "invoice.record_payment", req.IdempotencyKey, req,
		func(tx *gorm.DB) (domain.Invoice, error) {
			invoice, err := s.FindForUpdateTx(ctx, tx, orgID, invoiceID)
			if err != nil {
				return domain.Invoice{}, err
			}

			now := s.clock.Now()
			metadata := copyMetadata(req.Metadata)
			payment := paymentdomain.Payment{
				ID:               s.genID.Generate(),
				OrgID:            orgID,
				CustomerID:       invoice.CustomerID,
				InvoiceID:        &invoiceID,
				Amount:           req.Amount,
				Currency:         invoice.Currency,
				Method:           paymentdomain.MethodOffline,
				Status:           paymentdomain.StatusSucceeded,
				GatewayReference: strings.TrimSpace(req.Reference),
				Attempts:         1,
				Metadata:         datatypes.JSONMap(metadata),
				ProcessedAt:      &now,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := s.payments.Insert(ctx, tx, &payment); err != nil {
				if pkgdb.IsDuplicateKeyErr(err) {
					return domain.Invoice{}, domain.ErrConcurrentUpdate.WithEntity("invoice", req.InvoiceID)
				}
				return domain.Invoice{}, err
			}

			applied, err := s.ApplyPaymentTx(ctx, tx, orgID, invoiceID, payment.ID, req.Amount)
			if err != nil {
				return domain.Invoice{}, err
			}
			s.metrics.RecordPayment(ctx, string(payment.Method), string(payment.Status))
			return applied, nil
		})
}

// CreditTx lowers what is collectable on a finalized invoice. The invoice
// counts as settled once nothing remains collectable.
func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, orgID, invoiceID snowflake.ID, amount int64) (domain.Invoice, int64, error) {
	if amount <= 0 {
		return domain.Invoice{}, 0, domain.ErrInvalidAmount
	}
	invoice, err := s.FindForUpdateTx(ctx, tx, orgID, invoiceID)
	if err != nil {
		return domain.Invoice{}, 0, err
	}
	if invoice.Status != domain.StatusFinalized {
		return domain.Invoice{}, 0, domain.ErrNotFinalized.
			WithEntity("invoice", invoiceID.String()).
			WithTransition(string(invoice.Status), "CREDITED")
	}

	remaining := max(invoice.Collectable(), 0)
	excess := max(amount-remaining, 0)

	now := s.clock.Now()
	invoice.AmountCredited += amount
	invoice.UpdatedAt = now
	settled := invoice.PaymentStatus != domain.PaymentSucceeded && invoice.Collectable() <= 0
	if settled {
		invoice.PaymentStatus = domain.PaymentSucceeded
		invoice.PaidAt = &now
	}

	ok, err := s.repo.Update(ctx, tx, invoice)
	if err != nil {
		return domain.Invoice{}, 0, err
	}
	if !ok {
		return domain.Invoice{}, 0, domain.ErrConcurrentUpdate.WithEntity("invoice", invoiceID.String())
	}
	if err := s.audit.Record(ctx, tx, auditdomain.Entry{
		OrgID:      orgID,
		Action:     "invoice.credit",
		TargetType: "invoice",
		TargetID:   invoiceID.String(),
		From:       string(invoice.Status),
		To:         string(invoice.Status),
		Metadata:   map[string]any{"amount": amount, "excess": excess},
	}); err != nil {
		return domain.Invoice{}, 0, err
	}
	if settled {
		if err := s.publish(ctx, tx, events.EventInvoicePaid, invoice); err != nil {
			return domain.Invoice{}, 0, err
		}
	}
	return *invoice, excess, nil
}

func (s *Service) publish(ctx context.Context, tx *gorm.DB, eventType string, invoice *domain.Invoice) error {
	payload := map[string]any{
		"invoice_id":     invoice.ID.String(),
		"number":         invoice.Number,
		"customer_id":    invoice.CustomerID.String(),
		"currency":       invoice.Currency,
		"total":          invoice.Total,
		"amount_paid":    invoice.AmountPaid,
		"amount_due":     invoice.AmountDue,
		"status":         string(invoice.Status),
		"payment_status": string(invoice.PaymentStatus),
		"auto_paid":      invoice.AutoPaid,
	}
	if invoice.SubscriptionID != nil {
		payload["subscription_id"] = invoice.SubscriptionID.String()
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		OrgID:         invoice.OrgID,
		Type:          eventType,
		AggregateType: "invoice",
		AggregateID:   invoice.ID.String(),
		DedupeKey:     eventType + ":" + invoice.ID.String(),
		Payload:       payload,
	})
}
