package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	"github.com/smallbiznis/billcore/internal/observability/tracing"
	"github.com/smallbiznis/billcore/internal/orgcontext"
	"github.com/smallbiznis/billcore/internal/payment/domain"
	"github.com/smallbiznis/billcore/internal/payment/gateway"
	walletdomain "github.com/smallbiznis/billcore/internal/wallet/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) Process(ctx context.Context, id string) (domain.Payment, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Payment{}, err
	}
	paymentID, err := parseID(id)
	if err != nil {
		return domain.Payment{}, err
	}

	ctx, span := tracing.Start(ctx, "payment.process", attribute.String("payment_id", id))
	defer span.End()

	payment, err := s.repo.FindByID(ctx, s.db, orgID, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if payment == nil {
		return domain.Payment{}, domain.ErrNotFound.WithEntity("payment", id)
	}
	if payment.Status == domain.StatusSucceeded {
		return *payment, nil
	}

	var processed domain.Payment
	switch payment.Method {
	case domain.MethodWallet:
		processed, err = s.processWallet(ctx, *payment)
	case domain.MethodOffline:
		processed, err = s.settle(ctx, *payment, "")
	default:
		processed, err = s.processGateway(ctx, *payment)
	}
	if err != nil {
		span.RecordError(err)
		return domain.Payment{}, err
	}
	s.metrics.RecordPayment(ctx, string(processed.Method), string(processed.Status))
	return processed, nil
}

func (s *Service) lockKeys(payment domain.Payment, walletID snowflake.ID) []string {
	keys := []string{domain.LockKey(payment.ID)}
	if payment.InvoiceID != nil {
		keys = append(keys, invoicedomain.LockKey(*payment.InvoiceID))
	}
	if walletID != 0 {
		keys = append(keys, walletdomain.LockKey(walletID))
	}
	return keys
}

// processWallet debits the customer's wallet and applies the payment to
// its invoice in one transaction. A shortfall fails the payment and moves
// no money.
func (s *Service) processWallet(ctx context.Context, payment domain.Payment) (domain.Payment, error) {
	wallet, err := s.wallets.FindForCustomerTx(ctx, s.db, payment.OrgID, payment.CustomerID, payment.Currency)
	if err != nil {
		return domain.Payment{}, err
	}
	var walletID snowflake.ID
	if wallet != nil {
		walletID = wallet.ID
	}

	unlock, err := s.locker.Lock(ctx, s.lockKeys(payment, walletID)...)
	if err != nil {
		return domain.Payment{}, err
	}
	defer unlock()

	var result domain.Payment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.pendingForUpdate(ctx, tx, payment.OrgID, payment.ID)
		if err != nil {
			return err
		}
		current.Attempts++
		if walletID == 0 {
			result, err = s.failTx(ctx, tx, *current, "wallet_not_found")
			return err
		}

		reason := walletdomain.ReasonDebit
		if current.InvoiceID != nil {
			reason = walletdomain.ReasonInvoicePayment
		}
		txn, err := s.wallets.DebitTx(ctx, tx, current.OrgID, walletdomain.Entry{
			WalletID:       walletID,
			Amount:         current.Amount,
			Reason:         reason,
			ReferenceType:  "payment",
			ReferenceID:    current.ID.String(),
			Description:    "Payment " + current.ID.String(),
			IdempotencyKey: "payment:" + current.ID.String(),
		})
		switch {
		case errors.Is(err, walletdomain.ErrInsufficientBalance):
			result, err = s.failTx(ctx, tx, *current, "insufficient_balance")
			return err
		case errors.Is(err, walletdomain.ErrWalletClosed):
			result, err = s.failTx(ctx, tx, *current, "wallet_closed")
			return err
		case err != nil:
			return err
		}

		result, err = s.succeedTx(ctx, tx, *current, txn.ID.String())
		return err
	})
	if err != nil {
		return domain.Payment{}, err
	}
	return result, nil
}

// settle marks a payment collected outside any gateway as succeeded.
func (s *Service) settle(ctx context.Context, payment domain.Payment, reference string) (domain.Payment, error) {
	unlock, err := s.locker.Lock(ctx, s.lockKeys(payment, 0)...)
	if err != nil {
		return domain.Payment{}, err
	}
	defer unlock()

	var result domain.Payment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.pendingForUpdate(ctx, tx, payment.OrgID, payment.ID)
		if err != nil {
			return err
		}
		current.Attempts++
		result, err = s.succeedTx(ctx, tx, *current, reference)
		return err
	})
	if err != nil {
		return domain.Payment{}, err
	}
	return result, nil
}

// processGateway charges through the method's gateway. The attempt is
// committed before the call; the outcome is committed after it. If the
// outcome cannot be committed the charge is refunded.
func (s *Service) processGateway(ctx context.Context, payment domain.Payment) (domain.Payment, error) {
	gw, err := s.gateways.For(payment.Method)
	if err != nil {
		return domain.Payment{}, err
	}

	unlock, err := s.locker.Lock(ctx, s.lockKeys(payment, 0)...)
	if err != nil {
		return domain.Payment{}, err
	}
	defer unlock()

	var attempt domain.Payment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.pendingForUpdate(ctx, tx, payment.OrgID, payment.ID)
		if err != nil {
			return err
		}
		current.Attempts++
		current.UpdatedAt = s.clock.Now()
		if err := s.repo.Update(ctx, tx, current); err != nil {
			return err
		}
		attempt = *current
		return nil
	})
	if err != nil {
		return domain.Payment{}, err
	}

	result, err := s.charge(ctx, gw, attempt)
	if err != nil {
		if gateway.Retryable(err) || errors.Is(err, context.Canceled) {
			s.log.Warn("payment outcome unknown, left pending",
				zap.String("payment_id", attempt.ID.String()),
				zap.Int("attempts", attempt.Attempts),
				zap.Error(err),
			)
			if errors.Is(err, context.DeadlineExceeded) {
				return domain.Payment{}, domain.ErrGatewayTimeout.WithEntity("payment", attempt.ID.String()).Wrap(err)
			}
		}
		return domain.Payment{}, domain.ErrGatewayUnavailable.WithEntity("payment", attempt.ID.String()).Wrap(err)
	}

	var final domain.Payment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.pendingForUpdate(ctx, tx, attempt.OrgID, attempt.ID)
		if err != nil {
			return err
		}
		if !result.Succeeded {
			final, err = s.failTx(ctx, tx, *current, result.FailureReason)
			return err
		}
		final, err = s.succeedTx(ctx, tx, *current, result.Reference)
		return err
	})
	if err != nil && result.Succeeded {
		s.compensate(ctx, gw, attempt, result.Reference, err)
		return domain.Payment{}, err
	}
	if err != nil {
		return domain.Payment{}, err
	}
	return final, nil
}

func (s *Service) charge(ctx context.Context, gw domain.Gateway, payment domain.Payment) (domain.ChargeResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.billing.Get().PaymentTimeout)
	defer cancel()

	started := time.Now()
	result, err := gw.Charge(callCtx, domain.ChargeRequest{
		PaymentID:      payment.ID,
		CustomerID:     payment.CustomerID,
		InvoiceID:      payment.InvoiceID,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		IdempotencyKey: "payment:" + payment.ID.String(),
	})
	s.metrics.ObserveGatewayLatency(ctx, string(payment.Method), time.Since(started))
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	return result, err
}

// compensate refunds a charge whose success could not be recorded, then
// marks the payment failed.
func (s *Service) compensate(ctx context.Context, gw domain.Gateway, payment domain.Payment, reference string, cause error) {
	ctx = context.WithoutCancel(ctx)
	refundCtx, cancel := context.WithTimeout(ctx, s.billing.Get().PaymentTimeout)
	defer cancel()

	log := s.log.With(
		zap.String("payment_id", payment.ID.String()),
		zap.String("gateway_reference", reference),
		zap.NamedError("cause", cause),
	)
	if err := gw.Refund(refundCtx, reference, payment.Amount); err != nil {
		log.Error("payment refund failed, manual reconciliation required", zap.Error(err))
		return
	}
	log.Warn("payment refunded after apply failure")

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.pendingForUpdate(ctx, tx, payment.OrgID, payment.ID)
		if err != nil {
			return err
		}
		current.GatewayReference = reference
		_, err = s.failTx(ctx, tx, *current, "refunded: "+cause.Error())
		return err
	})
	if err != nil {
		log.Error("failed to mark refunded payment", zap.Error(err))
	}
}

func (s *Service) succeedTx(ctx context.Context, tx *gorm.DB, payment domain.Payment, reference string) (domain.Payment, error) {
	now := s.clock.Now()
	payment.Status = domain.StatusSucceeded
	payment.GatewayReference = reference
	payment.FailureReason = ""
	payment.ProcessedAt = &now
	payment.UpdatedAt = now
	if err := s.repo.Update(ctx, tx, &payment); err != nil {
		return domain.Payment{}, err
	}
	if payment.InvoiceID != nil {
		if _, err := s.invoices.ApplyPaymentTx(ctx, tx, payment.OrgID, *payment.InvoiceID, payment.ID, payment.Amount); err != nil {
			return domain.Payment{}, err
		}
	}
	if err := s.record(ctx, tx, payment, "payment.succeeded", domain.StatusPending); err != nil {
		return domain.Payment{}, err
	}
	s.log.Info("payment succeeded",
		zap.String("payment_id", payment.ID.String()),
		zap.String("method", string(payment.Method)),
		zap.Int64("amount", payment.Amount),
	)
	return payment, nil
}

func (s *Service) failTx(ctx context.Context, tx *gorm.DB, payment domain.Payment, reason string) (domain.Payment, error) {
	now := s.clock.Now()
	if reason == "" {
		reason = "declined"
	}
	payment.Status = domain.StatusFailed
	payment.FailureReason = reason
	payment.ProcessedAt = &now
	payment.UpdatedAt = now
	if err := s.repo.Update(ctx, tx, &payment); err != nil {
		return domain.Payment{}, err
	}
	if err := s.record(ctx, tx, payment, "payment.failed", domain.StatusPending); err != nil {
		return domain.Payment{}, err
	}
	s.log.Warn("payment failed",
		zap.String("payment_id", payment.ID.String()),
		zap.String("method", string(payment.Method)),
		zap.String("reason", reason),
	)
	return payment, nil
}
