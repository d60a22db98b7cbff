package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	catalogdomain "github.com/smallbiznis/billcore/internal/catalog/domain"
	"github.com/smallbiznis/billcore/internal/invoice/domain"
	"github.com/smallbiznis/billcore/internal/observability/tracing"
	"github.com/smallbiznis/billcore/internal/orgcontext"
	"github.com/smallbiznis/billcore/internal/pricing"
	walletdomain "github.com/smallbiznis/billcore/internal/wallet/domain"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// usageReader returns the quantity to bill for a metered feature over a
// window.
type usageReader func(featureID snowflake.ID, window billingcycle.Period) (decimal.Decimal, error)

func (s *Service) ResolvePrices(ctx context.Context, subject *domain.Subject) error {
	for i := range subject.Products {
		product := &subject.Products[i]
		prices, err := s.catalog.PlanPrices(ctx, product.ProductID, subject.Currency)
		if err != nil {
			return err
		}
		product.Prices = prices
	}
	return nil
}

// Preview computes the invoice req would generate from live usage and the
// pending queue. Nothing is written.
func (s *Service) Preview(ctx context.Context, req domain.GenerateRequest) (domain.Invoice, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	req.Subject.OrgID = orgID
	if err := validateSubject(req); err != nil {
		return domain.Invoice{}, err
	}

	subject := req.Subject
	current := func(featureID snowflake.ID, window billingcycle.Period) (decimal.Decimal, error) {
		return s.usage.Current(ctx, subject.CustomerID, featureID, window)
	}
	lines, err := s.charges(req, current)
	if err != nil {
		return domain.Invoice{}, err
	}
	if req.IncludePending {
		pending, err := s.repo.ListPending(ctx, s.db, orgID, subject.SubscriptionID)
		if err != nil {
			return domain.Invoice{}, err
		}
		lines = append(lines, pendingLines(pending)...)
	}
	lines = append(lines, req.Extra...)

	draft := domain.Draft{
		CustomerID:       subject.CustomerID,
		SubscriptionID:   &subject.SubscriptionID,
		Currency:         subject.Currency,
		Period:           &req.Period,
		CollectionMethod: subject.CollectionMethod,
		Lines:            lines,
	}
	if err := s.validateDraft(&draft); err != nil {
		return domain.Invoice{}, err
	}

	now := s.clock.Now()
	start, end := req.Period.Start.UTC(), req.Period.End.UTC()
	preview := domain.Invoice{
		OrgID:            orgID,
		CustomerID:       draft.CustomerID,
		SubscriptionID:   draft.SubscriptionID,
		Currency:         draft.Currency,
		PeriodStart:      &start,
		PeriodEnd:        &end,
		Status:           domain.StatusDraft,
		PaymentStatus:    domain.PaymentPending,
		CollectionMethod: draft.CollectionMethod,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	preview.Lines = s.buildLines(orgID, 0, draft.Lines, now)
	for i := range preview.Lines {
		preview.Lines[i].ID = 0
	}
	preview.Recompute()
	return preview, nil
}

// GenerateForPeriod writes the invoice for one subscription period, and
// finalizes it when req asks to.
func (s *Service) GenerateForPeriod(ctx context.Context, req domain.GenerateRequest) (domain.Invoice, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	req.Subject.OrgID = orgID
	if err := validateSubject(req); err != nil {
		return domain.Invoice{}, err
	}
	for _, product := range req.Subject.Products {
		if product.Prices == nil {
			if err := s.ResolvePrices(ctx, &req.Subject); err != nil {
				return domain.Invoice{}, err
			}
			break
		}
	}

	var keys []string
	if req.Finalize && req.Subject.CollectionMethod == domain.CollectChargeWallet {
		wallet, err := s.wallets.FindForCustomerTx(ctx, s.db, orgID, req.Subject.CustomerID, req.Subject.Currency)
		if err != nil {
			return domain.Invoice{}, err
		}
		if wallet != nil {
			keys = append(keys, walletdomain.LockKey(wallet.ID))
		}
	}
	if len(keys) > 0 {
		unlock, err := s.locker.Lock(ctx, keys...)
		if err != nil {
			return domain.Invoice{}, err
		}
		defer unlock()
	}

	var generated domain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		generated, err = s.GenerateTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return domain.Invoice{}, err
	}
	return generated, nil
}

// GenerateTx writes a subscription invoice inside tx. Usage is snapshotted
// and pending items are claimed in the same transaction.
func (s *Service) GenerateTx(ctx context.Context, tx *gorm.DB, req domain.GenerateRequest) (domain.Invoice, error) {
	if err := validateSubject(req); err != nil {
		return domain.Invoice{}, err
	}
	subject := req.Subject

	ctx, span := tracing.Start(ctx, "invoice.generate",
		attribute.String("subscription_id", subject.SubscriptionID.String()),
	)
	defer span.End()

	snapshot := func(featureID snowflake.ID, window billingcycle.Period) (decimal.Decimal, error) {
		return s.usage.SnapshotTx(ctx, tx, subject.OrgID, subject.CustomerID, featureID, window)
	}
	lines, err := s.charges(req, snapshot)
	if err != nil {
		span.RecordError(err)
		return domain.Invoice{}, err
	}

	var claimed []snowflake.ID
	if req.IncludePending {
		pending, err := s.repo.ListPending(ctx, tx, subject.OrgID, subject.SubscriptionID)
		if err != nil {
			return domain.Invoice{}, err
		}
		for _, item := range pending {
			claimed = append(claimed, item.ID)
		}
		lines = append(lines, pendingLines(pending)...)
	}
	lines = append(lines, req.Extra...)
	if req.SkipEmpty && len(lines) == 0 {
		return domain.Invoice{}, nil
	}

	subscriptionID := subject.SubscriptionID
	period := req.Period
	invoice, err := s.CreateTx(ctx, tx, subject.OrgID, domain.Draft{
		CustomerID:       subject.CustomerID,
		SubscriptionID:   &subscriptionID,
		Currency:         subject.Currency,
		Period:           &period,
		CollectionMethod: subject.CollectionMethod,
		Lines:            lines,
	})
	if err != nil {
		span.RecordError(err)
		return domain.Invoice{}, err
	}
	if len(claimed) > 0 {
		if err := s.repo.ClaimPending(ctx, tx, claimed, invoice.ID); err != nil {
			return domain.Invoice{}, err
		}
	}

	if !req.Finalize {
		return invoice, nil
	}
	return s.FinalizeTx(ctx, tx, subject.OrgID, invoice.ID)
}

func validateSubject(req domain.GenerateRequest) error {
	subject := req.Subject
	if subject.CustomerID == 0 {
		return domain.ErrInvalidCustomer
	}
	if subject.SubscriptionID == 0 {
		return domain.ErrInvalidID
	}
	if subject.Currency == "" {
		return domain.ErrInvalidCurrency
	}
	if !req.Period.Valid() {
		return domain.ErrInvalidPeriod
	}
	if req.Arrears != nil && !req.Arrears.Valid() {
		return domain.ErrInvalidPeriod
	}
	if req.Advance != nil && !req.Advance.Valid() {
		return domain.ErrInvalidPeriod
	}
	if req.AdvanceFactor.IsNegative() || req.AdvanceFactor.GreaterThan(decimal.NewFromInt(1)) {
		return domain.ErrInvalidPeriod
	}
	if next := req.AdvanceSubject; next != nil {
		if next.SubscriptionID != subject.SubscriptionID || next.CustomerID != subject.CustomerID || next.Currency != subject.Currency {
			return domain.ErrInvalidID
		}
	}
	return nil
}

// charges prices every product of the subject. Each amount is rounded once,
// after the model and the advance factor are applied. Zero lines are
// dropped.
func (s *Service) charges(req domain.GenerateRequest, readUsage usageReader) ([]domain.LineInput, error) {
	if req.AdvanceSubject == nil {
		return s.productCharges(req, req.Subject.Products, readUsage, true, true)
	}
	lines, err := s.productCharges(req, req.Subject.Products, readUsage, true, false)
	if err != nil {
		return nil, err
	}
	upfront, err := s.productCharges(req, req.AdvanceSubject.Products, readUsage, false, true)
	if err != nil {
		return nil, err
	}
	return append(lines, upfront...), nil
}

// productCharges prices products. metered selects the usage lines billed in
// arrears, upfront the one-time and recurring lines.
func (s *Service) productCharges(req domain.GenerateRequest, products []domain.Product, readUsage usageReader, metered, upfront bool) ([]domain.LineInput, error) {
	factor := req.AdvanceFactor
	if factor.IsZero() {
		factor = decimal.NewFromInt(1)
	}

	var lines []domain.LineInput
	for _, product := range products {
		productID := product.ProductID
		qty := decimal.NewFromInt(max(product.Quantity, 1))
		for _, price := range product.Prices {
			model, err := price.Model()
			if err != nil {
				return nil, err
			}
			priceID := price.ID

			switch {
			case price.Cadence == catalogdomain.CadenceOneTime:
				if !upfront || !req.IncludeOneTime {
					continue
				}
				amount, err := model.ComputeAmount(qty)
				if err != nil {
					return nil, err
				}
				line := domain.LineInput{
					Name:     product.Name,
					Quantity: qty,
					Amount:   pricing.RoundMinor(amount),
					Source:   domain.SourceOneOff,
					SourceID: &productID,
					PriceID:  &priceID,
				}
				if line.Amount != 0 {
					lines = append(lines, line)
				}

			case price.IsMetered():
				if !metered || req.Arrears == nil || price.FeatureID == nil {
					continue
				}
				used, err := readUsage(*price.FeatureID, *req.Arrears)
				if err != nil {
					return nil, err
				}
				if used.IsZero() {
					continue
				}
				amount, err := model.ComputeAmount(used)
				if err != nil {
					return nil, err
				}
				start, end := req.Arrears.Start, req.Arrears.End
				line := domain.LineInput{
					Name:        product.Name + " usage",
					Quantity:    used,
					Amount:      pricing.RoundMinor(amount),
					Source:      domain.SourceUsage,
					SourceID:    &productID,
					PriceID:     &priceID,
					PeriodStart: &start,
					PeriodEnd:   &end,
				}
				if price.BillingModel == pricing.KindUsage {
					unit := price.UnitAmount
					line.UnitAmount = &unit
				}
				if line.Amount != 0 {
					lines = append(lines, line)
				}

			default:
				if !upfront || req.Advance == nil {
					continue
				}
				full, err := model.ComputeAmount(qty)
				if err != nil {
					return nil, err
				}
				source := domain.SourceRecurring
				if product.Addon {
					source = domain.SourceAddon
				}
				start, end := req.Advance.Start, req.Advance.End
				line := domain.LineInput{
					Name:        product.Name,
					Quantity:    qty,
					Amount:      pricing.RoundMinor(full.Mul(factor)),
					Source:      source,
					SourceID:    &productID,
					PriceID:     &priceID,
					PeriodStart: &start,
					PeriodEnd:   &end,
				}
				if !factor.Equal(decimal.NewFromInt(1)) {
					line.Metadata = map[string]any{"proration_factor": factor.String()}
				}
				if line.Amount != 0 {
					lines = append(lines, line)
				}
			}
		}
	}
	return lines, nil
}

func pendingLines(items []domain.PendingLineItem) []domain.LineInput {
	lines := make([]domain.LineInput, 0, len(items))
	for _, item := range items {
		line := domain.LineInput{
			Name:        item.Name,
			Quantity:    item.Quantity,
			Amount:      item.Amount,
			Source:      item.Source,
			SourceID:    item.SourceID,
			PriceID:     item.PriceID,
			PeriodStart: item.PeriodStart,
			PeriodEnd:   item.PeriodEnd,
		}
		if !item.UnitAmount.IsZero() {
			unit := item.UnitAmount
			line.UnitAmount = &unit
		}
		lines = append(lines, line)
	}
	return lines
}
