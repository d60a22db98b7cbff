package service

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	catalogdomain "github.com/smallbiznis/billcore/internal/catalog/domain"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	"github.com/smallbiznis/billcore/internal/proration"
	"github.com/smallbiznis/billcore/internal/subscription/domain"
	"gorm.io/gorm"
)

// defaultTerms picks the billing terms of a plan: those of its first flat
// recurring price, or of its first recurring price.
func defaultTerms(prices []catalogdomain.Price) (catalogdomain.Price, bool) {
	var fallback *catalogdomain.Price
	for i, price := range prices {
		if price.Cadence != catalogdomain.CadenceRecurring || !price.BillingPeriod.Valid() {
			continue
		}
		if !price.IsMetered() {
			return price, true
		}
		if fallback == nil {
			fallback = &prices[i]
		}
	}
	if fallback == nil {
		return catalogdomain.Price{}, false
	}
	return *fallback, true
}

func hasRecurring(prices []catalogdomain.Price) bool {
	for _, price := range prices {
		if price.Cadence == catalogdomain.CadenceRecurring {
			return true
		}
	}
	return false
}

// termsPrices keeps the prices billed under the given terms: one-time and
// metered prices, and recurring prices with the same period.
func termsPrices(prices []catalogdomain.Price, unit billingcycle.Unit, count int) []catalogdomain.Price {
	out := make([]catalogdomain.Price, 0, len(prices))
	for _, price := range prices {
		switch {
		case price.Cadence == catalogdomain.CadenceOneTime, price.IsMetered():
			out = append(out, price)
		case price.BillingPeriod == unit && max(price.BillingPeriodCount, 1) == count:
			out = append(out, price)
		}
	}
	return out
}

// subject describes what the subscription bills: its plan and every active
// addon, priced in the subscription currency. It reads the catalog, so it
// must run before the transaction that bills it.
func (s *Service) subject(ctx context.Context, sub domain.Subscription) (invoicedomain.Subject, error) {
	plan, err := s.catalog.GetPlan(ctx, sub.PlanID.String())
	if err != nil {
		return invoicedomain.Subject{}, err
	}
	products := []invoicedomain.Product{{ProductID: plan.ID, Name: plan.Name, Quantity: 1}}
	for _, addon := range sub.ActiveAddons() {
		product, err := s.catalog.GetPlan(ctx, addon.AddonID.String())
		if err != nil {
			return invoicedomain.Subject{}, err
		}
		products = append(products, invoicedomain.Product{
			ProductID: product.ID,
			Name:      product.Name,
			Quantity:  addon.Quantity,
			Addon:     true,
		})
	}

	subject := invoicedomain.Subject{
		OrgID:            sub.OrgID,
		CustomerID:       sub.CustomerID,
		SubscriptionID:   sub.ID,
		Currency:         sub.Currency,
		CollectionMethod: sub.CollectionMethod,
		Products:         products,
	}
	if err := s.invoices.ResolvePrices(ctx, &subject); err != nil {
		return invoicedomain.Subject{}, err
	}
	for i := range subject.Products {
		subject.Products[i].Prices = termsPrices(subject.Products[i].Prices, sub.BillingPeriod, sub.BillingPeriodCount)
	}
	return subject, nil
}

// priced prices one plan or addon the way subject does.
func (s *Service) priced(ctx context.Context, plan catalogdomain.Plan, sub domain.Subscription, qty int64, addon bool) (invoicedomain.Product, error) {
	prices, err := s.catalog.PlanPrices(ctx, plan.ID, sub.Currency)
	if err != nil {
		return invoicedomain.Product{}, err
	}
	return invoicedomain.Product{
		ProductID: plan.ID,
		Name:      plan.Name,
		Quantity:  qty,
		Addon:     addon,
		Prices:    termsPrices(prices, sub.BillingPeriod, sub.BillingPeriodCount),
	}, nil
}

// recurringItems lists the flat recurring charges of a product for the
// proration engine. Metered prices are billed in arrears and never prorated.
func recurringItems(product invoicedomain.Product, label string) ([]proration.Item, error) {
	qty := decimal.NewFromInt(max(product.Quantity, 1))
	var items []proration.Item
	for _, price := range product.Prices {
		if price.Cadence != catalogdomain.CadenceRecurring || price.IsMetered() {
			continue
		}
		model, err := price.Model()
		if err != nil {
			return nil, err
		}
		amount, err := model.ComputeAmount(qty)
		if err != nil {
			return nil, err
		}
		items = append(items, proration.Item{
			Name:     label + " " + product.Name,
			PriceID:  price.ID,
			SourceID: product.ProductID,
			Quantity: qty,
			Amount:   amount,
		})
	}
	return items, nil
}

func lineInputs(lines []proration.Line) []invoicedomain.LineInput {
	out := make([]invoicedomain.LineInput, 0, len(lines))
	for _, line := range lines {
		sourceID, priceID := line.SourceID, line.PriceID
		start, end := line.PeriodStart, line.PeriodEnd
		out = append(out, invoicedomain.LineInput{
			Name:        line.Name,
			Quantity:    line.Quantity,
			Amount:      line.Amount,
			Source:      invoicedomain.SourceProration,
			SourceID:    &sourceID,
			PriceID:     &priceID,
			PeriodStart: &start,
			PeriodEnd:   &end,
			Metadata:    map[string]any{"proration_kind": string(line.Kind)},
		})
	}
	return out
}

// billProration turns proration lines into pending line items for the next
// invoice, or into an invoice finalized right away.
func (s *Service) billProration(ctx context.Context, tx *gorm.DB, sub domain.Subscription, result proration.Result, immediate bool) ([]invoicedomain.PendingLineItem, *invoicedomain.Invoice, error) {
	if len(result.Lines) == 0 {
		return nil, nil, nil
	}

	if immediate {
		subID := sub.ID
		period := billingcycle.Period{Start: result.Lines[0].PeriodStart, End: result.Lines[0].PeriodEnd}
		invoice, err := s.invoices.CreateTx(ctx, tx, sub.OrgID, invoicedomain.Draft{
			CustomerID:       sub.CustomerID,
			SubscriptionID:   &subID,
			Currency:         sub.Currency,
			Period:           &period,
			CollectionMethod: sub.CollectionMethod,
			Lines:            lineInputs(result.Lines),
			Metadata:         map[string]any{"reason": "proration"},
		})
		if err != nil {
			return nil, nil, err
		}
		invoice, err = s.invoices.FinalizeTx(ctx, tx, sub.OrgID, invoice.ID)
		if err != nil {
			return nil, nil, err
		}
		return nil, &invoice, nil
	}

	items := make([]invoicedomain.PendingLineItem, 0, len(result.Lines))
	for _, line := range result.Lines {
		sourceID, priceID := line.SourceID, line.PriceID
		start, end := line.PeriodStart, line.PeriodEnd
		items = append(items, invoicedomain.PendingLineItem{
			ID:             s.genID.Generate(),
			OrgID:          sub.OrgID,
			SubscriptionID: sub.ID,
			CustomerID:     sub.CustomerID,
			Currency:       sub.Currency,
			Name:           line.Name,
			Quantity:       line.Quantity,
			Amount:         line.Amount,
			Source:         invoicedomain.SourceProration,
			SourceID:       &sourceID,
			PriceID:        &priceID,
			PeriodStart:    &start,
			PeriodEnd:      &end,
		})
	}
	if err := s.invoices.AddPendingTx(ctx, tx, items); err != nil {
		return nil, nil, err
	}
	return items, nil, nil
}
