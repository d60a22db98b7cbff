package service

import (
	"context"

	"github.com/smallbiznis/billcore/internal/billingcycle"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	"github.com/smallbiznis/billcore/internal/orgcontext"
	"github.com/smallbiznis/billcore/internal/subscription/domain"
)

// Preview projects the next invoice of a subscription: the activation
// invoice of a draft, or the renewal invoice of an active subscription
// with its usage so far. Nothing is written.
func (s *Service) Preview(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	subID, err := parseID(id)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	sub, err := s.find(ctx, s.db, orgID, subID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	req, err := s.previewRequest(ctx, sub)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	return s.invoices.Preview(ctx, req)
}

// PreviewCustomer previews every active subscription of a customer.
func (s *Service) PreviewCustomer(ctx context.Context, customerID string) ([]invoicedomain.Invoice, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return nil, err
	}
	custID, err := parseID(customerID)
	if err != nil {
		return nil, domain.ErrInvalidCustomer
	}
	subs, err := s.repo.ListLive(ctx, s.db, orgID, custID)
	if err != nil {
		return nil, err
	}

	out := make([]invoicedomain.Invoice, 0, len(subs))
	for _, sub := range subs {
		if sub.Status != domain.StatusActive {
			continue
		}
		req, err := s.previewRequest(ctx, sub)
		if err != nil {
			return nil, err
		}
		invoice, err := s.invoices.Preview(ctx, req)
		if err != nil {
			return nil, err
		}
		out = append(out, invoice)
	}
	return out, nil
}

func (s *Service) previewRequest(ctx context.Context, sub domain.Subscription) (invoicedomain.GenerateRequest, error) {
	var req invoicedomain.GenerateRequest
	switch sub.Status {
	case domain.StatusDraft:
		start := s.clock.Now()
		if start.Before(sub.CreatedAt) {
			start = sub.CreatedAt
		}
		period, err := billingcycle.First(start, sub.BillingCycleAnchor, sub.BillingPeriod, sub.BillingPeriodCount)
		if err != nil {
			return req, domain.ErrInvalidBillingPeriod.Wrap(err)
		}
		advance, factor, err := partialPeriod(period, start, sub.ProrationBehavior)
		if err != nil {
			return req, err
		}
		req = invoicedomain.GenerateRequest{
			Period:         period,
			Advance:        &advance,
			AdvanceFactor:  factor,
			IncludeOneTime: true,
		}
	case domain.StatusActive:
		current, ok := sub.Period()
		if !ok {
			return req, domain.ErrNotActive.WithEntity("subscription", sub.ID.String())
		}
		target := sub
		if sub.PendingChangeDue(current.End) {
			target = sub.WithPendingChange()
			upcoming, err := s.subject(ctx, target)
			if err != nil {
				return req, err
			}
			req.AdvanceSubject = &upcoming
		}
		next, err := billingcycle.Next(target.Anchor(), current, target.BillingPeriod, target.BillingPeriodCount)
		if err != nil {
			return req, err
		}
		req.Period = current
		req.Arrears = &current
		req.Advance = &next
		req.IncludePending = true
	default:
		return req, domain.ErrNotActive.
			WithEntity("subscription", sub.ID.String()).
			WithTransition(string(sub.Status), string(domain.StatusActive))
	}

	subject, err := s.subject(ctx, sub)
	if err != nil {
		return req, err
	}
	req.Subject = subject
	return req, nil
}
