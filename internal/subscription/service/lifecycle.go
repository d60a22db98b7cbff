package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	"github.com/smallbiznis/billcore/internal/events"
	"github.com/smallbiznis/billcore/internal/idempotency"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	"github.com/smallbiznis/billcore/internal/observability/tracing"
	"github.com/smallbiznis/billcore/internal/proration"
	"github.com/smallbiznis/billcore/internal/subscription/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Activate starts a draft subscription: it opens the first period, applies
// the credit grants owed for it and bills the first invoice in advance.
func (s *Service) Activate(ctx context.Context, req domain.ActivateRequest) (domain.Subscription, error) {
	ctx, span := tracing.Start(ctx, "subscription.activate", attribute.String("subscription_id", req.ID))
	defer span.End()

	orgID, sub, unlock, err := s.acquire(ctx, req.ID)
	if err != nil {
		return domain.Subscription{}, err
	}
	defer unlock()

	now := s.clock.Now()
	start := now
	if req.StartDate != nil {
		start = req.StartDate.UTC()
	}
	if start.Before(sub.CreatedAt) {
		return domain.Subscription{}, domain.ErrInvalidStartDate
	}
	period, err := billingcycle.First(start, sub.BillingCycleAnchor, sub.BillingPeriod, sub.BillingPeriodCount)
	if err != nil {
		return domain.Subscription{}, domain.ErrInvalidBillingPeriod.Wrap(err)
	}
	advance, factor, err := partialPeriod(period, start, sub.ProrationBehavior)
	if err != nil {
		return domain.Subscription{}, err
	}
	subject, err := s.subject(ctx, sub)
	if err != nil {
		return domain.Subscription{}, err
	}

	activated, err := idempotency.Run(ctx, s.idempotency, s.db, orgID, "subscription.activate", req.IdempotencyKey, req,
		func(tx *gorm.DB) (domain.Subscription, error) {
			current, err := s.forUpdate(ctx, tx, orgID, sub.ID)
			if err != nil {
				return domain.Subscription{}, err
			}
			if current.Status != domain.StatusDraft {
				return domain.Subscription{}, domain.ErrNotDraft.
					WithEntity("subscription", current.ID.String()).
					WithTransition(string(current.Status), string(domain.StatusActive))
			}
			if err := s.checkOverlap(ctx, tx, *current, current.PlanID); err != nil {
				return domain.Subscription{}, err
			}

			current.Status = domain.StatusActive
			current.StartDate = &start
			current.CurrentPeriodStart = &period.Start
			current.CurrentPeriodEnd = &period.End
			current.ActivatedAt = &now
			if err := s.save(ctx, tx, current); err != nil {
				return domain.Subscription{}, err
			}

			if _, err := s.creditGrants.ApplyForPeriodTx(ctx, tx, grantTarget(*current, period)); err != nil {
				return domain.Subscription{}, err
			}
			invoice, err := s.invoices.GenerateTx(ctx, tx, invoicedomain.GenerateRequest{
				Subject:        subject,
				Period:         period,
				Advance:        &advance,
				AdvanceFactor:  factor,
				IncludeOneTime: true,
				Finalize:       true,
				SkipEmpty:      true,
			})
			if err != nil {
				return domain.Subscription{}, err
			}

			extra := map[string]any{"start_date": start.Format(time.RFC3339)}
			if invoice.ID != 0 {
				extra["invoice_id"] = invoice.ID.String()
			}
			if err := s.record(ctx, tx, *current, "subscription.activate", domain.StatusDraft, extra); err != nil {
				return domain.Subscription{}, err
			}
			if err := s.publish(ctx, tx, events.EventSubscriptionActivated, "subscription.activated:"+current.ID.String(), *current, extra); err != nil {
				return domain.Subscription{}, err
			}
			return *current, nil
		})
	if err != nil {
		span.RecordError(err)
		return domain.Subscription{}, err
	}
	s.transitioned(ctx, activated, domain.StatusDraft, "subscription activated")
	return activated, nil
}

// partialPeriod returns the part of period billed in advance for a start
// at start, and the share of the recurring charge owed for it. A zero
// factor charges the whole period.
func partialPeriod(period billingcycle.Period, start time.Time, behavior proration.Behavior) (billingcycle.Period, decimal.Decimal, error) {
	if !start.After(period.Start) {
		return period, decimal.Zero, nil
	}
	advance := billingcycle.Period{Start: start, End: period.End}
	if behavior == proration.BehaviorNone {
		return advance, decimal.Zero, nil
	}
	factor, err := proration.Coefficient(period.Start, period.End, start)
	if err != nil {
		return billingcycle.Period{}, decimal.Zero, err
	}
	return advance, factor, nil
}

func (s *Service) Pause(ctx context.Context, req domain.PauseRequest) (domain.Subscription, error) {
	mode := req.Mode
	if mode == "" {
		mode = domain.ModeImmediate
	}
	if !mode.Valid() {
		return domain.Subscription{}, domain.ErrInvalidMode
	}

	orgID, sub, unlock, err := s.acquire(ctx, req.ID)
	if err != nil {
		return domain.Subscription{}, err
	}
	defer unlock()

	var paused domain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.forUpdate(ctx, tx, orgID, sub.ID)
		if err != nil {
			return err
		}
		if current.Status != domain.StatusActive {
			return domain.ErrNotActive.
				WithEntity("subscription", current.ID.String()).
				WithTransition(string(current.Status), string(domain.StatusPaused))
		}
		if current.PauseAt != nil {
			return domain.ErrPauseScheduled.WithEntity("subscription", current.ID.String())
		}
		if current.CancelAtPeriodEnd {
			return domain.ErrCancelScheduled.WithEntity("subscription", current.ID.String())
		}

		now := s.clock.Now()
		pause := domain.Pause{
			ID:             s.genID.Generate(),
			OrgID:          orgID,
			SubscriptionID: current.ID,
			Mode:           mode,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		if mode == domain.ModeEndOfPeriod {
			pause.Status = domain.PauseScheduled
			pause.PauseStart = current.CurrentPeriodEnd.UTC()
			if err := s.repo.InsertPause(ctx, tx, &pause); err != nil {
				return err
			}
			current.PauseAt = &pause.PauseStart
			if err := s.save(ctx, tx, current); err != nil {
				return err
			}
			paused = *current
			return s.record(ctx, tx, *current, "subscription.pause_scheduled", domain.StatusActive, map[string]any{
				"pause_at": pause.PauseStart.Format(time.RFC3339),
			})
		}

		pause.Status = domain.PauseActive
		pause.PauseStart = now
		if err := s.repo.InsertPause(ctx, tx, &pause); err != nil {
			return err
		}
		current.Status = domain.StatusPaused
		current.PausedAt = &now
		if err := s.save(ctx, tx, current); err != nil {
			return err
		}
		if err := s.record(ctx, tx, *current, "subscription.pause", domain.StatusActive, map[string]any{"mode": string(mode)}); err != nil {
			return err
		}
		paused = *current
		return s.publish(ctx, tx, events.EventSubscriptionPaused, "", *current, map[string]any{"mode": string(mode)})
	})
	if err != nil {
		return domain.Subscription{}, err
	}
	s.transitioned(ctx, paused, domain.StatusActive, "subscription paused")
	return paused, nil
}

func (s *Service) Resume(ctx context.Context, req domain.ResumeRequest) (domain.Subscription, error) {
	mode := req.Mode
	if mode == "" {
		mode = domain.ModeImmediate
	}
	if !mode.Valid() {
		return domain.Subscription{}, domain.ErrInvalidMode
	}

	orgID, sub, unlock, err := s.acquire(ctx, req.ID)
	if err != nil {
		return domain.Subscription{}, err
	}
	defer unlock()

	var subject invoicedomain.Subject
	if sub.Status == domain.StatusPaused && mode == domain.ModeImmediate {
		if subject, err = s.subject(ctx, resumedAs(sub, s.clock.Now())); err != nil {
			return domain.Subscription{}, err
		}
	}

	from := sub.Status
	var resumed domain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.forUpdate(ctx, tx, orgID, sub.ID)
		if err != nil {
			return err
		}
		pause, err := s.repo.FindOpenPause(ctx, tx, current.ID)
		if err != nil {
			return err
		}
		now := s.clock.Now()

		switch {
		case current.Status == domain.StatusActive && current.PauseAt != nil:
			current.PauseAt = nil
			if err := s.save(ctx, tx, current); err != nil {
				return err
			}
			if pause != nil {
				pause.Status = domain.PauseCanceled
				pause.UpdatedAt = now
				if err := s.repo.UpdatePause(ctx, tx, pause); err != nil {
					return err
				}
			}
			resumed = *current
			return s.record(ctx, tx, *current, "subscription.pause_canceled", domain.StatusActive, nil)

		case current.Status != domain.StatusPaused:
			return domain.ErrNotPaused.
				WithEntity("subscription", current.ID.String()).
				WithTransition(string(current.Status), string(domain.StatusActive))

		case mode == domain.ModeEndOfPeriod:
			at := current.CurrentPeriodEnd.UTC()
			if at.Before(now) {
				at = now
			}
			current.ResumeAt = &at
			if err := s.save(ctx, tx, current); err != nil {
				return err
			}
			if pause != nil {
				pause.ResumeMode = domain.ModeEndOfPeriod
				pause.ResumeAt = &at
				pause.UpdatedAt = now
				if err := s.repo.UpdatePause(ctx, tx, pause); err != nil {
					return err
				}
			}
			resumed = *current
			return s.record(ctx, tx, *current, "subscription.resume_scheduled", domain.StatusPaused, map[string]any{
				"resume_at": at.Format(time.RFC3339),
			})
		}

		if err := s.resume(ctx, tx, current, pause, subject, now); err != nil {
			return err
		}
		resumed = *current
		return nil
	})
	if err != nil {
		return domain.Subscription{}, err
	}
	s.transitioned(ctx, resumed, from, "subscription resumed")
	return resumed, nil
}

// resume reactivates a paused subscription at at. A subscription paused
// immediately keeps its period boundaries. One paused at the end of its
// period had that period billed already, so it takes any pending change,
// restarts in the period containing at and is billed for the rest of it.
// subject must describe the subscription after that change.
func (s *Service) resume(ctx context.Context, tx *gorm.DB, sub *domain.Subscription, pause *domain.Pause, subject invoicedomain.Subject, at time.Time) error {
	extra := map[string]any{}
	if pause != nil && pause.Mode == domain.ModeEndOfPeriod {
		if pendingAtResume(*sub, at) {
			if err := s.applyPendingChange(ctx, tx, sub, at); err != nil {
				return err
			}
		}
		period, err := s.restartPeriod(*sub, at)
		if err != nil {
			return err
		}
		advance, factor, err := partialPeriod(period, at, sub.ProrationBehavior)
		if err != nil {
			return err
		}
		sub.CurrentPeriodStart = &period.Start
		sub.CurrentPeriodEnd = &period.End

		if _, err := s.creditGrants.ApplyForPeriodTx(ctx, tx, grantTarget(*sub, period)); err != nil {
			return err
		}
		invoice, err := s.invoices.GenerateTx(ctx, tx, invoicedomain.GenerateRequest{
			Subject:       subject,
			Period:        period,
			Advance:       &advance,
			AdvanceFactor: factor,
			Finalize:      true,
			SkipEmpty:     true,
		})
		if err != nil {
			return err
		}
		if invoice.ID != 0 {
			extra["invoice_id"] = invoice.ID.String()
		}
	}

	sub.Status = domain.StatusActive
	sub.PausedAt = nil
	sub.ResumeAt = nil
	if err := s.save(ctx, tx, sub); err != nil {
		return err
	}
	if pause != nil {
		if pause.ResumeMode == "" {
			pause.ResumeMode = domain.ModeImmediate
		}
		pause.Status = domain.PauseCompleted
		pause.ResumedAt = &at
		pause.UpdatedAt = s.clock.Now()
		if err := s.repo.UpdatePause(ctx, tx, pause); err != nil {
			return err
		}
	}
	if err := s.record(ctx, tx, *sub, "subscription.resume", domain.StatusPaused, extra); err != nil {
		return err
	}
	return s.publish(ctx, tx, events.EventSubscriptionResumed, "", *sub, extra)
}

// pendingAtResume reports whether the pending change of sub lands when it
// resumes at at.
func pendingAtResume(sub domain.Subscription, at time.Time) bool {
	return sub.HasPendingChange() && (sub.PendingChangeAt == nil || !sub.PendingChangeAt.After(at))
}

// resumedAs returns sub as it bills once resumed at at.
func resumedAs(sub domain.Subscription, at time.Time) domain.Subscription {
	if sub.Status == domain.StatusPaused && pendingAtResume(sub, at) {
		return sub.WithPendingChange()
	}
	return sub
}

// restartPeriod returns the anchor-aligned period containing at, walking
// forward from the last closed period.
func (s *Service) restartPeriod(sub domain.Subscription, at time.Time) (billingcycle.Period, error) {
	period, ok := sub.Period()
	if !ok {
		return billingcycle.First(at, sub.BillingCycleAnchor, sub.BillingPeriod, sub.BillingPeriodCount)
	}
	anchor := sub.Anchor()
	for i := 0; !period.End.After(at); i++ {
		if i >= maxRenewals*12 {
			return billingcycle.First(at, sub.BillingCycleAnchor, sub.BillingPeriod, sub.BillingPeriodCount)
		}
		next, err := billingcycle.Next(anchor, period, sub.BillingPeriod, sub.BillingPeriodCount)
		if err != nil {
			return billingcycle.Period{}, err
		}
		period = next
	}
	return period, nil
}

func (s *Service) Cancel(ctx context.Context, req domain.CancelRequest) (domain.Subscription, error) {
	mode := req.Mode
	if mode == "" {
		mode = domain.ModeImmediate
	}
	if !mode.Valid() {
		return domain.Subscription{}, domain.ErrInvalidMode
	}

	ctx, span := tracing.Start(ctx, "subscription.cancel", attribute.String("subscription_id", req.ID))
	defer span.End()

	orgID, sub, unlock, err := s.acquire(ctx, req.ID)
	if err != nil {
		return domain.Subscription{}, err
	}
	defer unlock()

	var subject invoicedomain.Subject
	if sub.Status.Live() && mode == domain.ModeImmediate {
		if subject, err = s.subject(ctx, sub); err != nil {
			return domain.Subscription{}, err
		}
	}

	from := sub.Status
	canceled, err := idempotency.Run(ctx, s.idempotency, s.db, orgID, "subscription.cancel", req.IdempotencyKey, req,
		func(tx *gorm.DB) (domain.Subscription, error) {
			current, err := s.forUpdate(ctx, tx, orgID, sub.ID)
			if err != nil {
				return domain.Subscription{}, err
			}
			if current.Status == domain.StatusCanceled {
				return *current, nil
			}
			if !current.Status.Live() {
				return domain.Subscription{}, domain.ErrNotActive.
					WithEntity("subscription", current.ID.String()).
					WithTransition(string(current.Status), string(domain.StatusCanceled))
			}

			if mode == domain.ModeEndOfPeriod {
				if current.CancelAt != nil {
					return *current, nil
				}
				at := current.CurrentPeriodEnd.UTC()
				if now := s.clock.Now(); at.Before(now) {
					at = now
				}
				current.CancelAtPeriodEnd = true
				current.CancelAt = &at
				if err := s.save(ctx, tx, current); err != nil {
					return domain.Subscription{}, err
				}
				err := s.record(ctx, tx, *current, "subscription.cancel_scheduled", current.Status, map[string]any{
					"cancel_at": at.Format(time.RFC3339),
				})
				return *current, err
			}

			if err := s.cancel(ctx, tx, current, subject, s.clock.Now()); err != nil {
				return domain.Subscription{}, err
			}
			return *current, nil
		})
	if err != nil {
		span.RecordError(err)
		return domain.Subscription{}, err
	}
	s.transitioned(ctx, canceled, from, "subscription cancel processed")
	return canceled, nil
}

// cancel ends the subscription at at and bills the closing invoice: usage
// of the current period, pending line items and, for an active subscription
// that prorates, a credit for the unused time already paid for.
func (s *Service) cancel(ctx context.Context, tx *gorm.DB, sub *domain.Subscription, subject invoicedomain.Subject, at time.Time) error {
	from := sub.Status
	pause, err := s.repo.FindOpenPause(ctx, tx, sub.ID)
	if err != nil {
		return err
	}

	extra := map[string]any{"canceled_at": at.Format(time.RFC3339)}
	if period, ok := sub.Period(); ok {
		closing := period
		if at.After(period.Start) && at.Before(period.End) {
			closing.End = at
		}
		req := invoicedomain.GenerateRequest{
			Subject:        subject,
			Period:         closing,
			IncludePending: true,
			Finalize:       true,
			SkipEmpty:      true,
		}
		// A period closed by an end-of-period pause was billed then.
		billedAtPause := from == domain.StatusPaused && pause != nil && pause.Mode == domain.ModeEndOfPeriod
		if !billedAtPause {
			req.Arrears = &period
		}
		if from == domain.StatusActive && sub.ProrationBehavior == proration.BehaviorCreateProrations {
			credit, err := s.unusedCredit(ctx, subject, period, at)
			if err != nil {
				return err
			}
			req.Extra = lineInputs(credit.Lines)
		}
		invoice, err := s.invoices.GenerateTx(ctx, tx, req)
		if err != nil {
			return err
		}
		if invoice.ID != 0 {
			extra["invoice_id"] = invoice.ID.String()
		}
		if at.Before(period.End) {
			sub.CurrentPeriodEnd = &at
		}
	}

	sub.Status = domain.StatusCanceled
	sub.CanceledAt = &at
	sub.CancelAt = &at
	sub.PauseAt = nil
	sub.ResumeAt = nil
	sub.ClearPendingChange()
	if err := s.save(ctx, tx, sub); err != nil {
		return err
	}
	if pause != nil {
		pause.Status = domain.PauseCanceled
		pause.UpdatedAt = s.clock.Now()
		if err := s.repo.UpdatePause(ctx, tx, pause); err != nil {
			return err
		}
	}
	if err := s.record(ctx, tx, *sub, "subscription.cancel", from, extra); err != nil {
		return err
	}
	return s.publish(ctx, tx, events.EventSubscriptionCanceled, "subscription.canceled:"+sub.ID.String(), *sub, extra)
}

// unusedCredit credits every flat recurring charge for the part of period
// after at.
func (s *Service) unusedCredit(ctx context.Context, subject invoicedomain.Subject, period billingcycle.Period, at time.Time) (proration.Result, error) {
	var old []proration.Item
	for _, product := range subject.Products {
		items, err := recurringItems(product, "Unused time on")
		if err != nil {
			return proration.Result{}, err
		}
		old = append(old, items...)
	}
	return proration.Calculate(ctx, proration.Params{
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		AsOf:        at,
		Behavior:    proration.BehaviorCreateProrations,
		Old:         old,
	})
}

// pauseAtPeriodEnd applies a scheduled pause. The period that just ended is
// billed for its usage and pending items, and nothing is charged in advance.
func (s *Service) pauseAtPeriodEnd(ctx context.Context, tx *gorm.DB, sub *domain.Subscription, subject invoicedomain.Subject, at time.Time) error {
	extra := map[string]any{"mode": string(domain.ModeEndOfPeriod)}
	if period, ok := sub.Period(); ok {
		invoice, err := s.invoices.GenerateTx(ctx, tx, invoicedomain.GenerateRequest{
			Subject:        subject,
			Period:         period,
			Arrears:        &period,
			IncludePending: true,
			Finalize:       true,
			SkipEmpty:      true,
		})
		if err != nil {
			return err
		}
		if invoice.ID != 0 {
			extra["invoice_id"] = invoice.ID.String()
		}
	}

	sub.Status = domain.StatusPaused
	sub.PausedAt = &at
	sub.PauseAt = nil
	if err := s.save(ctx, tx, sub); err != nil {
		return err
	}
	pause, err := s.repo.FindOpenPause(ctx, tx, sub.ID)
	if err != nil {
		return err
	}
	if pause != nil {
		pause.Status = domain.PauseActive
		pause.UpdatedAt = s.clock.Now()
		if err := s.repo.UpdatePause(ctx, tx, pause); err != nil {
			return err
		}
	}
	if err := s.record(ctx, tx, *sub, "subscription.pause", domain.StatusActive, extra); err != nil {
		return err
	}
	return s.publish(ctx, tx, events.EventSubscriptionPaused, "", *sub, extra)
}

// ApplyScheduledTransitions applies the scheduled cancellation, pause or
// resume of a subscription once its time has come. Cancellation wins over a
// pause scheduled for the same instant.
func (s *Service) ApplyScheduledTransitions(ctx context.Context, id string) (domain.Subscription, error) {
	orgID, sub, unlock, err := s.acquire(ctx, id)
	if err != nil {
		return domain.Subscription{}, err
	}
	defer unlock()

	now := s.clock.Now()
	if !domain.ScheduledDue(sub, now) {
		return sub, nil
	}
	billed := sub
	resuming := (sub.CancelAt == nil || now.Before(*sub.CancelAt)) && sub.Status == domain.StatusPaused
	if resuming && sub.ResumeAt != nil {
		billed = resumedAs(sub, sub.ResumeAt.UTC())
	}
	subject, err := s.subject(ctx, billed)
	if err != nil {
		return domain.Subscription{}, err
	}

	from := sub.Status
	var applied domain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.forUpdate(ctx, tx, orgID, sub.ID)
		if err != nil {
			return err
		}
		applied = *current
		if current.Version != sub.Version || !domain.ScheduledDue(*current, now) {
			return nil
		}

		switch {
		case current.CancelAt != nil && !now.Before(*current.CancelAt):
			err = s.cancel(ctx, tx, current, subject, current.CancelAt.UTC())
		case current.Status == domain.StatusActive:
			err = s.pauseAtPeriodEnd(ctx, tx, current, subject, current.PauseAt.UTC())
		default:
			pause, ferr := s.repo.FindOpenPause(ctx, tx, current.ID)
			if ferr != nil {
				return ferr
			}
			err = s.resume(ctx, tx, current, pause, subject, current.ResumeAt.UTC())
		}
		if err != nil {
			return err
		}
		applied = *current
		return nil
	})
	if err != nil {
		s.log.Error("scheduled transition failed", zap.String("subscription_id", id), zap.Error(err))
		return domain.Subscription{}, err
	}
	if applied.Status != from {
		s.transitioned(ctx, applied, from, "scheduled transition applied")
	}
	return applied, nil
}

// Renew applies due scheduled transitions and then closes every elapsed
// period of an active subscription, oldest first.
func (s *Service) Renew(ctx context.Context, id string) (domain.Subscription, error) {
	ctx, span := tracing.Start(ctx, "subscription.renew", attribute.String("subscription_id", id))
	defer span.End()

	sub, err := s.ApplyScheduledTransitions(ctx, id)
	if err != nil {
		span.RecordError(err)
		return domain.Subscription{}, err
	}
	for i := 0; i < maxRenewals; i++ {
		now := s.clock.Now()
		if sub.Status != domain.StatusActive || !domain.IsDue(sub, now) {
			break
		}
		if domain.ScheduledDue(sub, now) {
			if sub, err = s.ApplyScheduledTransitions(ctx, id); err != nil {
				return domain.Subscription{}, err
			}
			continue
		}
		renewed, err := s.renewOnce(ctx, id)
		if err != nil {
			span.RecordError(err)
			return domain.Subscription{}, err
		}
		if renewed.Version == sub.Version {
			break
		}
		sub = renewed
	}
	return sub, nil
}

// renewOnce closes the current period: one invoice with its usage in
// arrears, the pending items and the next period in advance. Credit grants
// owed for the next period are applied before the invoice is collected.
func (s *Service) renewOnce(ctx context.Context, id string) (domain.Subscription, error) {
	orgID, sub, unlock, err := s.acquire(ctx, id)
	if err != nil {
		return domain.Subscription{}, err
	}
	defer unlock()

	now := s.clock.Now()
	closed, ok := sub.Period()
	if sub.Status != domain.StatusActive || !ok || now.Before(closed.End) || domain.ScheduledDue(sub, now) {
		return sub, nil
	}
	// A change pending for this boundary bills the closed period on the old
	// terms and the next one on the new terms.
	target := sub
	changing := sub.PendingChangeDue(closed.End)
	if changing {
		target = sub.WithPendingChange()
	}
	next, err := billingcycle.Next(target.Anchor(), closed, target.BillingPeriod, target.BillingPeriodCount)
	if err != nil {
		return domain.Subscription{}, err
	}
	subject, err := s.subject(ctx, sub)
	if err != nil {
		return domain.Subscription{}, err
	}
	var advance *invoicedomain.Subject
	if changing {
		upcoming, err := s.subject(ctx, target)
		if err != nil {
			return domain.Subscription{}, err
		}
		advance = &upcoming
	}

	var renewed domain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.forUpdate(ctx, tx, orgID, sub.ID)
		if err != nil {
			return err
		}
		if current.Version != sub.Version {
			renewed = *current
			return nil
		}

		if changing {
			if err := s.applyPendingChange(ctx, tx, current, closed.End); err != nil {
				return err
			}
		}
		current.CurrentPeriodStart = &next.Start
		current.CurrentPeriodEnd = &next.End
		if err := s.save(ctx, tx, current); err != nil {
			return err
		}
		applied, err := s.creditGrants.ApplyForPeriodTx(ctx, tx, grantTarget(*current, next))
		if err != nil {
			return err
		}
		invoice, err := s.invoices.GenerateTx(ctx, tx, invoicedomain.GenerateRequest{
			Subject:        subject,
			AdvanceSubject: advance,
			Period:         closed,
			Arrears:        &closed,
			Advance:        &next,
			IncludePending: true,
			Finalize:       true,
			SkipEmpty:      true,
		})
		if err != nil {
			return err
		}

		extra := map[string]any{
			"closed_period_start": closed.Start.Format(time.RFC3339),
			"closed_period_end":   closed.End.Format(time.RFC3339),
			"credit_grants":       len(applied),
		}
		if invoice.ID != 0 {
			extra["invoice_id"] = invoice.ID.String()
		}
		renewed = *current
		return s.record(ctx, tx, *current, "subscription.renew", domain.StatusActive, extra)
	})
	if err != nil {
		s.log.Error("subscription renewal failed", zap.String("subscription_id", id), zap.Error(err))
		return domain.Subscription{}, err
	}
	s.log.Info("subscription renewed",
		zap.String("subscription_id", renewed.ID.String()),
		zap.Time("period_start", next.Start),
		zap.Time("period_end", next.End),
	)
	return renewed, nil
}
