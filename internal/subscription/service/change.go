package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	catalogdomain "github.com/smallbiznis/billcore/internal/catalog/domain"
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

// Change moves a live subscription to another plan. With prorations the
// unused time on the old plan is credited and the remaining time on the new
// plan charged, both at the current terms, and new terms apply from the
// next period. Without prorations the whole change waits for the next
// period boundary. A subscription paused at the end of its period takes the
// change when it resumes.
func (s *Service) Change(ctx context.Context, req domain.ChangeRequest) (domain.ChangeResult, error) {
	ctx, span := tracing.Start(ctx, "subscription.change", attribute.String("subscription_id", req.ID))
	defer span.End()

	orgID, sub, unlock, err := s.acquire(ctx, req.ID)
	if err != nil {
		return domain.ChangeResult{}, err
	}
	defer unlock()

	plan, err := s.product(ctx, req.PlanID, catalogdomain.KindPlan)
	if err != nil {
		return domain.ChangeResult{}, err
	}
	unit, count := sub.BillingPeriod, sub.BillingPeriodCount
	if req.BillingPeriod != nil {
		unit = *req.BillingPeriod
	}
	if req.BillingPeriodCount != nil {
		count = *req.BillingPeriodCount
	}
	if err := billingcycle.Validate(unit, count); err != nil {
		return domain.ChangeResult{}, domain.ErrInvalidBillingPeriod.Wrap(err)
	}
	prices, err := s.catalog.PlanPrices(ctx, plan.ID, sub.Currency)
	if err != nil {
		return domain.ChangeResult{}, err
	}
	if !hasRecurring(termsPrices(prices, unit, count)) {
		return domain.ChangeResult{}, domain.ErrNoRecurringPrice.WithEntity("plan", plan.ID.String())
	}
	behavior, err := s.behavior(sub, req.ProrationBehavior)
	if err != nil {
		return domain.ChangeResult{}, err
	}
	window, err := s.changeWindow(ctx, sub, behavior)
	if err != nil {
		return domain.ChangeResult{}, err
	}

	// Asking for the current plan and terms again withdraws a pending change.
	revert := plan.ID == sub.PlanID
	if revert && (sub.PendingPlanID == nil || *sub.PendingPlanID == plan.ID ||
		unit != sub.BillingPeriod || count != sub.BillingPeriodCount) {
		return domain.ChangeResult{}, domain.ErrSamePlan.WithEntity("plan", plan.ID.String())
	}

	var result proration.Result
	if !revert && !window.deferred {
		// The rest of this period is charged at the current terms.
		if flatRecurring(prices, unit, count) && !flatRecurring(prices, sub.BillingPeriod, sub.BillingPeriodCount) {
			return domain.ChangeResult{}, domain.ErrNoRecurringPrice.WithEntity("plan", plan.ID.String())
		}
		subject, err := s.subject(ctx, sub)
		if err != nil {
			return domain.ChangeResult{}, err
		}
		old, err := recurringItems(subject.Products[0], "Unused time on")
		if err != nil {
			return domain.ChangeResult{}, err
		}
		charged, err := recurringItems(invoicedomain.Product{
			ProductID: plan.ID,
			Name:      plan.Name,
			Quantity:  1,
			Prices:    termsPrices(prices, sub.BillingPeriod, sub.BillingPeriodCount),
		}, "Remaining time on")
		if err != nil {
			return domain.ChangeResult{}, err
		}
		result, err = proration.Calculate(ctx, proration.Params{
			PeriodStart: window.period.Start,
			PeriodEnd:   window.period.End,
			AsOf:        window.asOf,
			Behavior:    behavior,
			Old:         old,
			New:         charged,
		})
		if err != nil {
			return domain.ChangeResult{}, err
		}
	}

	changed, err := idempotency.Run(ctx, s.idempotency, s.db, orgID, "subscription.change", req.IdempotencyKey, req,
		func(tx *gorm.DB) (domain.ChangeResult, error) {
			current, err := s.lockedLive(ctx, tx, sub)
			if err != nil {
				return domain.ChangeResult{}, err
			}
			if !revert {
				if err := s.checkOverlap(ctx, tx, *current, plan.ID); err != nil {
					return domain.ChangeResult{}, err
				}
			}

			extra := map[string]any{
				"from_plan_id":       current.PlanID.String(),
				"to_plan_id":         plan.ID.String(),
				"proration_behavior": string(behavior),
			}
			action := "subscription.change"
			switch {
			case revert:
				current.ClearPendingPlan()
				action = "subscription.change_withdrawn"
			case window.deferred:
				planID := plan.ID
				current.PendingPlanID = &planID
				current.PendingBillingPeriod = unit
				current.PendingBillingPeriodCount = count
				current.PendingChangeAt = window.at
				action = "subscription.change_scheduled"
				window.describe(extra)
			default:
				current.PlanID = plan.ID
				current.ClearPendingPlan()
				if unit != current.BillingPeriod || count != current.BillingPeriodCount {
					planID, end := plan.ID, window.period.End
					current.PendingPlanID = &planID
					current.PendingBillingPeriod = unit
					current.PendingBillingPeriodCount = count
					current.PendingChangeAt = &end
					extra["terms_effective_at"] = end.Format(time.RFC3339)
				}
			}
			if err := s.save(ctx, tx, current); err != nil {
				return domain.ChangeResult{}, err
			}
			pending, invoice, err := s.billProration(ctx, tx, *current, result, req.ImmediateInvoicing)
			if err != nil {
				return domain.ChangeResult{}, err
			}

			extra["proration_net"] = result.Net
			if invoice != nil {
				extra["invoice_id"] = invoice.ID.String()
			}
			if err := s.record(ctx, tx, *current, action, current.Status, extra); err != nil {
				return domain.ChangeResult{}, err
			}
			if action == "subscription.change" {
				if err := s.publish(ctx, tx, events.EventSubscriptionChanged, "", *current, extra); err != nil {
					return domain.ChangeResult{}, err
				}
			}
			return domain.ChangeResult{Subscription: *current, Proration: result, Pending: pending, Invoice: invoice}, nil
		})
	if err != nil {
		span.RecordError(err)
		return domain.ChangeResult{}, err
	}
	s.prorated(ctx, changed, behavior, "subscription plan changed")
	return changed, nil
}

func (s *Service) AddAddon(ctx context.Context, req domain.AddonRequest) (domain.ChangeResult, error) {
	orgID, sub, unlock, err := s.acquire(ctx, req.SubscriptionID)
	if err != nil {
		return domain.ChangeResult{}, err
	}
	defer unlock()

	addon, err := s.product(ctx, req.AddonID, catalogdomain.KindAddon)
	if err != nil {
		return domain.ChangeResult{}, err
	}
	qty := req.Quantity
	if qty == 0 {
		qty = 1
	}
	if qty < 1 {
		return domain.ChangeResult{}, domain.ErrInvalidQuantity
	}
	behavior, err := s.behavior(sub, req.ProrationBehavior)
	if err != nil {
		return domain.ChangeResult{}, err
	}
	window, err := s.changeWindow(ctx, sub, behavior)
	if err != nil {
		return domain.ChangeResult{}, err
	}

	// Adding back an addon waiting for removal keeps it attached.
	entry, queued := sub.PendingAddon(addon.ID)
	keep := queued && entry.Remove
	if !keep && (queued || attachedAddon(sub, addon.ID) != nil) {
		return domain.ChangeResult{}, domain.ErrAddonAttached.WithEntity("addon", addon.ID.String())
	}

	var result proration.Result
	if !keep && !window.deferred {
		product, err := s.priced(ctx, addon, sub, qty, true)
		if err != nil {
			return domain.ChangeResult{}, err
		}
		charged, err := recurringItems(product, "Remaining time on")
		if err != nil {
			return domain.ChangeResult{}, err
		}
		result, err = proration.Calculate(ctx, proration.Params{
			PeriodStart: window.period.Start,
			PeriodEnd:   window.period.End,
			AsOf:        window.asOf,
			Behavior:    behavior,
			New:         charged,
		})
		if err != nil {
			return domain.ChangeResult{}, err
		}
	}

	changed, err := idempotency.Run(ctx, s.idempotency, s.db, orgID, "subscription.addon_add", req.IdempotencyKey, req,
		func(tx *gorm.DB) (domain.ChangeResult, error) {
			current, err := s.lockedLive(ctx, tx, sub)
			if err != nil {
				return domain.ChangeResult{}, err
			}

			extra := map[string]any{"addon_id": addon.ID.String(), "quantity": qty}
			switch {
			case keep:
				current.DropPendingAddon(addon.ID)
				if err := s.save(ctx, tx, current); err != nil {
					return domain.ChangeResult{}, err
				}
				return s.addonChanged(ctx, tx, current, result, false, "subscription.addon_remove_withdrawn", false, extra)

			case window.deferred:
				current.PendingAddons = append(current.PendingAddons, domain.PendingAddon{AddonID: addon.ID, Quantity: qty})
				current.PendingChangeAt = window.at
				if err := s.save(ctx, tx, current); err != nil {
					return domain.ChangeResult{}, err
				}
				window.describe(extra)
				return s.addonChanged(ctx, tx, current, result, false, "subscription.addon_add_scheduled", false, extra)
			}

			now := s.clock.Now()
			row := domain.Addon{
				ID:             s.genID.Generate(),
				OrgID:          orgID,
				SubscriptionID: current.ID,
				AddonID:        addon.ID,
				Quantity:       qty,
				AddedAt:        now,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := s.repo.InsertAddons(ctx, tx, []domain.Addon{row}); err != nil {
				return domain.ChangeResult{}, err
			}
			current.Addons = append(current.Addons, row)
			if err := s.save(ctx, tx, current); err != nil {
				return domain.ChangeResult{}, err
			}
			return s.addonChanged(ctx, tx, current, result, req.ImmediateInvoicing, "subscription.addon_add", true, extra)
		})
	if err != nil {
		return domain.ChangeResult{}, err
	}
	s.prorated(ctx, changed, behavior, "subscription addon added")
	return changed, nil
}

func (s *Service) RemoveAddon(ctx context.Context, req domain.AddonRequest) (domain.ChangeResult, error) {
	orgID, sub, unlock, err := s.acquire(ctx, req.SubscriptionID)
	if err != nil {
		return domain.ChangeResult{}, err
	}
	defer unlock()

	addonID, err := parseID(req.AddonID)
	if err != nil {
		return domain.ChangeResult{}, domain.ErrInvalidAddon
	}
	behavior, err := s.behavior(sub, req.ProrationBehavior)
	if err != nil {
		return domain.ChangeResult{}, err
	}
	window, err := s.changeWindow(ctx, sub, behavior)
	if err != nil {
		return domain.ChangeResult{}, err
	}

	// Removing an addon that is still waiting to be attached just drops it.
	entry, queued := sub.PendingAddon(addonID)
	drop := queued && !entry.Remove
	attached := attachedAddon(sub, addonID)
	if !drop && (queued || attached == nil) {
		return domain.ChangeResult{}, domain.ErrAddonNotFound.WithEntity("addon", addonID.String())
	}

	var result proration.Result
	if !drop && !window.deferred {
		addon, err := s.catalog.GetPlan(ctx, addonID.String())
		if err != nil {
			return domain.ChangeResult{}, err
		}
		product, err := s.priced(ctx, addon, sub, attached.Quantity, true)
		if err != nil {
			return domain.ChangeResult{}, err
		}
		credited, err := recurringItems(product, "Unused time on")
		if err != nil {
			return domain.ChangeResult{}, err
		}
		result, err = proration.Calculate(ctx, proration.Params{
			PeriodStart: window.period.Start,
			PeriodEnd:   window.period.End,
			AsOf:        window.asOf,
			Behavior:    behavior,
			Old:         credited,
		})
		if err != nil {
			return domain.ChangeResult{}, err
		}
	}

	changed, err := idempotency.Run(ctx, s.idempotency, s.db, orgID, "subscription.addon_remove", req.IdempotencyKey, req,
		func(tx *gorm.DB) (domain.ChangeResult, error) {
			current, err := s.lockedLive(ctx, tx, sub)
			if err != nil {
				return domain.ChangeResult{}, err
			}

			extra := map[string]any{"addon_id": addonID.String()}
			switch {
			case drop:
				extra["quantity"] = entry.Quantity
				current.DropPendingAddon(addonID)
				if err := s.save(ctx, tx, current); err != nil {
					return domain.ChangeResult{}, err
				}
				return s.addonChanged(ctx, tx, current, result, false, "subscription.addon_add_withdrawn", false, extra)

			case window.deferred:
				extra["quantity"] = attached.Quantity
				current.PendingAddons = append(current.PendingAddons, domain.PendingAddon{AddonID: addonID, Remove: true})
				current.PendingChangeAt = window.at
				if err := s.save(ctx, tx, current); err != nil {
					return domain.ChangeResult{}, err
				}
				window.describe(extra)
				return s.addonChanged(ctx, tx, current, result, false, "subscription.addon_remove_scheduled", false, extra)
			}

			row := attachedAddon(*current, addonID)
			if row == nil {
				return domain.ChangeResult{}, domain.ErrAddonNotFound.WithEntity("addon", addonID.String())
			}
			now := s.clock.Now()
			row.RemovedAt = &now
			row.UpdatedAt = now
			if err := s.repo.UpdateAddon(ctx, tx, row); err != nil {
				return domain.ChangeResult{}, err
			}
			if err := s.save(ctx, tx, current); err != nil {
				return domain.ChangeResult{}, err
			}
			extra["quantity"] = row.Quantity
			return s.addonChanged(ctx, tx, current, result, req.ImmediateInvoicing, "subscription.addon_remove", true, extra)
		})
	if err != nil {
		return domain.ChangeResult{}, err
	}
	s.prorated(ctx, changed, behavior, "subscription addon removed")
	return changed, nil
}

func (s *Service) addonChanged(ctx context.Context, tx *gorm.DB, sub *domain.Subscription, result proration.Result, immediate bool, action string, publish bool, extra map[string]any) (domain.ChangeResult, error) {
	pending, invoice, err := s.billProration(ctx, tx, *sub, result, immediate)
	if err != nil {
		return domain.ChangeResult{}, err
	}
	extra["proration_net"] = result.Net
	if invoice != nil {
		extra["invoice_id"] = invoice.ID.String()
	}
	if err := s.record(ctx, tx, *sub, action, sub.Status, extra); err != nil {
		return domain.ChangeResult{}, err
	}
	if publish {
		if err := s.publish(ctx, tx, events.EventSubscriptionChanged, "", *sub, extra); err != nil {
			return domain.ChangeResult{}, err
		}
	}
	return domain.ChangeResult{Subscription: *sub, Proration: result, Pending: pending, Invoice: invoice}, nil
}

// applyPendingChange swaps in the deferred plan, terms and addons of sub as
// of at. The caller saves sub.
func (s *Service) applyPendingChange(ctx context.Context, tx *gorm.DB, sub *domain.Subscription, at time.Time) error {
	if !sub.HasPendingChange() {
		return nil
	}
	now := s.clock.Now()
	extra := map[string]any{
		"from_plan_id": sub.PlanID.String(),
		"effective_at": at.Format(time.RFC3339),
	}

	var added []domain.Addon
	for _, p := range sub.PendingAddons {
		if !p.Remove {
			added = append(added, domain.Addon{
				ID:             s.genID.Generate(),
				OrgID:          sub.OrgID,
				SubscriptionID: sub.ID,
				AddonID:        p.AddonID,
				Quantity:       max(p.Quantity, 1),
				AddedAt:        at,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
			continue
		}
		row := attachedAddon(*sub, p.AddonID)
		if row == nil {
			continue
		}
		row.RemovedAt = &at
		row.UpdatedAt = now
		if err := s.repo.UpdateAddon(ctx, tx, row); err != nil {
			return err
		}
	}
	if len(added) > 0 {
		if err := s.repo.InsertAddons(ctx, tx, added); err != nil {
			return err
		}
		sub.Addons = append(sub.Addons, added...)
	}

	if sub.PendingPlanID != nil {
		sub.PlanID = *sub.PendingPlanID
		sub.BillingPeriod = sub.PendingBillingPeriod
		sub.BillingPeriodCount = sub.PendingBillingPeriodCount
	}
	extra["to_plan_id"] = sub.PlanID.String()
	extra["addons_changed"] = len(sub.PendingAddons)
	sub.ClearPendingChange()

	if err := s.record(ctx, tx, *sub, "subscription.change_applied", sub.Status, extra); err != nil {
		return err
	}
	return s.publish(ctx, tx, events.EventSubscriptionChanged, "", *sub, extra)
}

// lockedLive rereads sub inside tx and checks it is still live and
// unchanged since the change was priced.
func (s *Service) lockedLive(ctx context.Context, tx *gorm.DB, sub domain.Subscription) (*domain.Subscription, error) {
	current, err := s.forUpdate(ctx, tx, sub.OrgID, sub.ID)
	if err != nil {
		return nil, err
	}
	if !current.Status.Live() {
		return nil, domain.ErrNotActive.WithEntity("subscription", current.ID.String())
	}
	if current.Version != sub.Version {
		return nil, domain.ErrConcurrentUpdate.WithEntity("subscription", current.ID.String())
	}
	return current, nil
}

// changeWindow says when a change to sub lands. A prorated change is priced
// over period as of asOf. A deferred change waits for at, or for the resume
// when at is nil.
type changeWindow struct {
	period   billingcycle.Period
	asOf     time.Time
	deferred bool
	at       *time.Time
}

func (w changeWindow) describe(extra map[string]any) {
	if w.at == nil {
		extra["effective_at"] = "resume"
		return
	}
	extra["effective_at"] = w.at.Format(time.RFC3339)
}

func (s *Service) changeWindow(ctx context.Context, sub domain.Subscription, behavior proration.Behavior) (changeWindow, error) {
	period, ok := sub.Period()
	if !sub.Status.Live() || !ok {
		return changeWindow{}, domain.ErrNotActive.WithEntity("subscription", sub.ID.String())
	}
	window := changeWindow{period: period, asOf: s.clock.Now()}

	if sub.Status == domain.StatusPaused {
		pause, err := s.repo.FindOpenPause(ctx, s.db, sub.ID)
		if err != nil {
			return changeWindow{}, err
		}
		// The period closed by an end-of-period pause is billed already.
		if pause != nil && pause.Mode == domain.ModeEndOfPeriod {
			window.deferred = true
			return window, nil
		}
		if sub.PausedAt != nil && sub.PausedAt.Before(window.asOf) {
			window.asOf = sub.PausedAt.UTC()
		}
	}
	if behavior == proration.BehaviorNone {
		end := period.End
		window.deferred = true
		window.at = &end
	}
	return window, nil
}

func (s *Service) behavior(sub domain.Subscription, override *proration.Behavior) (proration.Behavior, error) {
	behavior := sub.ProrationBehavior
	if override != nil {
		behavior = proration.Behavior(strings.ToUpper(string(*override)))
	}
	if !behavior.Valid() {
		return "", domain.ErrInvalidProration
	}
	return behavior, nil
}

func (s *Service) prorated(ctx context.Context, result domain.ChangeResult, behavior proration.Behavior, msg string) {
	s.metrics.RecordProration(ctx, string(behavior))
	s.log.Info(msg,
		zap.String("subscription_id", result.Subscription.ID.String()),
		zap.String("plan_id", result.Subscription.PlanID.String()),
		zap.Int64("proration_net", result.Proration.Net),
		zap.Int("pending_line_items", len(result.Pending)),
		zap.Bool("pending_change", result.Subscription.HasPendingChange()),
	)
}

// flatRecurring reports whether prices hold a flat recurring price billed
// under the given terms.
func flatRecurring(prices []catalogdomain.Price, unit billingcycle.Unit, count int) bool {
	for _, price := range prices {
		if price.Cadence == catalogdomain.CadenceRecurring && !price.IsMetered() &&
			price.BillingPeriod == unit && max(price.BillingPeriodCount, 1) == count {
			return true
		}
	}
	return false
}

// attachedAddon returns the active attachment of addonID, pointing into
// sub.Addons.
func attachedAddon(sub domain.Subscription, addonID snowflake.ID) *domain.Addon {
	for i := range sub.Addons {
		if sub.Addons[i].AddonID == addonID && sub.Addons[i].RemovedAt == nil {
			return &sub.Addons[i]
		}
	}
	return nil
}
