// Package domain contains subscription models and the lifecycle rules that
// do not need storage.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	"github.com/smallbiznis/billcore/internal/proration"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusDraft    Status = "DRAFT"
	StatusActive   Status = "ACTIVE"
	StatusPaused   Status = "PAUSED"
	StatusCanceled Status = "CANCELED"
)

// Live reports whether the subscription counts towards the one live
// subscription per customer and plan.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusPaused
}

// Mode says when a pause, resume or cancellation takes effect.
type Mode string

const (
	ModeImmediate   Mode = "IMMEDIATE"
	ModeEndOfPeriod Mode = "END_OF_PERIOD"
)

func (m Mode) Valid() bool {
	return m == ModeImmediate || m == ModeEndOfPeriod
}

type PauseStatus string

const (
	PauseScheduled PauseStatus = "SCHEDULED"
	PauseActive    PauseStatus = "ACTIVE"
	PauseCompleted PauseStatus = "COMPLETED"
	PauseCanceled  PauseStatus = "CANCELED"
)

type Subscription struct {
	ID                 snowflake.ID                   `gorm:"primaryKey" json:"id"`
	OrgID              snowflake.ID                   `gorm:"not null;index" json:"organization_id"`
	CustomerID         snowflake.ID                   `gorm:"not null;index" json:"customer_id"`
	PlanID             snowflake.ID                   `gorm:"not null;index" json:"plan_id"`
	Currency           string                         `gorm:"type:text;not null" json:"currency"`
	BillingPeriod      billingcycle.Unit              `gorm:"type:text;not null" json:"billing_period"`
	BillingPeriodCount int                            `gorm:"not null;default:1" json:"billing_period_count"`
	BillingCycleAnchor billingcycle.Anchor            `gorm:"type:text;not null" json:"billing_cycle_anchor"`
	Status             Status                         `gorm:"type:text;not null;index" json:"status"`
	ProrationBehavior  proration.Behavior             `gorm:"type:text;not null" json:"proration_behavior"`
	CollectionMethod   invoicedomain.CollectionMethod `gorm:"type:text;not null" json:"collection_method"`
	AllowOverlap       bool                           `gorm:"not null;default:false" json:"allow_overlap"`
	StartDate          *time.Time                     `json:"start_date,omitempty"`
	CurrentPeriodStart *time.Time                     `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time                     `gorm:"index" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool                           `gorm:"not null;default:false" json:"cancel_at_period_end"`
	CancelAt           *time.Time                     `json:"cancel_at,omitempty"`
	CanceledAt         *time.Time                     `json:"canceled_at,omitempty"`
	PausedAt           *time.Time                     `json:"paused_at,omitempty"`
	PauseAt            *time.Time                     `json:"pause_at,omitempty"`
	ResumeAt           *time.Time                     `json:"resume_at,omitempty"`
	ActivatedAt        *time.Time                     `json:"activated_at,omitempty"`

	// A pending change replaces the plan, terms or addons at PendingChangeAt.
	// A nil PendingChangeAt on a paused subscription means at resume.
	PendingPlanID             *snowflake.ID                     `json:"pending_plan_id,omitempty"`
	PendingBillingPeriod      billingcycle.Unit                 `gorm:"type:text" json:"pending_billing_period,omitempty"`
	PendingBillingPeriodCount int                               `gorm:"not null;default:0" json:"pending_billing_period_count,omitempty"`
	PendingAddons             datatypes.JSONSlice[PendingAddon] `gorm:"type:jsonb" json:"pending_addons,omitempty"`
	PendingChangeAt           *time.Time                        `json:"pending_change_at,omitempty"`

	Version   int64             `gorm:"not null;default:1" json:"version"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time         `gorm:"not null" json:"updated_at"`

	Addons []Addon `gorm:"-" json:"addons"`
}

func (Subscription) TableName() string { return "subscriptions" }

// Period returns the current billing period, or false before activation.
func (s Subscription) Period() (billingcycle.Period, bool) {
	if s.CurrentPeriodStart == nil || s.CurrentPeriodEnd == nil {
		return billingcycle.Period{}, false
	}
	return billingcycle.Period{Start: s.CurrentPeriodStart.UTC(), End: s.CurrentPeriodEnd.UTC()}, true
}

// Anchor is the instant period boundaries are counted from.
func (s Subscription) Anchor() time.Time {
	if s.StartDate == nil {
		return time.Time{}
	}
	return billingcycle.AnchorTime(s.StartDate.UTC(), s.BillingCycleAnchor, s.BillingPeriod)
}

// ActiveAddons returns the addons that have not been removed.
func (s Subscription) ActiveAddons() []Addon {
	out := make([]Addon, 0, len(s.Addons))
	for _, a := range s.Addons {
		if a.RemovedAt == nil {
			out = append(out, a)
		}
	}
	return out
}

// PendingAddon is an addon attach or removal waiting for the next boundary.
type PendingAddon struct {
	AddonID  snowflake.ID `json:"addon_id"`
	Quantity int64        `json:"quantity,omitempty"`
	Remove   bool         `json:"remove,omitempty"`
}

// HasPendingChange reports whether a deferred plan or addon change exists.
func (s Subscription) HasPendingChange() bool {
	return s.PendingPlanID != nil || len(s.PendingAddons) > 0
}

// PendingChangeDue reports whether the pending change takes effect at or
// before at. Changes waiting for a resume are never due by time.
func (s Subscription) PendingChangeDue(at time.Time) bool {
	return s.HasPendingChange() && s.PendingChangeAt != nil && !s.PendingChangeAt.After(at)
}

// PendingAddon returns the pending entry for addonID.
func (s Subscription) PendingAddon(addonID snowflake.ID) (PendingAddon, bool) {
	for _, p := range s.PendingAddons {
		if p.AddonID == addonID {
			return p, true
		}
	}
	return PendingAddon{}, false
}

// ClearPendingPlan drops a deferred plan or terms change and keeps pending
// addon changes.
func (s *Subscription) ClearPendingPlan() {
	s.PendingPlanID = nil
	s.PendingBillingPeriod = ""
	s.PendingBillingPeriodCount = 0
	if len(s.PendingAddons) == 0 {
		s.PendingChangeAt = nil
	}
}

// DropPendingAddon removes the pending entry for addonID.
func (s *Subscription) DropPendingAddon(addonID snowflake.ID) {
	kept := make(datatypes.JSONSlice[PendingAddon], 0, len(s.PendingAddons))
	for _, p := range s.PendingAddons {
		if p.AddonID != addonID {
			kept = append(kept, p)
		}
	}
	s.PendingAddons = kept
	if len(kept) == 0 {
		s.PendingAddons = nil
		if s.PendingPlanID == nil {
			s.PendingChangeAt = nil
		}
	}
}

// ClearPendingChange drops every deferred change.
func (s *Subscription) ClearPendingChange() {
	s.PendingPlanID = nil
	s.PendingBillingPeriod = ""
	s.PendingBillingPeriodCount = 0
	s.PendingAddons = nil
	s.PendingChangeAt = nil
}

// WithPendingChange returns a copy of s as it will look once the pending
// change is applied. The addon list is rebuilt in memory only.
func (s Subscription) WithPendingChange() Subscription {
	out := s
	out.PendingPlanID = nil
	out.PendingBillingPeriod = ""
	out.PendingBillingPeriodCount = 0
	out.PendingAddons = nil
	out.PendingChangeAt = nil
	if s.PendingPlanID != nil {
		out.PlanID = *s.PendingPlanID
		out.BillingPeriod = s.PendingBillingPeriod
		out.BillingPeriodCount = s.PendingBillingPeriodCount
	}
	if len(s.PendingAddons) == 0 {
		return out
	}

	removed := map[snowflake.ID]bool{}
	for _, p := range s.PendingAddons {
		if p.Remove {
			removed[p.AddonID] = true
		}
	}
	out.Addons = make([]Addon, 0, len(s.Addons)+len(s.PendingAddons))
	for _, a := range s.ActiveAddons() {
		if !removed[a.AddonID] {
			out.Addons = append(out.Addons, a)
		}
	}
	for _, p := range s.PendingAddons {
		if !p.Remove {
			out.Addons = append(out.Addons, Addon{
				OrgID:          s.OrgID,
				SubscriptionID: s.ID,
				AddonID:        p.AddonID,
				Quantity:       p.Quantity,
			})
		}
	}
	return out
}

// Addon is an addon attached to a subscription. Removed addons are kept
// with RemovedAt set.
type Addon struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID `gorm:"not null;index" json:"organization_id"`
	SubscriptionID snowflake.ID `gorm:"not null;index" json:"subscription_id"`
	AddonID        snowflake.ID `gorm:"not null;index" json:"addon_id"`
	Quantity       int64        `gorm:"not null;default:1" json:"quantity"`
	AddedAt        time.Time    `gorm:"not null" json:"added_at"`
	RemovedAt      *time.Time   `json:"removed_at,omitempty"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null" json:"updated_at"`
}

func (Addon) TableName() string { return "subscription_addons" }

// Pause records one pause of a subscription, including pauses and resumes
// scheduled for the end of the period.
type Pause struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID `gorm:"not null;index" json:"organization_id"`
	SubscriptionID snowflake.ID `gorm:"not null;index" json:"subscription_id"`
	Mode           Mode         `gorm:"type:text;not null" json:"mode"`
	Status         PauseStatus  `gorm:"type:text;not null" json:"status"`
	PauseStart     time.Time    `gorm:"not null" json:"pause_start"`
	ResumeMode     Mode         `gorm:"type:text" json:"resume_mode,omitempty"`
	ResumeAt       *time.Time   `json:"resume_at,omitempty"`
	ResumedAt      *time.Time   `json:"resumed_at,omitempty"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null" json:"updated_at"`
}

func (Pause) TableName() string { return "subscription_pauses" }
