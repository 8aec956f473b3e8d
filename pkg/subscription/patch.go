package subscription

import (
	"slices"
	"time"

	"github.com/dmitrymomot/quotakit/pkg/plan"
)

// Patch is a set of "set to X" changes to a subscription. Every field it
// touches is overwritten, never incremented, so applying the same patch twice
// leaves the subscription in the same state.
type Patch struct {
	Plan         *plan.ID
	Limits       *plan.Limits
	Status       *Status
	BillingCycle *BillingCycle
	// TrialEndDate is written when SetTrialEnd is true; nil clears it.
	TrialEndDate *time.Time
	SetTrialEnd  bool

	CustomerRef     *string
	SubscriptionRef *string
	PriceRef        *string

	// ResetUsageAt zeroes every usage counter and starts a new period at the given time.
	ResetUsageAt *time.Time

	Reason TransitionReason

	// Require lists the statuses the subscription must currently be in.
	// Empty means any status allowed by the transition table.
	Require []Status
}

// ApplyPlan computes the patch for assigning p to a subscription:
// plan, a copy of the plan limits, zeroed usage and either trial status with
// an end date derived from the plan's trial days or active status.
func ApplyPlan(id plan.ID, p plan.Plan, now time.Time) Patch {
	now = now.UTC()
	limits := p.Limits.Clone()
	status := StatusActive
	var trialEnd *time.Time
	if p.HasTrial() {
		status = StatusTrial
		end := p.TrialEndsAt(now)
		trialEnd = &end
	}
	return Patch{
		Plan:         &id,
		Limits:       &limits,
		Status:       &status,
		TrialEndDate: trialEnd,
		SetTrialEnd:  true,
		ResetUsageAt: &now,
		Reason:       ReasonPlanChange,
	}
}

// CancelToPlan routes a provider-side cancellation through ApplyPlan with the
// free plan and overrides the status to cancelled. The provider subscription
// and price references are cleared.
func CancelToPlan(free plan.Plan, now time.Time) Patch {
	p := ApplyPlan(free.ID, free, now).
		SetStatus(StatusCancelled).
		WithTrialEnd(nil).
		WithSubscriptionRef("").
		WithPriceRef("")
	p.Reason = ReasonProviderCancellation
	return p
}

// PreserveUsage drops the usage reset from the patch. Entity counters track
// real rows and stay valid across plan changes.
func (p Patch) PreserveUsage() Patch {
	p.ResetUsageAt = nil
	return p
}

func (p Patch) SetStatus(s Status) Patch {
	p.Status = &s
	return p
}

// KeepStatus drops the status and trial end date from the patch so the
// subscription keeps its current ones.
func (p Patch) KeepStatus() Patch {
	p.Status = nil
	p.TrialEndDate = nil
	p.SetTrialEnd = false
	return p
}

// WithTrialEnd sets or, with nil, clears the trial end date.
func (p Patch) WithTrialEnd(end *time.Time) Patch {
	if end != nil {
		t := end.UTC()
		end = &t
	}
	p.TrialEndDate = end
	p.SetTrialEnd = true
	return p
}

func (p Patch) WithBillingCycle(c BillingCycle) Patch {
	p.BillingCycle = &c
	return p
}

func (p Patch) WithCustomerRef(ref string) Patch {
	p.CustomerRef = &ref
	return p
}

// WithSubscriptionRef sets the provider subscription reference; "" clears it.
func (p Patch) WithSubscriptionRef(ref string) Patch {
	p.SubscriptionRef = &ref
	return p
}

// WithPriceRef sets the provider price reference; "" clears it.
func (p Patch) WithPriceRef(ref string) Patch {
	p.PriceRef = &ref
	return p
}

func (p Patch) WithReason(r TransitionReason) Patch {
	p.Reason = r
	return p
}

// RequireStatus restricts the patch to subscriptions currently in one of the given statuses.
func (p Patch) RequireStatus(statuses ...Status) Patch {
	p.Require = slices.Clone(statuses)
	return p
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Plan == nil && p.Limits == nil && p.Status == nil && p.BillingCycle == nil &&
		!p.SetTrialEnd && p.CustomerRef == nil && p.SubscriptionRef == nil &&
		p.PriceRef == nil && p.ResetUsageAt == nil
}

// AllowedFrom returns the statuses a subscription may currently be in for the
// patch to apply. A nil result means any status; an empty non-nil result means
// the patch can never apply.
func (p Patch) AllowedFrom() []Status {
	var allowed []Status
	if p.Status != nil {
		allowed = SourcesFor(*p.Status)
		// Self transition is legal even when the table omits it.
		if !slices.Contains(allowed, *p.Status) {
			allowed = append(allowed, *p.Status)
		}
	}
	if len(p.Require) == 0 {
		return allowed
	}
	if allowed == nil {
		return slices.Clone(p.Require)
	}
	out := make([]Status, 0, len(p.Require))
	for _, s := range p.Require {
		if slices.Contains(allowed, s) {
			out = append(out, s)
		}
	}
	return out
}

// Permits reports whether the patch may be applied to a subscription in status current.
func (p Patch) Permits(current Status) bool {
	allowed := p.AllowedFrom()
	return allowed == nil || slices.Contains(allowed, current)
}

// Apply writes the patch into sub. It does not check transitions; see Permits.
func (p Patch) Apply(sub *TenantSubscription, now time.Time) {
	if p.Plan != nil {
		sub.Plan = *p.Plan
	}
	if p.Limits != nil {
		sub.Limits = p.Limits.Clone()
	}
	if p.Status != nil {
		sub.Status = *p.Status
	}
	if p.BillingCycle != nil {
		sub.BillingCycle = *p.BillingCycle
	}
	if p.SetTrialEnd {
		if p.TrialEndDate == nil {
			sub.TrialEndDate = nil
		} else {
			t := *p.TrialEndDate
			sub.TrialEndDate = &t
		}
	}
	if p.CustomerRef != nil {
		sub.ExternalCustomerRef = *p.CustomerRef
	}
	if p.SubscriptionRef != nil {
		sub.ExternalSubscriptionRef = *p.SubscriptionRef
	}
	if p.PriceRef != nil {
		sub.ExternalPriceRef = *p.PriceRef
	}
	if p.ResetUsageAt != nil {
		sub.Usage = ZeroUsage(*p.ResetUsageAt)
	}
	if p.Reason != "" {
		sub.LastTransition = p.Reason
	}
	sub.UpdatedAt = now.UTC()
}
