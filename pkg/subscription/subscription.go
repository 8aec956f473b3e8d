package subscription

import (
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/plan"
)

// Usage holds a tenant's consumption counters. WorkOrdersThisMonth and
// SmsThisMonth are period-bound and reset monthly; the others track live
// entities and never reset.
type Usage struct {
	CurrentUsers        int64     `bson:"currentUsers" json:"currentUsers"`
	CurrentClients      int64     `bson:"currentClients" json:"currentClients"`
	WorkOrdersThisMonth int64     `bson:"workOrdersThisMonth" json:"workOrdersThisMonth"`
	SmsThisMonth        int64     `bson:"smsThisMonth" json:"smsThisMonth"`
	StorageUsedGB       float64   `bson:"storageUsedGB" json:"storageUsedGB"`
	LastResetDate       time.Time `bson:"lastResetDate" json:"lastResetDate"`
}

// ZeroUsage returns empty counters with the period starting at now.
func ZeroUsage(now time.Time) Usage {
	return Usage{LastResetDate: now.UTC()}
}

// PeriodCutoff returns the oldest lastResetDate that still belongs to the
// current period at now. Anything before it is more than one calendar month old.
func PeriodCutoff(now time.Time) time.Time {
	return now.UTC().AddDate(0, -1, 0)
}

// PeriodExpired reports whether the monthly counters are due for a reset.
func (u Usage) PeriodExpired(now time.Time) bool {
	return u.LastResetDate.Before(PeriodCutoff(now))
}

// TenantSubscription is the per-tenant subscription record. Limits is a copy
// of the plan limits at the time the plan was applied, not a live reference.
type TenantSubscription struct {
	TenantID                uuid.UUID        `bson:"-" json:"tenantId"`
	Plan                    plan.ID          `bson:"plan" json:"plan"`
	Status                  Status           `bson:"status" json:"status"`
	BillingCycle            BillingCycle     `bson:"billingCycle" json:"billingCycle"`
	TrialEndDate            *time.Time       `bson:"trialEndDate,omitempty" json:"trialEndDate,omitempty"`
	ExternalCustomerRef     string           `bson:"externalCustomerRef,omitempty" json:"externalCustomerRef,omitempty"`
	ExternalSubscriptionRef string           `bson:"externalSubscriptionRef,omitempty" json:"externalSubscriptionRef,omitempty"`
	ExternalPriceRef        string           `bson:"externalPriceRef,omitempty" json:"externalPriceRef,omitempty"`
	Limits                  plan.Limits      `bson:"limits" json:"limits"`
	Usage                   Usage            `bson:"usage" json:"usage"`
	LastEventAt             *time.Time       `bson:"lastEventAt,omitempty" json:"lastEventAt,omitempty"`
	LastTransition          TransitionReason `bson:"lastTransition,omitempty" json:"lastTransition,omitempty"`
	CreatedAt               time.Time        `bson:"createdAt" json:"createdAt"`
	UpdatedAt               time.Time        `bson:"updatedAt" json:"updatedAt"`
}

// Clone returns a deep copy.
func (s *TenantSubscription) Clone() *TenantSubscription {
	if s == nil {
		return nil
	}
	out := *s
	out.Limits = s.Limits.Clone()
	if s.TrialEndDate != nil {
		t := *s.TrialEndDate
		out.TrialEndDate = &t
	}
	if s.LastEventAt != nil {
		t := *s.LastEventAt
		out.LastEventAt = &t
	}
	return &out
}

// UnusableReason explains why a subscription cannot be used.
type UnusableReason string

const (
	UnusableNone         UnusableReason = ""
	UnusableCancelled    UnusableReason = "cancelled"
	UnusableInactive     UnusableReason = "inactive"
	UnusableTrialExpired UnusableReason = "trial_expired"
)

// Unusable returns why sub cannot be used at now, or UnusableNone.
// A trial past its end date is unusable whatever the stored status says,
// until a transition is applied. A trial without an end date is treated as expired.
func Unusable(sub *TenantSubscription, now time.Time) UnusableReason {
	switch sub.Status {
	case StatusCancelled:
		return UnusableCancelled
	case StatusInactive:
		return UnusableInactive
	case StatusTrial:
		if sub.TrialEndDate == nil || now.After(*sub.TrialEndDate) {
			return UnusableTrialExpired
		}
	}
	return UnusableNone
}

// IsUsable reports whether the tenant may perform quota-governed actions.
func IsUsable(sub *TenantSubscription, now time.Time) bool {
	return Unusable(sub, now) == UnusableNone
}

// TrialDaysRemainingAt returns the whole days left in the trial at now,
// rounding partial days. Returns 0 outside a running trial.
func (s *TenantSubscription) TrialDaysRemainingAt(now time.Time) int {
	if s.Status != StatusTrial || s.TrialEndDate == nil {
		return 0
	}
	remaining := s.TrialEndDate.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Hours()/24 + 0.5)
}
