package subscription

import "slices"

// Status is the lifecycle state of a tenant subscription.
type Status string

const (
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusUnpaid    Status = "unpaid"
	StatusCancelled Status = "cancelled"
	StatusInactive  Status = "inactive"
)

// Statuses lists every status value.
var Statuses = []Status{StatusTrial, StatusActive, StatusPastDue, StatusUnpaid, StatusCancelled, StatusInactive}

func (s Status) String() string { return string(s) }

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(Statuses, s)
}

// BillingCycle is the billing period of a paid subscription.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// TransitionReason records why the last plan/status change happened.
// Provider-side cancellation and a voluntary downgrade both land on the free
// plan; the reason keeps them apart in the audit trail.
type TransitionReason string

const (
	ReasonTenantSetup          TransitionReason = "tenant_setup"
	ReasonPlanChange           TransitionReason = "plan_change"
	ReasonSelfServiceChange    TransitionReason = "self_service_change"
	ReasonCheckoutCompleted    TransitionReason = "checkout_completed"
	ReasonProviderUpdate       TransitionReason = "provider_update"
	ReasonProviderCancellation TransitionReason = "provider_cancellation"
	ReasonPaymentRecovered     TransitionReason = "payment_recovered"
	ReasonPaymentFailed        TransitionReason = "payment_failed"
)

// allowedFrom lists, for each target status, the statuses it may be entered from.
// Self transitions are always legal so replayed events converge.
var allowedFrom = map[Status][]Status{
	StatusTrial:     {StatusTrial, StatusActive, StatusInactive, StatusCancelled},
	StatusActive:    {StatusTrial, StatusActive, StatusPastDue, StatusUnpaid, StatusCancelled, StatusInactive},
	StatusPastDue:   {StatusTrial, StatusActive, StatusPastDue},
	StatusUnpaid:    {StatusActive, StatusPastDue, StatusUnpaid},
	StatusCancelled: {StatusTrial, StatusActive, StatusPastDue, StatusUnpaid, StatusCancelled, StatusInactive},
	StatusInactive:  {StatusTrial, StatusActive, StatusPastDue, StatusUnpaid, StatusCancelled, StatusInactive},
}

// CanTransition reports whether a subscription in status from may move to status to.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return slices.Contains(allowedFrom[to], from)
}

// SourcesFor returns the statuses from which to can be entered.
func SourcesFor(to Status) []Status {
	return slices.Clone(allowedFrom[to])
}
