package billing

import (
	"encoding/json"
	"time"

	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

// Kind is the provider-independent type of a billing event.
type Kind string

const (
	KindCheckoutCompleted   Kind = "checkout_completed"
	KindSubscriptionCreated Kind = "subscription_created"
	KindSubscriptionUpdated Kind = "subscription_updated"
	KindSubscriptionDeleted Kind = "subscription_deleted"
	KindPaymentSucceeded    Kind = "payment_succeeded"
	KindPaymentFailed       Kind = "payment_failed"
)

// Event is a normalized billing provider webhook. Kind is empty for provider
// event types the reconciler does not handle.
type Event struct {
	ID           string
	Provider     string
	ProviderType string
	Kind         Kind
	OccurredAt   time.Time

	// TenantRef is the tenant id embedded by checkout (client reference or metadata).
	TenantRef       string
	CustomerRef     string
	SubscriptionRef string
	PriceRef        string
	// PlanID comes from event metadata; empty when the provider did not echo it.
	PlanID         string
	ProviderStatus string
	BillingCycle   subscription.BillingCycle
	TrialStart     *time.Time
	TrialEnd       *time.Time

	Raw json.RawMessage
}

// MapProviderStatus maps a provider subscription status onto Status.
// Anything unrecognized is inactive.
func MapProviderStatus(s string) subscription.Status {
	switch s {
	case "trialing":
		return subscription.StatusTrial
	case "active":
		return subscription.StatusActive
	case "past_due":
		return subscription.StatusPastDue
	case "unpaid":
		return subscription.StatusUnpaid
	default:
		return subscription.StatusInactive
	}
}

func mapInterval(interval string) subscription.BillingCycle {
	switch interval {
	case "month":
		return subscription.CycleMonthly
	case "year":
		return subscription.CycleYearly
	}
	return ""
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
