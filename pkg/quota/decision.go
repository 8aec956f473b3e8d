package quota

import (
	"fmt"
	"strconv"
)

// Reason explains a denied Decision.
type Reason string

const (
	ReasonLimitExceeded        Reason = "limit_exceeded"
	ReasonFeatureUnavailable   Reason = "feature_unavailable"
	ReasonSubscriptionInactive Reason = "subscription_inactive"
	ReasonTrialExpired         Reason = "trial_expired"
	ReasonUnknownAction        Reason = "unknown_action"
)

// Decision is the outcome of a quota check. Denials are ordinary values, not
// errors. CurrentUsage and Limit are set for counted resources only.
type Decision struct {
	Allowed      bool     `json:"allowed"`
	Reason       Reason   `json:"reason,omitempty"`
	Message      string   `json:"message,omitempty"`
	CurrentUsage *float64 `json:"currentUsage,omitempty"`
	Limit        *int64   `json:"limit,omitempty"`
}

// Err returns nil for an allowed decision and the sentinel matching the
// denial reason otherwise, annotated with the user message.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	var sentinel error
	switch d.Reason {
	case ReasonLimitExceeded:
		sentinel = ErrQuotaExceeded
	case ReasonFeatureUnavailable:
		sentinel = ErrFeatureUnavailable
	case ReasonTrialExpired:
		sentinel = ErrTrialExpired
	case ReasonUnknownAction:
		sentinel = ErrUnknownAction
	default:
		sentinel = ErrSubscriptionUnusable
	}
	if d.Message == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, d.Message)
}

func allow() Decision {
	return Decision{Allowed: true}
}

func allowCounted(usage float64, limit int64) Decision {
	return Decision{Allowed: true, CurrentUsage: &usage, Limit: &limit}
}

func denyLimit(label string, usage float64, limit int64) Decision {
	return Decision{
		Reason:       ReasonLimitExceeded,
		Message:      fmt.Sprintf("%s limit reached: %s of %d used", label, formatUsage(usage), limit),
		CurrentUsage: &usage,
		Limit:        &limit,
	}
}

func denyFeature(label string) Decision {
	return Decision{
		Reason:  ReasonFeatureUnavailable,
		Message: label + " is not available on your current plan",
	}
}

func denyInactive() Decision {
	return Decision{
		Reason:  ReasonSubscriptionInactive,
		Message: "your subscription is not active",
	}
}

func denyTrialExpired() Decision {
	return Decision{
		Reason:  ReasonTrialExpired,
		Message: "your free trial has ended, choose a plan to continue",
	}
}

func denyUnknown(a Action) Decision {
	return Decision{
		Reason:  ReasonUnknownAction,
		Message: fmt.Sprintf("action %q is not recognized", string(a)),
	}
}

func formatUsage(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
