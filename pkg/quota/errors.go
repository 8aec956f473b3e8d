package quota

import "errors"

var (
	ErrQuotaExceeded        = errors.New("quota: limit exceeded")
	ErrFeatureUnavailable   = errors.New("quota: feature not available on current plan")
	ErrSubscriptionUnusable = errors.New("quota: subscription is not active")
	ErrTrialExpired         = errors.New("quota: trial has expired")
	ErrUnknownAction        = errors.New("quota: unknown action")
)
