package billing

import "errors"

var (
	ErrReconciliationMismatch = errors.New("billing: event references an unknown tenant or plan")
	ErrSignatureVerification  = errors.New("billing: webhook signature verification failed")
	ErrMalformedEvent         = errors.New("billing: malformed webhook payload")
	ErrMissingWebhookSecret   = errors.New("billing: webhook secret is required")
	ErrDeduper                = errors.New("billing: event deduplication failed")
)
