// Package billing turns billing provider webhooks into subscription state.
//
// Parsers verify and normalize provider payloads into an Event. StripeParser
// checks the Stripe-Signature header with the Stripe SDK and PaddleParser
// checks Paddle-Signature with the Paddle SDK. The Reconciler resolves the
// tenant (embedded tenant id, then customer reference, then subscription
// reference) and the plan (metadata plan id, then price reference) and applies
// a subscription.Patch through the store.
//
// Reconciliation only sets fields, so a redelivered event lands on the same
// state. Events older than the last one applied are skipped, and status
// changes that are not legal from the current status are ignored. A Deduper
// (RedisDeduper in production) keeps concurrent deliveries of one event from
// both doing the work. A delivery that arrives while another still holds the
// claim gets OutcomeInFlight, which the handler answers with 409 so the
// provider retries.
//
// Wiring:
//
//	stripeParser, _ := billing.NewStripeParser(cfg.Stripe)
//	rec := billing.NewReconciler(store, catalog,
//		billing.WithDeduper(billing.NewRedisDeduper(rdb)),
//		billing.WithLogger(log))
//	h := billing.NewWebhookHandler(rec, billing.WithParser(stripeParser))
//	router.Mount("/webhooks", h.Routes())
//
// Events for unknown tenants or plans are logged with
// ErrReconciliationMismatch and acknowledged; they never poison the provider's
// delivery queue.
package billing
