package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/plan"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

// PlanResolver looks plans up by id and by provider price reference.
// *plan.Catalog satisfies it.
type PlanResolver interface {
	MustGet(id plan.ID) (plan.Plan, error)
	ResolvePriceRef(ref string) (plan.ID, bool)
}

// Outcome reports what OnEvent did with an event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeNoop      Outcome = "noop"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeInFlight means another delivery of the event is still being
	// processed. The provider should deliver it again later.
	OutcomeInFlight Outcome = "in_flight"
	OutcomeStale     Outcome = "stale"
	OutcomeDropped   Outcome = "dropped"
)

// Reconciler applies billing provider events to tenant subscriptions. Every
// field it touches is set, never incremented, so redelivered events converge
// on the same state. Events older than the last applied one are skipped.
type Reconciler struct {
	store   subscription.Store
	plans   PlanResolver
	deduper Deduper
	now     func() time.Time
	logger  *slog.Logger
}

type ReconcilerOption func(*Reconciler)

func WithDeduper(d Deduper) ReconcilerOption {
	return func(r *Reconciler) {
		r.deduper = d
	}
}

func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewReconciler panics if store or plans is nil.
func NewReconciler(store subscription.Store, plans PlanResolver, opts ...ReconcilerOption) *Reconciler {
	if store == nil {
		panic("billing: subscription store is required")
	}
	if plans == nil {
		panic("billing: plan resolver is required")
	}
	r := &Reconciler{
		store:  store,
		plans:  plans,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(logger.Component("billing_reconciler"))
	return r
}

// OnEvent reconciles one event. Unknown event kinds are ignored and events
// that reference an unknown tenant or plan are logged and dropped; neither is
// an error. The returned error is set only for infrastructure failures, in
// which case the provider should redeliver.
func (r *Reconciler) OnEvent(ctx context.Context, ev Event) (Outcome, error) {
	log := r.logger.With(
		logger.EventID(ev.ID),
		logger.EventType(ev.ProviderType),
		slog.String("provider", ev.Provider))

	if ev.Kind == "" {
		log.InfoContext(ctx, "billing event ignored")
		return OutcomeIgnored, nil
	}

	key := ev.Provider + ":" + ev.ID
	if ev.ID != "" && r.deduper != nil {
		state, err := r.deduper.Claim(ctx, key)
		switch {
		case err != nil:
			log.WarnContext(ctx, "event dedup unavailable, processing anyway", logger.Error(err))
		case state == ClaimDone:
			log.InfoContext(ctx, "duplicate billing event skipped")
			return OutcomeDuplicate, nil
		case state == ClaimInFlight:
			log.InfoContext(ctx, "billing event already in flight")
			return OutcomeInFlight, nil
		}
	}

	var outcome Outcome
	sub, err := r.resolveTenant(ctx, ev)
	if err == nil {
		ctx = logger.WithTenant(ctx, sub.TenantID)
		outcome, err = r.dispatch(ctx, log, sub, ev)
	}
	if r.deduper != nil && ev.ID != "" {
		r.finish(ctx, log, key, err)
	}

	switch {
	case errors.Is(err, ErrReconciliationMismatch):
		log.ErrorContext(ctx, "billing event dropped",
			slog.String("customer_ref", ev.CustomerRef),
			slog.String("subscription_ref", ev.SubscriptionRef),
			slog.String("price_ref", ev.PriceRef),
			logger.Error(err))
		return OutcomeDropped, nil
	case err != nil:
		log.ErrorContext(ctx, "billing event failed", logger.Error(err))
		return "", err
	}

	log.InfoContext(ctx, "billing event reconciled", slog.String("outcome", string(outcome)))
	return outcome, nil
}

// finish keeps the claim for processed and dropped events and releases it
// after an infrastructure failure so the redelivery runs again. It runs even
// when the request context is already cancelled.
func (r *Reconciler) finish(ctx context.Context, log *slog.Logger, key string, err error) {
	ctx = context.WithoutCancel(ctx)
	var derr error
	if err != nil && !errors.Is(err, ErrReconciliationMismatch) {
		derr = r.deduper.Release(ctx, key)
	} else {
		derr = r.deduper.Complete(ctx, key)
	}
	if derr != nil {
		log.WarnContext(ctx, "event dedup update failed", logger.Error(derr))
	}
}

func (r *Reconciler) dispatch(ctx context.Context, log *slog.Logger, sub *subscription.TenantSubscription, ev Event) (Outcome, error) {
	var (
		patch subscription.Patch
		err   error
	)
	switch ev.Kind {
	case KindCheckoutCompleted:
		patch, err = r.checkoutPatch(sub, ev)
	case KindSubscriptionCreated, KindSubscriptionUpdated:
		patch, err = r.subscriptionPatch(sub, ev)
	case KindSubscriptionDeleted:
		if ev.SubscriptionRef != "" && sub.ExternalSubscriptionRef != "" && ev.SubscriptionRef != sub.ExternalSubscriptionRef {
			log.InfoContext(ctx, "deletion of a superseded provider subscription ignored",
				slog.String("subscription_ref", ev.SubscriptionRef))
			return OutcomeNoop, nil
		}
		patch, err = r.cancelPatch()
	case KindPaymentSucceeded:
		// Reactivation only; a payment on a healthy subscription changes nothing.
		patch = subscription.Patch{}.
			SetStatus(subscription.StatusActive).
			RequireStatus(subscription.StatusPastDue, subscription.StatusUnpaid).
			WithReason(subscription.ReasonPaymentRecovered)
	case KindPaymentFailed:
		patch = subscription.Patch{}.
			SetStatus(subscription.StatusPastDue).
			WithReason(subscription.ReasonPaymentFailed)
	default:
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}

	if ev.CustomerRef != "" && sub.ExternalCustomerRef == "" {
		patch = patch.WithCustomerRef(ev.CustomerRef)
	}

	res, err := r.store.ApplyPatch(ctx, sub.TenantID, patch, ev.OccurredAt)
	if err != nil {
		return "", err
	}
	switch res {
	case subscription.SkippedStale:
		return OutcomeStale, nil
	case subscription.SkippedTransition:
		log.InfoContext(ctx, "billing event does not apply in current status",
			logger.Status(sub.Status.String()))
		return OutcomeNoop, nil
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) checkoutPatch(sub *subscription.TenantSubscription, ev Event) (subscription.Patch, error) {
	id, p, err := r.resolvePlan(ev)
	if err != nil {
		return subscription.Patch{}, err
	}

	patch := subscription.ApplyPlan(id, p, r.now()).
		PreserveUsage().
		WithReason(subscription.ReasonCheckoutCompleted)
	patch = withTrialWindow(patch, sub, ev)
	if ev.SubscriptionRef != "" {
		patch = patch.WithSubscriptionRef(ev.SubscriptionRef)
	}
	if ev.PriceRef != "" {
		patch = patch.WithPriceRef(ev.PriceRef)
	}
	if ev.CustomerRef != "" {
		patch = patch.WithCustomerRef(ev.CustomerRef)
	}
	if ev.BillingCycle != "" {
		patch = patch.WithBillingCycle(ev.BillingCycle)
	}
	return patch, nil
}

func (r *Reconciler) subscriptionPatch(sub *subscription.TenantSubscription, ev Event) (subscription.Patch, error) {
	id, p, err := r.resolvePlan(ev)
	if err != nil {
		return subscription.Patch{}, err
	}

	patch := subscription.Patch{}.WithReason(subscription.ReasonProviderUpdate)
	if sub.Plan != id {
		patch = subscription.ApplyPlan(id, p, r.now()).
			PreserveUsage().
			WithReason(subscription.ReasonProviderUpdate)
	}

	status := MapProviderStatus(ev.ProviderStatus)
	patch = patch.SetStatus(status)
	switch {
	case status != subscription.StatusTrial:
		patch = patch.WithTrialEnd(nil)
	case ev.TrialEnd != nil:
		patch = patch.WithTrialEnd(ev.TrialEnd)
	default:
		// A trial needs an end date; derive it from the event time so replays agree.
		end := p.TrialEndsAt(ev.OccurredAt)
		patch = patch.WithTrialEnd(&end)
	}

	patch = patch.WithSubscriptionRef(ev.SubscriptionRef).WithPriceRef(ev.PriceRef)
	if ev.BillingCycle != "" {
		patch = patch.WithBillingCycle(ev.BillingCycle)
	}
	return patch, nil
}

func (r *Reconciler) cancelPatch() (subscription.Patch, error) {
	free, err := r.plans.MustGet(plan.Free)
	if err != nil {
		return subscription.Patch{}, fmt.Errorf("%w: %w", ErrReconciliationMismatch, err)
	}
	return subscription.CancelToPlan(free, r.now()).PreserveUsage(), nil
}

// withTrialWindow sets trial status when the provider reports a running trial
// and active status otherwise, overriding the plan's own trial days. A checkout
// without trial data leaves a trial already reported for the same provider
// subscription alone.
func withTrialWindow(patch subscription.Patch, sub *subscription.TenantSubscription, ev Event) subscription.Patch {
	switch {
	case ev.TrialEnd != nil && ev.TrialEnd.After(ev.OccurredAt):
		return patch.SetStatus(subscription.StatusTrial).WithTrialEnd(ev.TrialEnd)
	case ev.TrialEnd == nil && sub.Status == subscription.StatusTrial &&
		ev.SubscriptionRef != "" && ev.SubscriptionRef == sub.ExternalSubscriptionRef:
		return patch.KeepStatus()
	}
	return patch.SetStatus(subscription.StatusActive).WithTrialEnd(nil)
}

// resolveTenant tries the embedded tenant reference, then the provider
// customer reference, then the provider subscription reference.
func (r *Reconciler) resolveTenant(ctx context.Context, ev Event) (*subscription.TenantSubscription, error) {
	if ev.TenantRef != "" {
		if id, err := uuid.Parse(ev.TenantRef); err == nil {
			sub, err := r.store.Get(ctx, id)
			if err == nil {
				return sub, nil
			}
			if !errors.Is(err, subscription.ErrNotFound) {
				return nil, err
			}
		}
	}

	lookups := []struct {
		ref  string
		find func(context.Context, string) (*subscription.TenantSubscription, error)
	}{
		{ev.CustomerRef, r.store.FindByCustomerRef},
		{ev.SubscriptionRef, r.store.FindBySubscriptionRef},
	}
	for _, l := range lookups {
		if l.ref == "" {
			continue
		}
		sub, err := l.find(ctx, l.ref)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, subscription.ErrNotFound) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: no tenant for tenant_ref=%q customer_ref=%q subscription_ref=%q",
		ErrReconciliationMismatch, ev.TenantRef, ev.CustomerRef, ev.SubscriptionRef)
}

// resolvePlan prefers the plan id from event metadata and falls back to a
// reverse lookup of the price reference.
func (r *Reconciler) resolvePlan(ev Event) (plan.ID, plan.Plan, error) {
	id, err := plan.ParseID(ev.PlanID)
	if err != nil {
		var ok bool
		if id, ok = r.plans.ResolvePriceRef(ev.PriceRef); !ok {
			return "", plan.Plan{}, fmt.Errorf("%w: no plan for plan_id=%q price_ref=%q",
				ErrReconciliationMismatch, ev.PlanID, ev.PriceRef)
		}
	}
	p, err := r.plans.MustGet(id)
	if err != nil {
		return "", plan.Plan{}, fmt.Errorf("%w: %w", ErrReconciliationMismatch, err)
	}
	return id, p, nil
}
