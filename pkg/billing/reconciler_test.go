package billing_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/billing"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/plan"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

var t0 = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func newCatalog() *plan.Catalog {
	return plan.NewCatalog(
		plan.WithEnvironment(map[string]string{
			"PREMIUM_STRIPE_PRICE_MONTHLY": "price_premium_monthly",
			"BASIC_PADDLE_PRICE_MONTHLY":   "pri_basic_monthly",
		}),
		plan.WithLogger(logger.Discard()),
	)
}

type fixture struct {
	store   *subscription.MemoryStore
	catalog *plan.Catalog
	tenant  uuid.UUID
}

// newFixture creates a free tenant that already has three clients.
func newFixture(t *testing.T) fixture {
	t.Helper()

	f := fixture{store: subscription.NewMemoryStore(), catalog: newCatalog(), tenant: uuid.New()}
	svc := subscription.NewService(f.store, f.catalog, subscription.WithLogger(logger.Discard()))
	_, err := svc.Setup(context.Background(), f.tenant, plan.Free)
	require.NoError(t, err)
	_, err = f.store.Increment(context.Background(), f.tenant, subscription.CounterClients, 3)
	require.NoError(t, err)
	return f
}

func (f fixture) reconciler(opts ...billing.ReconcilerOption) *billing.Reconciler {
	opts = append([]billing.ReconcilerOption{billing.WithLogger(logger.Discard())}, opts...)
	return billing.NewReconciler(f.store, f.catalog, opts...)
}

func (f fixture) get(t *testing.T) *subscription.TenantSubscription {
	t.Helper()
	sub, err := f.store.Get(context.Background(), f.tenant)
	require.NoError(t, err)
	return sub
}

func (f fixture) checkout(id string, at time.Time) billing.Event {
	return billing.Event{
		ID:              id,
		Provider:        billing.ProviderStripe,
		Kind:            billing.KindCheckoutCompleted,
		OccurredAt:      at,
		TenantRef:       f.tenant.String(),
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_1",
		PriceRef:        "price_premium_monthly",
		PlanID:          "premium",
	}
}

func TestReconcilerCheckout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("applies purchased plan as active without provider trial", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		out, err := f.reconciler().OnEvent(ctx, f.checkout("evt_1", t0))
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeApplied, out)

		sub := f.get(t)
		assert.Equal(t, plan.Premium, sub.Plan)
		assert.Equal(t, subscription.StatusActive, sub.Status)
		assert.Nil(t, sub.TrialEndDate)
		assert.Equal(t, int64(1000), sub.Limits.MaxClients)
		assert.Equal(t, "cus_1", sub.ExternalCustomerRef)
		assert.Equal(t, "sub_1", sub.ExternalSubscriptionRef)
		assert.Equal(t, "price_premium_monthly", sub.ExternalPriceRef)
		assert.Equal(t, subscription.ReasonCheckoutCompleted, sub.LastTransition)
		assert.Equal(t, float64(3), sub.Usage.CurrentClients, "entity counters survive checkout")
	})

	t.Run("provider trial window sets trial status", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		ev := f.checkout("evt_trial", t0)
		end := t0.AddDate(0, 0, 7)
		ev.TrialEnd = &end

		_, err := f.reconciler().OnEvent(ctx, ev)
		require.NoError(t, err)

		sub := f.get(t)
		assert.Equal(t, subscription.StatusTrial, sub.Status)
		require.NotNil(t, sub.TrialEndDate)
		assert.True(t, end.Equal(*sub.TrialEndDate))
	})

	t.Run("checkout without trial data keeps a reported trial", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rec := f.reconciler()

		end := t0.AddDate(0, 0, 7)
		created := billing.Event{
			ID: "evt_created", Kind: billing.KindSubscriptionCreated, OccurredAt: t0,
			TenantRef: f.tenant.String(), SubscriptionRef: "sub_1", PlanID: "premium",
			ProviderStatus: "trialing", TrialEnd: &end,
		}
		_, err := rec.OnEvent(ctx, created)
		require.NoError(t, err)

		out, err := rec.OnEvent(ctx, f.checkout("evt_cs", t0.Add(time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeApplied, out)

		sub := f.get(t)
		assert.Equal(t, plan.Premium, sub.Plan)
		assert.Equal(t, subscription.StatusTrial, sub.Status)
		require.NotNil(t, sub.TrialEndDate)
		assert.True(t, end.Equal(*sub.TrialEndDate))
		assert.Equal(t, "cus_1", sub.ExternalCustomerRef)
	})

	t.Run("resolves tenant by customer reference", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rec := f.reconciler()

		_, err := rec.OnEvent(ctx, f.checkout("evt_a", t0))
		require.NoError(t, err)

		ev := f.checkout("evt_b", t0.Add(time.Minute))
		ev.TenantRef = ""
		ev.PlanID = ""
		ev.PriceRef = "pri_basic_monthly"
		out, err := rec.OnEvent(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeApplied, out)
		assert.Equal(t, plan.Basic, f.get(t).Plan)
	})
}

func TestReconcilerIdempotency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("same event twice converges", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rec := f.reconciler()

		ev := f.checkout("evt_1", t0)
		_, err := rec.OnEvent(ctx, ev)
		require.NoError(t, err)
		first := f.get(t)

		out, err := rec.OnEvent(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeApplied, out)
		second := f.get(t)

		assert.Equal(t, first.Plan, second.Plan)
		assert.Equal(t, first.Status, second.Status)
		assert.Equal(t, first.Limits, second.Limits)
		assert.Equal(t, first.Usage, second.Usage)
		assert.Equal(t, first.ExternalSubscriptionRef, second.ExternalSubscriptionRef)
	})

	t.Run("same subscription update twice converges", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rec := f.reconciler()

		_, err := rec.OnEvent(ctx, f.checkout("evt_checkout", t0))
		require.NoError(t, err)

		ev := billing.Event{
			ID: "evt_upd", Kind: billing.KindSubscriptionUpdated, OccurredAt: t0.Add(time.Hour),
			SubscriptionRef: "sub_2", PriceRef: "pri_basic_monthly", ProviderStatus: "active",
			CustomerRef: "cus_1", BillingCycle: subscription.CycleYearly,
		}
		_, err = rec.OnEvent(ctx, ev)
		require.NoError(t, err)
		first := f.get(t)
		require.Equal(t, plan.Basic, first.Plan)

		out, err := rec.OnEvent(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeApplied, out)
		second := f.get(t)

		assert.Equal(t, first.Plan, second.Plan)
		assert.Equal(t, first.Status, second.Status)
		assert.Equal(t, first.Limits, second.Limits)
		assert.Equal(t, first.Usage, second.Usage)
		assert.Equal(t, first.TrialEndDate, second.TrialEndDate)
		assert.Equal(t, first.BillingCycle, second.BillingCycle)
		assert.Equal(t, first.ExternalCustomerRef, second.ExternalCustomerRef)
		assert.Equal(t, first.ExternalSubscriptionRef, second.ExternalSubscriptionRef)
		assert.Equal(t, first.ExternalPriceRef, second.ExternalPriceRef)
		assert.Equal(t, "sub_2", second.ExternalSubscriptionRef)
		assert.Equal(t, "pri_basic_monthly", second.ExternalPriceRef)
	})

	t.Run("deduper short-circuits redelivery", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rec := f.reconciler(billing.WithDeduper(billing.NewMemoryDeduper()))

		ev := f.checkout("evt_1", t0)
		out, err := rec.OnEvent(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeApplied, out)

		out, err = rec.OnEvent(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeDuplicate, out)
	})
}

func TestReconcilerOrdering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	rec := f.reconciler()

	_, err := rec.OnEvent(ctx, f.checkout("evt_checkout", t0))
	require.NoError(t, err)

	failed := billing.Event{
		ID: "evt_failed", Kind: billing.KindPaymentFailed,
		OccurredAt: t0.Add(2 * time.Hour), CustomerRef: "cus_1",
	}
	out, err := rec.OnEvent(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, out)

	// Delivered late: emitted before the payment failure.
	stale := billing.Event{
		ID: "evt_update", Kind: billing.KindSubscriptionUpdated,
		OccurredAt: t0.Add(time.Hour), SubscriptionRef: "sub_1",
		PriceRef: "price_premium_monthly", ProviderStatus: "active",
	}
	out, err = rec.OnEvent(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeStale, out)
	assert.Equal(t, subscription.StatusPastDue, f.get(t).Status)

	recovered := billing.Event{
		ID: "evt_paid", Kind: billing.KindPaymentSucceeded,
		OccurredAt: t0.Add(3 * time.Hour), SubscriptionRef: "sub_1",
	}
	out, err = rec.OnEvent(ctx, recovered)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, out)

	sub := f.get(t)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.Equal(t, subscription.ReasonPaymentRecovered, sub.LastTransition)
}

func TestReconcilerSubscriptionUpdated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("status mapping", func(t *testing.T) {
		t.Parallel()

		cases := map[string]subscription.Status{
			"trialing":           subscription.StatusTrial,
			"active":             subscription.StatusActive,
			"past_due":           subscription.StatusPastDue,
			"unpaid":             subscription.StatusUnpaid,
			"incomplete_expired": subscription.StatusInactive,
			"paused":             subscription.StatusInactive,
		}
		for provider, want := range cases {
			assert.Equal(t, want, billing.MapProviderStatus(provider), provider)
		}
	})

	t.Run("plan change from price reference keeps usage", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rec := f.reconciler()

		_, err := rec.OnEvent(ctx, f.checkout("evt_checkout", t0))
		require.NoError(t, err)

		ev := billing.Event{
			ID: "evt_upd", Kind: billing.KindSubscriptionUpdated, OccurredAt: t0.Add(time.Hour),
			SubscriptionRef: "sub_1", PriceRef: "pri_basic_monthly", ProviderStatus: "active",
			BillingCycle: subscription.CycleYearly,
		}
		out, err := rec.OnEvent(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeApplied, out)

		sub := f.get(t)
		assert.Equal(t, plan.Basic, sub.Plan)
		assert.Equal(t, int64(100), sub.Limits.MaxClients)
		assert.Equal(t, "pri_basic_monthly", sub.ExternalPriceRef)
		assert.Equal(t, subscription.CycleYearly, sub.BillingCycle)
		assert.Equal(t, float64(3), sub.Usage.CurrentClients)
	})

	t.Run("trialing without end date derives one from the plan", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		ev := billing.Event{
			ID: "evt_created", Kind: billing.KindSubscriptionCreated, OccurredAt: t0,
			TenantRef: f.tenant.String(), SubscriptionRef: "sub_9", PlanID: "basic",
			ProviderStatus: "trialing",
		}
		_, err := f.reconciler().OnEvent(ctx, ev)
		require.NoError(t, err)

		sub := f.get(t)
		assert.Equal(t, subscription.StatusTrial, sub.Status)
		require.NotNil(t, sub.TrialEndDate)
		assert.True(t, t0.AddDate(0, 0, 14).Equal(*sub.TrialEndDate))
	})

	t.Run("unknown plan is dropped", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		ev := billing.Event{
			ID: "evt_x", Kind: billing.KindSubscriptionUpdated, OccurredAt: t0,
			TenantRef: f.tenant.String(), PriceRef: "price_unknown", ProviderStatus: "active",
		}
		out, err := f.reconciler().OnEvent(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeDropped, out)
		assert.Equal(t, plan.Free, f.get(t).Plan)
	})
}

func TestReconcilerCancellation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("deletion downgrades to free and clears references", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rec := f.reconciler()

		_, err := rec.OnEvent(ctx, f.checkout("evt_checkout", t0))
		require.NoError(t, err)

		del := billing.Event{
			ID: "evt_del", Kind: billing.KindSubscriptionDeleted, OccurredAt: t0.Add(time.Hour),
			SubscriptionRef: "sub_1", CustomerRef: "cus_1", ProviderStatus: "canceled",
		}
		out, err := rec.OnEvent(ctx, del)
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeApplied, out)

		sub := f.get(t)
		assert.Equal(t, plan.Free, sub.Plan)
		assert.Equal(t, subscription.StatusCancelled, sub.Status)
		assert.Equal(t, subscription.ReasonProviderCancellation, sub.LastTransition)
		assert.Empty(t, sub.ExternalSubscriptionRef)
		assert.Empty(t, sub.ExternalPriceRef)
		assert.Equal(t, "cus_1", sub.ExternalCustomerRef)
		assert.Equal(t, int64(10), sub.Limits.MaxClients)
		assert.Equal(t, float64(3), sub.Usage.CurrentClients)

		// A payment failure cannot revive a cancelled subscription into past_due.
		failed := billing.Event{
			ID: "evt_fail", Kind: billing.KindPaymentFailed, OccurredAt: t0.Add(2 * time.Hour),
			CustomerRef: "cus_1",
		}
		out, err = rec.OnEvent(ctx, failed)
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeNoop, out)
		assert.Equal(t, subscription.StatusCancelled, f.get(t).Status)
	})

	t.Run("deletion of superseded subscription is ignored", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rec := f.reconciler()

		_, err := rec.OnEvent(ctx, f.checkout("evt_checkout", t0))
		require.NoError(t, err)

		del := billing.Event{
			ID: "evt_old_del", Kind: billing.KindSubscriptionDeleted, OccurredAt: t0.Add(time.Hour),
			TenantRef: f.tenant.String(), SubscriptionRef: "sub_old",
		}
		out, err := rec.OnEvent(ctx, del)
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeNoop, out)
		assert.Equal(t, plan.Premium, f.get(t).Plan)
	})
}

func TestReconcilerPaymentSucceededOnHealthySubscription(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	before := f.get(t)

	ev := billing.Event{
		ID: "evt_paid", Kind: billing.KindPaymentSucceeded, OccurredAt: t0,
		TenantRef: f.tenant.String(),
	}
	out, err := f.reconciler().OnEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeNoop, out)

	after := f.get(t)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.LastTransition, after.LastTransition)
}

func TestReconcilerUnmatchedEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	rec := f.reconciler()

	out, err := rec.OnEvent(ctx, billing.Event{ID: "evt_1", ProviderType: "customer.created"})
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeIgnored, out)

	out, err = rec.OnEvent(ctx, billing.Event{
		ID: "evt_2", Kind: billing.KindPaymentFailed, OccurredAt: t0, CustomerRef: "cus_nobody",
	})
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeDropped, out)
}

type failingStore struct {
	subscription.Store
	fail bool
}

func (s *failingStore) ApplyPatch(ctx context.Context, id uuid.UUID, p subscription.Patch, at time.Time) (subscription.Outcome, error) {
	if s.fail {
		return 0, errors.Join(subscription.ErrStore, errors.New("connection reset"))
	}
	return s.Store.ApplyPatch(ctx, id, p, at)
}

func TestReconcilerStoreFailureReleasesClaim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	store := &failingStore{Store: f.store, fail: true}
	rec := billing.NewReconciler(store, f.catalog,
		billing.WithDeduper(billing.NewMemoryDeduper()),
		billing.WithLogger(logger.Discard()))

	ev := f.checkout("evt_1", t0)
	_, err := rec.OnEvent(ctx, ev)
	require.ErrorIs(t, err, subscription.ErrStore)

	store.fail = false
	out, err := rec.OnEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, out)
	assert.Equal(t, plan.Premium, f.get(t).Plan)
}

func TestReconcilerLogsCarryTenant(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	buf := &bytes.Buffer{}
	rec := billing.NewReconciler(f.store, f.catalog, billing.WithLogger(logger.New(logger.WithOutput(buf))))

	_, err := rec.OnEvent(context.Background(), f.checkout("evt_1", t0))
	require.NoError(t, err)

	var reconciled map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &entry))
		if entry["msg"] == "billing event reconciled" {
			reconciled = entry
		}
	}
	require.NotNil(t, reconciled)
	assert.Equal(t, f.tenant.String(), reconciled["tenant_id"])
}
