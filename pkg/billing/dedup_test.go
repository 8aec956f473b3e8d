package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/billing"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/plan"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

func newRedisDeduper(t *testing.T, opts ...billing.RedisDeduperOption) (*billing.RedisDeduper, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return billing.NewRedisDeduper(client, opts...), mr
}

func TestRedisDeduper(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("claim is exclusive", func(t *testing.T) {
		t.Parallel()
		d, mr := newRedisDeduper(t)

		state, err := d.Claim(ctx, "stripe:evt_1")
		require.NoError(t, err)
		assert.Equal(t, billing.ClaimAcquired, state)

		state, err = d.Claim(ctx, "stripe:evt_1")
		require.NoError(t, err)
		assert.Equal(t, billing.ClaimInFlight, state)

		assert.True(t, mr.Exists("billing:event:stripe:evt_1"))
	})

	t.Run("release allows reprocessing", func(t *testing.T) {
		t.Parallel()
		d, _ := newRedisDeduper(t)

		_, err := d.Claim(ctx, "k")
		require.NoError(t, err)
		require.NoError(t, d.Release(ctx, "k"))

		state, err := d.Claim(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, billing.ClaimAcquired, state)
	})

	t.Run("completed marker outlives claim ttl", func(t *testing.T) {
		t.Parallel()
		d, mr := newRedisDeduper(t, billing.WithKeyPrefix("test:"), billing.WithTTLs(time.Minute, time.Hour))

		_, err := d.Claim(ctx, "k")
		require.NoError(t, err)
		require.NoError(t, d.Complete(ctx, "k"))

		mr.FastForward(30 * time.Minute)
		state, err := d.Claim(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, billing.ClaimDone, state)

		got, err := mr.Get("test:k")
		require.NoError(t, err)
		assert.Equal(t, "done", got)

		mr.FastForward(time.Hour)
		state, err = d.Claim(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, billing.ClaimAcquired, state)
	})

	t.Run("abandoned claim expires", func(t *testing.T) {
		t.Parallel()
		d, mr := newRedisDeduper(t, billing.WithTTLs(time.Minute, 0))

		_, err := d.Claim(ctx, "k")
		require.NoError(t, err)
		mr.FastForward(2 * time.Minute)

		state, err := d.Claim(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, billing.ClaimAcquired, state)
	})

	t.Run("unavailable redis is reported", func(t *testing.T) {
		t.Parallel()
		d, mr := newRedisDeduper(t)
		mr.Close()

		_, err := d.Claim(ctx, "k")
		assert.ErrorIs(t, err, billing.ErrDeduper)
	})
}

func TestMemoryDeduper(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := billing.NewMemoryDeduper()

	state, err := d.Claim(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, billing.ClaimAcquired, state)

	state, _ = d.Claim(ctx, "k")
	assert.Equal(t, billing.ClaimInFlight, state)

	require.NoError(t, d.Complete(ctx, "k"))
	state, _ = d.Claim(ctx, "k")
	assert.Equal(t, billing.ClaimDone, state)

	require.NoError(t, d.Release(ctx, "k"))
	state, _ = d.Claim(ctx, "k")
	assert.Equal(t, billing.ClaimAcquired, state)
}

func TestReconcilerContinuesWhenDeduperFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d, mr := newRedisDeduper(t)
	mr.Close()

	out, err := f.reconciler(billing.WithDeduper(d)).OnEvent(context.Background(), f.checkout("evt_1", t0))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, out)
}

// cancellingStore cancels the request context in the middle of the write,
// the way a provider hanging up mid-request does.
type cancellingStore struct {
	subscription.Store
	cancel context.CancelFunc
	once   sync.Once
}

func (s *cancellingStore) ApplyPatch(ctx context.Context, tenantID uuid.UUID, p subscription.Patch, at time.Time) (subscription.Outcome, error) {
	first := false
	s.once.Do(func() { first = true })
	if first {
		s.cancel()
		return 0, ctx.Err()
	}
	return s.Store.ApplyPatch(ctx, tenantID, p, at)
}

func TestReconcilerReleasesClaimAfterCancelledRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d, mr := newRedisDeduper(t)

	ctx, cancel := context.WithCancel(context.Background())
	store := &cancellingStore{Store: f.store, cancel: cancel}
	rec := billing.NewReconciler(store, f.catalog,
		billing.WithDeduper(d),
		billing.WithLogger(logger.Discard()))

	ev := f.checkout("evt_1", t0)
	_, err := rec.OnEvent(ctx, ev)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, mr.Exists("billing:event:stripe:evt_1"), "claim released despite cancelled request")

	out, err := rec.OnEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, out)
	assert.Equal(t, plan.Premium, f.get(t).Plan)
}

func TestReconcilerInFlightDuplicate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d, _ := newRedisDeduper(t)
	ev := f.checkout("evt_1", t0)

	// A delivery that crashed after claiming leaves the claim in place.
	state, err := d.Claim(context.Background(), ev.Provider+":"+ev.ID)
	require.NoError(t, err)
	require.Equal(t, billing.ClaimAcquired, state)

	out, err := f.reconciler(billing.WithDeduper(d)).OnEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeInFlight, out)
	assert.Equal(t, plan.Free, f.get(t).Plan)
}
