package subscription_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/plan"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

type mockPlans struct {
	mock.Mock
}

func (m *mockPlans) MustGet(id plan.ID) (plan.Plan, error) {
	args := m.Called(id)
	return args.Get(0).(plan.Plan), args.Error(1)
}

func TestServiceSetup(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	plans := &mockPlans{}
	plans.On("MustGet", plan.Basic).Return(testPlan(plan.Basic, 14, 100), nil)
	plans.On("MustGet", plan.ID("gold")).Return(plan.Plan{}, plan.ErrUnknownPlan)

	store := subscription.NewMemoryStore()
	svc := subscription.NewService(store, plans,
		subscription.WithClock(func() time.Time { return now }),
		subscription.WithLogger(logger.Discard()))

	ctx := context.Background()
	tenantID := uuid.New()

	sub, err := svc.Setup(ctx, tenantID, plan.Basic)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusTrial, sub.Status)
	assert.Equal(t, subscription.ReasonTenantSetup, sub.LastTransition)
	assert.Equal(t, now, sub.Usage.LastResetDate)
	require.NotNil(t, sub.TrialEndDate)
	assert.Equal(t, now.AddDate(0, 0, 14), *sub.TrialEndDate)

	stored, err := svc.Get(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, sub.Plan, stored.Plan)

	_, err = svc.Setup(ctx, tenantID, plan.Basic)
	assert.ErrorIs(t, err, subscription.ErrAlreadyExists)

	_, err = svc.Setup(ctx, uuid.New(), plan.ID("gold"))
	assert.ErrorIs(t, err, plan.ErrUnknownPlan)

	plans.AssertExpectations(t)
}

func TestServiceChangePlan(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	plans := &mockPlans{}
	plans.On("MustGet", plan.Free).Return(testPlan(plan.Free, 0, 10), nil)
	plans.On("MustGet", plan.Premium).Return(testPlan(plan.Premium, 0, 1000), nil)
	plans.On("MustGet", plan.Basic).Return(testPlan(plan.Basic, 14, 100), nil)

	store := subscription.NewMemoryStore()
	svc := subscription.NewService(store, plans,
		subscription.WithClock(func() time.Time { return now }),
		subscription.WithLogger(logger.Discard()))

	ctx := context.Background()
	tenantID := uuid.New()
	_, err := svc.Setup(ctx, tenantID, plan.Free)
	require.NoError(t, err)
	_, err = store.Increment(ctx, tenantID, subscription.CounterClients, 8)
	require.NoError(t, err)

	t.Run("keeps entity counters", func(t *testing.T) {
		sub, err := svc.ChangePlan(ctx, tenantID, plan.Premium)
		require.NoError(t, err)
		assert.Equal(t, plan.Premium, sub.Plan)
		assert.Equal(t, int64(1000), sub.Limits.MaxClients)
		assert.Equal(t, int64(8), sub.Usage.CurrentClients)
		assert.Equal(t, subscription.ReasonSelfServiceChange, sub.LastTransition)
	})

	t.Run("trial plan refused while past due", func(t *testing.T) {
		_, err := store.ApplyPatch(ctx, tenantID, subscription.Patch{}.SetStatus(subscription.StatusPastDue), time.Time{})
		require.NoError(t, err)

		_, err = svc.ChangePlan(ctx, tenantID, plan.Basic)
		assert.ErrorIs(t, err, subscription.ErrTransitionRefused)

		sub, err := svc.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, plan.Premium, sub.Plan)
		assert.Equal(t, subscription.StatusPastDue, sub.Status)

		// Active is reachable from past_due.
		sub, err = svc.ChangePlan(ctx, tenantID, plan.Free)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, sub.Status)
	})
}

func TestNewServicePanics(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { subscription.NewService(nil, &mockPlans{}) })
	assert.Panics(t, func() { subscription.NewService(subscription.NewMemoryStore(), nil) })
}
