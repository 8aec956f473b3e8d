package subscription

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/plan"
)

// PlanSource resolves plan definitions. *plan.Catalog satisfies it.
type PlanSource interface {
	MustGet(id plan.ID) (plan.Plan, error)
}

// Service covers the application-side subscription paths: tenant setup and
// self-service plan changes. Billing-driven transitions go through the
// billing reconciler instead.
type Service struct {
	store  Store
	plans  PlanSource
	now    func() time.Time
	logger *slog.Logger
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService panics if store or plans is nil.
func NewService(store Store, plans PlanSource, opts ...ServiceOption) *Service {
	if store == nil {
		panic("subscription: Store is required")
	}
	if plans == nil {
		panic("subscription: PlanSource is required")
	}
	s := &Service{
		store:  store,
		plans:  plans,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("subscription"))
	return s
}

// Get returns the tenant's subscription.
func (s *Service) Get(ctx context.Context, tenantID uuid.UUID) (*TenantSubscription, error) {
	return s.store.Get(ctx, tenantID)
}

// Setup creates the tenant's subscription on the given plan with zeroed usage.
func (s *Service) Setup(ctx context.Context, tenantID uuid.UUID, planID plan.ID) (*TenantSubscription, error) {
	p, err := s.plans.MustGet(planID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sub := &TenantSubscription{
		TenantID:     tenantID,
		BillingCycle: CycleMonthly,
		CreatedAt:    now,
	}
	ApplyPlan(planID, p, now).WithReason(ReasonTenantSetup).Apply(sub, now)

	if err := s.store.Create(ctx, sub); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "tenant subscription created",
		logger.TenantID(tenantID),
		logger.PlanID(planID.String()),
		logger.Status(sub.Status.String()))
	return sub, nil
}

// ChangePlan moves the tenant to another plan on its own request. Entity
// counters are kept; the tenant's existing users and clients still exist.
func (s *Service) ChangePlan(ctx context.Context, tenantID uuid.UUID, planID plan.ID) (*TenantSubscription, error) {
	p, err := s.plans.MustGet(planID)
	if err != nil {
		return nil, err
	}

	patch := ApplyPlan(planID, p, s.now()).
		PreserveUsage().
		WithReason(ReasonSelfServiceChange)
	outcome, err := s.store.ApplyPatch(ctx, tenantID, patch, time.Time{})
	if err != nil {
		return nil, err
	}
	if outcome != Applied {
		current, err := s.store.Get(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		s.logger.WarnContext(ctx, "plan change refused",
			logger.TenantID(tenantID),
			logger.PlanID(planID.String()),
			logger.Status(current.Status.String()),
			slog.String("outcome", outcome.String()))
		return nil, errors.Join(ErrTransitionRefused, errors.New("current status: "+current.Status.String()))
	}

	s.logger.InfoContext(ctx, "tenant plan changed",
		logger.TenantID(tenantID),
		logger.PlanID(planID.String()))
	return s.store.Get(ctx, tenantID)
}
