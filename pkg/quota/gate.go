package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

// Gate combines the status gate, the quota check and the usage increment for
// one tenant request. For counted actions the increment is a conditional
// atomic update at the store, so two concurrent requests cannot both take the
// last unit of quota.
//
// A successful Authorize for a counted action has already consumed the quota.
// If the business write that follows fails, call Release with the same
// arguments.
type Gate struct {
	store  subscription.Store
	engine *Engine
	now    func() time.Time
	logger *slog.Logger
}

type GateOption func(*Gate)

func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGate panics if store or engine is nil.
func NewGate(store subscription.Store, engine *Engine, opts ...GateOption) *Gate {
	if store == nil {
		panic("quota: subscription store is required")
	}
	if engine == nil {
		panic("quota: engine is required")
	}
	g := &Gate{
		store:  store,
		engine: engine,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(logger.Component("quota_gate"))
	return g
}

// Authorize checks and, for counted actions, reserves quota for count units
// of action. Errors are infrastructure failures; denials come back as a
// Decision with Allowed false.
func (g *Gate) Authorize(ctx context.Context, tenantID uuid.UUID, action Action, count int64) (Decision, error) {
	sub, err := g.store.Get(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}

	if d := g.engine.CheckUsable(sub); !d.Allowed {
		return d, nil
	}

	counter, counted := action.Counter()
	if counted && counter.PeriodBound() {
		if sub, err = g.rollPeriod(ctx, sub); err != nil {
			return Decision{}, err
		}
	}

	d := g.engine.CanPerformAction(sub, action, count)
	if !d.Allowed || !counted {
		return d, nil
	}

	delta := action.Delta(max(count, 0))
	if delta == 0 {
		return d, nil
	}

	ok, current, err := g.store.IncrementWithinLimit(ctx, tenantID, counter, delta)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		// Another request took the remaining quota between read and write.
		d = g.engine.CanPerformAction(current, action, count)
		if d.Allowed {
			spec := actions[action]
			d = denyLimit(spec.label, counter.Value(current.Usage), counter.Limit(current.Limits))
		}
		g.logger.InfoContext(ctx, "quota reservation refused",
			logger.TenantID(tenantID),
			logger.Action(action.String()))
		return d, nil
	}

	return allowCounted(counter.Value(current.Usage), counter.Limit(current.Limits)), nil
}

// Release returns quota reserved by a successful Authorize.
func (g *Gate) Release(ctx context.Context, tenantID uuid.UUID, action Action, count int64) error {
	counter, counted := action.Counter()
	if !counted || count <= 0 {
		return nil
	}
	if _, err := g.store.Increment(ctx, tenantID, counter, -action.Delta(count)); err != nil {
		g.logger.ErrorContext(ctx, "quota release failed",
			logger.TenantID(tenantID),
			logger.Action(action.String()),
			logger.Delta(count),
			logger.Error(err))
		return err
	}
	return nil
}

// rollPeriod resets the tenant's period-bound counters when the period is over
// and the scheduled reset has not reached the tenant yet.
func (g *Gate) rollPeriod(ctx context.Context, sub *subscription.TenantSubscription) (*subscription.TenantSubscription, error) {
	now := g.now()
	if !sub.Usage.PeriodExpired(now) {
		return sub, nil
	}
	reset, err := g.store.ResetTenantPeriod(ctx, sub.TenantID, subscription.PeriodCutoff(now), now)
	if err != nil {
		return nil, err
	}
	if reset {
		g.logger.InfoContext(ctx, "usage period rolled over on access", logger.TenantID(sub.TenantID))
	}
	return g.store.Get(ctx, sub.TenantID)
}
