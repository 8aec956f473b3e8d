package quota

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/plan"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

// UnknownActionPolicy decides how actions outside the closed Action set are treated.
type UnknownActionPolicy int

const (
	// FailClosed denies unknown actions with ReasonUnknownAction.
	FailClosed UnknownActionPolicy = iota
	// FailOpen allows unknown actions, logging each one.
	FailOpen
)

// Engine evaluates quota decisions against a subscription snapshot. It is
// stateless apart from its configuration and safe for concurrent use.
type Engine struct {
	unknown UnknownActionPolicy
	now     func() time.Time
	logger  *slog.Logger
}

type Option func(*Engine)

func WithUnknownActionPolicy(p UnknownActionPolicy) Option {
	return func(e *Engine) {
		e.unknown = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		unknown: FailClosed,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(logger.Component("quota_engine"))
	return e
}

// CheckUsable is the status gate evaluated before any quota. CanPerformAction
// does not look at the subscription status.
func (e *Engine) CheckUsable(sub *subscription.TenantSubscription) Decision {
	switch subscription.Unusable(sub, e.now()) {
	case subscription.UnusableNone:
		return allow()
	case subscription.UnusableTrialExpired:
		return denyTrialExpired()
	default:
		return denyInactive()
	}
}

// CanPerformAction decides whether sub may perform action count more times.
// For UploadFile count is in bytes. Negative counts are treated as zero.
func (e *Engine) CanPerformAction(sub *subscription.TenantSubscription, action Action, count int64) Decision {
	spec, ok := actions[action]
	if !ok {
		if e.unknown == FailOpen {
			e.logger.Warn("unknown action allowed", logger.Action(action.String()))
			return allow()
		}
		return denyUnknown(action)
	}
	count = max(count, 0)

	if spec.kind == kindFeature {
		if sub.Limits.HasFeature(spec.feature) {
			return allow()
		}
		return denyFeature(spec.label)
	}

	limit := spec.counter.Limit(sub.Limits)
	if limit == plan.Unlimited {
		return allow()
	}
	if limit == 0 && spec.featureGated {
		return denyFeature(spec.label)
	}

	usage := e.currentUsage(sub, spec.counter)
	if usage+action.Delta(count) <= float64(limit) {
		return allowCounted(usage, limit)
	}
	return denyLimit(spec.label, usage, limit)
}

// currentUsage reads the counter, treating period-bound counters of an
// expired period as already reset.
func (e *Engine) currentUsage(sub *subscription.TenantSubscription, c subscription.Counter) float64 {
	if c.PeriodBound() && sub.Usage.PeriodExpired(e.now()) {
		return 0
	}
	return c.Value(sub.Usage)
}
