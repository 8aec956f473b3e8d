package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/plan"
)

// Counter names one usage counter together with the limit that bounds it.
type Counter string

const (
	CounterUsers      Counter = "users"
	CounterClients    Counter = "clients"
	CounterWorkOrders Counter = "workOrders"
	CounterSms        Counter = "sms"
	CounterStorage    Counter = "storage"
)

// Counters lists every usage counter.
var Counters = []Counter{CounterUsers, CounterClients, CounterWorkOrders, CounterSms, CounterStorage}

func (c Counter) String() string { return string(c) }

// Valid reports whether c is a known counter.
func (c Counter) Valid() bool {
	switch c {
	case CounterUsers, CounterClients, CounterWorkOrders, CounterSms, CounterStorage:
		return true
	}
	return false
}

// PeriodBound reports whether the counter resets every billing period.
func (c Counter) PeriodBound() bool {
	return c == CounterWorkOrders || c == CounterSms
}

// Fractional reports whether the counter holds a fractional amount (GB).
func (c Counter) Fractional() bool {
	return c == CounterStorage
}

// Value returns the counter's current value in u.
func (c Counter) Value(u Usage) float64 {
	switch c {
	case CounterUsers:
		return float64(u.CurrentUsers)
	case CounterClients:
		return float64(u.CurrentClients)
	case CounterWorkOrders:
		return float64(u.WorkOrdersThisMonth)
	case CounterSms:
		return float64(u.SmsThisMonth)
	case CounterStorage:
		return u.StorageUsedGB
	}
	return 0
}

// Limit returns the limit bounding the counter.
func (c Counter) Limit(l plan.Limits) int64 {
	switch c {
	case CounterUsers:
		return l.MaxUsers
	case CounterClients:
		return l.MaxClients
	case CounterWorkOrders:
		return l.MaxWorkOrdersPerMonth
	case CounterSms:
		return l.MaxSmsPerMonth
	case CounterStorage:
		return l.MaxStorageGB
	}
	return 0
}

// add adds delta to the counter in u, clamping at zero.
func (c Counter) add(u *Usage, delta float64) {
	switch c {
	case CounterUsers:
		u.CurrentUsers = max(0, u.CurrentUsers+int64(delta))
	case CounterClients:
		u.CurrentClients = max(0, u.CurrentClients+int64(delta))
	case CounterWorkOrders:
		u.WorkOrdersThisMonth = max(0, u.WorkOrdersThisMonth+int64(delta))
	case CounterSms:
		u.SmsThisMonth = max(0, u.SmsThisMonth+int64(delta))
	case CounterStorage:
		u.StorageUsedGB = max(0, u.StorageUsedGB+delta)
	}
}

// Fits reports whether adding delta to the counter stays within the
// subscription's own limit. Unlimited always fits; a negative delta always fits.
func (c Counter) Fits(sub *TenantSubscription, delta float64) bool {
	limit := c.Limit(sub.Limits)
	if limit == plan.Unlimited || delta <= 0 {
		return true
	}
	return c.Value(sub.Usage)+delta <= float64(limit)
}

// Outcome reports what ApplyPatch did.
type Outcome int

const (
	// Applied means the patch was written.
	Applied Outcome = iota
	// SkippedStale means a newer event was already applied.
	SkippedStale
	// SkippedTransition means the current status does not permit the patch.
	SkippedTransition
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case SkippedStale:
		return "skipped_stale"
	case SkippedTransition:
		return "skipped_transition"
	}
	return "unknown"
}

// Store persists tenant subscriptions. Each tenant has exactly one
// subscription, so the tenant id is the primary key. All usage mutations are
// single atomic operations; implementations must not read-modify-write.
type Store interface {
	// Create inserts a new subscription. Returns ErrAlreadyExists if the tenant has one.
	Create(ctx context.Context, sub *TenantSubscription) error

	// Get returns ErrNotFound if the tenant has no subscription.
	Get(ctx context.Context, tenantID uuid.UUID) (*TenantSubscription, error)
	FindByCustomerRef(ctx context.Context, ref string) (*TenantSubscription, error)
	FindBySubscriptionRef(ctx context.Context, ref string) (*TenantSubscription, error)

	// ApplyPatch writes p if the current status permits it and, when eventAt
	// is non-zero, no event newer than eventAt has been applied yet. A zero
	// eventAt skips the ordering guard.
	ApplyPatch(ctx context.Context, tenantID uuid.UUID, p Patch, eventAt time.Time) (Outcome, error)

	// Increment adds delta to the counter, clamping at zero, and returns the updated subscription.
	Increment(ctx context.Context, tenantID uuid.UUID, counter Counter, delta float64) (*TenantSubscription, error)

	// IncrementWithinLimit adds delta only if the result stays within the
	// subscription's stored limit for the counter. The check and the write are
	// one operation. Returns false and the current subscription when refused.
	IncrementWithinLimit(ctx context.Context, tenantID uuid.UUID, counter Counter, delta float64) (bool, *TenantSubscription, error)

	// ResetPeriod zeroes period-bound counters of every subscription whose
	// period started before cutoff and starts a new period at now.
	ResetPeriod(ctx context.Context, cutoff, now time.Time) (int64, error)

	// ResetTenantPeriod is ResetPeriod for a single tenant.
	ResetTenantPeriod(ctx context.Context, tenantID uuid.UUID, cutoff, now time.Time) (bool, error)
}
