package usage

import "github.com/dmitrymomot/quotakit/pkg/subscription"

// Kind is a tracked resource.
type Kind string

const (
	Users      Kind = "users"
	Clients    Kind = "clients"
	WorkOrders Kind = "workOrders"
	Sms        Kind = "sms"
	Storage    Kind = "storage"
)

var kindCounters = map[Kind]subscription.Counter{
	Users:      subscription.CounterUsers,
	Clients:    subscription.CounterClients,
	WorkOrders: subscription.CounterWorkOrders,
	Sms:        subscription.CounterSms,
	Storage:    subscription.CounterStorage,
}

// ParseKind converts a raw resource kind name.
func ParseKind(raw string) (Kind, error) {
	k := Kind(raw)
	if _, ok := kindCounters[k]; !ok {
		return "", ErrUnknownKind
	}
	return k, nil
}

func (k Kind) String() string { return string(k) }

// Counter returns the subscription usage counter backing the kind.
func (k Kind) Counter() (subscription.Counter, bool) {
	c, ok := kindCounters[k]
	return c, ok
}
