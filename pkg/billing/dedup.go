package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper suppresses concurrent and repeated processing of the same provider
// event. Reconciliation is idempotent on its own; the deduper saves the work
// and keeps two deliveries of one event from racing each other.
type Deduper interface {
	// Claim reports ClaimAcquired when the caller now owns the event.
	Claim(ctx context.Context, key string) (ClaimState, error)
	// Complete marks a claimed event as done.
	Complete(ctx context.Context, key string) error
	// Release drops a claim so a redelivery is processed again.
	Release(ctx context.Context, key string) error
}

// ClaimState is the result of Deduper.Claim.
type ClaimState int

const (
	ClaimAcquired ClaimState = iota
	// ClaimInFlight means another delivery holds the claim and has not finished.
	ClaimInFlight
	ClaimDone
)

func (s ClaimState) String() string {
	switch s {
	case ClaimAcquired:
		return "acquired"
	case ClaimInFlight:
		return "in_flight"
	case ClaimDone:
		return "done"
	}
	return "unknown"
}

const (
	markerProcessing = "processing"
	markerDone       = "done"
)

const (
	defaultClaimTTL = 10 * time.Minute
	defaultDoneTTL  = 72 * time.Hour
)

// RedisDeduper claims events with SET NX so several service instances share
// one view of in-flight and completed events.
type RedisDeduper struct {
	client    redis.UniversalClient
	keyPrefix string
	claimTTL  time.Duration
	doneTTL   time.Duration
}

type RedisDeduperOption func(*RedisDeduper)

func WithKeyPrefix(prefix string) RedisDeduperOption {
	return func(d *RedisDeduper) {
		if prefix != "" {
			d.keyPrefix = prefix
		}
	}
}

// WithTTLs sets how long an in-flight claim and a completed marker live.
func WithTTLs(claim, done time.Duration) RedisDeduperOption {
	return func(d *RedisDeduper) {
		if claim > 0 {
			d.claimTTL = claim
		}
		if done > 0 {
			d.doneTTL = done
		}
	}
}

func NewRedisDeduper(client redis.UniversalClient, opts ...RedisDeduperOption) *RedisDeduper {
	d := &RedisDeduper{
		client:    client,
		keyPrefix: "billing:event:",
		claimTTL:  defaultClaimTTL,
		doneTTL:   defaultDoneTTL,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *RedisDeduper) Claim(ctx context.Context, key string) (ClaimState, error) {
	ok, err := d.client.SetNX(ctx, d.keyPrefix+key, markerProcessing, d.claimTTL).Result()
	if err != nil {
		return ClaimInFlight, errors.Join(ErrDeduper, err)
	}
	if ok {
		return ClaimAcquired, nil
	}

	marker, err := d.client.Get(ctx, d.keyPrefix+key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Expired or released between the two calls; let the provider retry.
		return ClaimInFlight, nil
	case err != nil:
		return ClaimInFlight, errors.Join(ErrDeduper, err)
	case marker == markerDone:
		return ClaimDone, nil
	}
	return ClaimInFlight, nil
}

func (d *RedisDeduper) Complete(ctx context.Context, key string) error {
	if err := d.client.Set(ctx, d.keyPrefix+key, markerDone, d.doneTTL).Err(); err != nil {
		return errors.Join(ErrDeduper, err)
	}
	return nil
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.keyPrefix+key).Err(); err != nil {
		return errors.Join(ErrDeduper, err)
	}
	return nil
}

// MemoryDeduper is a Deduper for a single process.
type MemoryDeduper struct {
	mu      sync.Mutex
	entries map[string]memoryClaim
	now     func() time.Time
}

type memoryClaim struct {
	expires time.Time
	done    bool
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{entries: make(map[string]memoryClaim), now: time.Now}
}

func (d *MemoryDeduper) Claim(_ context.Context, key string) (ClaimState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if c, ok := d.entries[key]; ok && now.Before(c.expires) {
		if c.done {
			return ClaimDone, nil
		}
		return ClaimInFlight, nil
	}
	d.entries[key] = memoryClaim{expires: now.Add(defaultClaimTTL)}
	return ClaimAcquired, nil
}

func (d *MemoryDeduper) Complete(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.entries[key] = memoryClaim{expires: now.Add(defaultDoneTTL), done: true}
	// Sweep expired markers while holding the lock.
	for k, c := range d.entries {
		if !now.Before(c.expires) {
			delete(d.entries, k)
		}
	}
	return nil
}

func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, key)
	return nil
}
