package plan

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dmitrymomot/quotakit/pkg/config"
	"github.com/dmitrymomot/quotakit/pkg/logger"
)

// Catalog loads plan definitions from configuration and caches them for the
// process lifetime. Reads never block on a rebuild in progress: the cache is a
// single immutable snapshot swapped atomically.
type Catalog struct {
	current     atomic.Pointer[snapshot]
	rebuild     sync.Mutex
	environment func() map[string]string
	logger      *slog.Logger
}

type snapshot struct {
	plans     map[ID]Plan
	priceRefs map[string]ID
}

// ValidationResult lists every configuration problem found by Validate.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithEnvironment makes the catalog read from a fixed key/value map instead of
// the process environment.
func WithEnvironment(environment map[string]string) Option {
	return func(c *Catalog) {
		if environment == nil {
			return
		}
		c.environment = func() map[string]string { return environment }
	}
}

// WithEnvironmentFunc sets a function returning the current configuration map.
// It is called on every rebuild, which is what live reloads need.
func WithEnvironmentFunc(fn func() map[string]string) Option {
	return func(c *Catalog) {
		if fn != nil {
			c.environment = fn
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCatalog creates a catalog. Plans are loaded lazily on first access.
func NewCatalog(opts ...Option) *Catalog {
	c := &Catalog{
		environment: config.Environ,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(logger.Component("plan_catalog"))
	return c
}

// Load builds the catalog from configuration, replaces the cached snapshot and
// returns a copy of the plan map. Absent or malformed settings fall back to the
// plan's built-in defaults with a warning; use Validate to treat them as errors.
func (c *Catalog) Load() map[ID]Plan {
	c.rebuild.Lock()
	defer c.rebuild.Unlock()

	snap := c.build()
	c.current.Store(snap)
	return maps.Clone(snap.plans)
}

// Get returns the plan with the given id.
func (c *Catalog) Get(id ID) (Plan, bool) {
	p, ok := c.snapshot().plans[id]
	if !ok {
		return Plan{}, false
	}
	p.Limits = p.Limits.Clone()
	p.PriceRefs = slices.Clone(p.PriceRefs)
	return p, true
}

// MustGet is like Get but returns ErrUnknownPlan for unknown ids.
func (c *Catalog) MustGet(id ID) (Plan, error) {
	p, ok := c.Get(id)
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, id)
	}
	return p, nil
}

// GetAll returns every plan keyed by id.
func (c *Catalog) GetAll() map[ID]Plan {
	snap := c.snapshot()
	out := make(map[ID]Plan, len(snap.plans))
	for id, p := range snap.plans {
		p.Limits = p.Limits.Clone()
		p.PriceRefs = slices.Clone(p.PriceRefs)
		out[id] = p
	}
	return out
}

// ResolvePriceRef maps a billing provider price reference back to a plan id.
func (c *Catalog) ResolvePriceRef(ref string) (ID, bool) {
	if ref == "" {
		return "", false
	}
	id, ok := c.snapshot().priceRefs[ref]
	return id, ok
}

// ClearCache drops the cached snapshot; the next read rebuilds it. Concurrent
// readers see either the old snapshot or a complete new one.
func (c *Catalog) ClearCache() {
	c.current.Store(nil)
}

// Validate checks that every required setting exists and parses for every
// known plan. Missing settings are reported, not defaulted.
func (c *Catalog) Validate() ValidationResult {
	environment := c.environment()
	var problems []string

	for _, id := range KnownIDs {
		res := parseGroup(id, environment)
		for _, key := range res.missing {
			problems = append(problems, "missing setting "+key)
		}
		problems = append(problems, res.problems...)
	}

	slices.Sort(problems)
	return ValidationResult{Valid: len(problems) == 0, Errors: problems}
}

// ValidateErr runs Validate and converts failures into an error wrapping
// ErrConfiguration.
func (c *Catalog) ValidateErr() error {
	res := c.Validate()
	if res.Valid {
		return nil
	}
	return errors.Join(ErrConfiguration, errors.New(strings.Join(res.Errors, "; ")))
}

func (c *Catalog) snapshot() *snapshot {
	if snap := c.current.Load(); snap != nil {
		return snap
	}

	c.rebuild.Lock()
	defer c.rebuild.Unlock()

	// Another goroutine may have rebuilt while we waited.
	if snap := c.current.Load(); snap != nil {
		return snap
	}
	snap := c.build()
	c.current.Store(snap)
	return snap
}

func (c *Catalog) build() *snapshot {
	environment := c.environment()
	snap := &snapshot{
		plans:     make(map[ID]Plan, len(KnownIDs)),
		priceRefs: make(map[string]ID),
	}

	for _, id := range KnownIDs {
		res := parseGroup(id, environment)
		for _, key := range res.missing {
			c.logger.Warn("plan setting missing, using default",
				logger.PlanID(id.String()),
				slog.String("key", key))
		}
		for _, problem := range res.problems {
			c.logger.Error("plan setting invalid, using defaults for plan",
				logger.PlanID(id.String()),
				slog.String("problem", problem))
		}

		snap.plans[id] = res.plan
		for _, ref := range res.plan.PriceRefs {
			if other, dup := snap.priceRefs[ref]; dup {
				c.logger.Error("price reference mapped to several plans",
					slog.String("price_ref", ref),
					logger.PlanID(other.String()),
					slog.String("duplicate_plan_id", id.String()))
				continue
			}
			snap.priceRefs[ref] = id
		}
	}

	return snap
}

type groupResult struct {
	plan     Plan
	missing  []string
	problems []string
}

func parseGroup(id ID, environment map[string]string) groupResult {
	prefix := Prefix(id)
	res := groupResult{}

	values := defaultEnv(id)
	err := config.Parse(&values,
		config.WithEnvironment(environment),
		config.WithPrefix(prefix),
		decimalParser,
		config.WithOnSet(func(key string, _ bool) {
			if _, ok := environment[key]; !ok {
				res.missing = append(res.missing, key)
			}
		}),
	)
	if err != nil {
		res.problems = append(res.problems, fmt.Sprintf("%s*: %v", prefix, err))
		values = defaultEnv(id)
	} else if problems := values.checkLimits(prefix); len(problems) > 0 {
		slices.Sort(problems)
		res.problems = append(res.problems, problems...)
		values = defaultEnv(id)
	}

	var refs priceRefsEnv
	if err := config.Parse(&refs, config.WithEnvironment(environment), config.WithPrefix(prefix)); err != nil {
		res.problems = append(res.problems, fmt.Sprintf("%s*: %v", prefix, err))
	}

	res.plan = values.toPlan(id, refs)
	return res
}
