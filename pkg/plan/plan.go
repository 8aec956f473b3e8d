package plan

import (
	"maps"
	"time"

	"github.com/shopspring/decimal"
)

// ID identifies one of the fixed subscription plans.
type ID string

const (
	Free       ID = "free"
	Basic      ID = "basic"
	Premium    ID = "premium"
	Enterprise ID = "enterprise"
)

// KnownIDs lists every plan the catalog loads, in upgrade order.
var KnownIDs = []ID{Free, Basic, Premium, Enterprise}

// ParseID converts a raw plan identifier into an ID.
func ParseID(raw string) (ID, error) {
	for _, id := range KnownIDs {
		if string(id) == raw {
			return id, nil
		}
	}
	return "", ErrUnknownPlan
}

func (id ID) String() string { return string(id) }

// Unlimited is the limit sentinel meaning "no limit". It must never take part
// in arithmetic comparisons.
const Unlimited int64 = -1

// Feature is a named boolean capability flag.
type Feature string

const (
	FeatureSMSReminders      Feature = "sms_reminders"
	FeatureAdvancedReporting Feature = "advanced_reporting"
	FeatureAPIAccess         Feature = "api_access"
	FeatureCustomBranding    Feature = "custom_branding"
	FeatureMultiLocation     Feature = "multi_location"
	FeatureIntegrations      Feature = "integrations"
	FeaturePrioritySupport   Feature = "priority_support"
)

// Features lists every known feature flag.
var Features = []Feature{
	FeatureSMSReminders,
	FeatureAdvancedReporting,
	FeatureAPIAccess,
	FeatureCustomBranding,
	FeatureMultiLocation,
	FeatureIntegrations,
	FeaturePrioritySupport,
}

// Limits holds the numeric resource limits and feature flags of a plan.
// A numeric limit is either >= 0 or Unlimited; 0 means the resource is disabled.
type Limits struct {
	MaxUsers              int64            `bson:"maxUsers" json:"maxUsers"`
	MaxClients            int64            `bson:"maxClients" json:"maxClients"`
	MaxWorkOrdersPerMonth int64            `bson:"maxWorkOrdersPerMonth" json:"maxWorkOrdersPerMonth"`
	MaxSmsPerMonth        int64            `bson:"maxSmsPerMonth" json:"maxSmsPerMonth"`
	MaxStorageGB          int64            `bson:"maxStorageGB" json:"maxStorageGB"`
	Features              map[Feature]bool `bson:"features" json:"features"`
}

// Clone returns a deep copy so subscriptions never share the catalog's feature map.
func (l Limits) Clone() Limits {
	out := l
	out.Features = maps.Clone(l.Features)
	if out.Features == nil {
		out.Features = make(map[Feature]bool)
	}
	return out
}

// HasFeature reports whether the named flag is enabled.
func (l Limits) HasFeature(f Feature) bool {
	return l.Features[f]
}

// Price holds display-only amounts.
type Price struct {
	Monthly decimal.Decimal `json:"monthly"`
	Yearly  decimal.Decimal `json:"yearly"`
}

// Plan is an immutable plan definition.
type Plan struct {
	ID        ID     `json:"id"`
	Limits    Limits `json:"limits"`
	TrialDays int    `json:"trialDays"`
	Price     Price  `json:"price"`
	// PriceRefs are billing provider price identifiers mapped to this plan.
	PriceRefs []string `json:"-"`
}

// HasTrial reports whether new subscriptions to the plan start in trial.
func (p Plan) HasTrial() bool {
	return p.TrialDays > 0
}

// TrialEndsAt returns when a trial started at startedAt ends.
// Returns startedAt unchanged for plans without a trial.
func (p Plan) TrialEndsAt(startedAt time.Time) time.Time {
	if p.TrialDays <= 0 {
		return startedAt
	}
	return startedAt.AddDate(0, 0, p.TrialDays).UTC()
}
