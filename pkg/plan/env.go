package plan

import (
	"reflect"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dmitrymomot/quotakit/pkg/config"
)

// planEnv is the configuration group of a single plan. Keys are read under the
// "<PLAN>_" prefix. Fields carry no envDefault tags: the struct is pre-filled
// with the plan's built-in defaults and absent keys keep them.
type planEnv struct {
	MaxUsers              int64           `env:"MAX_USERS"`
	MaxClients            int64           `env:"MAX_CLIENTS"`
	MaxWorkOrdersPerMonth int64           `env:"MAX_WORK_ORDERS_PER_MONTH"`
	MaxSmsPerMonth        int64           `env:"MAX_SMS_PER_MONTH"`
	MaxStorageGB          int64           `env:"MAX_STORAGE_GB"`
	MonthlyPrice          decimal.Decimal `env:"MONTHLY_PRICE"`
	YearlyPrice           decimal.Decimal `env:"YEARLY_PRICE"`
	TrialDays             int             `env:"TRIAL_DAYS"`
	SMSReminders          bool            `env:"SMS_REMINDERS"`
	AdvancedReporting     bool            `env:"ADVANCED_REPORTING"`
	APIAccess             bool            `env:"API_ACCESS"`
	CustomBranding        bool            `env:"CUSTOM_BRANDING"`
	MultiLocation         bool            `env:"MULTI_LOCATION"`
	Integrations          bool            `env:"INTEGRATIONS"`
	PrioritySupport       bool            `env:"PRIORITY_SUPPORT"`
}

// priceRefsEnv holds optional billing provider price references of a plan.
type priceRefsEnv struct {
	StripeMonthly string `env:"STRIPE_PRICE_MONTHLY"`
	StripeYearly  string `env:"STRIPE_PRICE_YEARLY"`
	PaddleMonthly string `env:"PADDLE_PRICE_MONTHLY"`
	PaddleYearly  string `env:"PADDLE_PRICE_YEARLY"`
}

// Prefix returns the configuration key prefix of a plan, e.g. "PREMIUM_".
func Prefix(id ID) string {
	return strings.ToUpper(string(id)) + "_"
}

var decimalParser = config.WithParser(reflect.TypeOf(decimal.Decimal{}), func(v string) (any, error) {
	return decimal.NewFromString(v)
})

func money(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// defaultEnv returns the runtime fallback values of a plan group.
func defaultEnv(id ID) planEnv {
	switch id {
	case Basic:
		return planEnv{
			MaxUsers: 5, MaxClients: 100, MaxWorkOrdersPerMonth: 500, MaxSmsPerMonth: 100, MaxStorageGB: 10,
			MonthlyPrice: money(29), YearlyPrice: money(290), TrialDays: 14,
			SMSReminders: true,
		}
	case Premium:
		return planEnv{
			MaxUsers: 25, MaxClients: 1000, MaxWorkOrdersPerMonth: Unlimited, MaxSmsPerMonth: 1000, MaxStorageGB: 100,
			MonthlyPrice: money(79), YearlyPrice: money(790), TrialDays: 14,
			SMSReminders: true, AdvancedReporting: true, APIAccess: true, CustomBranding: true, Integrations: true,
		}
	case Enterprise:
		return planEnv{
			MaxUsers: Unlimited, MaxClients: Unlimited, MaxWorkOrdersPerMonth: Unlimited, MaxSmsPerMonth: Unlimited, MaxStorageGB: Unlimited,
			MonthlyPrice: money(199), YearlyPrice: money(1990), TrialDays: 30,
			SMSReminders: true, AdvancedReporting: true, APIAccess: true, CustomBranding: true,
			MultiLocation: true, Integrations: true, PrioritySupport: true,
		}
	default:
		return planEnv{
			MaxUsers: 1, MaxClients: 10, MaxWorkOrdersPerMonth: 20, MaxSmsPerMonth: 0, MaxStorageGB: 1,
			MonthlyPrice: decimal.Zero, YearlyPrice: decimal.Zero, TrialDays: 0,
		}
	}
}

func (e planEnv) toPlan(id ID, refs priceRefsEnv) Plan {
	return Plan{
		ID: id,
		Limits: Limits{
			MaxUsers:              e.MaxUsers,
			MaxClients:            e.MaxClients,
			MaxWorkOrdersPerMonth: e.MaxWorkOrdersPerMonth,
			MaxSmsPerMonth:        e.MaxSmsPerMonth,
			MaxStorageGB:          e.MaxStorageGB,
			Features: map[Feature]bool{
				FeatureSMSReminders:      e.SMSReminders,
				FeatureAdvancedReporting: e.AdvancedReporting,
				FeatureAPIAccess:         e.APIAccess,
				FeatureCustomBranding:    e.CustomBranding,
				FeatureMultiLocation:     e.MultiLocation,
				FeatureIntegrations:      e.Integrations,
				FeaturePrioritySupport:   e.PrioritySupport,
			},
		},
		TrialDays: e.TrialDays,
		Price:     Price{Monthly: e.MonthlyPrice, Yearly: e.YearlyPrice},
		PriceRefs: refs.list(),
	}
}

func (r priceRefsEnv) list() []string {
	out := make([]string, 0, 4)
	for _, ref := range []string{r.StripeMonthly, r.StripeYearly, r.PaddleMonthly, r.PaddleYearly} {
		if ref != "" {
			out = append(out, ref)
		}
	}
	return out
}

// checkLimits reports limit values outside the allowed domain (>= 0 or -1).
func (e planEnv) checkLimits(prefix string) []string {
	var problems []string
	for key, v := range map[string]int64{
		"MAX_USERS":                 e.MaxUsers,
		"MAX_CLIENTS":               e.MaxClients,
		"MAX_WORK_ORDERS_PER_MONTH": e.MaxWorkOrdersPerMonth,
		"MAX_SMS_PER_MONTH":         e.MaxSmsPerMonth,
		"MAX_STORAGE_GB":            e.MaxStorageGB,
	} {
		if v < Unlimited {
			problems = append(problems, prefix+key+" must be >= 0 or -1 (unlimited)")
		}
	}
	if e.TrialDays < 0 {
		problems = append(problems, prefix+"TRIAL_DAYS must be >= 0")
	}
	return problems
}
