// Package plan loads the fixed set of subscription plans (free, basic,
// premium, enterprise) from environment-style configuration.
//
// Each plan is one configuration group read under the "<PLAN>_" prefix:
// MAX_USERS, MAX_CLIENTS, MAX_WORK_ORDERS_PER_MONTH, MAX_SMS_PER_MONTH,
// MAX_STORAGE_GB, MONTHLY_PRICE, YEARLY_PRICE, TRIAL_DAYS and the boolean
// feature flags SMS_REMINDERS, ADVANCED_REPORTING, API_ACCESS, CUSTOM_BRANDING,
// MULTI_LOCATION, INTEGRATIONS, PRIORITY_SUPPORT. Optional provider price
// references (STRIPE_PRICE_MONTHLY, PADDLE_PRICE_YEARLY, ...) enable reverse
// lookup from a billing event's price to a plan.
//
// Numeric limits use -1 (Unlimited) for "no limit"; 0 disables the resource.
//
// The Catalog is an injected instance, not global state:
//
//	catalog := plan.NewCatalog(plan.WithLogger(log))
//	if err := catalog.ValidateErr(); err != nil {
//		log.Error("plan configuration incomplete", logger.Error(err))
//		os.Exit(1)
//	}
//	basic, ok := catalog.Get(plan.Basic)
//
// Missing settings are defaulted with a warning at load time and reported as
// errors by Validate. ClearCache forces a rebuild on the next read; the
// rebuilt catalog replaces the old one in a single atomic swap.
package plan
