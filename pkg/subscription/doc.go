// Package subscription holds the per-tenant subscription record and the rules
// that govern its status.
//
// A TenantSubscription carries its own copy of the plan limits taken when the
// plan was applied, plus the usage counters the quota engine compares them
// against. Whether a tenant may act at all is decided by IsUsable: cancelled
// and inactive subscriptions never are, and a trial stops being usable the
// instant its end date passes, whatever the stored status says.
//
// Status changes are expressed as a Patch of "set to X" fields so that
// repeated application converges. ApplyPlan builds the patch for assigning a
// plan (usage zeroed, trial or active); CancelToPlan is the provider-side
// cancellation path that lands on the free plan with status cancelled. The two
// record different TransitionReason values.
//
// Legal status moves are listed by CanTransition. Stores enforce them, along
// with event ordering, inside the same atomic write that applies the patch:
//
//	outcome, err := store.ApplyPatch(ctx, tenantID,
//		subscription.ApplyPlan(plan.Premium, premium, now).PreserveUsage(),
//		event.OccurredAt)
//
// Two Store implementations are provided. MemoryStore serializes all access
// behind one mutex; MongoStore relies on single-document atomic updates,
// including a conditional increment that only succeeds while usage stays within
// the document's stored limit.
package subscription
