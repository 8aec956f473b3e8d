// Package quota decides whether a tenant may perform an action under its
// subscription's limits.
//
// Engine is pure: CanPerformAction compares a subscription snapshot against
// its stored limits and returns a Decision. Counted resources compare
// usage plus the requested count against the limit, with -1 meaning unlimited.
// Storage counts are bytes and are converted to gigabytes first. Feature
// actions check a boolean flag. A zero SMS limit is reported as an
// unavailable feature rather than an exhausted limit. The engine never looks
// at subscription status; CheckUsable does that separately.
//
// Actions form a closed set. By default an unknown action is denied
// (FailClosed); WithUnknownActionPolicy(FailOpen) restores permissive behavior.
//
// Gate is the request-path entry point. It runs the status gate and the quota
// check, then reserves counted quota with a conditional atomic increment:
//
//	d, err := gate.Authorize(ctx, tenantID, quota.CreateClient, 1)
//	if err != nil {
//		return err
//	}
//	if !d.Allowed {
//		return d.Err()
//	}
//	if err := clients.Insert(ctx, c); err != nil {
//		_ = gate.Release(ctx, tenantID, quota.CreateClient, 1)
//		return err
//	}
package quota
