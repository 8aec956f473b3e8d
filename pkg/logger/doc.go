// Package logger builds *slog.Logger instances for quotakit services and
// provides attribute constructors for the keys used across the quota, usage
// and billing packages (tenant_id, plan_id, resource, event_id, ...).
//
// New applies functional options (format, level, output, static attributes)
// and wraps the handler with LogHandlerDecorator, which injects attributes
// pulled from context.Context on every record. Attach a tenant to a request
// context with WithTenant and every log line written with that context
// carries the tenant_id attribute:
//
//	log := logger.New(logger.WithEnvironment("production", "quotad"))
//	ctx := logger.WithTenant(ctx, tenantID)
//	log.InfoContext(ctx, "usage applied", logger.Resource("clients"))
package logger
