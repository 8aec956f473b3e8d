// Package httpserver runs the webhook and health endpoints.
//
// Server wraps http.Server and shuts down gracefully when the context passed
// to Run is cancelled; the caller owns signal handling. NewRouter builds the
// chi router with request ids, panic recovery and access logging, and
// HealthCheckHandler serves liveness and readiness probes:
//
//	r := httpserver.NewRouter(log)
//	r.Get("/healthz", httpserver.HealthCheckHandler(log, 0))
//	r.Get("/readyz", httpserver.HealthCheckHandler(log, 2*time.Second,
//		httpserver.Check{Name: "mongo", Fn: mongo.Healthcheck(client)},
//		httpserver.Check{Name: "redis", Fn: redis.Healthcheck(rdb)}))
//	r.Mount("/webhooks", webhooks.Routes())
//
//	srv := httpserver.NewFromConfig(cfg, httpserver.WithLogger(log))
//	err := srv.Run(ctx, r)
//
// Run wraps listen errors with ErrStart and shutdown errors with ErrShutdown.
package httpserver
