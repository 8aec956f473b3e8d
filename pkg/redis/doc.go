// Package redis connects the service to Redis, which holds the billing
// webhook deduplication markers.
//
//	var cfg redis.Config
//	config.MustLoad(&cfg)
//	rdb, err := redis.Connect(ctx, cfg, log)
//	if err != nil {
//		return err
//	}
//	defer rdb.Close()
//
//	deduper := billing.NewRedisDeduper(rdb, billing.WithKeyPrefix(cfg.KeyPrefix+"billing:event:"))
//
// Healthcheck returns a ping probe for the /healthz endpoint.
package redis
