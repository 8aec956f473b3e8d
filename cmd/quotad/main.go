// Command quotad serves billing provider webhooks, the internal quota API and
// the monthly usage reset for tenant subscriptions.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/quotakit/internal/api"
	"github.com/dmitrymomot/quotakit/pkg/billing"
	"github.com/dmitrymomot/quotakit/pkg/config"
	"github.com/dmitrymomot/quotakit/pkg/httpserver"
	"github.com/dmitrymomot/quotakit/pkg/logger"
	"github.com/dmitrymomot/quotakit/pkg/mongo"
	"github.com/dmitrymomot/quotakit/pkg/plan"
	"github.com/dmitrymomot/quotakit/pkg/quota"
	"github.com/dmitrymomot/quotakit/pkg/redis"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
	"github.com/dmitrymomot/quotakit/pkg/usage"
)

func main() {
	var cfg AppConfig
	if err := config.Load(&cfg); err != nil {
		slog.Error("failed to load configuration", logger.Error(err))
		os.Exit(1)
	}

	log := logger.New(logger.WithEnvironment(cfg.Env, cfg.Name))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("quotad stopped with error", logger.Error(err))
		os.Exit(1)
	}
	log.Info("quotad stopped")
}

func run(ctx context.Context, cfg AppConfig, log *slog.Logger) error {
	catalog := plan.NewCatalog(plan.WithLogger(log))
	if err := catalog.ValidateErr(); err != nil {
		return err
	}
	catalog.Load()

	startCtx, cancel := context.WithTimeout(ctx, cfg.StartupTimeout)
	defer cancel()

	mongoClient, db, err := mongo.NewWithDatabase(startCtx, cfg.Mongo, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Warn("mongo disconnect failed", logger.Error(err))
		}
	}()

	rdb, err := redis.Connect(startCtx, cfg.Redis, log)
	if err != nil {
		return err
	}
	defer rdb.Close()

	store := subscription.NewMongoStore(db)
	files := usage.NewMongoFileIndex(db)
	if err := errors.Join(store.EnsureIndexes(startCtx), files.EnsureIndexes(startCtx)); err != nil {
		return err
	}

	ledgerOpts := []usage.Option{usage.WithFileIndex(files), usage.WithLogger(log)}
	if cfg.S3.Enabled() {
		resolver, err := usage.NewS3SizeResolver(startCtx, cfg.S3)
		if err != nil {
			return err
		}
		ledgerOpts = append(ledgerOpts, usage.WithSizeResolver(resolver))
	} else {
		log.Warn("no storage bucket configured; deletions of unindexed files cannot be reconciled")
	}
	ledger := usage.NewLedger(store, ledgerOpts...)

	engine := quota.NewEngine(
		quota.WithUnknownActionPolicy(cfg.unknownActionPolicy()),
		quota.WithLogger(log))
	gate := quota.NewGate(store, engine, quota.WithGateLogger(log))
	subs := subscription.NewService(store, catalog, subscription.WithLogger(log))

	reconciler := billing.NewReconciler(store, catalog,
		billing.WithDeduper(billing.NewRedisDeduper(rdb, billing.WithKeyPrefix(cfg.Redis.KeyPrefix+"billing:event:"))),
		billing.WithLogger(log))
	webhookOpts := []billing.HandlerOption{billing.WithHandlerLogger(log)}
	parsers := 0
	if p, err := billing.NewStripeParser(cfg.Stripe); err == nil {
		webhookOpts = append(webhookOpts, billing.WithParser(p))
		parsers++
	}
	if p, err := billing.NewPaddleParser(cfg.Paddle); err == nil {
		webhookOpts = append(webhookOpts, billing.WithParser(p))
		parsers++
	}
	if parsers == 0 {
		log.Warn("no billing webhook secret configured; webhooks are disabled")
	}
	webhooks := billing.NewWebhookHandler(reconciler, webhookOpts...)

	router := httpserver.NewRouter(log)
	router.Get("/healthz", httpserver.HealthCheckHandler(log, 0))
	router.Get("/readyz", httpserver.HealthCheckHandler(log, cfg.ReadinessTimeout,
		httpserver.Check{Name: "mongo", Fn: mongo.Healthcheck(mongoClient)},
		httpserver.Check{Name: "redis", Fn: redis.Healthcheck(rdb)}))
	router.Mount("/webhooks", webhooks.Routes())
	if !cfg.DisableInternalAPI {
		router.Mount("/v1", api.NewHandler(gate, ledger, subs, catalog, log).Routes())
	}

	resetJob := usage.NewResetJob(ledger,
		usage.WithSchedule(cfg.ResetSchedule),
		usage.WithJobLogger(log))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return httpserver.NewFromConfig(cfg.HTTP, httpserver.WithLogger(log)).Run(ctx, router)
	})

	g.Go(func() error {
		if cfg.ResetOnStart {
			// Catches up on a reset missed while the process was down.
			if _, err := resetJob.RunOnce(ctx); err != nil {
				log.WarnContext(ctx, "startup usage reset failed", logger.Error(err))
			}
		}
		if err := resetJob.Start(); err != nil {
			return err
		}
		<-ctx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return resetJob.Stop(stopCtx)
	})

	return g.Wait()
}
