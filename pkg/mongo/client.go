package mongo

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"

	"github.com/dmitrymomot/quotakit/pkg/logger"
)

// New connects to MongoDB, retrying up to cfg.RetryAttempts times.
// Usage counters rely on single-document atomic updates, so writes use
// majority write concern and are retried by the driver.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*mongo.Client, error) {
	if log == nil {
		log = slog.Default()
	}
	attempts := max(cfg.RetryAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		client, err := mongo.Connect(
			options.Client().
				ApplyURI(cfg.ConnectionURL).
				SetConnectTimeout(cfg.ConnectTimeout).
				SetMaxPoolSize(cfg.MaxPoolSize).
				SetMinPoolSize(cfg.MinPoolSize).
				SetMaxConnIdleTime(cfg.MaxConnIdleTime).
				SetWriteConcern(writeconcern.Majority()).
				SetRetryWrites(true).
				SetRetryReads(true),
		)
		if err == nil {
			if err = client.Ping(ctx, nil); err == nil {
				return client, nil
			}
			_ = client.Disconnect(context.WithoutCancel(ctx))
		}
		lastErr = err
		log.WarnContext(ctx, "mongo connection attempt failed",
			slog.Int("attempt", attempt),
			logger.Error(err))

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrFailedToConnectToMongo, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}

	return nil, errors.Join(ErrFailedToConnectToMongo, lastErr)
}

// NewWithDatabase connects and returns the configured database.
func NewWithDatabase(ctx context.Context, cfg Config, log *slog.Logger) (*mongo.Client, *mongo.Database, error) {
	client, err := New(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Database(cfg.Database), nil
}
