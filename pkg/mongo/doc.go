// Package mongo connects the service to MongoDB, which stores tenant
// subscriptions and the storage file index.
//
// Configuration is read from MONGODB_* environment variables:
//
//	var cfg mongo.Config
//	config.MustLoad(&cfg)
//	client, db, err := mongo.NewWithDatabase(ctx, cfg, log)
//	if err != nil {
//		return err
//	}
//	defer client.Disconnect(context.Background())
//
//	store := subscription.NewMongoStore(db)
//
// Healthcheck returns a ping probe for the /healthz endpoint. Connection
// failures wrap ErrFailedToConnectToMongo.
package mongo
