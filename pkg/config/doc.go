// Package config loads application configuration from environment variables.
//
// It wraps github.com/joho/godotenv and github.com/caarlos0/env/v11:
//
//   - Load parses a struct once per type and caches the result for the
//     lifetime of the process. Infrastructure configs (Mongo, Redis, billing
//     providers) go through Load.
//   - Parse is the uncached variant. It accepts an explicit environment map,
//     a key prefix, custom field parsers and an OnSet hook, which is what the
//     plan catalog needs to parse one struct per plan group and to report keys
//     that fell back to their defaults.
//
// # Usage
//
//	type Limits struct {
//		MaxUsers int64 `env:"MAX_USERS" envDefault:"1"`
//	}
//
//	var basic Limits
//	err := config.Parse(&basic,
//		config.WithPrefix("BASIC_"),
//		config.WithOnSet(func(key string, isDefault bool) {
//			if isDefault {
//				log.Printf("%s not set, using default", key)
//			}
//		}),
//	)
//
// The default .env file in the working directory is loaded lazily on first use;
// a missing file is not an error. Use LoadEnv to load explicit files.
package config
