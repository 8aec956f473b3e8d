package main

import (
	"time"

	"github.com/dmitrymomot/quotakit/pkg/billing"
	"github.com/dmitrymomot/quotakit/pkg/httpserver"
	"github.com/dmitrymomot/quotakit/pkg/mongo"
	"github.com/dmitrymomot/quotakit/pkg/quota"
	"github.com/dmitrymomot/quotakit/pkg/redis"
	"github.com/dmitrymomot/quotakit/pkg/usage"
)

// AppConfig is the process configuration. Plan limits are read separately by
// the plan catalog under the FREE_, BASIC_, PREMIUM_ and ENTERPRISE_ prefixes.
type AppConfig struct {
	Env                string        `env:"APP_ENV" envDefault:"development"`
	Name               string        `env:"APP_NAME" envDefault:"quotad"`
	FailOpenUnknown    bool          `env:"APP_FAIL_OPEN_UNKNOWN_ACTIONS" envDefault:"false"`
	ResetSchedule      string        `env:"APP_USAGE_RESET_SCHEDULE" envDefault:"5 0 * * *"`
	ResetOnStart       bool          `env:"APP_USAGE_RESET_ON_START" envDefault:"true"`
	ReadinessTimeout   time.Duration `env:"APP_READINESS_TIMEOUT" envDefault:"2s"`
	StartupTimeout     time.Duration `env:"APP_STARTUP_TIMEOUT" envDefault:"1m"`
	DisableInternalAPI bool          `env:"APP_DISABLE_INTERNAL_API" envDefault:"false"`

	HTTP   httpserver.Config
	Mongo  mongo.Config
	Redis  redis.Config
	Stripe billing.StripeConfig
	Paddle billing.PaddleConfig
	S3     usage.S3Config
}

func (c AppConfig) unknownActionPolicy() quota.UnknownActionPolicy {
	if c.FailOpenUnknown {
		return quota.FailOpen
	}
	return quota.FailClosed
}
