package config

import "time"

type App struct {
	Port          string        `env:"APP_PORT" default:"8080"`
	DatabaseURL   string        `env:"DATABASE_URL,required"`
	StripeAPIKey  string        `env:"STRIPE_API_KEY,required"`
	WebhookToken  string        `env:"WEBHOOK_TOKEN,required"`
	JWTSecret     string        `env:"JWT_SECRET,required"`
	Env           string        `env:"APP_ENV" default:"dev"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" default:"3h"`
	SweepBatch    int           `env:"SWEEP_BATCH_SIZE" default:"100"`
	SweepWorkers  int           `env:"SWEEP_CONCURRENCY" default:"4"`
	MaxRetries    int           `env:"MAX_RETRIES" default:"5"`
	RetryBackoff  time.Duration `env:"RETRY_BACKOFF_BASE" default:"15m"`
}
