package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	// DatabaseDSN selects the postgres store; empty runs on the in-memory store.
	DatabaseDSN string `env:"DATABASE_DSN"`
	// RedisURL enables the distributed cache layer, the redis queue backend and
	// the shared tenant rate limiter. Absence is never a startup failure.
	RedisURL    string `env:"REDIS_URL"`
	RabbitMQURL string `env:"RABBITMQ_URL"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	QueueBackend        string `env:"QUEUE_BACKEND,default=memory"`
	QueueWorkers        int    `env:"QUEUE_WORKERS,default=4"`
	QueueWorkersEmail   int    `env:"QUEUE_WORKERS_EMAIL"`
	QueueWorkersSMS     int    `env:"QUEUE_WORKERS_SMS"`
	QueueWorkersPush    int    `env:"QUEUE_WORKERS_PUSH"`
	QueueWorkersWebhook int    `env:"QUEUE_WORKERS_WEBHOOK"`
	QueueWorkersChat    int    `env:"QUEUE_WORKERS_CHAT"`
	QueuePollMillis     int    `env:"QUEUE_POLL_MS,default=250"`

	ProviderSendTimeoutSec int `env:"PROVIDER_SEND_TIMEOUT_SEC,default=10"`

	ReconcileIntervalSec   int `env:"RECONCILE_INTERVAL_SEC,default=30"`
	ReconcileStaleAfterSec int `env:"RECONCILE_STALE_AFTER_SEC,default=300"`

	HealthCheckSchedule string `env:"HEALTH_CHECK_SCHEDULE,default=@every 10s"`

	CacheRemoteTimeoutMs int `env:"CACHE_REMOTE_TIMEOUT_MS,default=200"`
	CacheSweepSec        int `env:"CACHE_SWEEP_SEC,default=60"`

	TenantRateLimitPerSec int `env:"TENANT_RATE_LIMIT_PER_SEC,default=20"`

	EmailAPIKey    string `env:"EMAIL_PROVIDER_API_KEY"`
	EmailAPISecret string `env:"EMAIL_PROVIDER_API_SECRET"`
	EmailRegion    string `env:"EMAIL_PROVIDER_REGION,default=us-east-1"`
	EmailEndpoint  string `env:"EMAIL_PROVIDER_ENDPOINT"`

	SMSAPIKey    string `env:"SMS_PROVIDER_API_KEY"`
	SMSAPISecret string `env:"SMS_PROVIDER_API_SECRET"`
	SMSRegion    string `env:"SMS_PROVIDER_REGION,default=us-east-1"`
	SMSEndpoint  string `env:"SMS_PROVIDER_ENDPOINT"`

	PushAPIKey    string `env:"PUSH_PROVIDER_API_KEY"`
	PushAPISecret string `env:"PUSH_PROVIDER_API_SECRET"`
	PushRegion    string `env:"PUSH_PROVIDER_REGION"`
	PushEndpoint  string `env:"PUSH_PROVIDER_ENDPOINT"`

	WebhookAPIKey    string `env:"WEBHOOK_PROVIDER_API_KEY"`
	WebhookAPISecret string `env:"WEBHOOK_PROVIDER_API_SECRET"`
	WebhookRegion    string `env:"WEBHOOK_PROVIDER_REGION"`
	WebhookEndpoint  string `env:"WEBHOOK_PROVIDER_ENDPOINT"`

	ChatAPIKey    string `env:"CHAT_PROVIDER_API_KEY"`
	ChatAPISecret string `env:"CHAT_PROVIDER_API_SECRET"`
	ChatRegion    string `env:"CHAT_PROVIDER_REGION"`
	ChatEndpoint  string `env:"CHAT_PROVIDER_ENDPOINT"`
}

// ProviderOptions is the recognized option set of one channel provider.
type ProviderOptions struct {
	APIKey    string
	APISecret string
	Region    string
	Endpoint  string
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.QueueBackend = strings.ToLower(strings.TrimSpace(cfg.QueueBackend))
	switch cfg.QueueBackend {
	case "memory", "redis":
	default:
		return nil, fmt.Errorf("failed to load config: unsupported QUEUE_BACKEND %q", cfg.QueueBackend)
	}
	if cfg.QueueBackend == "redis" && strings.TrimSpace(cfg.RedisURL) == "" {
		return nil, fmt.Errorf("failed to load config: QUEUE_BACKEND=redis requires REDIS_URL")
	}

	return &cfg, nil
}

// Provider returns the options for the named channel.
func (c *Config) Provider(channel string) ProviderOptions {
	switch strings.ToLower(channel) {
	case "email":
		return ProviderOptions{APIKey: c.EmailAPIKey, APISecret: c.EmailAPISecret, Region: c.EmailRegion, Endpoint: c.EmailEndpoint}
	case "sms":
		return ProviderOptions{APIKey: c.SMSAPIKey, APISecret: c.SMSAPISecret, Region: c.SMSRegion, Endpoint: c.SMSEndpoint}
	case "push":
		return ProviderOptions{APIKey: c.PushAPIKey, APISecret: c.PushAPISecret, Region: c.PushRegion, Endpoint: c.PushEndpoint}
	case "webhook":
		return ProviderOptions{APIKey: c.WebhookAPIKey, APISecret: c.WebhookAPISecret, Region: c.WebhookRegion, Endpoint: c.WebhookEndpoint}
	case "chat":
		return ProviderOptions{APIKey: c.ChatAPIKey, APISecret: c.ChatAPISecret, Region: c.ChatRegion, Endpoint: c.ChatEndpoint}
	}
	return ProviderOptions{}
}

// Workers returns the worker count for the named channel queue.
func (c *Config) Workers(channel string) int {
	var n int
	switch strings.ToLower(channel) {
	case "email":
		n = c.QueueWorkersEmail
	case "sms":
		n = c.QueueWorkersSMS
	case "push":
		n = c.QueueWorkersPush
	case "webhook":
		n = c.QueueWorkersWebhook
	case "chat":
		n = c.QueueWorkersChat
	}
	if n <= 0 {
		n = c.QueueWorkers
	}
	return max(n, 1)
}

func (c *Config) QueuePollInterval() time.Duration {
	return time.Duration(c.QueuePollMillis) * time.Millisecond
}

func (c *Config) ProviderSendTimeout() time.Duration {
	return time.Duration(c.ProviderSendTimeoutSec) * time.Second
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSec) * time.Second
}

func (c *Config) ReconcileStaleAfter() time.Duration {
	return time.Duration(c.ReconcileStaleAfterSec) * time.Second
}

func (c *Config) CacheRemoteTimeout() time.Duration {
	return time.Duration(c.CacheRemoteTimeoutMs) * time.Millisecond
}

func (c *Config) CacheSweepInterval() time.Duration {
	return time.Duration(c.CacheSweepSec) * time.Second
}
