package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"stagegate/internal/config"
	"stagegate/internal/engine"
	"stagegate/internal/lock"
	"stagegate/internal/metrics"
	"stagegate/internal/notify"
	"stagegate/internal/platform/logging"
)

// Env holds process settings that do not belong in stagegate.yml, mostly
// secrets and endpoints that differ per deployment.
type Env struct {
	LogFormat     string   `env:"STAGEGATE_LOG_FORMAT" envDefault:"text"`
	LogLevel      string   `env:"STAGEGATE_LOG_LEVEL" envDefault:"info"`
	RedisURL      string   `env:"STAGEGATE_REDIS_URL"`
	WebhookURL    string   `env:"STAGEGATE_WEBHOOK_URL"`
	WebhookSecret string   `env:"STAGEGATE_WEBHOOK_SECRET"`
	KafkaBrokers  []string `env:"STAGEGATE_KAFKA_BROKERS" envSeparator:","`
	JWTSecret     string   `env:"STAGEGATE_JWT_SECRET"`
	// AllowActorHeader trusts X-Actor-Id on unauthenticated requests.
	AllowActorHeader bool `env:"STAGEGATE_ALLOW_ACTOR_HEADER" envDefault:"false"`
}

// ParseEnv loads Env from the process environment.
func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// Runtime is a fully wired engine plus the resources it owns.
type Runtime struct {
	Engine   engine.Engine
	Registry *prometheus.Registry
	Logger   *slog.Logger
	closers  []func()
}

// Close releases gateway and lock connections.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// Wire builds an engine for cfg with the gateway and lock backend it selects.
func Wire(ctx context.Context, conn *sql.DB, cfg *config.Config, e Env, logOut io.Writer) (*Runtime, error) {
	if logOut == nil {
		logOut = io.Discard
	}
	logger := logging.New(logOut, e.LogFormat, e.LogLevel)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt := &Runtime{Registry: reg, Logger: logger}
	eng := engine.New(conn, cfg)
	eng.Logger = logger
	eng.Metrics = metrics.New(reg)

	gw, err := buildGateway(cfg, e, logger)
	if err != nil {
		return nil, err
	}
	if k, ok := gw.(*notify.KafkaGateway); ok {
		rt.closers = append(rt.closers, k.Close)
	}
	eng.Gateway = gw

	switch cfg.Locks.Backend {
	case config.LockRedis:
		if e.RedisURL == "" {
			rt.Close()
			return nil, fmt.Errorf("locks.backend is redis but STAGEGATE_REDIS_URL is not set")
		}
		rl, err := lock.NewRedis(ctx, e.RedisURL, cfg.LockTTL())
		if err != nil {
			rt.Close()
			return nil, err
		}
		rl.OnLost = func(key string) {
			logger.Warn("case lock expired before release", "key", key)
		}
		rt.closers = append(rt.closers, func() { _ = rl.Close() })
		eng.Locks = rl
	default:
		eng.Locks = lock.NewLocal()
	}
	rt.Engine = eng
	return rt, nil
}

func buildGateway(cfg *config.Config, e Env, logger *slog.Logger) (notify.Gateway, error) {
	n := cfg.Notifications
	switch n.Gateway {
	case config.GatewayWebhook:
		url := n.Webhook.URL
		if e.WebhookURL != "" {
			url = e.WebhookURL
		}
		secret := n.Webhook.Secret
		if e.WebhookSecret != "" {
			secret = e.WebhookSecret
		}
		return notify.WebhookGateway{URL: url, Secret: secret}, nil
	case config.GatewayKafka:
		brokers := n.Kafka.Brokers
		if len(e.KafkaBrokers) > 0 {
			brokers = e.KafkaBrokers
		}
		k, err := notify.NewKafkaGateway(brokers, n.Kafka.Topic)
		if err != nil {
			return nil, err
		}
		return k, nil
	default:
		return notify.LogGateway{Logger: logger}, nil
	}
}
