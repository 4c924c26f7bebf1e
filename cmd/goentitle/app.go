package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/goentitle/pkg/billing"
	billingprom "github.com/mihaimyh/goentitle/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/goentitle/pkg/billing/stripe"
	"github.com/mihaimyh/goentitle/pkg/config"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
	zlog "github.com/mihaimyh/goentitle/pkg/goentitle/logger/zerolog"
	entitleprom "github.com/mihaimyh/goentitle/pkg/goentitle/metrics/prometheus"
	fsstorage "github.com/mihaimyh/goentitle/storage/firestore"
	"github.com/mihaimyh/goentitle/storage/memory"
	pgstorage "github.com/mihaimyh/goentitle/storage/postgres"
	redisstorage "github.com/mihaimyh/goentitle/storage/redis"
)

const metricsNamespace = "goentitle"

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	registry *prometheus.Registry
	storage  goentitle.Storage
	manager  *goentitle.Manager
	stripe   *stripe.Provider
	closers  []func()
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, os.Stderr)
}

func newApp(ctx context.Context, cfg *config.Config, out io.Writer) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      newLogger(cfg.App, out),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	storage, err := a.openStorage(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.storage = storage

	logger := zlog.NewLogger(a.log)
	manager, err := goentitle.NewManager(storage, goentitle.Config{
		Evaluator: goentitle.EvaluatorConfig{
			TrialLengthDays:  cfg.Trial.LengthDays,
			ExpiringSoonDays: cfg.Trial.ExpiringSoonDays,
			PaidTiers:        tiers(cfg.Trial.PaidTiers),
			DemoMode:         cfg.Trial.DemoMode,
		},
		CacheConfig: &goentitle.CacheConfig{
			Enabled:    cfg.Cache.Enabled,
			TTL:        cfg.Cache.TTL,
			MaxRecords: cfg.Cache.MaxRecords,
		},
		CircuitBreakerConfig: &goentitle.CircuitBreakerConfig{
			Enabled:          cfg.Breaker.Enabled,
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
		},
		Metrics: entitleprom.NewMetrics(a.registry, metricsNamespace),
		Logger:  logger.With("manager"),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}
	a.manager = manager

	if cfg.Stripe.Enabled() {
		provider, err := a.newStripe(logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.stripe = provider
	}

	if cfg.Trial.DemoMode {
		a.log.Warn().Msg("demo mode enabled, every request is allowed")
	}
	return a, nil
}

func (a *app) openStorage(ctx context.Context) (goentitle.Storage, error) {
	sc := a.cfg.Storage
	switch sc.Driver {
	case config.DriverPostgres:
		pgCfg := pgstorage.DefaultConfig()
		pgCfg.ConnectionString = sc.PostgresDSN
		pgCfg.MaxConns = sc.PostgresMaxConns
		pgCfg.AutoMigrate = sc.PostgresAutoMigrate
		s, err := pgstorage.New(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil

	case config.DriverRedis:
		opts, err := goredis.ParseURL(sc.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		rc := redisstorage.DefaultConfig()
		rc.KeyPrefix = sc.RedisKeyPrefix
		s, err := redisstorage.New(client, rc)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		return s, nil

	case config.DriverFirestore:
		client, err := firestore.NewClient(ctx, sc.FirestoreProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		s, err := fsstorage.New(client, fsstorage.Config{RecordsCollection: sc.FirestoreCollection})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		return s, nil

	default:
		a.log.Warn().Msg("using in-memory storage, records are lost on restart")
		return memory.New(), nil
	}
}

func (a *app) newStripe(logger *zlog.Logger) (*stripe.Provider, error) {
	metrics := billingprom.NewMetrics(a.registry, metricsNamespace)
	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{
		Manager:       a.manager,
		BillingPeriod: a.cfg.Billing.Period,
		DryRun:        a.cfg.Billing.DryRun,
		OnTransition:  a.logTransition,
		Metrics:       metrics,
		Logger:        logger.With("reconciler"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}

	prices := make(map[goentitle.Tier]string, len(a.cfg.Stripe.PlanPrices))
	for plan, price := range a.cfg.Stripe.PlanPrices {
		prices[goentitle.Tier(plan)] = price
	}

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Reconciler: reconciler,
			PlanPrices: prices,
			Metrics:    metrics,
			Logger:     logger.With("stripe"),
		},
		StripeAPIKey:           a.cfg.Stripe.APIKey,
		StripeWebhookSecret:    a.cfg.Stripe.WebhookSecret,
		WebhookRateLimit:       a.cfg.Stripe.WebhookRateLimit,
		WebhookRateLimitWindow: a.cfg.Stripe.WebhookRateLimitWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stripe provider: %w", err)
	}
	return provider, nil
}

func (a *app) logTransition(_ context.Context, t billing.Transition) error {
	a.log.Info().
		Str("user_id", t.UserID).
		Str("event_id", t.EventID).
		Str("event_type", t.EventType).
		Str("from_status", string(t.PreviousStatus)).
		Str("to_status", string(t.NewStatus)).
		Str("to_tier", string(t.NewTier)).
		Msg("entitlement transition")
	return nil
}

// Close releases storage connections in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newLogger(cfg config.AppConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if strings.EqualFold(cfg.LogFormat, "console") {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "goentitle").Logger()
}

func tiers(names []string) []goentitle.Tier {
	out := make([]goentitle.Tier, 0, len(names))
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, goentitle.Tier(name))
		}
	}
	return out
}
