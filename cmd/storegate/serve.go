package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/robbyt/go-supervisor/supervisor"
	"github.com/urfave/cli/v3"

	"github.com/atlanticdynamic/storegate/internal/checkout"
	"github.com/atlanticdynamic/storegate/internal/config"
	"github.com/atlanticdynamic/storegate/internal/gateway/authn"
	"github.com/atlanticdynamic/storegate/internal/gateway/httpserver"
	"github.com/atlanticdynamic/storegate/internal/gateway/metrics"
	"github.com/atlanticdynamic/storegate/internal/gateway/ratelimit"
	"github.com/atlanticdynamic/storegate/internal/gateway/resilience"
	"github.com/atlanticdynamic/storegate/internal/gateway/router"
	"github.com/atlanticdynamic/storegate/internal/saga"
	"github.com/atlanticdynamic/storegate/internal/store"
)

const startupProbeTimeout = 5 * time.Second

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "Start the storegate gateway",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text or json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		SetupLogger(cmd.String("log-level"), cmd.String("log-format"))
		logger := slog.Default()

		cfg, err := config.Load(logger)
		if err != nil {
			return cli.Exit(fmt.Errorf("failed to load configuration: %w", err), 1)
		}
		if cfg.DatabaseURL == "" {
			return cli.Exit("DATABASE_URL is required", 1)
		}

		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()

		pingCtx, cancel := context.WithTimeout(ctx, startupProbeTimeout)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return cli.Exit(fmt.Errorf("redis unreachable at %s: %w", cfg.RedisAddr, err), 1)
		}

		db, err := sqlx.ConnectContext(pingCtx, "postgres", cfg.DatabaseURL)
		if err != nil {
			return cli.Exit(fmt.Errorf("database unreachable: %w", err), 1)
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		m := metrics.New()

		breakers := resilience.NewRegistry(cfg.Resilience,
			resilience.WithRegistryReporter(m),
			resilience.WithRegistryLogger(logger.With("component", "resilience")),
		)
		retrier := resilience.NewRetrier(cfg.Resilience,
			resilience.WithRetryHook(m.ReportProxyRetry),
			resilience.WithRetrierLogger(logger.With("component", "resilience")),
		)
		targets, err := router.BuildTargets(cfg, breakers, retrier, m)
		if err != nil {
			return cli.Exit(fmt.Errorf("failed to build proxy targets: %w", err), 1)
		}

		revocations := authn.NewRevocationStore(rdb, logger.With("component", "authn"))
		tokens := authn.NewService(cfg.JWTSecret, cfg.AccessTokenExpire, revocations,
			authn.WithServiceLogger(logger.With("component", "authn")))
		limiter := ratelimit.New(rdb, cfg.RateLimitPerMinute,
			ratelimit.WithLogger(logger.With("component", "ratelimit")))

		rules := store.DefaultRules()
		rules.ShippingFlatFee = cfg.ShippingFlatFee
		rules.FreeShippingFloor = cfg.FreeShippingFloor
		orders := store.New(db, rules, store.WithLogger(logger.With("component", "store")))

		fraudTarget, err := targets.Get("fraud")
		if err != nil {
			return cli.Exit(fmt.Errorf("fraud service route missing: %w", err), 1)
		}
		paymentsTarget, err := targets.Get("payments")
		if err != nil {
			return cli.Exit(fmt.Errorf("payments service route missing: %w", err), 1)
		}

		sagaRegistry := saga.NewRegistry()
		checkoutSaga, err := checkout.NewSaga(
			orders,
			checkout.NewFraudClient(fraudTarget),
			checkout.NewPaymentClient(paymentsTarget),
			sagaRegistry,
			m,
			cfg.FraudFailOpen,
			checkout.WithSagaLogger(logger.With("component", "checkout")),
		)
		if err != nil {
			return cli.Exit(fmt.Errorf("failed to build checkout saga: %w", err), 1)
		}
		checkoutHandler := checkout.NewHandler(checkoutSaga, sagaRegistry,
			logger.With("component", "checkout"))

		handler, err := router.New(router.Deps{
			Config:   cfg,
			Logger:   logger,
			Tokens:   tokens,
			Limiter:  limiter,
			Metrics:  m,
			Breakers: breakers,
			Targets:  targets,
			Checkout: checkoutHandler,
		})
		if err != nil {
			return cli.Exit(fmt.Errorf("failed to build router: %w", err), 1)
		}

		httpRunner, err := httpserver.NewRunner(cfg.ListenAddr(), handler,
			httpserver.WithLogHandler(slog.Default().Handler()))
		if err != nil {
			return cli.Exit(fmt.Errorf("failed to create HTTP runner: %w", err), 1)
		}

		super, err := supervisor.New(
			supervisor.WithRunnables(httpRunner),
			supervisor.WithLogHandler(slog.Default().Handler()),
			supervisor.WithContext(ctx),
		)
		if err != nil {
			return cli.Exit(fmt.Errorf("failed to create supervisor: %w", err), 1)
		}
		if err := super.Run(); err != nil {
			return cli.Exit(fmt.Errorf("failed to run gateway: %w", err), 1)
		}

		logger.Info("Gateway shutdown complete")
		return nil
	},
}
