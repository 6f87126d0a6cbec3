package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/mwork/mwork-reconciler/internal/config"
	"github.com/mwork/mwork-reconciler/internal/domain/allocation"
	"github.com/mwork/mwork-reconciler/internal/domain/credit"
	"github.com/mwork/mwork-reconciler/internal/domain/monitor"
	"github.com/mwork/mwork-reconciler/internal/domain/notification"
	"github.com/mwork/mwork-reconciler/internal/domain/payment"
	"github.com/mwork/mwork-reconciler/internal/domain/paymentfailure"
	"github.com/mwork/mwork-reconciler/internal/domain/user"
	"github.com/mwork/mwork-reconciler/internal/middleware"
	"github.com/mwork/mwork-reconciler/internal/migration"
	"github.com/mwork/mwork-reconciler/internal/pkg/cache"
	"github.com/mwork/mwork-reconciler/internal/pkg/database"
	"github.com/mwork/mwork-reconciler/internal/pkg/jwt"
	"github.com/mwork/mwork-reconciler/internal/pkg/logger"
	"github.com/mwork/mwork-reconciler/internal/pkg/nowpayments"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting MWork payment reconciler")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	if cfg.MigrateOnStartup {
		if err := migration.RunMigrations(db.DB); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply database migrations")
		}
	}

	redis, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(redis)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	appCache := cache.New(redis)
	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)
	gateway := nowpayments.NewClient(cfg.NowPaymentsBaseURL, cfg.NowPaymentsAPIKey, time.Duration(cfg.NowPaymentsTimeoutSeconds)*time.Second)

	// ---------- Repositories ----------
	ledgerRepo := credit.NewRepository(db)
	paymentRepo := payment.NewRepository(db)
	userRepo := user.NewRepository(db)

	// ---------- Services ----------
	balances := credit.NewBalanceReader(ledgerRepo, appCache)
	failures := paymentfailure.NewTracker(registry)
	txRunner := database.NewSQLRunner(db)

	engine := allocation.NewEngine(allocation.Deps{
		Tx:       txRunner,
		Ledger:   ledgerRepo,
		Payments: paymentRepo,
		Users:    userRepo,
		Balances: balances,
		Cache:    appCache,
		Notifier: notification.NewRedisPublisher(appCache, cfg.NotificationsChannel),
		Metrics:  allocation.NewMetrics(registry),
	}, allocation.Config{
		Rate:                    cfg.CreditAllocationRate,
		MaxCreditPerTransaction: cfg.CreditMaxPerTransaction,
	})

	poller := monitor.NewPoller(monitor.Deps{
		Tx:        txRunner,
		Ledger:    ledgerRepo,
		Payments:  paymentRepo,
		Gateway:   gateway,
		Allocator: engine,
		Failures:  failures,
		Queue:     monitor.NewQueue(appCache, ledgerRepo, cfg.MonitorRecencyWindow),
		Metrics:   monitor.NewMetrics(registry),
	}, monitor.Config{
		Interval:       cfg.MonitorInterval,
		BatchSize:      cfg.MonitorBatchSize,
		MaxRetries:     cfg.MonitorMaxRetries,
		RetryBaseDelay: cfg.MonitorRetryBaseDelay,
	})

	health := monitor.NewHealthChecker(poller, appCache, monitor.PingFunc(func(ctx context.Context) error {
		return database.PingPostgres(ctx, db)
	}), gateway)

	// ---------- Handlers ----------
	monitorHandler := monitor.NewHandler(poller, health, engine)
	allocationHandler := allocation.NewHandler(engine, balances)

	authMiddleware := middleware.Auth(jwtService)

	// ---------- Router ----------
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	r.Get("/health", monitorHandler.Health)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	r.Mount("/api/v1/monitor", monitorHandler.Routes(authMiddleware, middleware.RequireOperator()))
	r.Mount("/api/admin", allocationHandler.Routes(authMiddleware, middleware.RequireAdmin()))

	rootCtx, stopRoot := context.WithCancel(context.Background())
	defer stopRoot()

	if cfg.MonitorEnabled {
		poller.Start(rootCtx)
	} else {
		log.Warn().Msg("Payment status poller disabled")
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	poller.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}
