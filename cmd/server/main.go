// Package main is the entry point for the Ticker API
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/quantbots/tickerapi/internal/api"
	"github.com/quantbots/tickerapi/internal/api/middleware"
	"github.com/quantbots/tickerapi/internal/config"
	"github.com/quantbots/tickerapi/internal/repository"
	"github.com/quantbots/tickerapi/internal/service"
	"github.com/quantbots/tickerapi/pkg/utils/zaplogger"
)

func main() {
	// Load configuration
	cfg, err := config.Get()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Print the configuration
	fmt.Println(cfg.String())

	// Setup logger
	defer zaplogger.Sync()
	zaplogger.SetLogLevel(cfg.ServerLogLevel)

	// Connect to Postgres
	db, err := repository.ConnectPostgres(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}

	// Connect Redis
	redisClient, err := repository.ConnectRedis(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	// startUpMessage
	zaplogger.Info(cfg.APIName + " - " + cfg.APIVersion + " initialized")
	zaplogger.Info("Postgres initialized")
	zaplogger.Info("Redis initialized")

	accounts, err := cfg.Accounts()
	if err != nil {
		log.Fatalf("Failed to parse broker accounts: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shared plumbing
	clock := service.NewMarketClock()
	monitor := service.NewTaskMonitor(nil)
	breaker := service.NewCircuitBreaker(
		cfg.RedisCircuitFailureThreshold,
		time.Duration(cfg.RedisCircuitRecoverySeconds)*time.Second,
		1,
	)
	publisher := service.NewRedisPublisher(redisClient, breaker)
	batcher := service.NewTickBatcher(
		publisher,
		cfg.PublishChannelPrefix,
		time.Duration(cfg.TickBatchWindowMs)*time.Millisecond,
		cfg.TickBatchMaxSize,
	)

	// Instruments and sessions
	registry := service.NewInstrumentRegistry(db, clock, "", time.Duration(cfg.InstrumentsStaleMins)*time.Minute)
	sessions := service.NewSessionOrchestrator(db, accounts, 0)
	if err := sessions.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap broker sessions: %v", err)
	}

	// Enrichment pipeline
	greeks := service.NewGreeksCalculator(cfg.GreeksRiskFreeRate, clock)
	validator := service.NewTickValidator(service.ValidationLenient)
	processor := service.NewTickProcessor(
		validator, registry, greeks, batcher, clock,
		time.Duration(cfg.GreeksMaxSpotAgeMs)*time.Millisecond,
	)

	// Subscription intent and the ticker loop
	subscriptions := service.NewSubscriptionService(db, publisher, cfg.PublishChannelPrefix, clock)
	bootstrapper := service.NewHistoricalBootstrapper(
		db, service.NewKiteCandleSource(), sessions, clock,
		cfg.HistoricalBackfillDays, cfg.HistoricalBackfillBatch,
	)
	loop := service.NewMultiAccountTickerLoop(
		subscriptions, registry, sessions, processor, batcher, publisher,
		monitor, bootstrapper, clock,
		cfg.MaxInstrumentsPerWSConnection,
		time.Duration(cfg.ReloadDebounceMs)*time.Millisecond,
		time.Duration(cfg.ReloadMaxDebounceMs)*time.Millisecond,
		time.Duration(cfg.ReloadMinGapMs)*time.Millisecond,
	)
	subscriptions.SetOnChange(func() {
		if err := loop.Reload(); err != nil {
			zaplogger.Debug("subscription change before ticker start", zaplogger.Fields{
				"error": err.Error(),
			})
		}
	})

	// Durable order executor
	gateway := service.NewKiteOrderGateway(sessions.Enctoken)
	executor := service.NewOrderExecutorFromDB(db, gateway, service.OrderExecutorConfig{
		PollInterval:      time.Duration(cfg.OrderExecutorPollIntervalMs) * time.Millisecond,
		MaxAttempts:       cfg.OrderExecutorMaxAttempts,
		MaxTasks:          cfg.OrderExecutorMaxTasks,
		IdempotencyWindow: time.Duration(cfg.OrderIdempotencyWindowS) * time.Second,
	})
	if err := executor.Recover(); err != nil {
		log.Fatalf("Failed to recover order tasks: %v", err)
	}
	monitor.Spawn(ctx, "order-executor", executor.Run, nil)

	// Synthetic data outside market hours
	mockCache := service.NewMockStateCache(cfg.MockStateMaxSize)
	if cfg.MockDataEnabled {
		generator := service.NewMockGenerator(true, mockCache, clock)
		feeder := service.NewMockFeeder(subscriptions, registry, generator, processor, batcher, 0)
		monitor.Spawn(ctx, "mock-feeder", feeder.Run, nil)
	}

	// Create a new Echo instance
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Setup middleware
	middleware.SetupLoggerMiddleware(e)

	// Setup routes
	api.SetupRoutes(e, db, api.Services{
		Subscriptions: subscriptions,
		Loop:          loop,
		Executor:      executor,
		Registry:      registry,
		Sessions:      sessions,
		Monitor:       monitor,
	})

	// Setup and start cron jobs
	cronService := service.NewCronService(clock, registry, loop, mockCache, monitor)
	cronService.Start(ctx)

	// Start the server
	go startServer(e, cfg)

	// Shutdown on signal
	<-ctx.Done()
	zaplogger.Info("Shutting down")

	cronService.Stop()
	if err := loop.Stop(); err != nil && err != service.ErrTickerNotRunning {
		zaplogger.Error("ticker stop failed", zaplogger.Fields{"error": err.Error()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		zaplogger.Error("server shutdown failed", zaplogger.Fields{"error": err.Error()})
	}
	monitor.Wait()
}

// startServer starts the Echo server on the specified port
func startServer(e *echo.Echo, cfg *config.Config) {
	port := cfg.ServerPort
	if port == "" {
		port = "3008"
	}
	zaplogger.Info("SERVER STARTED ON PORT " + port)
	if err := e.Start(":" + port); err != nil {
		zaplogger.Info("server stopped: " + err.Error())
	}
}
