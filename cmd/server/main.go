package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ridedispatch/internal/app"
	"ridedispatch/internal/config"
	"ridedispatch/internal/handler"
	"ridedispatch/internal/push"
	"ridedispatch/internal/realtime"
	internalRedis "ridedispatch/internal/redis"
	"ridedispatch/internal/repository/postgres"
	"ridedispatch/internal/service"
)

func main() {
	// Load configuration.
	cfg := config.Load()

	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize New Relic FIRST (before database so we can instrument DB).
	var nrApp *newrelic.Application
	if cfg.NewRelic.Enabled && cfg.NewRelic.LicenseKey != "" {
		nrApp, err = newrelic.NewApplication(
			newrelic.ConfigAppName(cfg.NewRelic.AppName),
			newrelic.ConfigLicense(cfg.NewRelic.LicenseKey),
			newrelic.ConfigDistributedTracerEnabled(true),
			newrelic.ConfigAppLogForwardingEnabled(true),
		)
		if err != nil {
			logger.Warnw("failed to initialize New Relic", "error", err)
		} else {
			logger.Infow("New Relic enabled", "app", cfg.NewRelic.AppName)
		}
	}

	db, err := app.NewDatabase(ctx, cfg.Database, nrApp)
	if err != nil {
		logger.Fatalw("failed to connect to database", "error", err)
	}
	defer db.Close()
	logger.Info("connected to PostgreSQL")

	redisClient, err := app.NewRedisClient(ctx, cfg.Redis, nrApp)
	if err != nil {
		logger.Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	// A nil interface keeps notifications log-only.
	var publisher service.Publisher
	if cfg.RabbitMQ.Enabled {
		p, err := push.Dial(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			logger.Fatalw("failed to connect to rabbitmq", "error", err)
		}
		defer p.Close()
		publisher = p
		logger.Infow("push publisher ready", "exchange", cfg.RabbitMQ.Exchange)
	}

	srv := wireServer(db, redisClient, publisher, nrApp, cfg, logger)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	recovered, err := srv.expiry.Recover(runCtx)
	if err != nil {
		logger.Fatalw("failed to recover pending orders", "error", err)
	}
	logger.Infow("pending orders re-armed", "count", recovered)

	go srv.sessions.RunSweeper(runCtx, cfg.Dispatch.SessionSweepInterval)

	// Start server in goroutine.
	go func() {
		logger.Infow("starting server", "port", cfg.Server.Port)
		if err := srv.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("server error", "error", err)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infow("shutting down server", "connections", srv.hub.Count())

	stop()
	srv.expiry.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// Shutdown does not wait for hijacked connections.
	srv.hub.Close()
	if err := srv.http.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("server forced to shutdown", "error", err)
	}

	if nrApp != nil {
		nrApp.Shutdown(5 * time.Second)
	}
	logger.Info("server exited")
}

type server struct {
	http     *http.Server
	hub      *realtime.Hub
	sessions *service.SessionRegistry
	expiry   *service.ExpiryScheduler
}

// wireServer wires all dependencies and returns the server parts main drives.
func wireServer(
	db *sql.DB,
	redisClient *redis.Client,
	publisher service.Publisher,
	nrApp *newrelic.Application,
	cfg *config.Config,
	logger *zap.SugaredLogger,
) *server {
	// Initialize Redis stores.
	locationStore := internalRedis.NewLocationStore(redisClient, cfg.Dispatch.LocationTTL)
	lockStore := internalRedis.NewLockStore(redisClient)
	cacheStore := internalRedis.NewCacheStore(redisClient)

	// Initialize repositories.
	orderRepo := postgres.NewOrderRepository(db)
	driverRepo := postgres.NewDriverRepository(db)
	sessionRepo := postgres.NewSessionRepository(db)
	paymentRepo := postgres.NewPaymentRepository(db)
	instrumentRepo := postgres.NewInstrumentRepository(db)

	hub := realtime.NewHub(nrApp, logger)

	// Initialize services. Hooks register in construction order.
	sessions := service.NewSessionRegistry(sessionRepo, driverRepo, cfg.Dispatch.SessionTTL, logger)
	tokens := service.NewTokenRegistry(hub)
	orders := service.NewOrderService(orderRepo, cacheStore, sessions, tokens, hub, logger)
	notifier := service.NewNotificationService(publisher, logger)
	expiry := service.NewExpiryScheduler(orders, notifier, logger)
	locations := service.NewLocationRelay(orders, locationStore, logger)
	payments := service.NewPaymentCoordinator(
		orders,
		paymentRepo,
		instrumentRepo,
		service.NewMockGateway(),
		lockStore,
		expiry,
		notifier,
		service.PaymentConfig{
			Timeout:  cfg.Dispatch.PaymentTimeout,
			Watchdog: cfg.Dispatch.PaymentWatchdog,
		},
		logger,
	)
	dispatcher := service.NewDispatcher(orders, expiry, notifier, cfg.Dispatch.OrderExpiry, logger)
	engine := service.NewEngine(dispatcher, orders, payments, locations, logger)
	hub.SetHandler(engine)

	// Initialize handlers.
	router := app.NewRouter(app.RouterDeps{
		OrderHandler:     handler.NewOrderHandler(dispatcher, orders, locations),
		DriverHandler:    handler.NewDriverHandler(sessions, orders),
		PaymentHandler:   handler.NewPaymentHandler(payments, orders),
		WebSocketHandler: handler.NewWebSocketHandler(hub),
		RedisClient:      redisClient,
		NewRelicApp:      nrApp,
	})

	return &server{
		http: &http.Server{
			Addr:         ":" + cfg.Server.Port,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		hub:      hub,
		sessions: sessions,
		expiry:   expiry,
	}
}
