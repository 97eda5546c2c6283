package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/pixmorph/pixmorph/internal/api/handler"
	"github.com/pixmorph/pixmorph/internal/api/router"
	"github.com/pixmorph/pixmorph/internal/auth"
	"github.com/pixmorph/pixmorph/internal/config"
	"github.com/pixmorph/pixmorph/internal/hub"
	"github.com/pixmorph/pixmorph/internal/jobstore"
	"github.com/pixmorph/pixmorph/internal/ledger"
	"github.com/pixmorph/pixmorph/internal/transform"
	"github.com/pixmorph/pixmorph/internal/worker"
	"github.com/pixmorph/pixmorph/internal/ws"
	"github.com/pixmorph/pixmorph/shared/logger"
	"github.com/pixmorph/pixmorph/shared/postgresql"
	"github.com/pixmorph/pixmorph/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	led := ledger.NewPostgres(dbClient)
	store := jobstore.NewPostgres(dbClient)
	eventHub := hub.New(appLogger.Logger)
	authn := auth.NewStatic(cfg.Auth.Tokens)
	interrupts := worker.NewCancelRegistry()

	if err := provisionAccounts(cfg, led, appLogger.Logger); err != nil {
		return fmt.Errorf("failed to provision accounts: %w", err)
	}

	service := worker.NewService(&worker.ServiceConfig{
		Logger:     appLogger.Logger,
		Store:      store,
		Ledger:     led,
		Hub:        eventHub,
		Queue:      rabbitClient,
		Interrupts: interrupts,
		CreditCost: cfg.Credits.JobCost,
	})

	wsServer := ws.NewServer(appLogger.Logger, authn, service, eventHub)

	// The embedded pool shares the hub with the WebSocket server, so job
	// transitions it commits are pushed to subscribers in-process.
	poolCtx, poolCancel := context.WithCancel(context.Background())
	defer poolCancel()
	poolDone := make(chan struct{})
	if cfg.Worker.Embedded {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "api"
		}
		pool := worker.NewPool(&worker.PoolConfig{
			Logger:       appLogger.Logger,
			Store:        store,
			Ledger:       led,
			Hub:          eventHub,
			Transformer:  transform.NewHTTPClient(cfg.Transform.Endpoint, cfg.Transform.APIKey),
			Consumer:     rabbitClient,
			Interrupts:   interrupts,
			WorkerID:     fmt.Sprintf("%s-api-%d", hostname, os.Getpid()),
			Size:         cfg.Worker.PoolSize,
			PollInterval: cfg.Worker.PollInterval,
			StaleAfter:   cfg.Worker.StaleAfter,
		})
		go func() {
			defer close(poolDone)
			if err := pool.Run(poolCtx); err != nil {
				appLogger.Error("Embedded worker pool stopped",
					slog.Any("error", err),
				)
			}
		}()
		appLogger.Info("Embedded worker pool started",
			slog.Int("pool_size", cfg.Worker.PoolSize),
		)
	} else {
		close(poolDone)
	}

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, service, authn, wsServer)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	// Cleanup function to close all resources
	cleanup := func() {
		cancel()
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	// Drain the embedded pool after the HTTP surface is down.
	poolCancel()
	select {
	case <-poolDone:
	case <-time.After(cfg.Server.ShutdownTimeout):
		appLogger.Warn("Embedded worker pool shutdown timeout exceeded")
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// provisionAccounts tops up statically configured accounts that sit at zero.
func provisionAccounts(cfg *config.Config, led ledger.Ledger, logger *slog.Logger) error {
	if cfg.Credits.SignupGrant <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	seen := make(map[string]bool)
	for _, account := range cfg.Auth.Tokens {
		if seen[account] {
			continue
		}
		seen[account] = true

		balance, err := led.Balance(ctx, account)
		if err != nil {
			return err
		}
		if balance > 0 {
			continue
		}
		if err := led.Grant(ctx, account, cfg.Credits.SignupGrant); err != nil {
			return err
		}
		logger.Info("Granted starting credit",
			slog.String("account", account),
			slog.Int("amount", cfg.Credits.SignupGrant),
		)
	}
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		ConsumerExclusive:  cfg.Consumer.Exclusive,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, service *worker.Service, authn auth.Authenticator, wsServer *ws.Server) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize handler dependencies
	handlerDeps := &handler.Dependencies{
		Logger:          logger,
		Service:         service,
		Auth:            authn,
		WS:              wsServer,
		SubmitPerMinute: cfg.Server.SubmitPerMinute,
	}

	// Setup router
	return router.SetupRouter(handlerDeps)
}
