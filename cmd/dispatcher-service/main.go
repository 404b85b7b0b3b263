package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/cuongbtq/media-dispatch/internal/api/handler"
	"github.com/cuongbtq/media-dispatch/internal/api/router"
	"github.com/cuongbtq/media-dispatch/internal/config"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/artifact"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/fleet"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/ledger"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/notify"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/queue"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/remote"
	"github.com/cuongbtq/media-dispatch/shared/logger"
	"github.com/cuongbtq/media-dispatch/shared/postgresql"
	"github.com/cuongbtq/media-dispatch/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
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
	defaultConfigPath := os.Getenv("DISPATCHER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/dispatcher-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateDispatcherConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting dispatcher service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := cfg.AWS.LoadAWS(ctx)
	if err != nil {
		return err
	}

	queueClient := queue.NewClient(sqs.NewFromConfig(awsCfg), queue.Config{
		QueueURL:       cfg.Queue.URL,
		ExpectedSource: cfg.Queue.ExpectedSource,
	}, appLogger.Logger)

	fleetManager := fleet.NewManager(ec2.NewFromConfig(awsCfg), fleet.Config{
		TagFilters:     cfg.Fleet.TagFilters,
		RunningTimeout: cfg.Fleet.RunningTimeout,
		PollInterval:   cfg.Fleet.PollInterval,
	}, appLogger.Logger)

	store := artifact.NewStore(s3.NewFromConfig(awsCfg), artifact.Config{
		Bucket:       cfg.Artifacts.Bucket,
		OutputPrefix: cfg.Artifacts.OutputPrefix,
	}, appLogger.Logger)

	template, err := remote.LoadTemplate(ctx, cfg.Command.Template, store)
	if err != nil {
		return fmt.Errorf("failed to load command template: %w", err)
	}

	executor, err := remote.NewExecutor(remote.Config{
		User:           cfg.SSH.User,
		Port:           cfg.SSH.Port,
		KeyPath:        cfg.SSH.KeyPath,
		HostKeyPolicy:  cfg.SSH.HostKeyPolicy,
		KnownHostsPath: cfg.SSH.KnownHostsPath,
		DialTimeout:    cfg.SSH.DialTimeout,
		CommandTimeout: cfg.SSH.CommandTimeout,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize remote executor: %w", err)
	}

	// Initialize PostgreSQL client only when the ledger lives there
	var dbClient *postgresql.Client
	if cfg.Ledger.Type == ledger.KindPostgres {
		dbClient, err = initPostgreSQL(&cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer dbClient.Close()

		appLogger.Info("Database connection established")
	}

	jobLedger, err := ledger.Open(ctx, ledger.Options{
		Kind:      cfg.Ledger.Type,
		PebbleDir: cfg.Ledger.PebbleDir,
		Postgres:  dbClient,
	})
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer jobLedger.Close()

	var publisher notify.Publisher
	switch cfg.Completion.Type {
	case notify.KindRabbitMQ:
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		appLogger.Info("RabbitMQ connection established")
		publisher = notify.NewRabbitPublisher(rabbitClient)
	default:
		publisher = notify.NewSQSPublisher(queueClient, cfg.Completion.QueueURL)
	}

	deps := dispatcher.Deps{
		Queue:     queueClient,
		Fleet:     fleetManager,
		Executor:  executor,
		Renderer:  template,
		Ledger:    jobLedger,
		Publisher: publisher,
	}
	remoteDir := ""
	if cfg.Artifacts.Enabled {
		deps.Artifacts = store
		remoteDir = cfg.Artifacts.RemoteDir
	}

	d, err := dispatcher.New(dispatcher.Config{
		MaxBatch:          cfg.Queue.MaxBatch,
		Wait:              cfg.Queue.WaitTime,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		AckMode:           cfg.Queue.AckMode,
		ReleaseUnpaired:   cfg.Queue.ReleaseUnpaired,
		MaxReceiveCount:   cfg.Queue.MaxReceiveCount,
		PollInterval:      cfg.Control.PollInterval,
		StatusFile:        cfg.Control.StatusFile,
		CleanupAfter:      cfg.Ledger.CleanupAfter,
		CleanupInterval:   cfg.Ledger.CleanupInterval,
		StopTimeout:       cfg.Fleet.StopTimeout,
		RemoteDir:         remoteDir,
	}, deps, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	var srv *http.Server
	if cfg.Server.Enabled {
		apiDeps := &handler.Dependencies{
			Logger:     appLogger.Logger,
			Dispatcher: d,
			Service:    cfg.App.Name,
		}
		if dbClient != nil {
			apiDeps.Database = dbClient
		}
		srv = startServer(cfg, apiDeps)
	}

	// Start dispatch loop in a goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- d.Run(ctx)
	}()

	appLogger.Info("Dispatcher service started successfully")

	select {
	case <-ctx.Done():
		appLogger.Info("Received signal, shutting down gracefully")
		// Run returns once the current batch has stopped its instances
		if err := <-errChan; err != nil {
			appLogger.Error("Dispatcher error", slog.Any("error", err))
		}
	case err := <-errChan:
		if err != nil {
			appLogger.Error("Dispatcher error", slog.Any("error", err))
			return err
		}
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Server forced to shutdown",
				slog.Any("error", err),
			)
		}
	}

	appLogger.Info("Dispatcher service shutdown complete")
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

// initRabbitMQ initializes the RabbitMQ completion publisher client
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
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// startServer serves the status API in the background
func startServer(cfg *config.Config, deps *handler.Dependencies) *http.Server {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := deps.Logger
	r := router.SetupRouter(deps)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	logger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed to start",
				slog.Any("error", err),
			)
		}
	}()

	return srv
}
