package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cuongbtq/media-dispatch/internal/config"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/artifact"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/fleet"
	"github.com/cuongbtq/media-dispatch/shared/logger"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("LAUNCH_INSTANCE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/launch-instance/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	specPath := flag.String("spec", "", "Launch document path or s3:// URI, overrides launch.spec_path")
	wait := flag.Bool("wait", false, "Wait for the instance to reach running")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *specPath != "" {
		cfg.Launch.SpecPath = *specPath
	}

	if err := cfg.ValidateLauncherConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	ctx := context.Background()

	awsCfg, err := cfg.AWS.LoadAWS(ctx)
	if err != nil {
		return err
	}

	spec, err := loadSpec(ctx, cfg.Launch.SpecPath, awsCfg, appLogger.Logger)
	if err != nil {
		return err
	}

	// The launch document's region wins over the configured one
	ec2Client := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if spec.Region != "" {
			o.Region = spec.Region
		}
	})
	manager := fleet.NewManager(ec2Client, fleet.Config{
		TagFilters:     cfg.Fleet.TagFilters,
		RunningTimeout: cfg.Fleet.RunningTimeout,
		PollInterval:   cfg.Fleet.PollInterval,
	}, appLogger.Logger)

	instanceID, err := manager.Launch(ctx, spec)
	if err != nil {
		return err
	}

	appLogger.Info("Instance launched",
		slog.String("instance_id", instanceID),
		slog.String("image_id", spec.ImageID),
		slog.String("instance_type", spec.InstanceType),
	)

	if !*wait {
		return nil
	}

	if err := manager.AwaitRunning(ctx, instanceID); err != nil {
		return err
	}
	address, err := manager.ResolveAddress(ctx, instanceID)
	if err != nil {
		return err
	}
	appLogger.Info("Instance running",
		slog.String("instance_id", instanceID),
		slog.String("address", address),
	)
	return nil
}

// loadSpec reads the launch document from disk or from S3
func loadSpec(ctx context.Context, source string, awsCfg aws.Config, logger *slog.Logger) (*fleet.LaunchSpec, error) {
	if !strings.HasPrefix(source, "s3://") {
		return config.LoadLaunchSpec(source)
	}

	store := artifact.NewStore(s3.NewFromConfig(awsCfg), artifact.Config{}, logger)
	body, err := store.Get(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to read launch spec: %w", err)
	}
	defer body.Close()

	return config.ParseLaunchSpec(body)
}
