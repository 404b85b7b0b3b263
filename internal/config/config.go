package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuongbtq/media-dispatch/internal/dispatcher/domain"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/fleet"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/ledger"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/notify"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/remote"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// MaxBatchSize is the largest batch a single queue receive returns
	MaxBatchSize = 10
	// MaxWaitTime is the longest long-poll the queue accepts
	MaxWaitTime = 20 * time.Second
)

// Config represents the complete application configuration
type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	AWS        AWSConfig        `yaml:"aws"`
	Queue      QueueConfig      `yaml:"queue"`
	Completion CompletionConfig `yaml:"completion"`
	Fleet      FleetConfig      `yaml:"fleet"`
	SSH        SSHConfig        `yaml:"ssh"`
	Command    CommandConfig    `yaml:"command"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	Control    ControlConfig    `yaml:"control"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Server     ServerConfig     `yaml:"server"`
	Launch     LaunchConfig     `yaml:"launch"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AWSConfig holds the region and optional static credentials. Empty keys
// fall back to the default credential chain.
type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// QueueConfig holds job queue configuration
type QueueConfig struct {
	URL               string        `yaml:"url"`
	ExpectedSource    string        `yaml:"expected_source"`
	MaxBatch          int           `yaml:"max_batch"`
	WaitTime          time.Duration `yaml:"wait_time"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	ReleaseUnpaired   bool          `yaml:"release_unpaired"`
	AckMode           string        `yaml:"ack_mode"`
	MaxReceiveCount   int           `yaml:"max_receive_count"`
}

// CompletionConfig selects where completion signals go
type CompletionConfig struct {
	Type     string `yaml:"type"`
	QueueURL string `yaml:"queue_url"`
}

// FleetConfig holds compute fleet configuration
type FleetConfig struct {
	TagFilters     map[string]string `yaml:"tag_filters"`
	RunningTimeout time.Duration     `yaml:"running_timeout"`
	PollInterval   time.Duration     `yaml:"poll_interval"`
	StopTimeout    time.Duration     `yaml:"stop_timeout"`
}

// SSHConfig holds remote execution configuration
type SSHConfig struct {
	User           string        `yaml:"user"`
	Port           int           `yaml:"port"`
	KeyPath        string        `yaml:"key_path"`
	HostKeyPolicy  string        `yaml:"host_key_policy"`
	KnownHostsPath string        `yaml:"known_hosts_path"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// CommandConfig points at the command template, a local path or s3:// URI
type CommandConfig struct {
	Template string `yaml:"template"`
}

// ArtifactsConfig holds job output collection configuration
type ArtifactsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Bucket       string `yaml:"bucket"`
	OutputPrefix string `yaml:"output_prefix"`
	RemoteDir    string `yaml:"remote_dir"`
}

// ControlConfig holds the control gate configuration
type ControlConfig struct {
	StatusFile   string        `yaml:"status_file"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LedgerConfig holds job ledger configuration
type LedgerConfig struct {
	Type            string        `yaml:"type"`
	PebbleDir       string        `yaml:"pebble_dir"`
	CleanupAfter    time.Duration `yaml:"cleanup_after"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ServerConfig holds the status API configuration
type ServerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LaunchConfig points at the instance launch document
type LaunchConfig struct {
	SpecPath string `yaml:"spec_path"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills unset fields
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	if c.Queue.ExpectedSource == "" {
		c.Queue.ExpectedSource = domain.DefaultEventSource
	}
	if c.Queue.MaxBatch == 0 {
		c.Queue.MaxBatch = MaxBatchSize
	}
	if c.Queue.VisibilityTimeout == 0 {
		c.Queue.VisibilityTimeout = 15 * time.Minute
	}
	if c.Queue.AckMode == "" {
		c.Queue.AckMode = domain.AckOnSuccess
	}

	if c.Completion.Type == "" {
		c.Completion.Type = notify.KindSQS
	}
	if c.Completion.QueueURL == "" {
		c.Completion.QueueURL = c.Queue.URL
	}

	if c.Fleet.PollInterval == 0 {
		c.Fleet.PollInterval = 15 * time.Second
	}
	if c.Fleet.StopTimeout == 0 {
		c.Fleet.StopTimeout = 2 * time.Minute
	}

	if c.SSH.User == "" {
		c.SSH.User = "ubuntu"
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.SSH.HostKeyPolicy == "" {
		c.SSH.HostKeyPolicy = remote.HostKeyTOFU
	}
	if c.SSH.DialTimeout == 0 {
		c.SSH.DialTimeout = 10 * time.Second
	}

	if c.Artifacts.OutputPrefix == "" {
		c.Artifacts.OutputPrefix = "output"
	}

	if c.Control.PollInterval == 0 {
		c.Control.PollInterval = 10 * time.Second
	}

	if c.Ledger.Type == "" {
		c.Ledger.Type = ledger.KindMemory
	}
	if c.Ledger.CleanupInterval == 0 {
		c.Ledger.CleanupInterval = time.Hour
	}

	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "direct"
	}

	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
}

// ValidateDispatcherConfig checks the configuration of the dispatcher service
func (c *Config) ValidateDispatcherConfig() error {
	if c.AWS.Region == "" {
		return fmt.Errorf("aws region is required")
	}
	if (c.AWS.AccessKeyID == "") != (c.AWS.SecretAccessKey == "") {
		return fmt.Errorf("aws access_key_id and secret_access_key must be set together")
	}

	if c.Queue.URL == "" {
		return fmt.Errorf("queue url is required")
	}
	if c.Queue.MaxBatch < 1 || c.Queue.MaxBatch > MaxBatchSize {
		return fmt.Errorf("invalid queue max_batch: %d (must be between 1 and %d)", c.Queue.MaxBatch, MaxBatchSize)
	}
	if c.Queue.WaitTime < 0 || c.Queue.WaitTime > MaxWaitTime {
		return fmt.Errorf("invalid queue wait_time: %s (must be between 0 and %s)", c.Queue.WaitTime, MaxWaitTime)
	}
	if c.Queue.VisibilityTimeout < time.Second {
		return fmt.Errorf("queue visibility_timeout must be at least 1s")
	}
	if c.Queue.MaxReceiveCount < 0 {
		return fmt.Errorf("invalid queue max_receive_count: %d (must be 0 or more)", c.Queue.MaxReceiveCount)
	}
	switch c.Queue.AckMode {
	case domain.AckOnSuccess, domain.AckOnReceipt:
	default:
		return fmt.Errorf("invalid queue ack_mode: %q (must be %s or %s)", c.Queue.AckMode, domain.AckOnSuccess, domain.AckOnReceipt)
	}

	switch c.Completion.Type {
	case notify.KindSQS:
	case notify.KindRabbitMQ:
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid completion type: %q", c.Completion.Type)
	}

	if c.Fleet.RunningTimeout < 0 {
		return fmt.Errorf("fleet running_timeout must not be negative")
	}
	if c.Fleet.PollInterval <= 0 {
		return fmt.Errorf("fleet poll_interval must be greater than 0")
	}

	if c.SSH.KeyPath == "" {
		return fmt.Errorf("ssh key_path is required")
	}
	if c.SSH.Port < MinPort || c.SSH.Port > MaxPort {
		return fmt.Errorf("invalid ssh port: %d (must be between %d and %d)", c.SSH.Port, MinPort, MaxPort)
	}
	switch c.SSH.HostKeyPolicy {
	case remote.HostKeyTOFU, remote.HostKeyInsecure:
	case remote.HostKeyKnownHosts:
		if c.SSH.KnownHostsPath == "" {
			return fmt.Errorf("ssh known_hosts_path is required for host_key_policy %s", remote.HostKeyKnownHosts)
		}
	default:
		return fmt.Errorf("invalid ssh host_key_policy: %q", c.SSH.HostKeyPolicy)
	}

	if c.Command.Template == "" {
		return fmt.Errorf("command template is required")
	}

	if c.Artifacts.Enabled {
		if c.Artifacts.Bucket == "" {
			return fmt.Errorf("artifacts bucket is required when artifacts are enabled")
		}
		if c.Artifacts.RemoteDir == "" {
			return fmt.Errorf("artifacts remote_dir is required when artifacts are enabled")
		}
	}

	if c.Control.PollInterval <= 0 {
		return fmt.Errorf("control poll_interval must be greater than 0")
	}

	switch c.Ledger.Type {
	case ledger.KindMemory:
	case ledger.KindPebble:
		if c.Ledger.PebbleDir == "" {
			return fmt.Errorf("ledger pebble_dir is required for ledger type %s", ledger.KindPebble)
		}
	case ledger.KindPostgres:
		if err := c.validateDatabase(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid ledger type: %q", c.Ledger.Type)
	}

	if c.Server.Enabled {
		if c.Server.Port < MinPort || c.Server.Port > MaxPort {
			return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
		}
	}

	return nil
}

// ValidateLauncherConfig checks the configuration of the instance launcher
func (c *Config) ValidateLauncherConfig() error {
	if c.Launch.SpecPath == "" {
		return fmt.Errorf("launch spec_path is required")
	}
	if (c.AWS.AccessKeyID == "") != (c.AWS.SecretAccessKey == "") {
		return fmt.Errorf("aws access_key_id and secret_access_key must be set together")
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}
	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}
	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}
	return nil
}

// LoadLaunchSpec reads the JSON instance launch document from a local file
func LoadLaunchSpec(path string) (*fleet.LaunchSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read launch spec: %w", err)
	}
	defer f.Close()

	return ParseLaunchSpec(f)
}

// ParseLaunchSpec decodes and validates a launch document. Fields the
// launcher does not use are ignored.
func ParseLaunchSpec(r io.Reader) (*fleet.LaunchSpec, error) {
	var spec fleet.LaunchSpec
	if err := json.NewDecoder(r).Decode(&spec); err != nil {
		return nil, fmt.Errorf("failed to parse launch spec: %w", err)
	}

	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid launch spec: %w", err)
	}
	return &spec, nil
}
