package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/selma-orchestration/maestro/internal/domain"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Result listener modes
const (
	ListenerModeBatched = "batched"
	ListenerModeSingle  = "single"
)

// Transform engines
const (
	TransformPassthrough = "passthrough"
	TransformCEL         = "cel"
)

// Config represents the complete application configuration
type Config struct {
	App            AppConfig            `yaml:"app"`
	Logging        LoggingConfig        `yaml:"logging"`
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	RabbitMQ       RabbitMQConfig       `yaml:"rabbitmq"`
	ResultListener ResultListenerConfig `yaml:"result_listener"`
	BootPuller     BootPullerConfig     `yaml:"boot_puller"`
	Transform      TransformConfig      `yaml:"transform"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Worker         WorkerConfig         `yaml:"worker"`
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
	EnableSource bool   `yaml:"enable_source"`
	TimeFormat   string `yaml:"time_format"`
	NoColor      bool   `yaml:"no_color"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds job store connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection, exchange and queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchanges  ExchangesConfig  `yaml:"exchanges"`
	Queues     QueuesConfig     `yaml:"queues"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangesConfig names the exchanges used for orchestration
type ExchangesConfig struct {
	WorkersIn  string `yaml:"workers_in"`
	WorkersOut string `yaml:"workers_out"`
	// MaestroOut receives terminal job results; empty disables forwarding
	MaestroOut string `yaml:"maestro_out"`
}

// QueuesConfig names the queues used for orchestration
type QueuesConfig struct {
	ResultListenerIn string `yaml:"result_listener_in"`
	// FormatString derives job queue names, e.g. "Type.Provider.Language"
	FormatString  string `yaml:"format_string"`
	PrefetchCount int    `yaml:"prefetch_count"`
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

// BatchConfig controls how the batch consumer groups deliveries
type BatchConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxSize     int           `yaml:"max_size"`
	Concurrency int           `yaml:"concurrency"`
}

// ResultListenerConfig holds result listener settings
type ResultListenerConfig struct {
	Mode           string               `yaml:"mode"`
	MaxRetryCount  int                  `yaml:"max_retry_count"`
	Batch          BatchConfig          `yaml:"batch"`
	UpdateWorkflow UpdateWorkflowConfig `yaml:"update_workflow"`
}

// UpdateWorkflowConfig bounds the per-job retries of the single listener
type UpdateWorkflowConfig struct {
	MaxRetryCount int           `yaml:"max_retry_count"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
}

// BootPullerConfig holds settings for re-enqueuing jobs at startup
type BootPullerConfig struct {
	Enabled bool          `yaml:"enabled"`
	JobAge  time.Duration `yaml:"job_age"`
	// Rate limits enqueues per second; zero means unlimited
	Rate    float64       `yaml:"rate"`
	Burst   int           `yaml:"burst"`
}

// TransformConfig selects the message transform engine
type TransformConfig struct {
	Engine string `yaml:"engine"`
}

// MetricsConfig holds job metrics settings
type MetricsConfig struct {
	MeterName string `yaml:"meter_name"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Queue           string           `yaml:"queue"`
	Filter          domain.JobFilter `yaml:"filter"`
	JobInfos        []domain.JobInfo `yaml:"job_infos"`
	Concurrency     int              `yaml:"concurrency"`
	Batch           BatchConfig      `yaml:"batch"`
	JobTimeout      time.Duration    `yaml:"job_timeout"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
}

// Load reads and parses the configuration file, applies defaults and then
// environment overrides.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return config, nil
}

// Default returns a configuration with every optional setting filled in
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "maestro", Environment: "development"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: time.Minute,
		},
		RabbitMQ: RabbitMQConfig{
			Port:  5672,
			VHost: "/",
			Exchanges: ExchangesConfig{
				WorkersIn:  "workers-in",
				WorkersOut: "workers-out",
			},
			Queues: QueuesConfig{
				ResultListenerIn: "maestro-in",
				FormatString:     domain.DefaultQueueFormat,
				PrefetchCount:    50,
			},
			Connection: ConnectionConfig{
				RetryAttempts: 10,
				RetryInterval: 5 * time.Second,
				Heartbeat:     10 * time.Second,
			},
			Publish: PublishConfig{
				RetryAttempts:     3,
				RetryInterval:     100 * time.Millisecond,
				BackoffMultiplier: 2.0,
			},
		},
		ResultListener: ResultListenerConfig{
			Mode:          ListenerModeBatched,
			MaxRetryCount: 5,
			Batch: BatchConfig{
				Timeout:     time.Second,
				MaxSize:     100,
				Concurrency: 4,
			},
			UpdateWorkflow: UpdateWorkflowConfig{
				MaxRetryCount: 10,
				MaxRetryDelay: 10 * time.Millisecond,
			},
		},
		BootPuller: BootPullerConfig{
			Enabled: true,
			JobAge:  24 * time.Hour,
			Rate:    200,
			Burst:   50,
		},
		Transform: TransformConfig{Engine: TransformCEL},
		Metrics:   MetricsConfig{MeterName: "maestro"},
		Worker: WorkerConfig{
			Concurrency: 4,
			Batch: BatchConfig{
				Timeout:     500 * time.Millisecond,
				MaxSize:     16,
				Concurrency: 2,
			},
			JobTimeout:      5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// applyEnv overrides secrets and endpoints from MAESTRO_* variables
func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"MAESTRO_DB_DRIVER":         &c.Database.Driver,
		"MAESTRO_DB_HOST":           &c.Database.Host,
		"MAESTRO_DB_USER":           &c.Database.User,
		"MAESTRO_DB_PASSWORD":       &c.Database.Password,
		"MAESTRO_DB_NAME":           &c.Database.Database,
		"MAESTRO_DB_PATH":           &c.Database.Path,
		"MAESTRO_RABBITMQ_HOST":     &c.RabbitMQ.Host,
		"MAESTRO_RABBITMQ_USER":     &c.RabbitMQ.User,
		"MAESTRO_RABBITMQ_PASSWORD": &c.RabbitMQ.Password,
		"MAESTRO_LOG_LEVEL":         &c.Logging.Level,
		"MAESTRO_QUEUE_FORMAT":      &c.RabbitMQ.Queues.FormatString,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MAESTRO_SERVER_PORT":   &c.Server.Port,
		"MAESTRO_DB_PORT":       &c.Database.Port,
		"MAESTRO_RABBITMQ_PORT": &c.RabbitMQ.Port,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "sqlite3":
		return nil
	case "postgres", "":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if err := validatePort("database", c.Database.Port); err != nil {
		return err
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

// ValidateDatabaseConfig checks the settings used by `maestro migrate`
func (c *Config) ValidateDatabaseConfig() error {
	return c.validateDatabase()
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}
	if err := validatePort("rabbitmq", c.RabbitMQ.Port); err != nil {
		return err
	}
	if c.RabbitMQ.Exchanges.WorkersIn == "" {
		return fmt.Errorf("rabbitmq workers_in exchange is required")
	}
	if c.RabbitMQ.Exchanges.WorkersOut == "" {
		return fmt.Errorf("rabbitmq workers_out exchange is required")
	}
	if c.RabbitMQ.Connection.RetryAttempts <= 0 {
		return fmt.Errorf("rabbitmq connection retry_attempts must be greater than 0")
	}
	return nil
}

func validateBatch(name string, b BatchConfig) error {
	if b.MaxSize <= 0 {
		return fmt.Errorf("%s batch max_size must be greater than 0", name)
	}
	if b.Timeout <= 0 {
		return fmt.Errorf("%s batch timeout must be greater than 0", name)
	}
	if b.Concurrency <= 0 {
		return fmt.Errorf("%s batch concurrency must be greater than 0", name)
	}
	return nil
}

// ValidateOrchestratorConfig checks the settings used by `maestro serve`
func (c *Config) ValidateOrchestratorConfig() error {
	if err := validatePort("server", c.Server.Port); err != nil {
		return err
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.RabbitMQ.Queues.ResultListenerIn == "" {
		return fmt.Errorf("rabbitmq result_listener_in queue is required")
	}
	if _, err := domain.ParseQueueFormat(c.RabbitMQ.Queues.FormatString); err != nil {
		return err
	}

	switch c.ResultListener.Mode {
	case ListenerModeBatched:
		if err := validateBatch("result_listener", c.ResultListener.Batch); err != nil {
			return err
		}
	case ListenerModeSingle:
		if c.RabbitMQ.Queues.PrefetchCount <= 0 {
			return fmt.Errorf("rabbitmq prefetch_count must be greater than 0")
		}
	default:
		return fmt.Errorf("unknown result_listener mode: %q", c.ResultListener.Mode)
	}
	if c.ResultListener.MaxRetryCount <= 0 {
		return fmt.Errorf("result_listener max_retry_count must be greater than 0")
	}

	if c.BootPuller.Enabled && c.BootPuller.JobAge <= 0 {
		return fmt.Errorf("boot_puller job_age must be positive")
	}

	switch c.Transform.Engine {
	case TransformPassthrough, TransformCEL:
	default:
		return fmt.Errorf("unknown transform engine: %q", c.Transform.Engine)
	}

	return nil
}

// ValidateWorkerConfig checks the settings used by the worker service
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.Queue == "" {
		return fmt.Errorf("worker queue is required")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}
	if err := validateBatch("worker", c.Worker.Batch); err != nil {
		return err
	}
	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}
	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}
	if len(c.Worker.JobInfos) == 0 {
		return fmt.Errorf("worker job_infos must list at least one job kind")
	}

	return nil
}
