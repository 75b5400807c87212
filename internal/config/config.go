// Package config loads the application's configuration from (in priority
// order, lowest first) built-in defaults, an optional YAML/.env file, and
// environment variables, following outpost's own layered
// caarlos0/env+godotenv+yaml.v3 approach.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hookdeck/txnhook/internal/idempotency"
	"github.com/hookdeck/txnhook/internal/redis"
	"github.com/hookdeck/txnhook/internal/scheduler"
	"github.com/hookdeck/txnhook/internal/statemachine"
)

func osStat(name string) (os.FileInfo, error)    { return os.Stat(name) }
func osReadFile(name string) ([]byte, error)     { return os.ReadFile(name) }
func minutesToDuration(m int) time.Duration      { return time.Duration(m) * time.Minute }

// Config mirrors the configuration-keys table; yaml/env tags let the
// same struct be populated from a config file or from the process
// environment, with environment variables taking precedence.
type Config struct {
	configPath string

	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL" validate:"required,oneof=debug info warn error"`
	PostgresURL string `yaml:"postgres" env:"POSTGRES_URL" desc:"Postgres connection URL used for all persisted state." validate:"required"`

	Redis RedisConfig `yaml:"redis"`

	EventBus EventBusConfig `yaml:"event_bus"`

	Transaction TransactionConfig `yaml:"transaction"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Anomaly     AnomalyConfig     `yaml:"anomaly"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Alert       AlertConfig       `yaml:"alert"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
}

type RedisConfig struct {
	Host           string `yaml:"host" env:"REDIS_HOST" desc:"Redis server hostname, used for distributed locks and scheduler flags." validate:"required"`
	Port           int    `yaml:"port" env:"REDIS_PORT"`
	Password       string `yaml:"password" env:"REDIS_PASSWORD"`
	Database       int    `yaml:"database" env:"REDIS_DATABASE"`
	TLSEnabled     bool   `yaml:"tls_enabled" env:"REDIS_TLS_ENABLED"`
	ClusterEnabled bool   `yaml:"cluster_enabled" env:"REDIS_CLUSTER_ENABLED"`
}

func (c RedisConfig) ToRedisConfig() *redis.RedisConfig {
	return &redis.RedisConfig{
		Host:           c.Host,
		Port:           c.Port,
		Password:       c.Password,
		Database:       c.Database,
		TLSEnabled:     c.TLSEnabled,
		ClusterEnabled: c.ClusterEnabled,
	}
}

// EventBusConfig selects and configures one of the two event-bus drivers.
type EventBusConfig struct {
	Driver         string   `yaml:"driver" env:"EVENT_BUS_DRIVER" desc:"'rabbitmq', 'kafka', or 'memory' (in-process, for tests)." validate:"required,oneof=rabbitmq kafka memory"`
	RabbitMQURL    string   `yaml:"rabbitmq_url" env:"EVENT_BUS_RABBITMQ_URL"`
	KafkaBrokers   []string `yaml:"kafka_brokers" env:"EVENT_BUS_KAFKA_BROKERS" envSeparator:","`
	PartitionCount int      `yaml:"partition_count" env:"EVENT_BUS_PARTITION_COUNT" desc:"Number of partitions backing transaction-events/webhook-events (default: 3)."`
}

type TransactionConfig struct {
	TimeoutPendingMinutes    int `yaml:"timeout_pending_minutes" env:"TRANSACTION_TIMEOUT_PENDING_MINUTES"`
	TimeoutProcessingMinutes int `yaml:"timeout_processing_minutes" env:"TRANSACTION_TIMEOUT_PROCESSING_MINUTES"`
	RetryMaxAttempts         int `yaml:"retry_max_attempts" env:"TRANSACTION_RETRY_MAX_ATTEMPTS"`
	MonitorIntervalMs        int `yaml:"monitor_interval_ms" env:"TRANSACTION_MONITOR_INTERVAL_MS"`
}

func (c TransactionConfig) ToThresholds() statemachine.Thresholds {
	return statemachine.Thresholds{
		PendingTimeout:    minutesToDuration(c.TimeoutPendingMinutes),
		ProcessingTimeout: minutesToDuration(c.TimeoutProcessingMinutes),
		MaxAttempts:       c.RetryMaxAttempts,
	}
}

type WebhookConfig struct {
	RetryMaxAttempts        int    `yaml:"retry_max_attempts" env:"WEBHOOK_RETRY_MAX_ATTEMPTS"`
	RetryBaseDelaySeconds   int    `yaml:"retry_base_delay_seconds" env:"WEBHOOK_RETRY_BASE_DELAY_SECONDS"`
	ConnectionTimeoutMs     int    `yaml:"connection_timeout_ms" env:"WEBHOOK_CONNECTION_TIMEOUT_MS"`
	SocketTimeoutMs         int    `yaml:"socket_timeout_ms" env:"WEBHOOK_SOCKET_TIMEOUT_MS"`
	MaxTotalConnections     int    `yaml:"max_total_connections" env:"WEBHOOK_MAX_TOTAL_CONNECTIONS"`
	MaxConnectionsPerRoute  int    `yaml:"max_connections_per_route" env:"WEBHOOK_MAX_CONNECTIONS_PER_ROUTE"`
	IdleEvictionSeconds     int    `yaml:"idle_eviction_seconds" env:"WEBHOOK_IDLE_EVICTION_SECONDS"`
	SignatureAlgorithm      string `yaml:"signature_algorithm" env:"WEBHOOK_SIGNATURE_ALGORITHM" validate:"required,oneof=HmacSHA256 HmacSHA512"`
	HangTimeoutMinutes      int    `yaml:"hang_timeout_minutes" env:"WEBHOOK_HANG_TIMEOUT_MINUTES"`
	MaxAgeHoursForArchival  int    `yaml:"max_age_hours_for_archival" env:"WEBHOOK_MAX_AGE_HOURS_FOR_ARCHIVAL"`
	// SecretEncryptionKey derives the AES-GCM key internal/signature.Cipher
	// uses to encrypt subscription secrets at rest; it must stay stable
	// across restarts or every stored secret becomes undecryptable.
	SecretEncryptionKey string `yaml:"secret_encryption_key" env:"WEBHOOK_SECRET_ENCRYPTION_KEY" validate:"required"`
}

func (c WebhookConfig) ToSchedulerOptions() scheduler.Options {
	return scheduler.Options{
		RetryBatchLimit: 200,
		HangTimeout:     time.Duration(c.HangTimeoutMinutes) * time.Minute,
		HangMaxRetries:  c.RetryMaxAttempts,
		HangRetryDelay:  time.Duration(c.RetryBaseDelaySeconds) * time.Second,
		ArchiveMaxAge:   time.Duration(c.MaxAgeHoursForArchival) * time.Hour,
	}
}

type AnomalyConfig struct {
	PendingThresholdMinutes    int `yaml:"pending_threshold_minutes" env:"ANOMALY_PENDING_THRESHOLD_MINUTES"`
	ProcessingThresholdMinutes int `yaml:"processing_threshold_minutes" env:"ANOMALY_PROCESSING_THRESHOLD_MINUTES"`
	RetryThreshold             int `yaml:"retry_threshold" env:"ANOMALY_RETRY_THRESHOLD"`
	StateChangeThreshold       int `yaml:"state_change_threshold" env:"ANOMALY_STATE_CHANGE_THRESHOLD"`
	AlertThreshold             int `yaml:"alert_threshold" env:"ANOMALY_ALERT_THRESHOLD" desc:"Minimum number of matched detectors before an anomaly is routed to the alert dispatcher."`
}

type IdempotencyConfig struct {
	CriticalFields      []string `yaml:"critical_fields" env:"IDEMPOTENCY_CRITICAL_FIELDS" envSeparator:","`
	IgnoredFields       []string `yaml:"ignored_fields" env:"IDEMPOTENCY_IGNORED_FIELDS" envSeparator:","`
	SimilarityThreshold int      `yaml:"similarity_threshold" env:"IDEMPOTENCY_SIMILARITY_THRESHOLD"`
}

func (c IdempotencyConfig) ToResolver() *idempotency.Resolver {
	return idempotency.NewResolver(c.CriticalFields, c.IgnoredFields, c.SimilarityThreshold)
}

type AlertConfig struct {
	Channel     string `yaml:"channel" env:"ALERT_CHANNEL" desc:"'http' or 'email'; selects the pluggable alert dispatch channel." validate:"required,oneof=http email"`
	CallbackURL string `yaml:"callback_url" env:"ALERT_CALLBACK_URL" desc:"HTTPS endpoint the alert dispatcher posts operator notifications to."`
	FromEmail   string `yaml:"from_email" env:"ALERT_FROM_EMAIL"`
	ToEmail     string `yaml:"to_email" env:"ALERT_TO_EMAIL"`
	SMTPAddr    string `yaml:"smtp_addr" env:"ALERT_SMTP_ADDR" desc:"host:port of the SMTP relay used by the email alert channel."`
}

// SchedulerConfig carries the cron expressions for the periodic
// maintenance tasks internal/scheduler runs.
type SchedulerConfig struct {
	DueRetriesCron   string `yaml:"due_retries_cron" env:"SCHEDULER_DUE_RETRIES_CRON" validate:"required"`
	HangSweepCron    string `yaml:"hang_sweep_cron" env:"SCHEDULER_HANG_SWEEP_CRON" validate:"required"`
	MonitorCron      string `yaml:"monitor_cron" env:"SCHEDULER_MONITOR_CRON" validate:"required"`
	ArchivalCron     string `yaml:"archival_cron" env:"SCHEDULER_ARCHIVAL_CRON" validate:"required"`
	WeeklyReportCron string `yaml:"weekly_report_cron" env:"SCHEDULER_WEEKLY_REPORT_CRON" validate:"required"`
}

func (c SchedulerConfig) ToSchedulerConfig() scheduler.Config {
	return scheduler.Config{
		DueRetriesCron:   c.DueRetriesCron,
		HangSweepCron:    c.HangSweepCron,
		MonitorCron:      c.MonitorCron,
		ArchivalCron:     c.ArchivalCron,
		WeeklyReportCron: c.WeeklyReportCron,
	}
}

func (c *Config) InitDefaults() {
	c.LogLevel = "info"
	c.Redis = RedisConfig{Host: "127.0.0.1", Port: 6379}
	c.EventBus = EventBusConfig{Driver: "rabbitmq", PartitionCount: 3}
	c.Transaction = TransactionConfig{
		TimeoutPendingMinutes:    5,
		TimeoutProcessingMinutes: 10,
		RetryMaxAttempts:         3,
		MonitorIntervalMs:        60000,
	}
	c.Webhook = WebhookConfig{
		RetryMaxAttempts:       5,
		RetryBaseDelaySeconds:  60,
		ConnectionTimeoutMs:    5000,
		SocketTimeoutMs:        10000,
		MaxTotalConnections:    100,
		MaxConnectionsPerRoute: 20,
		IdleEvictionSeconds:    60,
		SignatureAlgorithm:     "HmacSHA256",
		HangTimeoutMinutes:     30,
		MaxAgeHoursForArchival: 24,
	}
	c.Anomaly = AnomalyConfig{
		PendingThresholdMinutes:    30,
		ProcessingThresholdMinutes: 60,
		RetryThreshold:             5,
		StateChangeThreshold:       10,
		AlertThreshold:             2,
	}
	c.Idempotency = IdempotencyConfig{
		CriticalFields:       idempotency.DefaultCriticalFields,
		IgnoredFields:        idempotency.DefaultIgnoredFields,
		SimilarityThreshold:  idempotency.DefaultSimilarityThreshold,
	}
	c.Alert = AlertConfig{
		Channel:  "email",
		SMTPAddr: "localhost:25",
	}
	c.Scheduler = SchedulerConfig{
		DueRetriesCron:   "*/30 * * * * *",
		HangSweepCron:    "0 */5 * * * *",
		MonitorCron:      "0 * * * * *",
		ArchivalCron:     "0 0 3 * * *",
		WeeklyReportCron: "0 0 9 * * MON",
	}
}

func getConfigLocations() []string {
	return []string{
		".env",
		".txnhook.yaml",
		"config/txnhook.yaml",
		"/config/txnhook.yaml",
		"/config/txnhook/.env",
	}
}

func (c *Config) parseConfigFile(explicitPath string) error {
	configPath := explicitPath
	if configPath == "" {
		for _, loc := range getConfigLocations() {
			if _, err := osStat(loc); err == nil {
				configPath = loc
				break
			}
		}
	}
	if configPath == "" {
		return nil
	}

	data, err := osReadFile(configPath)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	c.configPath = configPath

	if strings.HasSuffix(strings.ToLower(configPath), ".env") {
		envMap, err := godotenv.Read(configPath)
		if err != nil {
			return fmt.Errorf("loading .env file: %w", err)
		}
		return env.ParseWithOptions(c, env.Options{Environment: envMap})
	}
	return yaml.Unmarshal(data, c)
}

// Load is the main entry point: defaults, then an optional config file,
// then environment variables (highest priority), then validation.
func Load(explicitConfigPath string) (*Config, error) {
	c := &Config{}
	c.InitDefaults()

	if err := c.parseConfigFile(explicitConfigPath); err != nil {
		return nil, err
	}
	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) ConfigFilePath() string {
	return c.configPath
}
