package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the message router and dispatch
// scheduler. Values come from environment variables, optionally layered over
// a TOML file (see loader.go); env vars win.
type Config struct {
	// HTTP server configuration (monitoring/health surface)
	HTTP HTTPConfig

	// MongoDB configuration (dispatch job + pool config store)
	MongoDB MongoDBConfig

	// Queue (broker) configuration
	Queue QueueConfig

	// Standby (hot-standby leader election) configuration
	Standby StandbyConfig

	// Router configuration
	Router RouterConfig

	// Scheduler configuration
	Scheduler SchedulerConfig

	// Health/warning thresholds
	Health HealthConfig

	// Data directory for embedded services
	DataDir string

	// Development mode
	DevMode bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI      string
	Database string
}

// QueueConfig holds broker configuration
type QueueConfig struct {
	// Type selects the broker: "sqs", "activemq", "nats", "embedded"
	Type string

	SQS      SQSConfig
	NATS     NATSConfig
	ActiveMQ ActiveMQConfig
	Embedded EmbeddedConfig
}

// SQSConfig holds AWS SQS configuration
type SQSConfig struct {
	QueueURL          string
	Region            string
	Endpoint          string // custom endpoint for LocalStack/testing
	AccessKeyID       string
	SecretAccessKey   string
	WaitTimeSeconds   int
	VisibilityTimeout int
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL     string
	DataDir string
}

// ActiveMQConfig holds ActiveMQ (STOMP) configuration
type ActiveMQConfig struct {
	BrokerURL   string
	Username    string
	Password    string
	Destination string
}

// EmbeddedConfig holds the SQLite-backed embedded queue configuration
type EmbeddedConfig struct {
	DBPath string
}

// StandbyConfig holds hot-standby leader election configuration
type StandbyConfig struct {
	Enabled        bool
	RedisURL       string
	LockKey        string
	LockTTLSeconds int
	InstanceID     string
}

// RouterConfig holds message router configuration
type RouterConfig struct {
	MaxPools                int
	DefaultNackDelaySeconds int
	DefaultPoolCode         string
	MediatorTimeout         time.Duration
}

// SchedulerConfig holds dispatch scheduler configuration
type SchedulerConfig struct {
	Enabled                 bool
	PollInterval            time.Duration
	BatchSize               int
	MaxConcurrentDispatches int
	StaleThreshold          time.Duration
	StaleCheckInterval      time.Duration
	BlockWarningThreshold   time.Duration
	ProcessingEndpoint      string
}

// HealthConfig holds health probe and warning thresholds
type HealthConfig struct {
	ProbeInterval            time.Duration
	BacklogCriticalThreshold int64
	WarningCoalesceWindow    time.Duration
	WarningRetentionHours    int
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:4200"}),
		},

		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"),
			Database: getEnv("MONGODB_DATABASE", "flowcatalyst"),
		},

		Queue: QueueConfig{
			Type: getEnv("QUEUE_TYPE", "embedded"),
			SQS: SQSConfig{
				QueueURL:          getEnv("SQS_QUEUE_URL", ""),
				Region:            getEnv("SQS_REGION", getEnv("AWS_REGION", "us-east-1")),
				Endpoint:          getEnv("SQS_ENDPOINT", ""),
				AccessKeyID:       getEnv("SQS_ACCESS_KEY_ID", ""),
				SecretAccessKey:   getEnv("SQS_SECRET_ACCESS_KEY", ""),
				WaitTimeSeconds:   getEnvInt("SQS_WAIT_TIME_SECONDS", 20),
				VisibilityTimeout: getEnvInt("SQS_VISIBILITY_TIMEOUT", 120),
			},
			NATS: NATSConfig{
				URL:     getEnv("NATS_URL", "nats://localhost:4222"),
				DataDir: getEnv("NATS_DATA_DIR", "./data/nats"),
			},
			ActiveMQ: ActiveMQConfig{
				BrokerURL:   getEnv("ACTIVEMQ_BROKER_URL", "localhost:61613"),
				Username:    getEnv("ACTIVEMQ_USERNAME", ""),
				Password:    getEnv("ACTIVEMQ_PASSWORD", ""),
				Destination: getEnv("ACTIVEMQ_DESTINATION", "/queue/dispatch"),
			},
			Embedded: EmbeddedConfig{
				DBPath: getEnv("EMBEDDED_DB_PATH", "./data/queue.db"),
			},
		},

		Standby: StandbyConfig{
			Enabled:        getEnvBool("STANDBY_ENABLED", false),
			RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379"),
			LockKey:        getEnv("LOCK_KEY", "flowcatalyst:router:leader"),
			LockTTLSeconds: getEnvInt("LOCK_TTL_SECONDS", 30),
			InstanceID:     getEnv("INSTANCE_ID", getEnv("HOSTNAME", "")),
		},

		Router: RouterConfig{
			MaxPools:                getEnvInt("MAX_POOLS", 2000),
			DefaultNackDelaySeconds: getEnvInt("DEFAULT_NACK_DELAY_SECONDS", 30),
			DefaultPoolCode:         getEnv("DEFAULT_POOL_CODE", "DEFAULT-POOL"),
			MediatorTimeout:         getEnvDuration("MEDIATOR_TIMEOUT", 30*time.Second),
		},

		Scheduler: SchedulerConfig{
			Enabled:                 getEnvBool("SCHEDULER_ENABLED", true),
			PollInterval:            getEnvDuration("SCHEDULER_POLL_INTERVAL", 5*time.Second),
			BatchSize:               getEnvInt("SCHEDULER_BATCH_SIZE", 100),
			MaxConcurrentDispatches: getEnvInt("SCHEDULER_MAX_CONCURRENT_DISPATCHES", 10),
			StaleThreshold:          getEnvDuration("SCHEDULER_STALE_THRESHOLD", 15*time.Minute),
			StaleCheckInterval:      getEnvDuration("SCHEDULER_STALE_CHECK_INTERVAL", time.Minute),
			BlockWarningThreshold:   getEnvDuration("SCHEDULER_BLOCK_WARNING_THRESHOLD", 5*time.Minute),
			ProcessingEndpoint:      getEnv("SCHEDULER_PROCESSING_ENDPOINT", "http://localhost:8080/api/dispatch/process"),
		},

		Health: HealthConfig{
			ProbeInterval:            getEnvDuration("HEALTH_PROBE_INTERVAL", 30*time.Second),
			BacklogCriticalThreshold: int64(getEnvInt("BACKLOG_CRITICAL_THRESHOLD", 10_000)),
			WarningCoalesceWindow:    getEnvDuration("WARNING_COALESCE_WINDOW", time.Minute),
			WarningRetentionHours:    getEnvInt("WARNING_RETENTION_HOURS", 72),
		},

		DataDir: getEnv("DATA_DIR", "./data"),
		DevMode: getEnvBool("FLOWCATALYST_DEV", false),
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// Bare integers are treated as seconds, for the *_SECONDS-style keys.
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
