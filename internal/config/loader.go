package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig is the optional configuration file structure. File values sit
// under environment variables: a key set in the environment always wins.
type TOMLConfig struct {
	HTTP      TOMLHTTPConfig      `toml:"http"`
	MongoDB   TOMLMongoDBConfig   `toml:"mongodb"`
	Queue     TOMLQueueConfig     `toml:"queue"`
	Standby   TOMLStandbyConfig   `toml:"standby"`
	Router    TOMLRouterConfig    `toml:"router"`
	Scheduler TOMLSchedulerConfig `toml:"scheduler"`
	DataDir   string              `toml:"data_dir"`
	DevMode   bool                `toml:"dev_mode"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TOMLMongoDBConfig represents MongoDB configuration in TOML
type TOMLMongoDBConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// TOMLQueueConfig represents broker configuration in TOML
type TOMLQueueConfig struct {
	Type     string             `toml:"type"`
	SQS      TOMLSQSConfig      `toml:"sqs"`
	NATS     TOMLNATSConfig     `toml:"nats"`
	ActiveMQ TOMLActiveMQConfig `toml:"activemq"`
	Embedded TOMLEmbeddedConfig `toml:"embedded"`
}

// TOMLSQSConfig represents SQS configuration in TOML
type TOMLSQSConfig struct {
	QueueURL          string `toml:"queue_url"`
	Region            string `toml:"region"`
	Endpoint          string `toml:"endpoint"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
}

// TOMLNATSConfig represents NATS configuration in TOML
type TOMLNATSConfig struct {
	URL     string `toml:"url"`
	DataDir string `toml:"data_dir"`
}

// TOMLActiveMQConfig represents ActiveMQ configuration in TOML
type TOMLActiveMQConfig struct {
	BrokerURL   string `toml:"broker_url"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	Destination string `toml:"destination"`
}

// TOMLEmbeddedConfig represents the embedded queue configuration in TOML
type TOMLEmbeddedConfig struct {
	DBPath string `toml:"db_path"`
}

// TOMLStandbyConfig represents standby configuration in TOML
type TOMLStandbyConfig struct {
	Enabled        bool   `toml:"enabled"`
	RedisURL       string `toml:"redis_url"`
	LockKey        string `toml:"lock_key"`
	LockTTLSeconds int    `toml:"lock_ttl_seconds"`
	InstanceID     string `toml:"instance_id"`
}

// TOMLRouterConfig represents router configuration in TOML
type TOMLRouterConfig struct {
	MaxPools                int    `toml:"max_pools"`
	DefaultNackDelaySeconds int    `toml:"default_nack_delay_seconds"`
	DefaultPoolCode         string `toml:"default_pool_code"`
}

// TOMLSchedulerConfig represents scheduler configuration in TOML
type TOMLSchedulerConfig struct {
	Enabled            bool   `toml:"enabled"`
	PollIntervalMs     int    `toml:"poll_interval_ms"`
	BatchSize          int    `toml:"batch_size"`
	ProcessingEndpoint string `toml:"processing_endpoint"`
}

// LoadWithFile loads configuration, overlaying values from the TOML file at
// path (if it exists) underneath environment variables. A missing file is
// not an error; a malformed one is.
func LoadWithFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var fileCfg TOMLConfig
	if err := toml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	applyFile(cfg, &fileCfg)
	return cfg, nil
}

// applyFile copies file values into cfg for every key whose environment
// variable is not set.
func applyFile(cfg *Config, f *TOMLConfig) {
	setInt(&cfg.HTTP.Port, f.HTTP.Port, "HTTP_PORT")
	if len(f.HTTP.CORSOrigins) > 0 && !envSet("CORS_ORIGINS") {
		cfg.HTTP.CORSOrigins = f.HTTP.CORSOrigins
	}

	setString(&cfg.MongoDB.URI, f.MongoDB.URI, "MONGODB_URI")
	setString(&cfg.MongoDB.Database, f.MongoDB.Database, "MONGODB_DATABASE")

	setString(&cfg.Queue.Type, f.Queue.Type, "QUEUE_TYPE")
	setString(&cfg.Queue.SQS.QueueURL, f.Queue.SQS.QueueURL, "SQS_QUEUE_URL")
	setString(&cfg.Queue.SQS.Region, f.Queue.SQS.Region, "SQS_REGION")
	setString(&cfg.Queue.SQS.Endpoint, f.Queue.SQS.Endpoint, "SQS_ENDPOINT")
	setInt(&cfg.Queue.SQS.WaitTimeSeconds, f.Queue.SQS.WaitTimeSeconds, "SQS_WAIT_TIME_SECONDS")
	setInt(&cfg.Queue.SQS.VisibilityTimeout, f.Queue.SQS.VisibilityTimeout, "SQS_VISIBILITY_TIMEOUT")
	setString(&cfg.Queue.NATS.URL, f.Queue.NATS.URL, "NATS_URL")
	setString(&cfg.Queue.NATS.DataDir, f.Queue.NATS.DataDir, "NATS_DATA_DIR")
	setString(&cfg.Queue.ActiveMQ.BrokerURL, f.Queue.ActiveMQ.BrokerURL, "ACTIVEMQ_BROKER_URL")
	setString(&cfg.Queue.ActiveMQ.Username, f.Queue.ActiveMQ.Username, "ACTIVEMQ_USERNAME")
	setString(&cfg.Queue.ActiveMQ.Password, f.Queue.ActiveMQ.Password, "ACTIVEMQ_PASSWORD")
	setString(&cfg.Queue.ActiveMQ.Destination, f.Queue.ActiveMQ.Destination, "ACTIVEMQ_DESTINATION")
	setString(&cfg.Queue.Embedded.DBPath, f.Queue.Embedded.DBPath, "EMBEDDED_DB_PATH")

	if f.Standby.Enabled && !envSet("STANDBY_ENABLED") {
		cfg.Standby.Enabled = true
	}
	setString(&cfg.Standby.RedisURL, f.Standby.RedisURL, "REDIS_URL")
	setString(&cfg.Standby.LockKey, f.Standby.LockKey, "LOCK_KEY")
	setInt(&cfg.Standby.LockTTLSeconds, f.Standby.LockTTLSeconds, "LOCK_TTL_SECONDS")
	setString(&cfg.Standby.InstanceID, f.Standby.InstanceID, "INSTANCE_ID")

	setInt(&cfg.Router.MaxPools, f.Router.MaxPools, "MAX_POOLS")
	setInt(&cfg.Router.DefaultNackDelaySeconds, f.Router.DefaultNackDelaySeconds, "DEFAULT_NACK_DELAY_SECONDS")
	setString(&cfg.Router.DefaultPoolCode, f.Router.DefaultPoolCode, "DEFAULT_POOL_CODE")

	if f.Scheduler.PollIntervalMs > 0 && !envSet("SCHEDULER_POLL_INTERVAL") {
		cfg.Scheduler.PollInterval = time.Duration(f.Scheduler.PollIntervalMs) * time.Millisecond
	}
	setInt(&cfg.Scheduler.BatchSize, f.Scheduler.BatchSize, "SCHEDULER_BATCH_SIZE")
	setString(&cfg.Scheduler.ProcessingEndpoint, f.Scheduler.ProcessingEndpoint, "SCHEDULER_PROCESSING_ENDPOINT")

	if f.DataDir != "" && !envSet("DATA_DIR") {
		cfg.DataDir = f.DataDir
	}
	if f.DevMode && !envSet("FLOWCATALYST_DEV") {
		cfg.DevMode = true
	}
}

func envSet(key string) bool {
	_, ok := os.LookupEnv(key)
	return ok
}

func setString(dst *string, fileValue, envKey string) {
	if fileValue != "" && !envSet(envKey) {
		*dst = fileValue
	}
}

func setInt(dst *int, fileValue int, envKey string) {
	if fileValue != 0 && !envSet(envKey) {
		*dst = fileValue
	}
}
