package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"fern"`
	Port                          int      `env:"PORT" env-default:"3000"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,DELETE"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	DatabaseDriver   string `env:"DB_DRIVER" env-default:"postgres"`
	DatabaseHost     string `env:"DB_HOST" env-default:"localhost"`
	DatabasePort     string `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName string `env:"DB_USER_NAME" env-default:""`
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	DatabaseName     string `env:"DB_NAME" env-default:"fern"`
	DatabaseSSLMode  string `env:"DB_SSL_MODE" env-default:"disable"`
	// Reconnect Retry Count
	DatabaseReconnectRetryCount int           `env:"DB_RECONNECT_RETRY_COUNT" env-default:"3"`
	DatabaseMaxOpenConns        int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns        int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime     time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`

	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/migrations"`
	// 0 migrates to the latest version
	DatabaseMigrationVersion      int  `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int  `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	RedisHost     string `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`
	RedisPoolSize int    `env:"REDIS_POOL_SIZE" env-default:"10"`

	// Job queue stream name
	RedisStreamsJobQueue      string `env:"REDIS_STREAMS_JOB_QUEUE" env-default:"fern:jobs"`
	RedisStreamsConsumerGroup string `env:"REDIS_STREAMS_CONSUMER_GROUP" env-default:"fern-engine"`
	// Consumer name (defaults to hostname if empty)
	RedisStreamsConsumerName string `env:"REDIS_STREAMS_CONSUMER_NAME" env-default:""`
	RedisStreamsWorkerCount  int    `env:"REDIS_STREAMS_WORKER_COUNT" env-default:"4"`
	RedisStreamsMaxRetries   int    `env:"REDIS_STREAMS_MAX_RETRIES" env-default:"3"`
	RedisDLQStream           string `env:"REDIS_DLQ_STREAM" env-default:"fern:dlq"`

	// Kafka brokers (comma-separated)
	KafkaBrokers          string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaTaskTopic        string `env:"KAFKA_TASK_TOPIC" env-default:"fern.tasks"`
	KafkaInterruptTopic   string `env:"KAFKA_INTERRUPT_TOPIC" env-default:"fern.interrupts"`
	KafkaTaskAbortTopic   string `env:"KAFKA_TASK_ABORT_TOPIC" env-default:"fern.task-aborts"`
	KafkaLifecycleTopic   string `env:"KAFKA_LIFECYCLE_TOPIC" env-default:"fern.lifecycle"`
	KafkaResponseTopic    string `env:"KAFKA_RESPONSE_TOPIC" env-default:"fern.responses"`
	KafkaConsumerGroup    string `env:"KAFKA_CONSUMER_GROUP" env-default:"fern-engine"`
	KafkaLifecycleEnabled bool   `env:"KAFKA_LIFECYCLE_ENABLED" env-default:"true"`

	NotifierEnabled           bool          `env:"NOTIFIER_ENABLED" env-default:"true"`
	NotifierPollInterval      time.Duration `env:"NOTIFIER_POLL_INTERVAL" env-default:"10s"`
	NotifierPageSize          int           `env:"NOTIFIER_PAGE_SIZE" env-default:"500"`
	NotifierMaxPages          int           `env:"NOTIFIER_MAX_PAGES" env-default:"20"`
	NotifierConcurrency       int           `env:"NOTIFIER_CONCURRENCY" env-default:"8"`
	NotifierLockTTL           time.Duration `env:"NOTIFIER_LOCK_TTL" env-default:"60s"`
	NotifierResponseRetention time.Duration `env:"NOTIFIER_RESPONSE_RETENTION" env-default:"24h"`
	NotifierClaimLease        time.Duration `env:"NOTIFIER_CLAIM_LEASE" env-default:"5m"`

	// Timeout applied to a task node that does not declare one
	EngineDefaultTaskTimeout time.Duration `env:"ENGINE_DEFAULT_TASK_TIMEOUT" env-default:"10m"`
	// How long an abort waits for a remote worker to acknowledge
	EngineAbortAckTimeout time.Duration `env:"ENGINE_ABORT_ACK_TIMEOUT" env-default:"1m"`
	// Shell used by local task workers
	EngineLocalShell string `env:"ENGINE_LOCAL_SHELL" env-default:"/bin/sh"`

	// Enable OTLP tracing export (set to true to send traces to collector)
	OTLPEnabled bool `env:"OTLP_ENABLED" env-default:"false"`
	// OTLP collector endpoint
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP protocol (grpc or http)
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	// Disable TLS for OTLP (for local development)
	OTLPInsecure bool `env:"OTLP_INSECURE" env-default:"true"`
	// Extra exporter headers as k1=v1,k2=v2
	OTLPHeaders string `env:"OTLP_HEADERS" env-default:""`
}

// Load reads an optional .env file and then the process environment
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
