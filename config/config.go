package config

import (
	"time"
)

type AppConfig struct {
	APIPort     string `env:"PORT" envDefault:"12222"`
	APIKey      string `env:"API_KEY,required"`
	RabbitMQURL string `env:"RABBITMQ_URL"`
}

type DatabaseConfig struct {
	Host            string `env:"MAILBRIDGE_POSTGRES_HOST,required"`
	Port            string `env:"MAILBRIDGE_POSTGRES_PORT,required"`
	User            string `env:"MAILBRIDGE_POSTGRES_USER,required"`
	DBName          string `env:"MAILBRIDGE_POSTGRES_DB_NAME,required"`
	Password        string `env:"MAILBRIDGE_POSTGRES_PASSWORD,required"`
	MaxConn         int    `env:"MAILBRIDGE_POSTGRES_DB_MAX_CONN" envDefault:"50"`
	MaxIdleConn     int    `env:"MAILBRIDGE_POSTGRES_DB_MAX_IDLE_CONN" envDefault:"10"`
	ConnMaxLifetime int    `env:"MAILBRIDGE_POSTGRES_DB_CONN_MAX_LIFETIME" envDefault:"60"`
	LogLevel        string `env:"MAILBRIDGE_POSTGRES_LOG_LEVEL" envDefault:"WARN"`
	SSLMode         string `env:"MAILBRIDGE_POSTGRES_SSL_MODE" envDefault:"disable"`
}

type PoolConfig struct {
	MaxConnectionsPerAccount int           `env:"POOL_MAX_CONNECTIONS_PER_ACCOUNT" envDefault:"2"`
	MaxIdle                  time.Duration `env:"POOL_MAX_IDLE" envDefault:"270s"`
	MaxLifetime              time.Duration `env:"POOL_MAX_LIFETIME" envDefault:"1h"`
	AcquireTimeout           time.Duration `env:"POOL_ACQUIRE_TIMEOUT" envDefault:"30s"`
	DialTimeout              time.Duration `env:"POOL_DIAL_TIMEOUT" envDefault:"30s"`
	NoopCheckBeforeUse       bool          `env:"POOL_NOOP_CHECK_BEFORE_USE" envDefault:"true"`
}

type WorkerConfig struct {
	PollInterval   time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"5s"`
	BatchSize      int           `env:"WORKER_BATCH_SIZE" envDefault:"10"`
	MaxRetries     int           `env:"WORKER_MAX_RETRIES" envDefault:"3"`
	BaseRetryDelay time.Duration `env:"WORKER_BASE_RETRY_DELAY" envDefault:"30s"`
	MaxRetryDelay  time.Duration `env:"WORKER_MAX_RETRY_DELAY" envDefault:"600s"`
	AcquireTimeout time.Duration `env:"WORKER_ACQUIRE_TIMEOUT" envDefault:"30s"`
	ShutdownGrace  time.Duration `env:"WORKER_SHUTDOWN_GRACE" envDefault:"30s"`
}

type DiscoveryConfig struct {
	OverallTimeout    time.Duration `env:"DISCOVERY_OVERALL_TIMEOUT" envDefault:"15s"`
	ProbeTimeout      time.Duration `env:"DISCOVERY_PROBE_TIMEOUT" envDefault:"3s"`
	AutoconfigTimeout time.Duration `env:"DISCOVERY_AUTOCONFIG_TIMEOUT" envDefault:"5s"`
}
