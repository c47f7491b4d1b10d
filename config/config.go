package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"clover-api"`
	Environment                   string   `env:"ENVIRONMENT" env-default:"production"`
	Port                          int      `env:"PORT" env-default:"3000"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"30"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PUT,DELETE"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// Database driver
	DatabaseDriver string `env:"DB_DRIVER" env-default:"postgres"`
	// Database host
	DatabaseHost string `env:"DB_HOST" env-default:""`
	// Database port
	DatabasePort string `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:""`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"clover"`
	// Database SSL mode
	DatabaseSSLMode string `env:"DB_SSL_MODE" env-default:"disable"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	// Migration Folder Path
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	// Database Migration Version
	DatabaseMigrationVersion int `env:"DB_MIGRATION_VERSION" env-default:"0"`
	// Database Migration Force
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" env-default:"0"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Auth Issuer URL
	AuthIssuerURL string `env:"AUTH_ISSUER_URL" env-default:""`
	// Auth Client ID
	AuthClientID string `env:"AUTH_CLIENT_ID" env-default:""`
	// Auth Enabled - when false, X-Tenant-ID and X-User-ID headers are trusted
	AuthEnabled bool `env:"AUTH_ENABLED" env-default:"false"`

	// Redis host
	RedisHost string `env:"REDIS_HOST" env-default:"localhost"`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis database number
	RedisDB int `env:"REDIS_DB" env-default:"0"`

	// Kafka brokers (comma-separated). Empty disables connector event publishing.
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:""`
	// Kafka topic for connector lifecycle events
	KafkaConnectorEventsTopic string `env:"KAFKA_CONNECTOR_EVENTS_TOPIC" env-default:"connector-events"`

	// Secret used to derive the credential encryption key
	EncryptionSecret string `env:"ENCRYPTION_SECRET" env-default:""`
	// Secret used to sign OAuth state tokens. Falls back to ENCRYPTION_SECRET.
	OAuthStateSecret string `env:"OAUTH_STATE_SECRET" env-default:""`
	// Lifetime of a pending OAuth authorization
	OAuthSessionTTL time.Duration `env:"OAUTH_SESSION_TTL" env-default:"10m"`
	// Public base URL of this service, used for callbacks and returnTo checks
	AppBaseURL string `env:"APP_BASE_URL" env-default:"http://localhost:3000"`
	// Skip the provider round trip. Only honored when ENVIRONMENT=development.
	OAuthDevBypass bool `env:"OAUTH_DEV_BYPASS" env-default:"false"`
	// Kintone client registration used when a connector has none stored
	KintoneClientID     string `env:"KINTONE_CLIENT_ID" env-default:""`
	KintoneClientSecret string `env:"KINTONE_CLIENT_SECRET" env-default:""`
	// Kintone API timeout
	KintoneTimeout time.Duration `env:"KINTONE_TIMEOUT" env-default:"30s"`

	// Bearer secret for the cron trigger endpoint
	CronSecret string `env:"CRON_SECRET" env-default:""`
	// Enable the in-process sync schedule
	SchedulerEnabled bool `env:"SCHEDULER_ENABLED" env-default:"false"`
	// Cron expression for the in-process sync schedule
	SchedulerCron string `env:"SCHEDULER_CRON" env-default:"@every 15m"`
	// Upper bound for one full sync run (also the run lock TTL)
	SchedulerRunTimeout time.Duration `env:"SCHEDULER_RUN_TIMEOUT" env-default:"30m"`

	// Enable OTLP tracing export
	OTLPEnabled bool `env:"OTLP_ENABLED" env-default:"false"`
	// OTLP collector endpoint
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP protocol (grpc or http)
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	// Disable TLS for OTLP (for local development)
	OTLPInsecure bool `env:"OTLP_INSECURE" env-default:"true"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.EncryptionSecret == "" {
		return errors.New("ENCRYPTION_SECRET is required")
	}
	if c.OAuthSessionTTL <= 0 || c.OAuthSessionTTL > 10*time.Minute {
		return fmt.Errorf("OAUTH_SESSION_TTL must be between 0 and 10m, got %s", c.OAuthSessionTTL)
	}
	return nil
}

// IsDevelopment reports whether the service runs in the development environment.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// DevBypassEnabled requires both the flag and the development environment.
func (c *Config) DevBypassEnabled() bool {
	return c.OAuthDevBypass && c.IsDevelopment()
}

// StateSecret returns the key used to sign OAuth state.
func (c *Config) StateSecret() string {
	if c.OAuthStateSecret != "" {
		return c.OAuthStateSecret
	}
	return c.EncryptionSecret
}

func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DatabaseHost, c.DatabasePort, c.DatabaseUserName, c.DatabasePassword, c.DatabaseName, c.DatabaseSSLMode)
}
