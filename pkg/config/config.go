package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "FARMMARKET"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv     = "FARMMARKET_APP_ENV"
	EnvPort       = "FARMMARKET_APP_PORT"
	EnvDBDSN      = "FARMMARKET_DB_DSN"
	EnvDBDriver   = "FARMMARKET_DB_DRIVER"
	EnvDBHost     = "FARMMARKET_DB_HOST"
	EnvDBUser     = "FARMMARKET_DB_USER"
	EnvDBName     = "FARMMARKET_DB_NAME"
	EnvRedisURL   = "FARMMARKET_REDIS_URL"
	EnvJWTSecret  = "FARMMARKET_JWT_SECRET"
	EnvJWTIssuer  = "FARMMARKET_JWT_ISSUER"
	EnvJWTExpMins = "FARMMARKET_JWT_EXPIRATION_MINUTES"

	EnvGCPProjectID        = "FARMMARKET_GCP_PROJECT_ID"
	EnvPubSubOrdersTopic   = "FARMMARKET_PUBSUB_ORDERS_TOPIC"
	EnvPubSubOrdersSub     = "FARMMARKET_PUBSUB_ORDERS_SUBSCRIPTION"
	EnvFanoutMaxAttempts   = "FARMMARKET_FANOUT_MAX_ATTEMPTS"
	EnvLookupTimeout       = "FARMMARKET_LOOKUP_TIMEOUT"
	EnvCartLockWait        = "FARMMARKET_CART_LOCK_WAIT"
	EnvOutboxMaxAttempts   = "FARMMARKET_OUTBOX_MAX_ATTEMPTS"
	EnvFeatureAutoMigrate  = "FARMMARKET_AUTO_MIGRATE"
	EnvEventingIdempotency = "FARMMARKET_EVENTING_IDEMPOTENCY_TTL"
	EnvCORSAllowedOrigins  = "FARMMARKET_CORS_ALLOWED_ORIGINS"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Eventing     EventingConfig
	Outbox       OutboxConfig
	Fanout       FanoutConfig
	Lookup       LookupConfig
	Cart         CartConfig
	CORS         CORSConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"FARMMARKET_APP_ENV" required:"true"`
	Port         string `envconfig:"FARMMARKET_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"FARMMARKET_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"FARMMARKET_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"FARMMARKET_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"FARMMARKET_DB_DSN"`
	Driver string `envconfig:"FARMMARKET_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"FARMMARKET_DB_HOST"`
	LegacyPort     int    `envconfig:"FARMMARKET_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"FARMMARKET_DB_USER"`
	LegacyPassword string `envconfig:"FARMMARKET_DB_PASSWORD"`
	LegacyName     string `envconfig:"FARMMARKET_DB_NAME"`
	LegacySSLMode  string `envconfig:"FARMMARKET_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"FARMMARKET_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"FARMMARKET_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"FARMMARKET_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"FARMMARKET_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// UsesSQLite reports whether the local sqlite driver was requested.
func (db DBConfig) UsesSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DBDriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"FARMMARKET_REDIS_URL" required:"true"`
	Address      string        `envconfig:"FARMMARKET_REDIS_ADDR"`
	Password     string        `envconfig:"FARMMARKET_REDIS_PASSWORD"`
	DB           int           `envconfig:"FARMMARKET_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"FARMMARKET_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"FARMMARKET_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"FARMMARKET_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"FARMMARKET_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"FARMMARKET_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"FARMMARKET_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"FARMMARKET_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"FARMMARKET_JWT_EXPIRATION_MINUTES" required:"true"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"FARMMARKET_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID       string `envconfig:"FARMMARKET_GCP_PROJECT_ID"`
	CredentialsJSON string `envconfig:"FARMMARKET_GCP_CREDENTIALS_JSON"`
}

type PubSubConfig struct {
	OrdersTopic        string `envconfig:"FARMMARKET_PUBSUB_ORDERS_TOPIC" default:"fm-order-events"`
	OrdersSubscription string `envconfig:"FARMMARKET_PUBSUB_ORDERS_SUBSCRIPTION" default:"fm-order-events-fanout"`
}

type EventingConfig struct {
	ConsumerIdempotencyTTL time.Duration `envconfig:"FARMMARKET_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"FARMMARKET_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"FARMMARKET_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"FARMMARKET_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"FARMMARKET_OUTBOX_RETENTION_DAYS" default:"30"`
}

// FanoutConfig bounds the post-commit indexing retries and the recovery sweep.
type FanoutConfig struct {
	MaxAttempts    int           `envconfig:"FARMMARKET_FANOUT_MAX_ATTEMPTS" default:"4"`
	BaseBackoff    time.Duration `envconfig:"FARMMARKET_FANOUT_BASE_BACKOFF" default:"50ms"`
	MaxBackoff     time.Duration `envconfig:"FARMMARKET_FANOUT_MAX_BACKOFF" default:"1s"`
	SweepInterval  time.Duration `envconfig:"FARMMARKET_FANOUT_SWEEP_INTERVAL" default:"5m"`
	SweepGrace     time.Duration `envconfig:"FARMMARKET_FANOUT_SWEEP_GRACE" default:"2m"`
	SweepBatchSize int           `envconfig:"FARMMARKET_FANOUT_SWEEP_BATCH" default:"100"`
}

// LookupConfig applies to catalog and identity lookups.
type LookupConfig struct {
	Timeout          time.Duration `envconfig:"FARMMARKET_LOOKUP_TIMEOUT" default:"2s"`
	BreakerFailures  uint32        `envconfig:"FARMMARKET_LOOKUP_BREAKER_FAILURES" default:"5"`
	BreakerCooldown  time.Duration `envconfig:"FARMMARKET_LOOKUP_BREAKER_COOLDOWN" default:"30s"`
	BreakerHalfOpenN uint32        `envconfig:"FARMMARKET_LOOKUP_BREAKER_HALF_OPEN" default:"1"`
}

type CartConfig struct {
	LockTTL  time.Duration `envconfig:"FARMMARKET_CART_LOCK_TTL" default:"10s"`
	LockWait time.Duration `envconfig:"FARMMARKET_CART_LOCK_WAIT" default:"3s"`
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `envconfig:"FARMMARKET_CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
	MaxAgeSeconds  int      `envconfig:"FARMMARKET_CORS_MAX_AGE" default:"300"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.UsesSQLite() {
		return fmt.Errorf("%s is required when %s=%s", EnvDBDSN, EnvDBDriver, DBDriverSQLite)
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
