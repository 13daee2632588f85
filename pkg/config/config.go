package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App     AppConfig
	Service ServiceConfig
	DB      DBConfig
	Redis   RedisConfig
	Sweeper SweeperConfig
	Events  EventsConfig
	GCP     GCPConfig
	PubSub  PubSubConfig
	Metrics MetricsConfig

	FeatureFlags FeatureFlagsConfig
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
	Env          string `envconfig:"PLATESAVER_APP_ENV" required:"true"`
	LogLevel     string `envconfig:"PLATESAVER_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PLATESAVER_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"PLATESAVER_SERVICE_KIND" default:"sweep-worker"`
}

type DBConfig struct {
	DSN    string `envconfig:"PLATESAVER_DB_DSN"`
	Driver string `envconfig:"PLATESAVER_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"PLATESAVER_DB_HOST"`
	LegacyPort     int    `envconfig:"PLATESAVER_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"PLATESAVER_DB_USER"`
	LegacyPassword string `envconfig:"PLATESAVER_DB_PASSWORD"`
	LegacyName     string `envconfig:"PLATESAVER_DB_NAME"`
	LegacySSLMode  string `envconfig:"PLATESAVER_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"PLATESAVER_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PLATESAVER_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PLATESAVER_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PLATESAVER_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"PLATESAVER_REDIS_URL" required:"true"`
	Address      string        `envconfig:"PLATESAVER_REDIS_ADDR"`
	Password     string        `envconfig:"PLATESAVER_REDIS_PASSWORD"`
	DB           int           `envconfig:"PLATESAVER_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PLATESAVER_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PLATESAVER_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PLATESAVER_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PLATESAVER_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PLATESAVER_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// SweeperConfig carries the only two business tunables of the engine.
type SweeperConfig struct {
	Interval        time.Duration `envconfig:"PLATESAVER_SWEEP_INTERVAL" default:"10m"`
	NoShowThreshold time.Duration `envconfig:"PLATESAVER_NOSHOW_THRESHOLD" default:"120m"`
}

type EventsConfig struct {
	QueueSize      int           `envconfig:"PLATESAVER_EVENTS_QUEUE_SIZE" default:"256"`
	PublishTimeout time.Duration `envconfig:"PLATESAVER_EVENTS_PUBLISH_TIMEOUT" default:"15s"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"PLATESAVER_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"PLATESAVER_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"PLATESAVER_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	OrderEventsTopic string `envconfig:"PLATESAVER_PUBSUB_ORDER_EVENTS_TOPIC" default:"ps-order-events"`
}

type MetricsConfig struct {
	Port string `envconfig:"PLATESAVER_METRICS_PORT" default:"9090"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"PLATESAVER_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
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
