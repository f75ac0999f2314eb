package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "STOREFRONT"

// ErrBackendMissing is returned by BackendConfig.Parse when no backend blob
// was supplied at all.
var ErrBackendMissing = errors.New("backend configuration is not set")

type Config struct {
	App     AppConfig
	HTTP    HTTPConfig
	Backend BackendConfig
	Auth    AuthConfig
	Store   StoreConfig
	Kafka   KafkaConfig
	Redis   RedisConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

type AppConfig struct {
	ID          string `envconfig:"STOREFRONT_APP_ID" default:"default-app-id"`
	ServiceName string `envconfig:"STOREFRONT_SERVICE_NAME" default:"storefront-api"`
	LogLevel    string `envconfig:"STOREFRONT_LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"STOREFRONT_LOG_FORMAT" default:"json"`
	NoticeLimit int    `envconfig:"STOREFRONT_NOTICE_LIMIT" default:"20"`
}

type HTTPConfig struct {
	Addr            string        `envconfig:"STOREFRONT_HTTP_ADDR" default:":8081"`
	RequestTimeout  time.Duration `envconfig:"STOREFRONT_HTTP_REQUEST_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"STOREFRONT_HTTP_SHUTDOWN_TIMEOUT" default:"5s"`
}

// BackendConfig holds the raw connection blob for the document store. It is
// parsed lazily so a broken blob degrades the service instead of stopping it.
type BackendConfig struct {
	Raw string `envconfig:"STOREFRONT_BACKEND_CONFIG"`
}

type AuthConfig struct {
	InitialToken string        `envconfig:"STOREFRONT_INITIAL_AUTH_TOKEN"`
	TokenSecret  string        `envconfig:"STOREFRONT_TOKEN_SECRET"`
	TokenIssuer  string        `envconfig:"STOREFRONT_TOKEN_ISSUER" default:"storefront"`
	TokenTTL     time.Duration `envconfig:"STOREFRONT_TOKEN_TTL" default:"24h"`
}

type StoreConfig struct {
	RequestTimeout  time.Duration `envconfig:"STOREFRONT_STORE_REQUEST_TIMEOUT" default:"5s"`
	RetryAttempts   uint64        `envconfig:"STOREFRONT_STORE_RETRY_ATTEMPTS" default:"3"`
	RetryBackoff    time.Duration `envconfig:"STOREFRONT_STORE_RETRY_BACKOFF" default:"100ms"`
	BreakerFailures uint32        `envconfig:"STOREFRONT_STORE_BREAKER_FAILURES" default:"5"`
	BreakerCooldown time.Duration `envconfig:"STOREFRONT_STORE_BREAKER_COOLDOWN" default:"30s"`
	ClearAwait      time.Duration `envconfig:"STOREFRONT_STORE_CLEAR_AWAIT" default:"5s"`
}

type KafkaConfig struct {
	BrokersCSV     string `envconfig:"STOREFRONT_KAFKA_BROKERS"`
	JanitorGroup   string `envconfig:"STOREFRONT_JANITOR_GROUP" default:"storefront-janitor"`
	JanitorWorkers int    `envconfig:"STOREFRONT_JANITOR_WORKERS" default:"4"`
	Buffer         int    `envconfig:"STOREFRONT_KAFKA_BUFFER" default:"1024"`
}

// Brokers returns the configured broker list, empty when Kafka is disabled.
func (k KafkaConfig) Brokers() []string {
	return splitCSV(k.BrokersCSV)
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers()) > 0
}

type RedisConfig struct {
	Addr     string `envconfig:"STOREFRONT_REDIS_ADDR" default:"redis:6379"`
	Password string `envconfig:"STOREFRONT_REDIS_PASSWORD"`
	DB       int    `envconfig:"STOREFRONT_REDIS_DB" default:"0"`
}

// Backend is the decoded document store connection blob.
type Backend struct {
	Driver string `json:"driver"`

	RedisAddr     string `json:"redisAddr,omitempty"`
	RedisPassword string `json:"redisPassword,omitempty"`
	RedisDB       int    `json:"redisDb,omitempty"`
	KeyPrefix     string `json:"keyPrefix,omitempty"`

	MongoURI      string `json:"mongoUri,omitempty"`
	MongoDatabase string `json:"mongoDatabase,omitempty"`

	PostgresDSN string `json:"postgresDsn,omitempty"`
}

const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
)

func (b BackendConfig) Parse() (Backend, error) {
	raw := strings.TrimSpace(b.Raw)
	if raw == "" {
		return Backend{}, ErrBackendMissing
	}
	var out Backend
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Backend{}, fmt.Errorf("decoding backend config: %w", err)
	}
	out.Driver = strings.ToLower(strings.TrimSpace(out.Driver))
	if err := out.validate(); err != nil {
		return Backend{}, err
	}
	return out, nil
}

func (b Backend) validate() error {
	switch b.Driver {
	case DriverMemory:
		return nil
	case DriverRedis:
		if b.RedisAddr == "" {
			return errors.New("backend config: redisAddr is required for the redis driver")
		}
	case DriverMongo:
		if b.MongoURI == "" || b.MongoDatabase == "" {
			return errors.New("backend config: mongoUri and mongoDatabase are required for the mongo driver")
		}
	case DriverPostgres:
		if b.PostgresDSN == "" {
			return errors.New("backend config: postgresDsn is required for the postgres driver")
		}
	case "":
		return errors.New("backend config: driver is required")
	default:
		return fmt.Errorf("backend config: unknown driver %q", b.Driver)
	}
	return nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
