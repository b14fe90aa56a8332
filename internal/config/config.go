package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/neovend/licensegate/internal/clientip"
)

// EnvPrefix prefixes every environment variable, e.g. LICENSEGATE_SERVER_HTTP_ADDR.
const EnvPrefix = "LICENSEGATE"

// FileEnvVar names the optional YAML config file.
const FileEnvVar = "LICENSEGATE_CONFIG_FILE"

type Config struct {
	Env       string          `yaml:"env" envconfig:"ENV"` // "dev" | "prod"
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	Audit     AuditConfig     `yaml:"audit" envconfig:"AUDIT"`
	Throttle  ThrottleConfig  `yaml:"throttle" envconfig:"THROTTLE"`
	Kafka     KafkaConfig     `yaml:"kafka" envconfig:"KAFKA"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	CORS      CORSConfig      `yaml:"cors" envconfig:"CORS"`
}

type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" envconfig:"HTTP_ADDR"`
	GRPCAddr        string        `yaml:"grpc_addr" envconfig:"GRPC_ADDR"` // empty disables gRPC
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`

	// Peers whose X-Forwarded-For and X-Real-IP headers are believed when
	// keying the throttle. Addresses or CIDR ranges; empty trusts nobody.
	TrustedProxies []string `yaml:"trusted_proxies" envconfig:"TRUSTED_PROXIES"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver" envconfig:"DRIVER"` // "memory" | "sqlite" | "postgres"
	DBPath      string `yaml:"db_path" envconfig:"DB_PATH"`
	DatabaseURL string `yaml:"database_url" envconfig:"DATABASE_URL"`
	MaxDBConns  int    `yaml:"max_db_conns" envconfig:"MAX_DB_CONNS"`
	SeedDev     bool   `yaml:"seed_dev" envconfig:"SEED_DEV"`
}

type AuditConfig struct {
	QueueSize    int           `yaml:"queue_size" envconfig:"QUEUE_SIZE"`
	WriteTimeout time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
}

type ThrottleConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`

	// When RedisURL is set the limit is shared across instances as a fixed
	// window of Limit requests per Window.
	RedisURL string        `yaml:"redis_url" envconfig:"REDIS_URL"`
	Window   time.Duration `yaml:"window" envconfig:"WINDOW"`
	Limit    int64         `yaml:"limit" envconfig:"LIMIT"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" envconfig:"BROKERS"` // empty disables publishing
	Topic   string   `yaml:"topic" envconfig:"TOPIC"`
}

type TelemetryConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled" envconfig:"METRICS_ENABLED"`
	TraceExporter  string `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"` // "none" | "stdout"
	ServiceName    string `yaml:"service_name" envconfig:"SERVICE_NAME"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`   // debug | info | warn | error
	Format string `yaml:"format" envconfig:"FORMAT"` // json | text
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
}

// Default returns the built-in configuration, used as the base layer.
func Default() Config {
	return Config{
		Env: "dev",
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver:     "sqlite",
			DBPath:     "./data/licensegate.db",
			MaxDBConns: 10,
		},
		Audit: AuditConfig{
			QueueSize:    1024,
			WriteTimeout: 5 * time.Second,
		},
		Throttle: ThrottleConfig{
			Enabled: true,
			RPS:     5,
			Burst:   10,
			Window:  time.Minute,
			Limit:   120,
		},
		Kafka: KafkaConfig{
			Topic: "license.activated",
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
			TraceExporter:  "none",
			ServiceName:    "licensegate",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
	}
}

// Load layers defaults, the optional YAML file named by FileEnvVar, and
// LICENSEGATE_* environment variables, in that order.
func Load() (Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv(FileEnvVar)); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config env: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Telemetry.TraceExporter = strings.ToLower(strings.TrimSpace(c.Telemetry.TraceExporter))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Kafka.Brokers = compact(c.Kafka.Brokers)
	c.CORS.AllowedOrigins = compact(c.CORS.AllowedOrigins)
	c.Server.TrustedProxies = compact(c.Server.TrustedProxies)
}

func (c Config) Validate() error {
	var errs []error

	if c.Env != "dev" && c.Env != "prod" {
		errs = append(errs, fmt.Errorf("env must be dev or prod, got %q", c.Env))
	}
	if c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.http_addr is required"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if _, err := clientip.ParseProxies(c.Server.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("server.trusted_proxies: %w", err))
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.DBPath == "" {
			errs = append(errs, errors.New("store.db_path is required for sqlite"))
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store.database_url is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be memory, sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.SeedDev && c.Env != "dev" {
		errs = append(errs, errors.New("store.seed_dev is only allowed in dev"))
	}

	if c.Audit.QueueSize <= 0 {
		errs = append(errs, errors.New("audit.queue_size must be positive"))
	}
	if c.Audit.WriteTimeout <= 0 {
		errs = append(errs, errors.New("audit.write_timeout must be positive"))
	}

	if c.Throttle.Enabled {
		if c.Throttle.RedisURL != "" {
			if c.Throttle.Window <= 0 || c.Throttle.Limit <= 0 {
				errs = append(errs, errors.New("throttle.window and throttle.limit must be positive with redis"))
			}
		} else if c.Throttle.RPS <= 0 || c.Throttle.Burst <= 0 {
			errs = append(errs, errors.New("throttle.rps and throttle.burst must be positive"))
		}
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}

	switch c.Telemetry.TraceExporter {
	case "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("telemetry.trace_exporter must be none or stdout, got %q", c.Telemetry.TraceExporter))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not recognised", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func compact(in []string) []string {
	out := in[:0:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
