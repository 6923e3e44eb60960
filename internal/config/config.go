package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tourline/migration-guard/internal/models"
)

// Config captures the settings required to boot the migration guard.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Rules      RulesConfig      `yaml:"rules"`
	Storage    StorageConfig    `yaml:"storage"`
	TagManager TagManagerConfig `yaml:"tagManager"`
	Events     EventsConfig     `yaml:"events"`
	Flags      map[string]any   `yaml:"flags"`
	Validator  ValidatorConfig  `yaml:"validator"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Rollback   RollbackConfig   `yaml:"rollback"`
}

// ServerConfig controls the HTTP, gRPC health and metrics listeners.
type ServerConfig struct {
	HTTPAddress     string        `yaml:"httpAddress"`
	GRPCAddress     string        `yaml:"grpcAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	AdminToken      string        `yaml:"adminToken"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RulesConfig controls loading of the health alert rule pack.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig selects the key-value backends for each scope.
type StorageConfig struct {
	// DurableBackend is one of memory, redis or postgres.
	DurableBackend string `yaml:"durableBackend"`
	// SessionBackend is one of memory or redis.
	SessionBackend string         `yaml:"sessionBackend"`
	SessionTTL     time.Duration  `yaml:"sessionTTL"`
	Redis          RedisConfig    `yaml:"redis"`
	Postgres       PostgresConfig `yaml:"postgres"`
}

// RedisConfig configures the Redis/Valkey key-value backend.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"keyPrefix"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

// PostgresConfig configures the Postgres key-value backend.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// TagManagerConfig configures access to the tag-manager runtime bridge. An
// empty BaseURL selects the in-process runtime.
type TagManagerConfig struct {
	BaseURL       string        `yaml:"baseURL"`
	ContainerID   string        `yaml:"containerID"`
	ContainerPath string        `yaml:"containerPath"`
	PausePath     string        `yaml:"pausePath"`
	DataLayerPath string        `yaml:"dataLayerPath"`
	LegacyPath    string        `yaml:"legacyPath"`
	Timeout       time.Duration `yaml:"timeout"`
}

// EventsConfig controls the migration event journal and its Kafka sink.
type EventsConfig struct {
	JournalSize int         `yaml:"journalSize"`
	Kafka       KafkaConfig `yaml:"kafka"`
}

// KafkaConfig configures publishing of migration events.
type KafkaConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Brokers   []string `yaml:"brokers"`
	Topic     string   `yaml:"topic"`
	QueueSize int      `yaml:"queueSize"`
}

// ValidatorConfig tunes the parallel tracking validator.
type ValidatorConfig struct {
	RevalidationDelay time.Duration `yaml:"revalidationDelay"`
	AttemptTTL        time.Duration `yaml:"attemptTTL"`
	TimingThreshold   time.Duration `yaml:"timingThreshold"`
	BurstThreshold    int           `yaml:"burstThreshold"`
	BurstWindow       time.Duration `yaml:"burstWindow"`
}

// MonitorConfig tunes the health monitor schedule.
type MonitorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	StartupDelay time.Duration `yaml:"startupDelay"`
	Interval     time.Duration `yaml:"interval"`
	CheckTimeout time.Duration `yaml:"checkTimeout"`
	HistorySize  int           `yaml:"historySize"`
}

// RollbackConfig tunes the rollback manager and arbitration.
type RollbackConfig struct {
	FallbackConversionID string        `yaml:"fallbackConversionID"`
	Cooldown             time.Duration `yaml:"cooldown"`
	ReloadDelay          time.Duration `yaml:"reloadDelay"`
	HistorySize          int           `yaml:"historySize"`
	Timeout              time.Duration `yaml:"timeout"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIGRATION_GUARD_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if _, err := cfg.FlagDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddress:     ":8080",
			GRPCAddress:     ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Rules:   RulesConfig{Path: "configs/rules/alerts.yaml"},
		Storage: StorageConfig{
			DurableBackend: "memory",
			SessionBackend: "memory",
			SessionTTL:     30 * time.Minute,
			Redis: RedisConfig{
				KeyPrefix:   "migration-guard:",
				DialTimeout: 2 * time.Second,
			},
		},
		TagManager: TagManagerConfig{
			ContainerPath: "/api/v1/tagmanager/container",
			PausePath:     "/api/v1/tagmanager/container/pause",
			DataLayerPath: "/api/v1/tagmanager/datalayer",
			LegacyPath:    "/api/v1/tagmanager/legacy",
			Timeout:       3 * time.Second,
		},
		Events: EventsConfig{
			JournalSize: 5000,
			Kafka:       KafkaConfig{Topic: "migration-events", QueueSize: 256},
		},
		Validator: ValidatorConfig{
			RevalidationDelay: 2 * time.Second,
			AttemptTTL:        10 * time.Minute,
			TimingThreshold:   5 * time.Second,
			BurstThreshold:    3,
			BurstWindow:       5 * time.Minute,
		},
		Monitor: MonitorConfig{
			Enabled:      true,
			StartupDelay: 10 * time.Second,
			Interval:     5 * time.Minute,
			CheckTimeout: 3 * time.Second,
			HistorySize:  24,
		},
		Rollback: RollbackConfig{
			Cooldown:    5 * time.Minute,
			ReloadDelay: time.Second,
			HistorySize: 10,
			Timeout:     30 * time.Second,
		},
	}
}

// FlagDefaults converts the flags section into flag values.
func (c *Config) FlagDefaults() (models.FlagSet, error) {
	out := make(models.FlagSet, len(c.Flags))
	for name, raw := range c.Flags {
		switch v := raw.(type) {
		case bool:
			out[name] = models.BoolFlag(v)
		case int:
			out[name] = models.NumberFlag(float64(v))
		case float64:
			out[name] = models.NumberFlag(v)
		default:
			return nil, fmt.Errorf("flag %s: value must be boolean or number, got %T", name, raw)
		}
	}
	return out, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIGRATION_GUARD_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("MIGRATION_GUARD_GRPC_ADDRESS"); v != "" {
		cfg.Server.GRPCAddress = v
	}
	if v := os.Getenv("MIGRATION_GUARD_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIGRATION_GUARD_ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}
	if v := os.Getenv("MIGRATION_GUARD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIGRATION_GUARD_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIGRATION_GUARD_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("MIGRATION_GUARD_DURABLE_BACKEND"); v != "" {
		cfg.Storage.DurableBackend = strings.ToLower(v)
	}
	if v := os.Getenv("MIGRATION_GUARD_SESSION_BACKEND"); v != "" {
		cfg.Storage.SessionBackend = strings.ToLower(v)
	}
	if v := os.Getenv("MIGRATION_GUARD_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Storage.SessionTTL = d
		}
	}
	if v := os.Getenv("MIGRATION_GUARD_REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
	}
	if v := os.Getenv("MIGRATION_GUARD_REDIS_USERNAME"); v != "" {
		cfg.Storage.Redis.Username = v
	}
	if v := os.Getenv("MIGRATION_GUARD_REDIS_PASSWORD"); v != "" {
		cfg.Storage.Redis.Password = v
	}
	if v := os.Getenv("MIGRATION_GUARD_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Storage.Redis.DB = db
		}
	}
	if v := os.Getenv("MIGRATION_GUARD_POSTGRES_DSN"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("MIGRATION_GUARD_TAGMANAGER_URL"); v != "" {
		cfg.TagManager.BaseURL = v
	}
	if v := os.Getenv("MIGRATION_GUARD_CONTAINER_ID"); v != "" {
		cfg.TagManager.ContainerID = v
	}
	if v := os.Getenv("MIGRATION_GUARD_KAFKA_BROKERS"); v != "" {
		cfg.Events.Kafka.Brokers = splitList(v)
		cfg.Events.Kafka.Enabled = true
	}
	if v := os.Getenv("MIGRATION_GUARD_KAFKA_TOPIC"); v != "" {
		cfg.Events.Kafka.Topic = v
	}
	if v := os.Getenv("MIGRATION_GUARD_MONITOR_ENABLED"); v != "" {
		cfg.Monitor.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("MIGRATION_GUARD_MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.Interval = d
		}
	}
	if v := os.Getenv("MIGRATION_GUARD_LEGACY_CONVERSION_ID"); v != "" {
		cfg.Rollback.FallbackConversionID = v
	}
	if v := os.Getenv("MIGRATION_GUARD_ROLLBACK_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Rollback.Cooldown = d
		}
	}
	if v := os.Getenv("MIGRATION_GUARD_ROLLBACK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Rollback.Timeout = d
		}
	}
	if v := os.Getenv("MIGRATION_GUARD_ROLLOUT_PERCENTAGE"); v != "" {
		if p, err := strconv.ParseFloat(v, 64); err == nil {
			if cfg.Flags == nil {
				cfg.Flags = map[string]any{}
			}
			cfg.Flags["rolloutPercentage"] = p
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
