package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Geocode  GeocodeConfig  `yaml:"geocode" mapstructure:"geocode"`
	Enrich   EnrichConfig   `yaml:"enrich" mapstructure:"enrich"`
	Viewport ViewportConfig `yaml:"viewport" mapstructure:"viewport"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// GeocodeConfig configures the reverse-geocoding provider and the shared
// cache and rate limiter in front of it.
type GeocodeConfig struct {
	BaseURL        string `yaml:"base_url" mapstructure:"base_url"`
	UserAgent      string `yaml:"user_agent" mapstructure:"user_agent"`
	Email          string `yaml:"email" mapstructure:"email"`
	TimeoutSecs    int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MinIntervalMS  int    `yaml:"min_interval_ms" mapstructure:"min_interval_ms"`
	QueueSize      int    `yaml:"queue_size" mapstructure:"queue_size"`
	CacheTTLHours  int    `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
	CacheSweepSize int    `yaml:"cache_sweep_size" mapstructure:"cache_sweep_size"`
}

// MinInterval returns the limiter dispatch gap as a duration.
func (g GeocodeConfig) MinInterval() time.Duration {
	return time.Duration(g.MinIntervalMS) * time.Millisecond
}

// CacheTTL returns the cache entry lifetime as a duration.
func (g GeocodeConfig) CacheTTL() time.Duration {
	return time.Duration(g.CacheTTLHours) * time.Hour
}

// EnrichConfig configures the cluster enrichment fan-out.
type EnrichConfig struct {
	RepresentativeLimit int `yaml:"representative_limit" mapstructure:"representative_limit"`
	Workers             int `yaml:"workers" mapstructure:"workers"`
}

// ViewportConfig configures the fetch coordinator.
type ViewportConfig struct {
	DetailZoom int `yaml:"detail_zoom" mapstructure:"detail_zoom"`
}

// IngestConfig configures dataset loading.
type IngestConfig struct {
	TempDir     string `yaml:"temp_dir" mapstructure:"temp_dir"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	CORSOrigins        []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	HeartbeatSecs      int      `yaml:"heartbeat_secs" mapstructure:"heartbeat_secs"`
	ShutdownGraceSecs  int      `yaml:"shutdown_grace_secs" mapstructure:"shutdown_grace_secs"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment. An explicit path
// must exist; the default ./config.yaml is optional.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("PERMITMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "permitmap.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("geocode.base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocode.user_agent", "permitmap/1.0")
	v.SetDefault("geocode.timeout_secs", 10)
	v.SetDefault("geocode.min_interval_ms", 1100)
	v.SetDefault("geocode.queue_size", 1024)
	v.SetDefault("geocode.cache_ttl_hours", 168)
	v.SetDefault("geocode.cache_sweep_size", 10000)
	v.SetDefault("enrich.representative_limit", 10)
	v.SetDefault("enrich.workers", 8)
	v.SetDefault("viewport.detail_zoom", 15)
	v.SetDefault("ingest.temp_dir", "/tmp/permitmap")
	v.SetDefault("ingest.user_agent", "permitmap/1.0")
	v.SetDefault("ingest.timeout_secs", 60)
	v.SetDefault("ingest.max_retries", 3)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.heartbeat_secs", 15)
	v.SetDefault("server.shutdown_grace_secs", 10)
	v.SetDefault("server.request_timeout_secs", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional unless a path was given)
	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if path != "" || !notFound {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the configuration is usable for the given command
// mode, accumulating every missing or malformed field into one error.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			problems = append(problems, "store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}

	switch mode {
	case "serve", "enrich":
		if c.Geocode.BaseURL == "" {
			problems = append(problems, "geocode.base_url is required")
		}
		if c.Geocode.UserAgent == "" {
			problems = append(problems, "geocode.user_agent is required")
		}
		if c.Geocode.MinIntervalMS <= 0 {
			problems = append(problems, "geocode.min_interval_ms must be positive")
		}
	case "ingest":
		if c.Ingest.TempDir == "" {
			problems = append(problems, "ingest.temp_dir is required")
		}
	}

	if mode == "serve" && c.Server.Port <= 0 {
		problems = append(problems, "server.port must be positive")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
