package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Supported geometry engines.
const (
	EngineGEOS    = "geos"
	EnginePostGIS = "postgis"
)

// Config holds all configuration for the geofence service and CLI.
// Values come from config.yaml (optional) with environment variables taking precedence.
// Secrets (DATABASE_URL, ADMIN_TOKEN_HASH) are only read from the environment.
type Config struct {
	Port     string `yaml:"port" env:"PORT" env-default:"5050"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`

	Database DatabaseConfig `yaml:"database"`
	Geometry GeometryConfig `yaml:"geometry"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// DatabaseConfig holds PostgreSQL/PostGIS connection settings.
type DatabaseConfig struct {
	URL                string        `yaml:"-" env:"DATABASE_URL"`
	MaxOpenConns       int           `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS" env-default:"20"`
	MaxIdleConns       int           `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" env-default:"20"`
	ConnMaxLifetime    time.Duration `yaml:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME" env-default:"30m"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" env:"DB_SLOW_QUERY_THRESHOLD" env-default:"100ms"`
	FenceTable         string        `yaml:"fence_table" env:"FENCE_TABLE" env-default:"fences"`
}

// GeometryConfig selects the geometry engine and the canonicalization parameters.
type GeometryConfig struct {
	// Engine is "geos" (in-process libgeos) or "postgis" (SQL round trips).
	Engine string `yaml:"engine" env:"GEOMETRY_ENGINE" env-default:"geos"`
	// Tolerance is the snap grid in degrees used for canonical keys.
	Tolerance float64 `yaml:"canonical_tolerance" env:"CANONICAL_TOLERANCE" env-default:"0.000001"`
	// Concurrency bounds parallel key computation during grouping.
	Concurrency int `yaml:"grouping_concurrency" env:"GROUPING_CONCURRENCY" env-default:"8"`
}

// HTTPConfig holds settings for the HTTP surface.
type HTTPConfig struct {
	AllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS" env-separator:"," env-default:"http://localhost:5173,http://localhost:5174"`

	// AdminTokenHash is a bcrypt hash of the admin bearer token. Empty disables remediation routes.
	AdminTokenHash string `yaml:"-" env:"ADMIN_TOKEN_HASH"`

	RemediationPerMinute int `yaml:"remediation_rate_per_minute" env:"REMEDIATION_RATE_PER_MINUTE" env-default:"6"`
}

// Load reads .env.local (if present), then config.yaml (if present) with environment overrides.
func Load() (*Config, error) {
	_ = godotenv.Load(".env.local")
	return LoadFile("config.yaml")
}

// LoadFile reads the given YAML file with environment overrides. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.Geometry.Engine = strings.ToLower(strings.TrimSpace(c.Geometry.Engine))
	switch c.Geometry.Engine {
	case EngineGEOS, EnginePostGIS:
	default:
		return fmt.Errorf("unknown geometry engine %q (want %q or %q)", c.Geometry.Engine, EngineGEOS, EnginePostGIS)
	}
	if c.Geometry.Tolerance <= 0 {
		return errors.New("canonical_tolerance must be positive")
	}
	if c.Geometry.Concurrency <= 0 {
		return errors.New("grouping_concurrency must be positive")
	}
	if strings.TrimSpace(c.Database.FenceTable) == "" {
		return errors.New("fence_table must not be empty")
	}

	origins := c.HTTP.AllowedOrigins[:0]
	for _, o := range c.HTTP.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.HTTP.AllowedOrigins = origins
	return nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RequireDatabase returns an error when no database URL is configured.
func (c *Config) RequireDatabase() error {
	if c.Database.URL == "" {
		return errors.New("DATABASE_URL is empty")
	}
	return nil
}
