package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "webpilot.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "WEBPILOT_PORT")
	setString(&cfg.Server.CORSOrigin, "WEBPILOT_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "WEBPILOT_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "WEBPILOT_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "WEBPILOT_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "WEBPILOT_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "WEBPILOT_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.ToolSubject, "WEBPILOT_TOOL_SUBJECT")
	setDuration(&cfg.NATS.ToolTimeout, "WEBPILOT_TOOL_TIMEOUT")
	setString(&cfg.Reasoner.URL, "WEBPILOT_REASONER_URL")
	setString(&cfg.Reasoner.APIKey, "WEBPILOT_REASONER_API_KEY")
	setString(&cfg.Reasoner.DefaultModel, "WEBPILOT_REASONER_MODEL")
	setInt(&cfg.Reasoner.MaxTokens, "WEBPILOT_REASONER_MAX_TOKENS")
	setDuration(&cfg.Reasoner.Timeout, "WEBPILOT_REASONER_TIMEOUT")
	setString(&cfg.Logging.Level, "WEBPILOT_LOG_LEVEL")
	setString(&cfg.Logging.Service, "WEBPILOT_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "WEBPILOT_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "WEBPILOT_BREAKER_TIMEOUT")
	setInt64(&cfg.Cache.MaxBytes, "WEBPILOT_CACHE_MAX_BYTES")
	setDuration(&cfg.Cache.VerdictTTL, "WEBPILOT_CACHE_VERDICT_TTL")
	setDuration(&cfg.Scheduler.PollInterval, "WEBPILOT_POLL_INTERVAL")
	setDuration(&cfg.Scheduler.StuckAfter, "WEBPILOT_STUCK_AFTER")
	setInt(&cfg.Scheduler.ListLimit, "WEBPILOT_LIST_LIMIT")
	setString(&cfg.Agent.ArtifactsDir, "WEBPILOT_ARTIFACTS_DIR")
	setBool(&cfg.Telemetry.Enabled, "WEBPILOT_OTEL_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "WEBPILOT_OTEL_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Scheduler.PollInterval <= 0 {
		return errors.New("scheduler.poll_interval must be > 0")
	}
	if cfg.Scheduler.StuckAfter <= 0 {
		return errors.New("scheduler.stuck_after must be > 0")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
