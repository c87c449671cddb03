// Package config loads map service settings from the environment and the
// client CLI settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store drivers accepted by MAP_STORE_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Server holds everything cmd/map-server reads at startup.
type Server struct {
	Addr           string        `env:"MAP_ADDR" envDefault:":9080"`
	RequestTimeout time.Duration `env:"MAP_REQUEST_TIMEOUT" envDefault:"10s"`

	StoreDriver string `env:"MAP_STORE_DRIVER" envDefault:"sqlite"`
	DBPath      string `env:"MAP_DB_PATH" envDefault:"./data/map.db"`
	PostgresURL string `env:"MAP_POSTGRES_URL"`

	SystemID     string `env:"MAP_SYSTEM_ID" envDefault:"game-on.org"`
	SystemSecret string `env:"MAP_SYSTEM_SECRET"`
	SweepID      string `env:"MAP_SWEEP_ID" envDefault:"roomSweeper"`
	SweepSecret  string `env:"MAP_SWEEP_SECRET"`
	SecretsFile  string `env:"MAP_SECRETS_FILE"`
	PlayerURL    string `env:"MAP_PLAYER_URL"`
	PlayerJWTKey string `env:"MAP_PLAYER_JWT_KEY"`

	SecretTTL        time.Duration `env:"MAP_SECRET_TTL" envDefault:"10m"`
	SignatureWindow  time.Duration `env:"MAP_SIGNATURE_WINDOW" envDefault:"5m"`
	ReplaySweepEvery int           `env:"MAP_REPLAY_SWEEP_EVERY" envDefault:"1000"`

	ClaimAttempts   int           `env:"MAP_CLAIM_ATTEMPTS" envDefault:"10"`
	ClaimBackoff    time.Duration `env:"MAP_CLAIM_BACKOFF" envDefault:"10ms"`
	ClaimBackoffMax time.Duration `env:"MAP_CLAIM_BACKOFF_MAX" envDefault:"500ms"`

	RedisURL     string `env:"MAP_REDIS_URL"`
	EventChannel string `env:"MAP_EVENT_CHANNEL" envDefault:"gameon.map.sites"`
	OTelEndpoint string `env:"MAP_OTEL_ENDPOINT"`

	LogLevel  string `env:"MAP_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"MAP_LOG_FORMAT" envDefault:"text"`
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadServer parses and validates the server configuration.
func LoadServer() (Server, error) {
	var cfg Server
	if err := ParseEnv(&cfg); err != nil {
		return Server{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Server) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("MAP_DB_PATH is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.PostgresURL == "" {
			errs = append(errs, errors.New("MAP_POSTGRES_URL is required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown MAP_STORE_DRIVER %q", c.StoreDriver))
	}
	if c.SystemID == "" {
		errs = append(errs, errors.New("MAP_SYSTEM_ID must not be empty"))
	}
	if c.SweepID != "" && c.SweepID == c.SystemID {
		errs = append(errs, errors.New("MAP_SWEEP_ID must differ from MAP_SYSTEM_ID"))
	}
	if c.PlayerURL != "" && c.PlayerJWTKey == "" {
		errs = append(errs, errors.New("MAP_PLAYER_JWT_KEY is required with MAP_PLAYER_URL"))
	}
	if c.SignatureWindow <= 0 {
		errs = append(errs, errors.New("MAP_SIGNATURE_WINDOW must be positive"))
	}
	if c.SecretTTL <= 0 {
		errs = append(errs, errors.New("MAP_SECRET_TTL must be positive"))
	}
	if c.ClaimAttempts <= 0 {
		errs = append(errs, errors.New("MAP_CLAIM_ATTEMPTS must be positive"))
	}
	if c.ClaimBackoff <= 0 || c.ClaimBackoffMax < c.ClaimBackoff {
		errs = append(errs, errors.New("MAP_CLAIM_BACKOFF must be positive and not above MAP_CLAIM_BACKOFF_MAX"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("MAP_REQUEST_TIMEOUT must be positive"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown MAP_LOG_FORMAT %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
