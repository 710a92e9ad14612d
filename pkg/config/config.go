package config

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the exchange engine.
// Configuration can come from YAML file (config.yaml) or environment
// variables. Environment variables always override YAML values for fields
// that support both. Secrets must only come from environment variables.
type Config struct {
	Env     string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version string `yaml:"-"` // Set at load time, not from config

	// MetricsAddr is where the prometheus /metrics and health endpoints are
	// served.
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR" env-default:"127.0.0.1:9090"`

	Database   DatabaseConfig   `yaml:"database"`
	Agent      AgentConfig      `yaml:"agent"`
	Credential CredentialConfig `yaml:"credential"`

	// PinSecret peppers invite PIN hashes. The engine will fail to start if
	// this is not set.
	PinSecret string `yaml:"-" env:"PIN_SECRET"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"exchange"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"exchange_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// URL builds the connection string for pgx.
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// AgentConfig locates the remote credential/connection agent.
type AgentConfig struct {
	// BaseURL is the agent's admin REST API.
	BaseURL string `yaml:"base_url" env:"AGENT_BASE_URL" env-default:"http://localhost:3010"`
	// EventsURL is the agent's websocket notification stream.
	EventsURL string `yaml:"events_url" env:"AGENT_EVENTS_URL" env-default:"ws://localhost:3010/ws"`
}

// CredentialConfig holds the company-details credential settings for the
// verification handshake.
type CredentialConfig struct {
	// SchemaName/SchemaVersion identify the company-details schema; credential
	// exchanges for any other schema are ignored.
	SchemaName    string `yaml:"schema_name" env:"CRED_SCHEMA_NAME" env-default:"COMPANY_DETAILS"`
	SchemaVersion string `yaml:"schema_version" env:"CRED_SCHEMA_VERSION" env-default:"1.0.0"`
	// DefinitionID is the pre-resolved credential definition offered on a
	// successful PIN match.
	DefinitionID string `yaml:"definition_id" env:"CRED_DEFINITION_ID"`
	// PinAttemptLimit is the number of failed PIN attempts a connection may
	// accumulate before its invites are invalidated.
	PinAttemptLimit int `yaml:"pin_attempt_limit" env:"PIN_ATTEMPT_LIMIT" env-default:"5"`
}

// Load reads configuration from config.yaml (when present) and the
// environment.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if cfg.PinSecret == "" {
		return nil, fmt.Errorf("PIN_SECRET must be set")
	}
	if cfg.Credential.DefinitionID == "" {
		return nil, fmt.Errorf("CRED_DEFINITION_ID must be set")
	}
	if cfg.Credential.PinAttemptLimit < 1 {
		return nil, fmt.Errorf("pin attempt limit must be at least 1")
	}

	return cfg, nil
}
