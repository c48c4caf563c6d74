// Package config loads and validates the carenote-sync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kazu-apps/carenote-sync/internal/model"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// RemoteURL is the base URL of the care service (e.g. "https://api.carenote.example").
	RemoteURL string `yaml:"remote_url"`

	// APIToken is the bearer token used to authenticate with the care service.
	APIToken string `yaml:"api_token"`

	// CareRecipientID is the server-assigned id of the care recipient whose
	// data this device synchronizes. Obtained from the init subcommand on
	// first run.
	CareRecipientID string `yaml:"care_recipient_id"`

	// EntityTypes lists which entity types to synchronize. Defaults to all
	// syncable types when omitted.
	EntityTypes []string `yaml:"entity_types,omitempty"`

	// Workers bounds how many entity types sync concurrently. Defaults to 4.
	Workers int `yaml:"workers,omitempty"`

	// PollInterval controls how often the daemon runs a sync pass.
	// Minimum 10s, maximum 5m. Defaults to 30s if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MappingDBPath overrides where the identity-mapping database lives.
	// Defaults to ~/.local/share/carenote-sync/sync.db.
	MappingDBPath string `yaml:"mapping_db_path,omitempty"`

	// LocalDBPath overrides where the local record database lives.
	// Defaults to ~/.local/share/carenote-sync/records.db.
	LocalDBPath string `yaml:"local_db_path,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "carenote-sync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/carenote-sync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "carenote-sync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required fields are present and well-formed.
func (c *Config) validate() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("remote_url is required")
	}
	u, err := url.ParseRequestURI(c.RemoteURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("remote_url %q must be a valid http or https URL", c.RemoteURL)
	}

	if c.APIToken == "" {
		return fmt.Errorf("api_token is required")
	}

	if len(c.EntityTypes) == 0 {
		c.EntityTypes = model.SyncableEntityTypes()
	}
	for _, et := range c.EntityTypes {
		if !model.IsSyncableEntityType(et) {
			return fmt.Errorf("entity_types contains unknown type %q", et)
		}
	}

	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	if c.Workers == 0 {
		c.Workers = 4
	}

	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.PollInterval < 10*time.Second {
		return fmt.Errorf("poll_interval %v is too short (minimum 10s)", c.PollInterval)
	}
	if c.PollInterval > 5*time.Minute {
		return fmt.Errorf("poll_interval %v is too long (maximum 5m)", c.PollInterval)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
