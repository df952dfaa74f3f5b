package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"loom/internal/domain"
)

const (
	DefaultSignatureTolerance = 5 * time.Minute
	// MaxSignatureTolerance is a hard ceiling; configs asking for more
	// are rejected rather than clamped.
	MaxSignatureTolerance = 24 * time.Hour

	DefaultTombstoneTTL = 30 * 24 * time.Hour
)

// Duration wraps time.Duration so loom.yml can say "5m" or "24h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config models loom.yml. It is an explicit value threaded into the
// engine, identity, and server constructors; nothing reads it from
// ambient global state, so one process can host several configurations.
type Config struct {
	Identity struct {
		TrustMode              domain.TrustMode `yaml:"trust_mode"`
		DefaultActor           string           `yaml:"default_actor"`
		SignatureTolerance     Duration         `yaml:"signature_tolerance"`
		AllowUnregisteredActor bool             `yaml:"allow_unregistered_actors"`
	} `yaml:"identity"`
	Store struct {
		TombstoneTTL Duration `yaml:"tombstone_ttl"`
	} `yaml:"store"`
	Server struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig describes one outbound event subscriber. An empty Events
// list subscribes to everything.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Default returns the config used when no loom.yml exists.
func Default() *Config {
	var cfg Config
	cfg.Identity.TrustMode = domain.TrustSoft
	cfg.Identity.SignatureTolerance = Duration(DefaultSignatureTolerance)
	cfg.Identity.AllowUnregisteredActor = true
	cfg.Store.TombstoneTTL = Duration(DefaultTombstoneTTL)
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !c.Identity.TrustMode.Valid() {
		return fmt.Errorf("identity.trust_mode must be soft, cryptographic or hybrid, got %q", c.Identity.TrustMode)
	}
	if c.Identity.SignatureTolerance < 0 {
		return fmt.Errorf("identity.signature_tolerance must not be negative")
	}
	if time.Duration(c.Identity.SignatureTolerance) > MaxSignatureTolerance {
		return fmt.Errorf("identity.signature_tolerance exceeds ceiling of %s", MaxSignatureTolerance)
	}
	if c.Store.TombstoneTTL < 0 {
		return fmt.Errorf("store.tombstone_ttl must not be negative")
	}
	return nil
}

// Tolerance returns the effective signature tolerance window.
func (c *Config) Tolerance() time.Duration {
	if c.Identity.SignatureTolerance == 0 {
		return DefaultSignatureTolerance
	}
	return time.Duration(c.Identity.SignatureTolerance)
}

// TombstoneTTL returns the effective tombstone time-to-live.
func (c *Config) TombstoneTTL() time.Duration {
	if c.Store.TombstoneTTL == 0 {
		return DefaultTombstoneTTL
	}
	return time.Duration(c.Store.TombstoneTTL)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "loom.yml")
}

// Load reads and validates config from the workspace, falling back to
// defaults when loom.yml does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}
