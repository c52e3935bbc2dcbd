// Package config reads the two configuration surfaces: the per-workspace
// .gaffer/config.yaml and the global ~/.gaffer/config.toml holding runner
// definitions.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"gaffer/internal/db"
)

const (
	FileName = "config.yaml"

	DefaultLeaseTTL      = 15 * time.Minute
	DefaultEventPageSize = 50
)

// Duration parses human-readable durations ("30s", "15m") from YAML and TOML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.set(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	return d.set(string(text))
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config models .gaffer/config.yaml.
type Config struct {
	DefaultProject string   `yaml:"default_project,omitempty"`
	DefaultActor   string   `yaml:"default_actor,omitempty"`
	LeaseTTL       Duration `yaml:"lease_ttl,omitempty"`
	EventPageSize  int      `yaml:"event_page_size,omitempty"`
}

// TTL returns the configured lease TTL or the default. Safe on a nil config.
func (c *Config) TTL() time.Duration {
	if c == nil || c.LeaseTTL <= 0 {
		return DefaultLeaseTTL
	}
	return time.Duration(c.LeaseTTL)
}

// PageSize returns the configured event page size or the default. Safe on a
// nil config.
func (c *Config) PageSize() int {
	if c == nil || c.EventPageSize <= 0 {
		return DefaultEventPageSize
	}
	return c.EventPageSize
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.LeaseTTL < 0 {
		return fmt.Errorf("config.lease_ttl must be positive")
	}
	if c.EventPageSize < 0 {
		return fmt.Errorf("config.event_page_size must be positive")
	}
	return nil
}

// Path returns the workspace config file path.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, db.WorkspaceDir, FileName)
}

// Load reads and validates the workspace config.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run gf init first", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist; defaults
// apply everywhere a nil config is read.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the default workspace config.
func Default() *Config {
	return &Config{
		LeaseTTL:      Duration(DefaultLeaseTTL),
		EventPageSize: DefaultEventPageSize,
	}
}

// GenerateDefault returns the YAML written by gf init.
func GenerateDefault() string {
	return fmt.Sprintf(defaultTemplate, DefaultLeaseTTL, DefaultEventPageSize)
}

const defaultTemplate = `# gaffer workspace configuration
# default_project: api
# default_actor: me
lease_ttl: %s
event_page_size: %d
`
