package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"coachline/internal/agent"
	"coachline/internal/permission"
)

// Config models coachline.yml.
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	Auth        AuthConfig        `yaml:"auth"`
	Agents      AgentsConfig      `yaml:"agents"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Callbacks   CallbacksConfig   `yaml:"callbacks"`
}

type ServiceConfig struct {
	Addr      string `yaml:"addr" envconfig:"ADDR"`
	BasePath  string `yaml:"base_path" envconfig:"BASE_PATH"`
	Workspace string `yaml:"workspace" envconfig:"WORKSPACE"`
	LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	// Storage is "sqlite" or "memory".
	Storage string `yaml:"storage" envconfig:"STORAGE"`
}

type AuthConfig struct {
	JWTSecret        string        `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	Issuer           string        `yaml:"issuer" envconfig:"ISSUER"`
	TokenTTL         time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL"`
	RefreshTTL       time.Duration `yaml:"refresh_ttl" envconfig:"REFRESH_TTL"`
	PBKDF2Iterations int           `yaml:"pbkdf2_iterations" envconfig:"PBKDF2_ITERATIONS"`
}

type AgentsConfig struct {
	DefaultTimeout time.Duration        `yaml:"default_timeout" envconfig:"DEFAULT_TIMEOUT"`
	Catalogue      []agent.Registration `yaml:"catalogue,omitempty" ignored:"true"`
}

type PermissionsConfig struct {
	CacheSize int `yaml:"cache_size" envconfig:"CACHE_SIZE"`
	// Rules replaces the built-in table when present. Order is significant.
	Rules []permission.RuleSpec `yaml:"rules,omitempty" ignored:"true"`
}

// CallbacksConfig controls delivery of finished executions to task callback URLs.
type CallbacksConfig struct {
	Enabled   bool          `yaml:"enabled" envconfig:"ENABLED"`
	Timeout   time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	Attempts  int           `yaml:"attempts" envconfig:"ATTEMPTS"`
	QueueSize int           `yaml:"queue_size" envconfig:"QUEUE_SIZE"`
	Secret    string        `yaml:"secret" envconfig:"SECRET"`
	Statuses  []string      `yaml:"statuses,omitempty" ignored:"true"`
}

const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Addr == "" {
		return fmt.Errorf("config.service.addr is required")
	}
	switch c.Service.Storage {
	case StorageSQLite, StorageMemory:
	default:
		return fmt.Errorf("config.service.storage must be %q or %q", StorageSQLite, StorageMemory)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config.auth.jwt_secret is required")
	}
	if c.Auth.TokenTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		return fmt.Errorf("config.auth token_ttl and refresh_ttl must be positive")
	}
	if c.Auth.RefreshTTL < c.Auth.TokenTTL {
		return fmt.Errorf("config.auth.refresh_ttl must not be shorter than token_ttl")
	}
	if c.Auth.PBKDF2Iterations < 1000 {
		return fmt.Errorf("config.auth.pbkdf2_iterations must be at least 1000")
	}
	if c.Agents.DefaultTimeout <= 0 {
		return fmt.Errorf("config.agents.default_timeout must be positive")
	}
	seen := map[string]bool{}
	for i := range c.Agents.Catalogue {
		reg := c.Agents.Catalogue[i]
		if err := reg.Validate(); err != nil {
			return fmt.Errorf("config.agents.catalogue[%d]: %w", i, err)
		}
		if seen[reg.ID] {
			return fmt.Errorf("config.agents.catalogue has duplicate agent id %s", reg.ID)
		}
		seen[reg.ID] = true
	}
	if c.Permissions.CacheSize < 0 {
		return fmt.Errorf("config.permissions.cache_size must not be negative")
	}
	if len(c.Permissions.Rules) > 0 {
		if _, err := permission.Compile(c.Permissions.Rules); err != nil {
			return fmt.Errorf("config.permissions.rules: %w", err)
		}
	}
	if c.Callbacks.Enabled {
		if c.Callbacks.Timeout <= 0 || c.Callbacks.Attempts < 1 || c.Callbacks.QueueSize < 1 {
			return fmt.Errorf("config.callbacks timeout, attempts and queue_size must be positive")
		}
		for _, s := range c.Callbacks.Statuses {
			if st := agent.ExecutionStatus(s); !st.Terminal() {
				return fmt.Errorf("config.callbacks.statuses: %q is not a terminal execution status", s)
			}
		}
	}
	return nil
}

// Rules returns the configured rule table, or the built-in one when the
// file does not define any.
func (c *Config) Rules() ([]permission.Rule, error) {
	if len(c.Permissions.Rules) == 0 {
		return permission.DefaultRules(), nil
	}
	return permission.Compile(c.Permissions.Rules)
}

// Catalogue returns the configured agents, or the built-in catalogue.
func (c *Config) Catalogue() []agent.Registration {
	if len(c.Agents.Catalogue) == 0 {
		return agent.DefaultCatalogue()
	}
	return c.Agents.Catalogue
}

// ApplyEnv overrides each section from COACHLINE_<SECTION>_* variables.
func ApplyEnv(c *Config) error {
	if err := envconfig.Process("COACHLINE_SERVICE", &c.Service); err != nil {
		return err
	}
	if err := envconfig.Process("COACHLINE_AUTH", &c.Auth); err != nil {
		return err
	}
	if err := envconfig.Process("COACHLINE_AGENTS", &c.Agents); err != nil {
		return err
	}
	if err := envconfig.Process("COACHLINE_PERMISSIONS", &c.Permissions); err != nil {
		return err
	}
	return envconfig.Process("COACHLINE_CALLBACKS", &c.Callbacks)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "coachline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// Load reads the workspace config, falling back to defaults when the file is
// absent, then applies environment overrides and validates.
func Load(workspace string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(Path(workspace))
	switch {
	case err == nil:
		cfg, err = decode(data)
		if err != nil {
			return nil, err
		}
	case !os.IsNotExist(err):
		return nil, err
	}
	if workspace != "" && cfg.Service.Workspace == "" {
		cfg.Service.Workspace = workspace
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
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

func decode(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return cfg, nil
}

const defaultTemplate = `service:
  addr: 127.0.0.1:8080
  base_path: ""
  workspace: ""
  log_level: info
  storage: sqlite

auth:
  # Replace before exposing the service; COACHLINE_AUTH_JWT_SECRET overrides it.
  jwt_secret: change-me-coachline-dev-secret
  issuer: coachline
  token_ttl: 24h
  refresh_ttl: 168h
  pbkdf2_iterations: 210000

agents:
  default_timeout: 30s
  # catalogue: omitted to use the built-in agents

permissions:
  cache_size: 512
  # rules: omitted to use the built-in rule table

callbacks:
  enabled: true
  timeout: 5s
  attempts: 3
  queue_size: 256
  secret: ""
  # statuses: [completed, failed, timeout]
`
