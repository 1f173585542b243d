package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"civicdesk/internal/domain"
)

// Config models civicdesk.yml. The JWT secret is intentionally absent: it is
// supplied via environment, never the config file.
type Config struct {
	Municipality struct {
		Name string `yaml:"name"`
	} `yaml:"municipality"`
	Auth struct {
		// Legacy admin identity honored alongside the admin role.
		AdminFallbackEmail string `yaml:"admin_fallback_email"`
		// Dev-only escape hatch for X-Actor-Id/X-Actor-Role headers.
		AllowInsecureHeaders bool `yaml:"allow_insecure_headers"`
	} `yaml:"auth"`
	Routing struct {
		// Category name -> department auto-assigned at creation.
		Categories map[string]string `yaml:"categories"`
	} `yaml:"routing"`
	Storage struct {
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"storage"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one notification fan-out target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// StorageTimeout returns the bounded per-call storage timeout.
func (c *Config) StorageTimeout() time.Duration {
	if c.Storage.TimeoutSeconds > 0 {
		return time.Duration(c.Storage.TimeoutSeconds) * time.Second
	}
	return 5 * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Auth.AdminFallbackEmail == "" {
		return fmt.Errorf("config.auth.admin_fallback_email is required")
	}
	for category, dept := range c.Routing.Categories {
		if !domain.ValidCategory(category) {
			return fmt.Errorf("routing references unknown category %s", category)
		}
		if !domain.ValidDepartment(dept) {
			return fmt.Errorf("routing for category %s references unknown department %s", category, dept)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "civicdesk.yml")
}

// Load reads and validates config from workspace, seeding defaults when the
// file is absent.
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

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Municipality.Name == "" {
		cfg.Municipality.Name = "Municipality"
	}
	if cfg.Auth.AdminFallbackEmail == "" {
		cfg.Auth.AdminFallbackEmail = "admin@example.com"
	}
	if cfg.Routing.Categories == nil {
		cfg.Routing.Categories = map[string]string{
			domain.CategoryStreetlight: "Electric Association",
			domain.CategoryMaintenance: "Municipality",
			domain.CategoryRepair:      "Municipality",
			domain.CategoryInspection:  "Municipality",
		}
	}
}

// GenerateDefault returns default config YAML for `civic config init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `municipality:
  name: Municipality

auth:
  admin_fallback_email: admin@example.com
  allow_insecure_headers: false

routing:
  categories:
    streetlight: Electric Association
    maintenance: Municipality
    repair: Municipality
    inspection: Municipality

storage:
  timeout_seconds: 5

webhooks: []
`
