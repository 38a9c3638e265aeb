package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models siteline.yml.
type Config struct {
	Deployment struct {
		// Namespace scopes all collection paths, the equivalent of an
		// app/tenant id. One per running deployment.
		Namespace string `yaml:"namespace"`
	} `yaml:"deployment"`
	Sites struct {
		// CodePrefix seeds generated site codes, e.g. DHK-GEN-482.
		CodePrefix string `yaml:"code_prefix"`
	} `yaml:"sites"`
	Admin struct {
		// DeleteCodeSHA256 is the hex digest of the out-of-band deletion
		// code. Deletion is refused everywhere when it is empty.
		DeleteCodeSHA256 string `yaml:"delete_code_sha256"`
	} `yaml:"admin"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run sl init first", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Deployment.Namespace == "" {
		return fmt.Errorf("config.deployment.namespace is required")
	}
	if c.Sites.CodePrefix == "" {
		return fmt.Errorf("config.sites.code_prefix is required")
	}
	if c.Admin.DeleteCodeSHA256 != "" {
		raw, err := hex.DecodeString(c.Admin.DeleteCodeSHA256)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("config.admin.delete_code_sha256 must be a 64-char hex sha256 digest")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "siteline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(namespace string) string {
	return fmt.Sprintf(defaultTemplate, namespace)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a deployment namespace.
func Default(namespace string) *Config {
	var cfg Config
	cfg.Deployment.Namespace = namespace
	cfg.Sites.CodePrefix = "DHK-GEN"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, namespace))).Decode(&cfg)
	return &cfg
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `deployment:
  namespace: %s

sites:
  code_prefix: DHK-GEN

admin:
  # sha256 hex digest of the deletion code; empty disables deletion.
  delete_code_sha256: ""

auth:
  jwt_secret: ""
  allow_legacy_actor_header: true

webhooks: []
`
