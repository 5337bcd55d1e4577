// Package config loads the protector configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message, Err: ErrConfigurationError}
}

// Config is the protector configuration.
type Config struct {
	// WrapperTemplate is the path to the outer wrapper template PDF.
	WrapperTemplate string `yaml:"wrapper-template"`

	// SigningKey is the path to the PEM Ed25519 key the local policy
	// service signs licenses with.
	SigningKey string `yaml:"signing-key"`

	// ServiceSecretFile is the path to the local policy service's master
	// secret.
	ServiceSecretFile string `yaml:"service-secret"`

	// Crypto selects the content cipher: aes128-cbc4k (default) or
	// aes128-ecb.
	Crypto string `yaml:"crypto"`

	// AllowAuditedExtraction permits audited content extraction.
	AllowAuditedExtraction bool `yaml:"allow-audited-extraction"`

	// OfflineOnly forbids network access during policy acquisition.
	OfflineOnly bool `yaml:"offline-only"`

	// UseCache permits policy caching.
	UseCache bool `yaml:"use-cache"`

	// SignedAppData is application data sealed into issued licenses.
	SignedAppData map[string]string `yaml:"signed-app-data"`
}

// Load reads and validates a configuration file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", filename, err)
	}
	return Parse(data)
}

// Parse reads and validates configuration data.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigError{Message: err.Error(), Err: ErrConfigurationError}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values and fills defaults.
func (c *Config) Validate() error {
	if c.WrapperTemplate == "" {
		return &ConfigError{Field: "wrapper-template", Message: "required field is missing", Err: ErrMissingRequiredField}
	}
	if c.SigningKey == "" {
		return &ConfigError{Field: "signing-key", Message: "required field is missing", Err: ErrMissingRequiredField}
	}
	switch c.Crypto {
	case "":
		c.Crypto = "aes128-cbc4k"
	case "aes128-cbc4k", "aes128-ecb":
	default:
		return NewConfigError("crypto", fmt.Sprintf("unknown cipher %q", c.Crypto))
	}
	return nil
}
