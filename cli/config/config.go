// Package config handles CLI configuration loading and management.
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the CLI configuration.
type Config struct {
	DefaultBackend string `yaml:"default_backend"`
	DefaultModel   string `yaml:"default_model"`

	Backends map[string]BackendConfig `yaml:"backends"`

	// Router, when set, lets the chat command fan a request across
	// several configured backends with failover.
	Router *RouterConfig `yaml:"router,omitempty"`
}

// BackendConfig holds configuration for a specific backend.
type BackendConfig struct {
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model,omitempty"`

	// APIKeyEnv names an environment variable holding the API key,
	// taking precedence over the keystore.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// RouterConfig selects a routing strategy over a backend list.
type RouterConfig struct {
	Strategy string   `yaml:"strategy,omitempty"`
	Backends []string `yaml:"backends"`
}

// DefaultConfigPath returns the default configuration file path for the
// current platform.
// - macOS/Linux: ~/.conduit/config.yaml
// - Windows: %USERPROFILE%\.conduit\config.yaml
func DefaultConfigPath() string {
	var homeDir string
	if runtime.GOOS == "windows" {
		homeDir = os.Getenv("USERPROFILE")
	} else {
		homeDir = os.Getenv("HOME")
	}
	if homeDir == "" {
		return "config.yaml"
	}
	return filepath.Join(homeDir, ".conduit", "config.yaml")
}

// LoadConfig loads configuration from the specified path. A missing file
// is not an error and yields an empty config.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		Backends: make(map[string]BackendConfig),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Backends == nil {
		cfg.Backends = make(map[string]BackendConfig)
	}
	return cfg, nil
}

// GetBackend returns the backend config for the given name, or nil when
// not configured.
func (c *Config) GetBackend(name string) *BackendConfig {
	if c.Backends == nil {
		return nil
	}
	if bc, ok := c.Backends[name]; ok {
		return &bc
	}
	return nil
}
