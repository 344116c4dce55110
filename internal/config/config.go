// Package config provides layered configuration loading: defaults, an
// optional .env file, the global config file, ERPLINK_* environment
// variables, then command-line flags.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/prodash/erplink/internal/auth"
)

// Source indicates where a config value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

// Config holds the resolved configuration: the ERP connection profile plus
// CLI behavior settings.
//
// Secret material (client_secret, api_key) is best supplied through the
// environment or an env file; values written to the global config file are
// stored as plain text.
type Config struct {
	// Connection profile
	BaseURL       string `json:"base_url,omitempty"`
	AuthType      string `json:"auth_type,omitempty"`
	ClientID      string `json:"client_id,omitempty"`
	ClientSecret  string `json:"client_secret,omitempty"`
	APIKey        string `json:"api_key,omitempty"`
	TokenEndpoint string `json:"token_endpoint,omitempty"`
	Scope         string `json:"scope,omitempty"`

	// Request behavior
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Retries        int    `json:"retries,omitempty"`
	TestPath       string `json:"test_path,omitempty"`

	// Storage
	CredentialDir string `json:"credential_dir,omitempty"`

	// Sources tracks where each value came from (for debugging).
	Sources map[string]string `json:"-"`
}

// FlagOverrides holds command-line flag values.
type FlagOverrides struct {
	BaseURL       string
	EnvFile       string
	CredentialDir string
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		AuthType:       auth.TypeOAuth2,
		TimeoutSeconds: 30,
		Retries:        3,
		TestPath:       "/",
		CredentialDir:  GlobalConfigDir(),
		Sources:        map[string]string{},
	}
}

// GlobalConfigDir returns the directory for the config and fallback
// credential files.
func GlobalConfigDir() string {
	if dir := os.Getenv("ERPLINK_CONFIG_DIR"); dir != "" {
		return dir
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "erplink")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".config", "erplink")
	}
	return filepath.Join(os.TempDir(), "erplink")
}

// Path returns the global config file path.
func Path() string {
	return filepath.Join(GlobalConfigDir(), "config.json")
}

// Load resolves configuration from all layers.
func Load(flags FlagOverrides) (*Config, error) {
	cfg := Default()

	// Env file first so its variables participate in the env layer.
	envFile := flags.EnvFile
	if envFile == "" {
		envFile = os.Getenv("ERPLINK_ENV_FILE")
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load() // best-effort ./.env
	}

	if err := cfg.applyFile(Path()); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyFlags(flags)

	cfg.BaseURL = NormalizeBaseURL(cfg.BaseURL)
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var file Config
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("invalid config file %s: %w", path, err)
	}

	set := func(dst *string, v, name string) {
		if v != "" {
			*dst = v
			c.Sources[name] = string(SourceFile)
		}
	}
	set(&c.BaseURL, file.BaseURL, "base_url")
	set(&c.AuthType, file.AuthType, "auth_type")
	set(&c.ClientID, file.ClientID, "client_id")
	set(&c.ClientSecret, file.ClientSecret, "client_secret")
	set(&c.APIKey, file.APIKey, "api_key")
	set(&c.TokenEndpoint, file.TokenEndpoint, "token_endpoint")
	set(&c.Scope, file.Scope, "scope")
	set(&c.TestPath, file.TestPath, "test_path")
	set(&c.CredentialDir, file.CredentialDir, "credential_dir")
	if file.TimeoutSeconds > 0 {
		c.TimeoutSeconds = file.TimeoutSeconds
		c.Sources["timeout_seconds"] = string(SourceFile)
	}
	if file.Retries > 0 {
		c.Retries = file.Retries
		c.Sources["retries"] = string(SourceFile)
	}
	return nil
}

func (c *Config) applyEnv() {
	set := func(dst *string, env, name string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
			c.Sources[name] = string(SourceEnv)
		}
	}
	set(&c.BaseURL, "ERPLINK_BASE_URL", "base_url")
	set(&c.AuthType, "ERPLINK_AUTH_TYPE", "auth_type")
	set(&c.ClientID, "ERPLINK_CLIENT_ID", "client_id")
	set(&c.ClientSecret, "ERPLINK_CLIENT_SECRET", "client_secret")
	set(&c.APIKey, "ERPLINK_API_KEY", "api_key")
	set(&c.TokenEndpoint, "ERPLINK_TOKEN_ENDPOINT", "token_endpoint")
	set(&c.Scope, "ERPLINK_SCOPE", "scope")
	set(&c.TestPath, "ERPLINK_TEST_PATH", "test_path")
	set(&c.CredentialDir, "ERPLINK_CREDENTIAL_DIR", "credential_dir")

	if v := os.Getenv("ERPLINK_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.TimeoutSeconds = n
			c.Sources["timeout_seconds"] = string(SourceEnv)
		}
	}
	if v := os.Getenv("ERPLINK_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Retries = n
			c.Sources["retries"] = string(SourceEnv)
		}
	}
}

func (c *Config) applyFlags(flags FlagOverrides) {
	if flags.BaseURL != "" {
		c.BaseURL = flags.BaseURL
		c.Sources["base_url"] = string(SourceFlag)
	}
	if flags.CredentialDir != "" {
		c.CredentialDir = flags.CredentialDir
		c.Sources["credential_dir"] = string(SourceFlag)
	}
}

// Save writes the configuration to the global config file.
func (c *Config) Save() error {
	dir := GlobalConfigDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(Path(), data, 0600)
}

// ClientConfig maps the resolved configuration onto the connection profile
// consumed by the auth provider.
func (c *Config) ClientConfig() auth.ClientConfig {
	return auth.ClientConfig{
		BaseURL:       c.BaseURL,
		AuthType:      c.AuthType,
		ClientID:      c.ClientID,
		ClientSecret:  c.ClientSecret,
		APIKey:        c.APIKey,
		TokenEndpoint: c.TokenEndpoint,
		Scope:         c.Scope,
	}
}

// NormalizeBaseURL strips a trailing slash and defaults the scheme to https.
func NormalizeBaseURL(u string) string {
	if u == "" {
		return ""
	}
	if !strings.Contains(u, "://") {
		u = "https://" + u
	}
	return strings.TrimRight(u, "/")
}
