// Package config handles loading and validation of SDK configuration.
// Supports both development (env vars) and production (Secret Manager) modes.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// Storage backend selectors.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
)

// Config holds all SDK configuration.
// Environment determines whether backend settings load from env vars
// (development) or Secret Manager (production).
type Config struct {
	Environment string // "development" or "production"
	LogLevel    string // "debug", "info", "warn", "error"

	// GCP settings (required in production)
	GCPProject string
	ProfileID  string // Secret Manager secret holding the backend profile

	// Backend connection settings (loaded from secrets in production)
	Backend BackendConfig

	// Client-side persistence
	Storage StorageConfig
}

// BackendConfig describes how to reach the loyalty backend.
// In production, this is loaded from Secret Manager as JSON.
// In development, loaded from individual env vars or CONFIG_FILE.
type BackendConfig struct {
	BaseURL    string `json:"base_url"`
	BrowserTLS bool   `json:"browser_tls"` // imitate a browser TLS fingerprint
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

// Timeout returns the per-request timeout, defaulting to 15s.
func (b BackendConfig) Timeout() time.Duration {
	if b.TimeoutSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(b.TimeoutSec) * time.Second
}

// StorageConfig selects where identity state and tokens persist between runs.
type StorageConfig struct {
	Backend       string `json:"backend"` // memory, file, sqlite, redis
	FilePath      string `json:"file_path,omitempty"`
	SQLitePath    string `json:"sqlite_path,omitempty"`
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
}

// Load reads configuration from file, environment, or Secret Manager.
// Priority: CONFIG_FILE (if set) → ENV vars / Secret Manager.
// Validates all required fields and returns an error if any are missing.
func Load(ctx context.Context) (*Config, error) {
	// If CONFIG_FILE is set, load everything from the JSON file
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromFile(configPath)
	}

	cfg := &Config{
		Environment: envOrDefault("ENVIRONMENT", "development"),
		LogLevel:    envOrDefault("LOG_LEVEL", "info"),
		GCPProject:  os.Getenv("GCP_PROJECT"),
		ProfileID:   os.Getenv("PROFILE_ID"),
		Storage: StorageConfig{
			Backend:       envOrDefault("STORAGE_BACKEND", StorageFile),
			FilePath:      envOrDefault("STORAGE_FILE", defaultStatePath()),
			SQLitePath:    os.Getenv("STORAGE_SQLITE_PATH"),
			RedisAddr:     os.Getenv("STORAGE_REDIS_ADDR"),
			RedisPassword: os.Getenv("STORAGE_REDIS_PASSWORD"),
		},
	}

	var err error
	if cfg.Environment == "production" {
		if cfg.GCPProject == "" {
			return nil, fmt.Errorf("GCP_PROJECT required in production environment")
		}
		if cfg.ProfileID == "" {
			return nil, fmt.Errorf("PROFILE_ID required in production environment")
		}
		err = cfg.loadFromSecretManager(ctx)
	} else {
		err = cfg.loadFromEnv()
	}
	if err != nil {
		return nil, fmt.Errorf("loading backend config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile reads all configuration from a JSON file.
// Used for local development to avoid multiple ENV vars.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig struct {
		Environment string        `json:"environment"`
		LogLevel    string        `json:"log_level"`
		Backend     BackendConfig `json:"backend"`
		Storage     StorageConfig `json:"storage"`
	}

	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg := &Config{
		Environment: withDefault(fileConfig.Environment, "development"),
		LogLevel:    withDefault(fileConfig.LogLevel, "info"),
		Backend:     fileConfig.Backend,
		Storage:     fileConfig.Storage,
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageFile
	}
	if cfg.Storage.Backend == StorageFile && cfg.Storage.FilePath == "" {
		cfg.Storage.FilePath = defaultStatePath()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromSecretManager fetches the backend profile from GCP Secret Manager.
// Secret name format: projects/{project}/secrets/{profile_id}/versions/latest
func (c *Config) loadFromSecretManager(ctx context.Context) error {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating secret manager client: %w", err)
	}
	defer client.Close()

	secretName := fmt.Sprintf("projects/%s/secrets/%s/versions/latest",
		c.GCPProject, c.ProfileID)

	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: secretName,
	})
	if err != nil {
		return fmt.Errorf("accessing secret %s: %w", secretName, err)
	}

	if err := json.Unmarshal(result.Payload.Data, &c.Backend); err != nil {
		return fmt.Errorf("parsing secret JSON: %w", err)
	}

	return nil
}

// loadFromEnv reads backend config from individual environment variables.
// Used in development mode for local testing.
func (c *Config) loadFromEnv() error {
	c.Backend = BackendConfig{
		BaseURL:    os.Getenv("BACKEND_BASE_URL"),
		BrowserTLS: os.Getenv("BACKEND_BROWSER_TLS") == "true",
	}
	if v := os.Getenv("BACKEND_TIMEOUT_SEC"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &c.Backend.TimeoutSec); err != nil {
			return fmt.Errorf("parsing BACKEND_TIMEOUT_SEC: %w", err)
		}
	}
	return nil
}

// validate checks that all required configuration fields are present.
func (c *Config) validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend base_url is required")
	}
	if _, err := url.Parse(c.Backend.BaseURL); err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageFile:
		if c.Storage.FilePath == "" {
			return fmt.Errorf("storage file_path is required for the file backend")
		}
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage sqlite_path is required for the sqlite backend")
		}
	case StorageRedis:
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	return nil
}

// defaultStatePath places the state file next to the user's other app data.
func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".loyalty-state.json"
	}
	return dir + "/loyalty-sdk/state.json"
}

// withDefault returns val if non-empty, otherwise defaultVal.
func withDefault(val, defaultVal string) string {
	if val != "" {
		return val
	}
	return defaultVal
}

// envOrDefault returns the environment variable value or the default if not set.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
