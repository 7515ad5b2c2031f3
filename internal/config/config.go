// Package config loads the runtime's TOML configuration. String values
// of the exact form ${NAME} are replaced with the process environment
// variable NAME, or cleared when it is absent. Discovery walks from the
// working directory through its ancestors looking for config.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"

	"github.com/BurntSushi/toml"
)

// DefaultFilename is the file Discover searches for.
const DefaultFilename = "config.toml"

// ErrNotFound is returned by Discover when no config file exists in the
// working directory or any ancestor.
var ErrNotFound = errors.New("config file not found")

// Config is the root document.
type Config struct {
	Auth          AuthConfig          `toml:"auth"`
	Model         ModelConfig         `toml:"model"`
	Server        ServerConfig        `toml:"server"`
	Session       SessionConfig       `toml:"session"`
	Observability ObservabilityConfig `toml:"observability"`
}

// AuthConfig selects the credential source.
type AuthConfig struct {
	Provider string     `toml:"provider"` // "api_key" | "gcloud"
	APIKey   APIKeyAuth `toml:"api_key"`
	GCloud   GCloudAuth `toml:"gcloud"`
}

type APIKeyAuth struct {
	Key string `toml:"key"`
}

type GCloudAuth struct {
	ProjectID string `toml:"project_id"`
	Location  string `toml:"location"`
	Endpoint  string `toml:"endpoint"`
}

// ModelConfig names the backend and model.
type ModelConfig struct {
	Provider  string `toml:"provider"`
	ModelName string `toml:"model_name"`
	APIKey    string `toml:"api_key"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// SessionConfig selects the session store backend.
type SessionConfig struct {
	Provider         string `toml:"provider"` // "in-memory" | "sqlite" | "postgres"
	ConnectionString string `toml:"connection_string"`
}

type ObservabilityConfig struct {
	OTELEndpoint string `toml:"otel_endpoint"`
	ServiceName  string `toml:"service_name"`
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	interpolateEnv(reflect.ValueOf(&cfg).Elem())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Discover finds config.toml in the working directory or the nearest
// ancestor and loads it.
func Discover() (*Config, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	for {
		candidate := filepath.Join(dir, DefaultFilename)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return Load(candidate)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, ErrNotFound
		}
		dir = parent
	}
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Session.Provider {
	case "", "in-memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("session.provider %q is not one of in-memory, sqlite, postgres", c.Session.Provider)
	}
	switch c.Auth.Provider {
	case "", "api_key", "gcloud":
	default:
		return fmt.Errorf("auth.provider %q is not one of api_key, gcloud", c.Auth.Provider)
	}
	return nil
}

var envRef = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// interpolateEnv walks the struct and rewrites string fields that are
// exactly ${NAME}. Partial references are left untouched.
func interpolateEnv(v reflect.Value) {
	switch v.Kind() {
	case reflect.String:
		if m := envRef.FindStringSubmatch(v.String()); m != nil && v.CanSet() {
			v.SetString(os.Getenv(m[1]))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			interpolateEnv(v.Field(i))
		}
	case reflect.Pointer:
		if !v.IsNil() {
			interpolateEnv(v.Elem())
		}
	}
}
