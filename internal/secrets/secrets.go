// Package secrets resolves provider credentials that should not live in
// config files. A resolver tries its configured source first and falls back
// to environment variables, so deployments can keep the API key in Vault or
// a local secrets file while development keeps using the environment.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Keys the resolver is asked for.
const (
	KeyLLMAPIKey = "llm_api_key"
)

// DefaultEnvPrefix is prepended to upper-cased keys for environment lookup.
const DefaultEnvPrefix = "BOOKCOMPANION_"

// Source is a read-only credential backend.
type Source interface {
	// Get returns the value for key, or an error when the source has no
	// value for it.
	Get(ctx context.Context, key string) (string, error)
	// Name identifies the source in logs and errors.
	Name() string
}

// Config selects and configures the primary source. Provider is one of
// "env", "file", "vault"; empty means env only.
type Config struct {
	Provider  string
	EnvPrefix string
	File      *FileConfig
	Vault     *VaultConfig
}

// Resolver looks up credentials through a primary source with an
// environment fallback.
type Resolver struct {
	primary  Source
	fallback Source
}

// NewResolver builds a resolver from config. The environment is always the
// fallback source, so an env var wins whenever the primary has no value.
func NewResolver(cfg *Config) (*Resolver, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	prefix := cfg.EnvPrefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}

	var primary Source
	var err error
	switch cfg.Provider {
	case "", "env":
		primary = NewEnvSource(prefix)
	case "file":
		primary, err = NewFileSource(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("file secrets source: %w", err)
		}
	case "vault":
		primary, err = NewVaultSource(cfg.Vault)
		if err != nil {
			return nil, fmt.Errorf("vault secrets source: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown secrets provider %q (env, file, vault)", cfg.Provider)
	}

	return &Resolver{primary: primary, fallback: NewEnvSource(prefix)}, nil
}

// Get returns the value for key, trying the primary source first.
func (r *Resolver) Get(ctx context.Context, key string) (string, error) {
	val, err := r.primary.Get(ctx, key)
	if err == nil && val != "" {
		return val, nil
	}
	if r.fallback.Name() != r.primary.Name() {
		val, err = r.fallback.Get(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
	}
	return "", fmt.Errorf("secret %s not found in %s", key, r.primary.Name())
}

// GetOrDefault returns the value for key, or defaultVal when no source has
// it.
func (r *Resolver) GetOrDefault(ctx context.Context, key, defaultVal string) string {
	val, err := r.Get(ctx, key)
	if err != nil || val == "" {
		return defaultVal
	}
	return val
}

// EnvSource reads credentials from environment variables, first with the
// configured prefix, then bare.
type EnvSource struct {
	prefix string
}

// NewEnvSource creates an environment-backed source.
func NewEnvSource(prefix string) *EnvSource {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return &EnvSource{prefix: prefix}
}

func (s *EnvSource) Name() string { return "env" }

func (s *EnvSource) Get(ctx context.Context, key string) (string, error) {
	envKey := s.prefix + strings.ToUpper(key)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}
	if val := os.Getenv(strings.ToUpper(key)); val != "" {
		return val, nil
	}
	return "", fmt.Errorf("env var not found: %s", envKey)
}
