package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// VaultConfig configures the HashiCorp Vault source. Secrets are read from
// a single KV v2 path; each key named in this package is a field of that
// secret.
type VaultConfig struct {
	// Address of the Vault server, e.g. "http://localhost:8200".
	Address string
	// Token for authentication.
	Token string
	// MountPath of the KV v2 engine (default "secret").
	MountPath string
	// SecretPath under the mount (default "bookcompanion").
	SecretPath string
	// Timeout for Vault requests.
	Timeout time.Duration
}

// VaultSource reads credentials from HashiCorp Vault.
type VaultSource struct {
	config *VaultConfig
	client *http.Client
}

// NewVaultSource creates a Vault-backed source.
func NewVaultSource(cfg *VaultConfig) (*VaultSource, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, fmt.Errorf("vault address required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("vault token required")
	}
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	if cfg.SecretPath == "" {
		cfg.SecretPath = "bookcompanion"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &VaultSource{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (s *VaultSource) Name() string { return "vault" }

func (s *VaultSource) Get(ctx context.Context, key string) (string, error) {
	url := fmt.Sprintf("%s/v1/%s/data/%s",
		strings.TrimSuffix(s.config.Address, "/"),
		s.config.MountPath,
		s.config.SecretPath,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Vault-Token", s.config.Token)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("secret path not found: %s", s.config.SecretPath)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("vault error %d: %s", resp.StatusCode, body)
	}

	// KV v2 wraps the fields in data.data.
	var result struct {
		Data struct {
			Data map[string]interface{} `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	val, ok := result.Data.Data[key]
	if !ok {
		return "", fmt.Errorf("key not found in vault: %s", key)
	}
	if strVal, ok := val.(string); ok {
		return strVal, nil
	}
	return fmt.Sprintf("%v", val), nil
}
