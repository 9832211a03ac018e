package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// FileConfig configures the file source.
type FileConfig struct {
	// Path to a flat JSON object mapping keys to values. Intended for
	// development; production deployments use Vault or the environment.
	Path string
}

// FileSource reads credentials from a JSON file loaded once at startup.
type FileSource struct {
	path string
	data map[string]string
}

// NewFileSource loads the secrets file at cfg.Path.
func NewFileSource(cfg *FileConfig) (*FileSource, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("file path required")
	}

	raw, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	data := make(map[string]string)
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse secrets file %s: %w", cfg.Path, err)
	}

	return &FileSource{path: cfg.Path, data: data}, nil
}

func (s *FileSource) Name() string { return "file" }

func (s *FileSource) Get(ctx context.Context, key string) (string, error) {
	val, ok := s.data[key]
	if !ok {
		return "", fmt.Errorf("secret not found in %s: %s", s.path, key)
	}
	return val, nil
}
