package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// VaultConfig configures the HashiCorp Vault provider.
type VaultConfig struct {
	// Address is the Vault server address, e.g. http://localhost:8200.
	Address string
	Token   string
	// MountPath is the KV v2 mount (default "secret").
	MountPath string
	Timeout   time.Duration
}

// VaultProvider reads vault:path#key references from a KV v2 secrets engine.
// Without #key the reference names the key under the "kiln" path. Each path
// is fetched once; a knowledge base resolves several keys at startup.
type VaultProvider struct {
	config *VaultConfig
	client *http.Client

	mu    sync.Mutex
	paths map[string]map[string]any
}

func NewVaultProvider(config *VaultConfig) (*VaultProvider, error) {
	if config == nil || config.Address == "" {
		return nil, errors.New("vault address required")
	}
	if config.Token == "" {
		return nil, errors.New("vault token required")
	}
	cfg := *config
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &VaultProvider{
		config: &cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		paths:  make(map[string]map[string]any),
	}, nil
}

func (p *VaultProvider) Name() string { return "vault" }

func (p *VaultProvider) Get(ctx context.Context, ref string) (string, error) {
	path, key, ok := strings.Cut(ref, "#")
	if !ok {
		path, key = "kiln", ref
	}
	path = strings.Trim(path, "/")

	data, err := p.read(ctx, path)
	if err != nil {
		return "", err
	}
	switch v := data[key].(type) {
	case nil:
		return "", fmt.Errorf("%w: vault key %s in %s", ErrNotFound, key, path)
	case string:
		return v, nil
	default:
		return fmt.Sprint(v), nil
	}
}

func (p *VaultProvider) read(ctx context.Context, path string) (map[string]any, error) {
	p.mu.Lock()
	data, ok := p.paths[path]
	p.mu.Unlock()
	if ok {
		return data, nil
	}

	url := fmt.Sprintf("%s/v1/%s/data/%s", strings.TrimSuffix(p.config.Address, "/"), p.config.MountPath, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	req.Header.Set("X-Vault-Token", p.config.Token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: vault path %s", ErrNotFound, path)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("vault: %s: %d %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var secret struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&secret); err != nil {
		return nil, fmt.Errorf("vault: decoding %s: %w", path, err)
	}
	p.mu.Lock()
	p.paths[path] = secret.Data.Data
	p.mu.Unlock()
	return secret.Data.Data, nil
}
