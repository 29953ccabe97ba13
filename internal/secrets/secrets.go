// Package secrets resolves secret references in configuration values. A
// value of the form scheme:reference is looked up by the provider registered
// for scheme, so api_key: env:OPENAI_API_KEY reads the environment and
// password: file:/run/secrets/neo4j reads a mounted file. Values without a
// registered scheme are returned unchanged.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrNotFound is returned when a reference names a secret that does not exist.
var ErrNotFound = errors.New("secret not found")

// Provider looks up secrets for one scheme.
type Provider interface {
	// Name is the scheme the provider serves.
	Name() string
	Get(ctx context.Context, ref string) (string, error)
}

// Resolver dispatches references to providers and caches what it resolved.
type Resolver struct {
	providers map[string]Provider
	mu        sync.RWMutex
	cache     map[string]string
}

func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider), cache: make(map[string]string)}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Default serves env: and file: references, plus vault: when KILN_VAULT_ADDR
// and KILN_VAULT_TOKEN are set.
func Default() *Resolver {
	providers := []Provider{EnvProvider{}, FileProvider{}}
	if addr, token := os.Getenv("KILN_VAULT_ADDR"), os.Getenv("KILN_VAULT_TOKEN"); addr != "" && token != "" {
		if v, err := NewVaultProvider(&VaultConfig{Address: addr, Token: token}); err == nil {
			providers = append(providers, v)
		}
	}
	return NewResolver(providers...)
}

// Resolve returns the secret value references, or value itself when it is
// not a reference.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	scheme, ref, ok := strings.Cut(value, ":")
	if !ok {
		return value, nil
	}
	p, ok := r.providers[scheme]
	if !ok {
		return value, nil
	}

	r.mu.RLock()
	cached, hit := r.cache[value]
	r.mu.RUnlock()
	if hit {
		return cached, nil
	}

	secret, err := p.Get(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolving %s secret: %w", scheme, err)
	}
	r.mu.Lock()
	r.cache[value] = secret
	r.mu.Unlock()
	return secret, nil
}

// ResolveAll resolves each pointed-to value in place.
func (r *Resolver) ResolveAll(ctx context.Context, values ...*string) error {
	var errs []error
	for _, v := range values {
		if v == nil || *v == "" {
			continue
		}
		resolved, err := r.Resolve(ctx, *v)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*v = resolved
	}
	return errors.Join(errs...)
}

// ClearCache forgets resolved values so rotated secrets are read again.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	r.cache = make(map[string]string)
	r.mu.Unlock()
}

// EnvProvider reads env:NAME references.
type EnvProvider struct{}

func (EnvProvider) Name() string { return "env" }

func (EnvProvider) Get(_ context.Context, name string) (string, error) {
	val, ok := os.LookupEnv(name)
	if !ok || val == "" {
		return "", fmt.Errorf("%w: env var %s", ErrNotFound, name)
	}
	return val, nil
}

// FileProvider reads file:/path references. Surrounding whitespace is
// trimmed.
type FileProvider struct{}

func (FileProvider) Name() string { return "file" }

func (FileProvider) Get(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: file %s", ErrNotFound, path)
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
