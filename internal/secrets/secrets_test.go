package secrets

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestResolve_PlainValueUnchanged(t *testing.T) {
	r := Default()
	for _, v := range []string{"sk-plain", "http://localhost:11434/v1", "unknown:thing", ""} {
		got, err := r.Resolve(context.Background(), v)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", v, err)
		}
		if got != v {
			t.Errorf("Resolve(%q) = %q, want unchanged", v, got)
		}
	}
}

func TestResolve_Env(t *testing.T) {
	t.Setenv("KILN_TEST_SECRET", "secret_value")

	got, err := Default().Resolve(context.Background(), "env:KILN_TEST_SECRET")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "secret_value" {
		t.Fatalf("expected 'secret_value', got %s", got)
	}
}

func TestResolve_EnvNotFound(t *testing.T) {
	_, err := Default().Resolve(context.Background(), "env:KILN_NONEXISTENT_SECRET_XYZ")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolve_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api_key")
	if err := os.WriteFile(path, []byte("  file_value\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := Default().Resolve(context.Background(), "file:"+path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "file_value" {
		t.Fatalf("expected trimmed 'file_value', got %q", got)
	}

	_, err = Default().Resolve(context.Background(), "file:"+filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveAll(t *testing.T) {
	t.Setenv("KILN_TEST_A", "a")
	key, pass, empty := "env:KILN_TEST_A", "literal", ""

	if err := Default().ResolveAll(context.Background(), &key, &pass, &empty, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "a" || pass != "literal" || empty != "" {
		t.Errorf("got %q %q %q", key, pass, empty)
	}

	missing := "env:KILN_NONEXISTENT_SECRET_XYZ"
	if err := Default().ResolveAll(context.Background(), &missing); err == nil {
		t.Fatal("expected error for missing secret")
	}
	if missing != "env:KILN_NONEXISTENT_SECRET_XYZ" {
		t.Errorf("failed reference should be left as is, got %q", missing)
	}
}

type countingProvider struct{ calls atomic.Int32 }

func (p *countingProvider) Name() string { return "count" }

func (p *countingProvider) Get(_ context.Context, ref string) (string, error) {
	p.calls.Add(1)
	return "v-" + ref, nil
}

func TestResolver_Cache(t *testing.T) {
	p := &countingProvider{}
	r := NewResolver(p)
	for range 3 {
		got, err := r.Resolve(context.Background(), "count:x")
		if err != nil || got != "v-x" {
			t.Fatalf("Resolve = %q, %v", got, err)
		}
	}
	if p.calls.Load() != 1 {
		t.Fatalf("expected 1 provider call, got %d", p.calls.Load())
	}
	r.ClearCache()
	if _, err := r.Resolve(context.Background(), "count:x"); err != nil {
		t.Fatal(err)
	}
	if p.calls.Load() != 2 {
		t.Fatalf("expected a fresh lookup after ClearCache, got %d calls", p.calls.Load())
	}
}

func TestVaultProvider(t *testing.T) {
	var teamFetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/secret/data/team/llm" {
			teamFetches.Add(1)
		}
		if r.Header.Get("X-Vault-Token") != "tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch r.URL.Path {
		case "/v1/secret/data/kiln":
			w.Write([]byte(`{"data":{"data":{"openai":"sk-vault"}}}`))
		case "/v1/secret/data/team/llm":
			w.Write([]byte(`{"data":{"data":{"key":"sk-team","port":7687}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p, err := NewVaultProvider(&VaultConfig{Address: srv.URL, Token: "tok"})
	if err != nil {
		t.Fatal(err)
	}
	r := NewResolver(p)
	tests := []struct {
		ref  string
		want string
	}{
		{"vault:openai", "sk-vault"},
		{"vault:team/llm#key", "sk-team"},
		{"vault:team/llm#port", "7687"},
	}
	for _, tt := range tests {
		got, err := r.Resolve(context.Background(), tt.ref)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tt.ref, err)
		}
		if got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}

	if _, err := r.Resolve(context.Background(), "vault:team/llm#missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing key, got %v", err)
	}
	if _, err := r.Resolve(context.Background(), "vault:nowhere#key"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing path, got %v", err)
	}
	if n := teamFetches.Load(); n != 1 {
		t.Errorf("expected one fetch of team/llm, got %d", n)
	}
}

func TestNewVaultProvider_RequiresAddressAndToken(t *testing.T) {
	if _, err := NewVaultProvider(nil); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewVaultProvider(&VaultConfig{Address: "http://x"}); err == nil {
		t.Error("expected error without token")
	}
}
