package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealth_ReadyAndLive(t *testing.T) {
	h := NewHealth("")
	if h.Ready() {
		t.Fatal("expected not ready initially")
	}

	tests := []struct {
		name  string
		setup func()
		path  string
		code  int
	}{
		{"not ready", func() {}, "/ready", http.StatusServiceUnavailable},
		{"ready", func() { h.SetReady(true) }, "/ready", http.StatusOK},
		{"readyz alias", func() {}, "/readyz", http.StatusOK},
		{"live", func() {}, "/live", http.StatusOK},
		{"not live", func() { h.SetLive(false) }, "/livez", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			w := httptest.NewRecorder()
			h.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if w.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, w.Code)
			}
		})
	}
}

func TestHealth_Checks(t *testing.T) {
	tests := []struct {
		name     string
		statuses []HealthStatus
		want     HealthStatus
		code     int
	}{
		{"all healthy", []HealthStatus{HealthStatusHealthy, HealthStatusHealthy}, HealthStatusHealthy, http.StatusOK},
		{"degraded still serves", []HealthStatus{HealthStatusHealthy, HealthStatusDegraded}, HealthStatusDegraded, http.StatusOK},
		{"one unhealthy", []HealthStatus{HealthStatusDegraded, HealthStatusUnhealthy, HealthStatusHealthy}, HealthStatusUnhealthy, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealth("1.0.0")
			for i, st := range tt.statuses {
				h.RegisterCheck(string(rune('a'+i)), func(context.Context) HealthCheck {
					return HealthCheck{Status: st}
				})
			}

			w := httptest.NewRecorder()
			h.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			if w.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, w.Code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("expected application/json, got %s", ct)
			}

			var resp HealthResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if resp.Status != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, resp.Status)
			}
			if resp.Version != "1.0.0" {
				t.Fatalf("expected version 1.0.0, got %s", resp.Version)
			}
			if len(resp.Checks) != len(tt.statuses) {
				t.Fatalf("expected %d checks, got %d", len(tt.statuses), len(resp.Checks))
			}
			if resp.Checks[0].Name != "a" {
				t.Fatalf("expected checks sorted by name, got %s first", resp.Checks[0].Name)
			}
		})
	}
}

func TestStorageHealthChecker(t *testing.T) {
	ok := StorageHealthChecker("json", func(context.Context) (int, int, error) { return 2, 7, nil })(context.Background())
	if ok.Status != HealthStatusHealthy {
		t.Fatalf("expected healthy, got %s", ok.Status)
	}
	if ok.Details["documents"] != "2" || ok.Details["chunks"] != "7" {
		t.Fatalf("unexpected details %v", ok.Details)
	}

	bad := StorageHealthChecker("redis", func(context.Context) (int, int, error) {
		return 0, 0, errors.New("connection refused")
	})(context.Background())
	if bad.Status != HealthStatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", bad.Status)
	}
}

func TestLLMHealthChecker(t *testing.T) {
	if got := LLMHealthChecker("openai", nil)(context.Background()); got.Status != HealthStatusHealthy {
		t.Fatalf("expected healthy, got %s", got.Status)
	}
	got := LLMHealthChecker("openai", func(context.Context) error { return errors.New("rate limited") })(context.Background())
	if got.Status != HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", got.Status)
	}
	if got.Details["provider"] != "openai" {
		t.Fatalf("expected provider detail, got %v", got.Details)
	}
}

func TestTemporalHealthChecker(t *testing.T) {
	if got := TemporalHealthChecker(func(context.Context) error { return nil })(context.Background()); got.Status != HealthStatusHealthy {
		t.Fatalf("expected healthy, got %s", got.Status)
	}
	got := TemporalHealthChecker(func(context.Context) error { return errors.New("connection refused") })(context.Background())
	if got.Status != HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", got.Status)
	}
}
