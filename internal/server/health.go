// Package server exposes the knowledge engine over HTTP: the query and
// document API, graph export, health checks and metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// HealthCheck is the outcome of one check.
type HealthCheck struct {
	Name    string            `json:"name"`
	Status  HealthStatus      `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// HealthResponse is the body of every health endpoint.
type HealthResponse struct {
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version,omitempty"`
	Checks    []HealthCheck `json:"checks,omitempty"`
}

// HealthChecker checks one dependency.
type HealthChecker func(ctx context.Context) HealthCheck

// Health tracks readiness and liveness and runs registered checks.
type Health struct {
	mu      sync.RWMutex
	checks  map[string]HealthChecker
	version string
	ready   bool
	live    bool
	timeout time.Duration
}

// NewHealth starts live but not ready.
func NewHealth(version string) *Health {
	return &Health{
		checks:  make(map[string]HealthChecker),
		version: version,
		live:    true,
		timeout: 5 * time.Second,
	}
}

func (h *Health) RegisterCheck(name string, checker HealthChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = checker
}

// SetReady marks the server as ready to accept traffic.
func (h *Health) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

func (h *Health) SetLive(live bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live = live
}

// Ready reports whether SetReady(true) was called last.
func (h *Health) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Register mounts the health endpoints on mux.
func (h *Health) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /ready", h.handleReady)
	mux.HandleFunc("GET /live", h.handleLive)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	mux.HandleFunc("GET /livez", h.handleLive)
}

// Handler serves only the health endpoints.
func (h *Health) Handler() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

// Run executes every check. The overall status is the worst one seen.
func (h *Health) Run(ctx context.Context) HealthResponse {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthChecker, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	version := h.version
	h.mu.RUnlock()
	sort.Strings(names)

	resp := HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now().UTC(),
		Version:   version,
		Checks:    make([]HealthCheck, 0, len(names)),
	}
	for _, name := range names {
		check := checks[name](ctx)
		check.Name = name
		resp.Checks = append(resp.Checks, check)
		switch {
		case check.Status == HealthStatusUnhealthy:
			resp.Status = HealthStatusUnhealthy
		case check.Status == HealthStatusDegraded && resp.Status == HealthStatusHealthy:
			resp.Status = HealthStatusDegraded
		}
	}
	return resp
}

func (h *Health) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := h.Run(r.Context())
	code := http.StatusOK
	if resp.Status == HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (h *Health) handleReady(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, h.Ready())
}

func (h *Health) handleLive(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	live := h.live
	h.mu.RUnlock()
	h.respond(w, live)
}

func (h *Health) respond(w http.ResponseWriter, ok bool) {
	resp := HealthResponse{Status: HealthStatusHealthy, Timestamp: time.Now().UTC()}
	if !ok {
		resp.Status = HealthStatusUnhealthy
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// StorageHealthChecker reports the knowledge base unhealthy when its
// counts cannot be read.
func StorageHealthChecker(backend string, statsFn func(ctx context.Context) (documents, chunks int, err error)) HealthChecker {
	return func(ctx context.Context) HealthCheck {
		docs, chunks, err := statsFn(ctx)
		if err != nil {
			return HealthCheck{
				Status:  HealthStatusUnhealthy,
				Message: "storage unavailable: " + err.Error(),
				Details: map[string]string{"backend": backend},
			}
		}
		return HealthCheck{
			Status:  HealthStatusHealthy,
			Message: "storage OK",
			Details: map[string]string{
				"backend":   backend,
				"documents": fmt.Sprint(docs),
				"chunks":    fmt.Sprint(chunks),
			},
		}
	}
}

// LLMHealthChecker reports a failing provider as degraded: retrieval keeps
// working without it.
func LLMHealthChecker(providerName string, checkFn func(ctx context.Context) error) HealthChecker {
	return func(ctx context.Context) HealthCheck {
		details := map[string]string{"provider": providerName}
		if checkFn == nil {
			return HealthCheck{
				Status:  HealthStatusHealthy,
				Message: "LLM provider configured: " + providerName,
				Details: details,
			}
		}
		if err := checkFn(ctx); err != nil {
			return HealthCheck{
				Status:  HealthStatusDegraded,
				Message: "LLM provider degraded: " + err.Error(),
				Details: details,
			}
		}
		return HealthCheck{Status: HealthStatusHealthy, Message: "LLM provider OK", Details: details}
	}
}

// TemporalHealthChecker checks the workflow service. Only batch ingestion
// needs it, so a failure degrades rather than fails the server.
func TemporalHealthChecker(checkFn func(ctx context.Context) error) HealthChecker {
	return func(ctx context.Context) HealthCheck {
		if err := checkFn(ctx); err != nil {
			return HealthCheck{
				Status:  HealthStatusDegraded,
				Message: "Temporal connection failed: " + err.Error(),
			}
		}
		return HealthCheck{Status: HealthStatusHealthy, Message: "Temporal connection OK"}
	}
}
