package main

import (
	"context"
	"errors"
	"testing"

	"github.com/efebarandurmaz/kiln/internal/config"
	"github.com/efebarandurmaz/kiln/internal/server"
	"github.com/stretchr/testify/assert"
	temporalclient "go.temporal.io/sdk/client"
)

type fakeTemporal struct {
	err   error
	calls int
}

func (f *fakeTemporal) CheckHealth(context.Context, *temporalclient.CheckHealthRequest) (*temporalclient.CheckHealthResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &temporalclient.CheckHealthResponse{}, nil
}

func TestTemporalPing(t *testing.T) {
	ok := &fakeTemporal{}
	check := server.TemporalHealthChecker(temporalPing(ok))
	assert.Equal(t, server.HealthStatusHealthy, check(context.Background()).Status)
	assert.Equal(t, 1, ok.calls)

	down := &fakeTemporal{err: errors.New("connection refused")}
	got := server.TemporalHealthChecker(temporalPing(down))(context.Background())
	assert.Equal(t, server.HealthStatusDegraded, got.Status)
	assert.Contains(t, got.Message, "connection refused")
}

func TestTracingConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Tracing.Endpoint = "otel:4317"
	assert.Empty(t, tracingConfig(cfg).OTLPEndpoint, "disabled tracing exports nothing")

	cfg.Tracing.Enabled = true
	cfg.Tracing.SampleRatio = 0.25
	tc := tracingConfig(cfg)
	assert.Equal(t, "otel:4317", tc.OTLPEndpoint)
	assert.Equal(t, 0.25, tc.SampleRate)
	assert.Equal(t, version, tc.ServiceVersion)
}
