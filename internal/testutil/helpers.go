package testutil

import (
	"context"
	"testing"
	"time"
)

// TestContext returns a context cancelled when the test ends or after 30s.
func TestContext(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
