package server

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ShutdownHandler runs hooks in priority order on a signal or a manual
// Shutdown call.
type ShutdownHandler struct {
	mu           sync.Mutex
	hooks        []ShutdownHook
	timeout      time.Duration
	signals      []os.Signal
	logger       *zap.Logger
	shutdownCh   chan struct{}
	doneCh       chan struct{}
	started      bool
	shutdownOnce sync.Once
	doneOnce     sync.Once
}

// ShutdownHook is a function called during shutdown.
type ShutdownHook struct {
	Name     string
	Priority int // lower runs first
	Fn       func(ctx context.Context) error
}

// ShutdownConfig configures the shutdown handler.
type ShutdownConfig struct {
	// Timeout bounds all hooks together (default: 30s).
	Timeout time.Duration
	// Signals to listen for (default: SIGTERM, SIGINT).
	Signals []os.Signal
	Logger  *zap.Logger
}

func DefaultShutdownConfig() *ShutdownConfig {
	return &ShutdownConfig{
		Timeout: 30 * time.Second,
		Signals: []os.Signal{syscall.SIGTERM, syscall.SIGINT},
	}
}

func NewShutdownHandler(config *ShutdownConfig) *ShutdownHandler {
	if config == nil {
		config = DefaultShutdownConfig()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	signals := config.Signals
	if len(signals) == 0 {
		signals = DefaultShutdownConfig().Signals
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShutdownHandler{
		timeout:    timeout,
		signals:    signals,
		logger:     logger.With(zap.String("component", "shutdown")),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Add registers a hook. Hooks of equal priority run in registration order.
func (s *ShutdownHandler) Add(hook ShutdownHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
	sort.SliceStable(s.hooks, func(i, j int) bool { return s.hooks[i].Priority < s.hooks[j].Priority })
}

// Start begins listening for shutdown signals.
func (s *ShutdownHandler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, s.signals...)

	go func() {
		select {
		case sig := <-sigCh:
			signal.Stop(sigCh)
			s.logger.Info("signal received", zap.String("signal", sig.String()))
			s.once()
		case <-s.shutdownCh:
			signal.Stop(sigCh)
		}
		s.shutdown()
	}()
}

// Shutdown triggers shutdown. It does nothing before Start.
func (s *ShutdownHandler) Shutdown() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		s.once()
	}
}

func (s *ShutdownHandler) once() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Wait blocks until every hook has run.
func (s *ShutdownHandler) Wait() {
	<-s.doneCh
}

// WaitWithTimeout reports whether shutdown completed within timeout.
func (s *ShutdownHandler) WaitWithTimeout(timeout time.Duration) bool {
	select {
	case <-s.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// ShutdownCh is closed when shutdown starts.
func (s *ShutdownHandler) ShutdownCh() <-chan struct{} {
	return s.shutdownCh
}

func (s *ShutdownHandler) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	s.mu.Lock()
	hooks := make([]ShutdownHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	// A failing hook does not stop the rest.
	for _, hook := range hooks {
		start := time.Now()
		if err := hook.Fn(ctx); err != nil {
			s.logger.Error("shutdown hook failed", zap.String("hook", hook.Name), zap.Error(err))
			continue
		}
		s.logger.Debug("shutdown hook done", zap.String("hook", hook.Name), zap.Duration("duration", time.Since(start)))
	}

	s.doneOnce.Do(func() { close(s.doneCh) })
}

// HTTPServerShutdownHook stops accepting connections first.
func HTTPServerShutdownHook(name string, shutdownFn func(ctx context.Context) error) ShutdownHook {
	return ShutdownHook{Name: name, Priority: 10, Fn: shutdownFn}
}

// TemporalWorkerShutdownHook runs after HTTP servers.
func TemporalWorkerShutdownHook(stopFn func()) ShutdownHook {
	return ShutdownHook{
		Name:     "temporal-worker",
		Priority: 20,
		Fn: func(context.Context) error {
			stopFn()
			return nil
		},
	}
}

// TracingShutdownHook flushes spans.
func TracingShutdownHook(shutdownFn func(ctx context.Context) error) ShutdownHook {
	return ShutdownHook{Name: "tracing", Priority: 80, Fn: shutdownFn}
}

// EngineShutdownHook flushes the knowledge base once nothing writes to it.
func EngineShutdownHook(closeFn func(ctx context.Context) error) ShutdownHook {
	return ShutdownHook{Name: "engine", Priority: 90, Fn: closeFn}
}
