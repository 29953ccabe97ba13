package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/efebarandurmaz/kiln/internal/chunker"
	"github.com/efebarandurmaz/kiln/internal/document"
	"github.com/efebarandurmaz/kiln/internal/engine"
	"github.com/efebarandurmaz/kiln/internal/export"
	"github.com/efebarandurmaz/kiln/internal/ingest"
	"github.com/efebarandurmaz/kiln/internal/observability"
	"github.com/efebarandurmaz/kiln/internal/query"
	"go.uber.org/zap"
)

// Engine is what the API serves.
type Engine interface {
	Ingest(ctx context.Context, source string, data []byte, format document.Format) (*ingest.Report, error)
	Query(ctx context.Context, req query.Request) (*query.Answer, error)
	Reset(ctx context.Context) error
	Snapshot() export.Snapshot
	Stats(ctx context.Context) (engine.Stats, error)
}

// Config holds HTTP server settings.
type Config struct {
	Addr    string
	Version string
	// MaxUploadBytes bounds one document upload (default 32 MiB).
	MaxUploadBytes int64
}

// Server serves the knowledge engine API.
type Server struct {
	cfg     Config
	engine  Engine
	health  *Health
	hub     *Hub
	logger  *zap.Logger
	metrics *observability.Metrics
	server  *http.Server
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth shares a health registry, for checks registered by the caller.
func WithHealth(h *Health) Option {
	return func(s *Server) { s.health = h }
}

func New(cfg Config, e Engine, opts ...Option) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	s := &Server{cfg: cfg, engine: e, hub: NewHub(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = NewHealth(cfg.Version)
	}
	s.logger = s.logger.With(zap.String("component", "server"))
	s.health.RegisterCheck("storage", StorageHealthChecker("kb", func(ctx context.Context) (int, int, error) {
		st, err := e.Stats(ctx)
		return st.Documents, st.Chunks, err
	}))

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) Health() *Health { return s.health }

func (s *Server) Hub() *Hub { return s.hub }

// Handler routes every endpoint through the CORS and observing middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.health.Register(mux)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.Handle("GET /api/v1/events", s.hub)
	mux.HandleFunc("POST /api/v1/query", s.handleQuery)
	mux.HandleFunc("POST /api/v1/documents", s.handleDocuments)
	mux.HandleFunc("GET /api/v1/graph", s.handleGraph)
	mux.HandleFunc("POST /api/v1/reset", s.handleReset)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	return corsMiddleware(s.observe(mux))
}

// ListenAndServe blocks until Shutdown. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", zap.String("addr", s.cfg.Addr))
	s.health.SetReady(true)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.SetReady(false)
	return s.server.Shutdown(ctx)
}

type queryResponse struct {
	*query.Answer
	DurationMS int64 `json:"duration_ms"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req query.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start := time.Now()
	ans, err := s.engine.Query(r.Context(), req)
	if err != nil {
		s.fail(w, "query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, queryResponse{Answer: ans, DurationMS: time.Since(start).Milliseconds()})
}

// handleDocuments accepts a multipart upload with one or more "file" parts,
// or a raw body named by the source query parameter.
func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	format, err := parseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		s.handleUpload(w, r, format)
		return
	}

	source := r.URL.Query().Get("source")
	if source == "" {
		writeError(w, http.StatusBadRequest, errors.New("source query parameter is required for raw uploads"))
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	rep, err := s.ingest(r.Context(), source, data, format)
	if err != nil {
		s.fail(w, "ingest failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type uploadResult struct {
	Source string         `json:"source"`
	Report *ingest.Report `json:"report,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, format document.Format) {
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, errors.New(`no "file" parts in upload`))
		return
	}

	results := make([]uploadResult, 0, len(files))
	failed := 0
	for _, fh := range files {
		res := uploadResult{Source: fh.Filename}
		data, err := readPart(fh)
		if err == nil {
			res.Report, err = s.ingest(r.Context(), fh.Filename, data, format)
		}
		if err != nil {
			res.Error = err.Error()
			failed++
		}
		results = append(results, res)
	}
	code := http.StatusOK
	if failed == len(files) {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, map[string]any{"documents": results})
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) ingest(ctx context.Context, source string, data []byte, format document.Format) (*ingest.Report, error) {
	rep, err := s.engine.Ingest(ctx, source, data, format)
	if err != nil {
		s.hub.Broadcast(Event{Type: EventDocumentFailed, Source: source, Data: map[string]string{"error": err.Error()}})
		return nil, err
	}
	s.hub.Broadcast(Event{Type: EventDocumentIngested, Source: source, Data: rep})
	return rep, nil
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	f, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.Header().Set("Content-Type", f.ContentType())
	if err := export.Write(w, f, s.engine.Snapshot()); err != nil {
		s.logger.Error("graph export failed", zap.String("format", string(f)), zap.Error(err))
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reset(r.Context()); err != nil {
		s.fail(w, "reset failed", err)
		return
	}
	s.hub.Broadcast(Event{Type: EventKnowledgeReset})
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Stats(r.Context())
	if err != nil {
		s.fail(w, "stats failed", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error(msg, zap.Int("status", code), zap.Error(err))
	} else {
		s.logger.Debug(msg, zap.Int("status", code), zap.Error(err))
	}
	writeError(w, code, err)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		genErr   *query.GenerationError
		embedErr *ingest.EmbeddingBackendError
	)
	switch {
	case errors.Is(err, query.ErrEmptyQuery), errors.Is(err, query.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.Is(err, query.ErrNoKnowledge):
		return http.StatusNotFound
	case errors.Is(err, document.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, chunker.ErrEmptyDocument):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrNoEmbedder), errors.Is(err, engine.ErrNoExtractor):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &genErr), errors.As(err, &embedErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func parseFormat(s string) (document.Format, error) {
	if s == "" {
		return "", nil
	}
	return document.ParseFormat(s)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding request: %w", err)
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// observe records latency per route pattern, so metric labels stay bounded.
func (s *Server) observe(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		mux.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveHTTP(route, strconv.Itoa(rec.code), time.Since(start))
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.code),
			zap.Duration("duration", time.Since(start)))
	})
}
