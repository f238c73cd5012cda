// Package server exposes merge/split sessions, compression and image
// conversion over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/wudi/pdfdesk/convert"
	"github.com/wudi/pdfdesk/engine"
	"github.com/wudi/pdfdesk/observability"
)

type Config struct {
	Addr string
	// H2C serves HTTP/2 without TLS next to HTTP/1.1.
	H2C            bool
	MaxUploadBytes int64
	SessionTTL     time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ShutdownGrace  time.Duration
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 64 << 20
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 120 * time.Second
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 10 * time.Second
	}
}

type Option func(*Server)

func WithLogger(l observability.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithTracer(t observability.Tracer) Option {
	return func(s *Server) {
		if t != nil {
			s.tracer = t
		}
	}
}

func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) {
		if a != nil {
			s.auth = a
		}
	}
}

type Server struct {
	cfg      Config
	engine   *engine.Engine
	conv     *convert.Converter
	auth     Authenticator
	logger   observability.Logger
	tracer   observability.Tracer
	sessions *Sessions
	mux      *http.ServeMux
}

func New(cfg Config, eng *engine.Engine, conv *convert.Converter, opts ...Option) *Server {
	cfg.defaults()
	s := &Server{
		cfg:    cfg,
		engine: eng,
		conv:   conv,
		auth:   GuestAuthenticator{},
		logger: observability.NopLogger{},
		tracer: observability.NopTracer(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sessions = NewSessions(eng, cfg.SessionTTL, s.logger, s.tracer)
	s.routes()
	return s
}

func (s *Server) Sessions() *Sessions { return s.sessions }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /v1/sessions", s.authed(s.handleCreateSession))
	s.mux.HandleFunc("GET /v1/sessions/{id}", s.authed(s.handleGetSession))
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", s.authed(s.handleDeleteSession))
	s.mux.HandleFunc("PUT /v1/sessions/{id}/mode", s.authed(s.handleSetMode))
	s.mux.HandleFunc("POST /v1/sessions/{id}/files", s.authed(s.handleAddFiles))
	s.mux.HandleFunc("DELETE /v1/sessions/{id}/files/{index}", s.authed(s.handleRemoveFile))
	s.mux.HandleFunc("GET /v1/sessions/{id}/files/{index}/pages", s.authed(s.handlePages))
	s.mux.HandleFunc("POST /v1/sessions/{id}/files/move", s.authed(s.handleMoveFile))
	s.mux.HandleFunc("PUT /v1/sessions/{id}/range", s.authed(s.handleSetRange))
	s.mux.HandleFunc("POST /v1/sessions/{id}/merge", s.authed(s.handleMerge))
	s.mux.HandleFunc("POST /v1/sessions/{id}/split", s.authed(s.handleSplit))
	s.mux.HandleFunc("POST /v1/sessions/{id}/reset", s.authed(s.handleReset))
	s.mux.HandleFunc("GET /v1/sessions/{id}/downloads/{handle}", s.authed(s.handleDownload))

	s.mux.HandleFunc("POST /v1/compress", s.authed(s.handleCompress))
	s.mux.HandleFunc("POST /v1/convert", s.authed(s.handleConvert))
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.withMiddleware(s.mux)
	if s.cfg.H2C {
		h = h2c.NewHandler(h, &http2.Server{})
	}
	return h
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			observability.String("method", r.Method),
			observability.String("path", r.URL.Path),
			observability.String("proto", r.Proto),
			observability.Int("status", rec.status),
			observability.Duration("duration_ms", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully
// and closes every session.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go s.sessions.Run(sweepCtx, s.cfg.SessionTTL/4)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("listening",
		observability.String("addr", ln.Addr().String()),
		observability.Bool("h2c", s.cfg.H2C))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.sessions.CloseAll()
	s.logger.Info("server stopped")
	return err
}
