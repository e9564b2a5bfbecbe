package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/rzbill/aggregator/internal/runtime"
	"github.com/rzbill/aggregator/internal/server/http/controllers"
	logpkg "github.com/rzbill/aggregator/pkg/log"
)

// Server is the HTTP surface of one Runtime.
type Server struct {
	rt      *runtime.Runtime
	logger  logpkg.Logger
	addr    string
	version string

	srv *http.Server

	mu  sync.Mutex
	lis net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the version reported by GET /.
func WithVersion(v string) Option { return func(s *Server) { s.version = v } }

// WithAddr overrides the listen address taken from the runtime config.
func WithAddr(addr string) Option { return func(s *Server) { s.addr = addr } }

// New builds the router for rt. Nothing listens until ListenAndServe or Serve.
func New(rt *runtime.Runtime, logger logpkg.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	s := &Server{
		rt:      rt,
		logger:  logger.WithComponent("http"),
		addr:    rt.Config().HTTPAddr,
		version: "dev",
	}
	for _, o := range opts {
		o(s)
	}
	s.srv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logpkg.ToStdLogger(s.logger, logpkg.WarnLevel),
	}
	return s
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) routes() http.Handler {
	cfg := s.rt.Config()
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"Retry-After", "X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(s.rt.Metrics().Middleware)

	var publishMW func(http.Handler) http.Handler
	if rpm := cfg.RateLimit.RequestsPerMinute; rpm > 0 {
		publishMW = httprate.Limit(rpm, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByRealIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"Too many requests"}` + "\n"))
			}))
	}

	controllers.NewControllerRegistry(s.rt, s.logger, s.version, publishMW).RegisterAllRoutes(r)
	r.Method(http.MethodGet, "/metrics", s.rt.Metrics().Handler())
	return r
}

// requestLogger logs every request at debug with its chi request id.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			logpkg.RequestID(chimw.GetReqID(r.Context())),
			logpkg.Str("method", r.Method),
			logpkg.Str("path", r.URL.Path),
			logpkg.Int("status", ww.Status()),
			logpkg.Int("bytes", ww.BytesWritten()),
			logpkg.Dur("elapsed", time.Since(start)))
	})
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully
// within the configured shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lis = l
	s.mu.Unlock()
	s.logger.Info("http listening", logpkg.Str("addr", l.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), s.rt.Config().ShutdownTimeout())
		defer cancel()
		if err := s.srv.Shutdown(cctx); err != nil {
			s.logger.Warn("http shutdown incomplete", logpkg.Err(err))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Serve runs the server on its configured address. It makes Server a
// supervised service.
func (s *Server) Serve(ctx context.Context) error {
	return s.ListenAndServe(ctx, s.addr)
}

// Addr returns the bound listener address once listening, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.addr
}

func (s *Server) String() string { return "http-server" }
