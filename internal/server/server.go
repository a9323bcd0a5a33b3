package server

import (
	"crypto/tls"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"devicegate/internal/api"
	"devicegate/internal/clientip"
	"devicegate/internal/identity"
	"devicegate/internal/observability/logging"
	"devicegate/internal/observability/metrics"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	OpsAddr   string
	TLS       TLSConfig
	Admission AdmissionConfig
	RateLimit RateLimitConfig
	Security  SecurityConfig
	CORS      CORSConfig
	// ClientIP resolves the address requests are locked and limited by.
	// Nil uses the direct peer.
	ClientIP clientip.Resolver
	Identity *identity.Assigner
	// StaticDir overrides the embedded assets when set.
	StaticDir string
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Server holds the configured listeners. Their lifecycle is driven by
// serverutil.
type Server struct {
	httpServer  *http.Server
	opsServer   *http.Server
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("api handler is required")
	}
	if cfg.Identity == nil {
		return nil, fmt.Errorf("identity assigner is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	resolver := cfg.ClientIP
	if resolver == nil {
		resolver = clientip.ResolverFunc(clientip.PeerAddress)
	}

	staticFS, err := loadStaticFS(cfg.StaticDir)
	if err != nil {
		return nil, fmt.Errorf("load web assets: %w", err)
	}
	index, err := fs.ReadFile(staticFS, "index.html")
	if err != nil {
		return nil, fmt.Errorf("read web index: %w", err)
	}

	corsPolicy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	security := cfg.Security

	gate := newAdmissionGate(cfg.Admission, logging.WithComponent(logger, "admission"), recorder)
	limiter := newRateLimiter(cfg.RateLimit, logging.WithComponent(logger, "ratelimit"), recorder)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler {
		return requestIDMiddleware(logger, next)
	})
	router.Use(func(next http.Handler) http.Handler {
		return clientAddrMiddleware(resolver, next)
	})
	router.Use(logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger, DisableRemoteAddr: true}))
	router.Use(func(next http.Handler) http.Handler {
		return metrics.HTTPMiddleware(recorder, routeLabel, next)
	})
	router.Use(func(next http.Handler) http.Handler {
		return securityHeadersMiddleware(security, next)
	})
	router.Use(func(next http.Handler) http.Handler {
		return corsMiddleware(corsPolicy, logger, next)
	})
	router.Use(cfg.Identity.Middleware)
	router.Use(gate.middleware)
	router.Use(limiter.middleware)

	router.HandleFunc("/gemini-proxy", handler.GeminiProxy)
	router.HandleFunc("/api/chat", handler.Chat)
	router.Get("/", indexHandler(index))
	router.Head("/", indexHandler(index))
	assets := assetHandler(staticFS)
	router.Get("/*", assets)
	router.Head("/*", assets)
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		if isAPIPath(r.URL.Path) {
			writeMiddlewareError(w, http.StatusNotFound, "not found")
			return
		}
		http.NotFound(w, r)
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Upstream calls may take up to their own timeout before we answer.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}
	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if addr := strings.TrimSpace(cfg.OpsAddr); addr != "" {
		srv.opsServer = &http.Server{
			Addr:              addr,
			Handler:           OpsHandler(handler, recorder),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       5 * time.Second,
			WriteTimeout:      10 * time.Second,
		}
	}

	return srv, nil
}

// OpsHandler serves metrics and health checks. It is mounted on its own
// listener because the public router redirects every unknown page path.
func OpsHandler(handler *api.Handler, recorder *metrics.Recorder) http.Handler {
	if recorder == nil {
		recorder = metrics.Default()
	}
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Method(http.MethodGet, "/metrics", recorder.Handler())
	router.HandleFunc("/healthz", handler.Health)
	return router
}

// routeLabel keeps metric cardinality bounded by labelling requests with
// their class rather than their raw path.
func routeLabel(r *http.Request) string {
	switch r.URL.Path {
	case "/gemini-proxy", "/api/chat", "/":
		return r.URL.Path
	}
	return classifyPath(r.URL.Path).String()
}

// Handler exposes the public router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HTTPServer returns the public listener.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// OpsServer returns the metrics and health listener, or nil when disabled.
func (s *Server) OpsServer() *http.Server {
	return s.opsServer
}

// TLS reports the certificate pair configured for the public listener.
func (s *Server) TLS() TLSConfig {
	return TLSConfig{CertFile: s.tlsCertFile, KeyFile: s.tlsKeyFile}
}
