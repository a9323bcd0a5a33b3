package server

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strings"

	"devicegate/internal/devicelock"
	"devicegate/internal/identity"
	"devicegate/internal/observability/logging"
	"devicegate/internal/observability/metrics"
)

type routeClass int

const (
	routePage routeClass = iota
	routeAPI
	routeStatic
)

func (c routeClass) String() string {
	switch c {
	case routeAPI:
		return "api"
	case routeStatic:
		return "static"
	default:
		return "page"
	}
}

var (
	apiPrefixes      = []string{"/gemini-proxy", "/api/"}
	staticExtensions = map[string]struct{}{
		".css": {},
		".js":  {},
		".png": {},
		".jpg": {},
		".svg": {},
		".ico": {},
		".mp4": {},
	}
)

func isAPIPath(p string) bool {
	for _, prefix := range apiPrefixes {
		if p == strings.TrimSuffix(prefix, "/") || strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func classifyPath(p string) routeClass {
	if isAPIPath(p) {
		return routeAPI
	}
	if _, ok := staticExtensions[strings.ToLower(path.Ext(p))]; ok {
		return routeStatic
	}
	return routePage
}

// AdmissionConfig wires the lock table into the request path.
type AdmissionConfig struct {
	Table devicelock.Table
	// CanonicalHost, when set, sends page requests for any other hostname to
	// https://CanonicalHost/.
	CanonicalHost string
}

type admissionGate struct {
	table         devicelock.Table
	canonicalHost string
	logger        *slog.Logger
	metrics       *metrics.Recorder
}

func newAdmissionGate(cfg AdmissionConfig, logger *slog.Logger, recorder *metrics.Recorder) *admissionGate {
	return &admissionGate{
		table:         cfg.Table,
		canonicalHost: strings.ToLower(strings.TrimSpace(cfg.CanonicalHost)),
		logger:        logger,
		metrics:       recorder,
	}
}

// middleware lets static assets through, redirects stray page requests to the
// canonical root and admits API and page requests through the lock table.
// A denied device is redirected to "/".
func (g *admissionGate) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		class := classifyPath(r.URL.Path)
		if class == routeStatic {
			next.ServeHTTP(w, r)
			return
		}
		if class == routePage {
			if g.canonicalHost != "" && requestHostname(r) != g.canonicalHost {
				http.Redirect(w, r, "https://"+g.canonicalHost+"/", http.StatusFound)
				return
			}
			if r.URL.Path != "/" {
				http.Redirect(w, r, "/", http.StatusFound)
				return
			}
		}
		if g.table == nil {
			next.ServeHTTP(w, r)
			return
		}

		address, _ := logging.ClientAddrFromContext(r.Context())
		id, _ := identity.FromContext(r.Context())
		decision, err := g.table.Admit(r.Context(), address, id.Device)
		if err != nil {
			g.metrics.ObserveAdmission(class.String(), "error")
			logger := loggingWithRequest(g.logger, r)
			if errors.Is(err, devicelock.ErrAddressRequired) || errors.Is(err, devicelock.ErrDeviceRequired) {
				logger.Warn("admission missing request identity", "error", err)
			} else {
				logger.Error("admission store failure", "error", err)
			}
			writeMiddlewareError(w, http.StatusServiceUnavailable, "admission temporarily unavailable")
			return
		}
		g.metrics.ObserveAdmission(class.String(), decision.String())
		if decision == devicelock.Deny {
			loggingWithRequest(g.logger, r).Info("device denied for address", "route", class.String())
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestHostname is the Host header without port, lower-cased.
func requestHostname(r *http.Request) string {
	host := strings.TrimSpace(r.Host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}
