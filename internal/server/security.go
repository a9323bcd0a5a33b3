package server

import "net/http"

const (
	defaultFrameAncestors          = "'self'"
	defaultFrameOptions            = "SAMEORIGIN"
	defaultReferrerPolicy          = "no-referrer"
	defaultPermissionsPolicy       = "camera=(), microphone=(), geolocation=()"
	defaultContentTypeOptions      = "nosniff"
	defaultStrictTransportSecurity = "max-age=31536000; includeSubDomains; preload"
	defaultCrossOriginOpenerPolicy = "same-origin"
	defaultCrossOriginResource     = "same-origin"
	defaultUpstreamOrigin          = "https://generativelanguage.googleapis.com"
)

// SecurityConfig controls the HTTP response headers that harden the server
// against clickjacking, MIME sniffing, referrer leakage, and unintended
// resource loading. Zero-valued fields fall back to safe defaults; override the
// ContentSecurityPolicy directive when embedding the app in a trusted host.
type SecurityConfig struct {
	ContentSecurityPolicy   string
	FrameAncestors          string
	FrameOptions            string
	ReferrerPolicy          string
	PermissionsPolicy       string
	ContentTypeOptions      string
	StrictTransportSecurity string
	CrossOriginOpenerPolicy string
	CrossOriginResource     string
	// ConnectOrigins are added to connect-src in the default policy.
	ConnectOrigins []string
}

func defaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		ContentSecurityPolicy:   defaultContentSecurityPolicy(defaultFrameAncestors, nil),
		FrameAncestors:          defaultFrameAncestors,
		FrameOptions:            defaultFrameOptions,
		ReferrerPolicy:          defaultReferrerPolicy,
		PermissionsPolicy:       defaultPermissionsPolicy,
		ContentTypeOptions:      defaultContentTypeOptions,
		StrictTransportSecurity: defaultStrictTransportSecurity,
		CrossOriginOpenerPolicy: defaultCrossOriginOpenerPolicy,
		CrossOriginResource:     defaultCrossOriginResource,
	}
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	defaults := defaultSecurityConfig()

	if cfg.FrameAncestors == "" {
		cfg.FrameAncestors = defaults.FrameAncestors
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaults.FrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaults.ReferrerPolicy
	}
	if cfg.PermissionsPolicy == "" {
		cfg.PermissionsPolicy = defaults.PermissionsPolicy
	}
	if cfg.ContentTypeOptions == "" {
		cfg.ContentTypeOptions = defaults.ContentTypeOptions
	}
	if cfg.StrictTransportSecurity == "" {
		cfg.StrictTransportSecurity = defaults.StrictTransportSecurity
	}
	if cfg.CrossOriginOpenerPolicy == "" {
		cfg.CrossOriginOpenerPolicy = defaults.CrossOriginOpenerPolicy
	}
	if cfg.CrossOriginResource == "" {
		cfg.CrossOriginResource = defaults.CrossOriginResource
	}
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultContentSecurityPolicy(cfg.FrameAncestors, cfg.ConnectOrigins)
	}

	return cfg
}

func defaultContentSecurityPolicy(frameAncestors string, connectOrigins []string) string {
	value := frameAncestors
	if value == "" {
		value = defaultFrameAncestors
	}
	connect := "'self' " + defaultUpstreamOrigin
	for _, origin := range connectOrigins {
		if origin != "" && origin != defaultUpstreamOrigin {
			connect += " " + origin
		}
	}

	return "default-src 'self'; " +
		"connect-src " + connect + "; " +
		"img-src 'self' data: https:; " +
		"script-src 'self'; " +
		"style-src 'self' 'unsafe-inline'; " +
		"font-src 'self'; " +
		"object-src 'none'; " +
		"base-uri 'self'; " +
		"frame-ancestors " + value + "; " +
		"form-action 'self'"
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	effective := cfg.withDefaults()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Security-Policy", effective.ContentSecurityPolicy)
		h.Set("X-Frame-Options", effective.FrameOptions)
		h.Set("X-Content-Type-Options", effective.ContentTypeOptions)
		h.Set("Referrer-Policy", effective.ReferrerPolicy)
		h.Set("Permissions-Policy", effective.PermissionsPolicy)
		h.Set("Strict-Transport-Security", effective.StrictTransportSecurity)
		h.Set("Cross-Origin-Opener-Policy", effective.CrossOriginOpenerPolicy)
		h.Set("Cross-Origin-Resource-Policy", effective.CrossOriginResource)

		next.ServeHTTP(w, r)
	})
}
