// Command server runs the single-device chat gateway: the page, its assets
// and the rate-limited proxy to the generative AI upstream.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"

	"devicegate/internal/api"
	"devicegate/internal/clientip"
	"devicegate/internal/devicelock"
	"devicegate/internal/identity"
	"devicegate/internal/observability/logging"
	"devicegate/internal/observability/metrics"
	"devicegate/internal/ratelimit"
	"devicegate/internal/redisconn"
	"devicegate/internal/server"
	"devicegate/internal/serverutil"
	"devicegate/internal/upstream"
)

type cliFlags struct {
	addr           string
	opsAddr        string
	mode           string
	logLevel       string
	logFormat      string
	tlsCert        string
	tlsKey         string
	canonicalHost  string
	lockTTL        time.Duration
	lockStore      string
	rateStore      string
	rateLimit      int
	rateWindow     time.Duration
	upstreamRPS    float64
	upstreamBurst  int
	upstreamURL    string
	upstreamModel  string
	upstreamTime   time.Duration
	corsOrigins    string
	connectOrigins string
	clientIPSource string
	trustedProxies string
	redisAddr      string
	redisUsername  string
	redisPassword  string
	redisTLSCA     string
	redisTLSSkip   bool
	postgresDSN    string
	staticDir      string
}

type settings struct {
	ListenAddr     string
	OpsAddr        string
	Mode           string
	TLS            server.TLSConfig
	APIKey         string
	CanonicalHost  string
	LockTTL        time.Duration
	LockStore      string
	RateStore      string
	Rate           ratelimit.Config
	UpstreamRPS    float64
	UpstreamBurst  int
	Upstream       upstream.Config
	CORSOrigins    []string
	ConnectOrigins []string
	ClientIP       clientip.Config
	Redis          redisconn.Config
	PostgresDSN    string
	CookieSecret   string
	StaticDir      string
}

func main() {
	var f cliFlags
	flag.StringVar(&f.addr, "addr", "", "HTTP listen address (default :$PORT or :3000)")
	flag.StringVar(&f.opsAddr, "ops-addr", "", "listen address for /metrics and /healthz (disabled when empty)")
	flag.StringVar(&f.mode, "mode", "", "runtime mode (development or production)")
	flag.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&f.logFormat, "log-format", "", "log format (json or text)")
	flag.StringVar(&f.tlsCert, "tls-cert", "", "path to TLS certificate file")
	flag.StringVar(&f.tlsKey, "tls-key", "", "path to TLS private key file")
	flag.StringVar(&f.canonicalHost, "canonical-host", "", "hostname page requests are redirected to")
	flag.DurationVar(&f.lockTTL, "lock-ttl", 0, "how long an address stays bound to a device without activity")
	flag.StringVar(&f.lockStore, "lock-store", "", "lock table backend (memory, redis or postgres)")
	flag.StringVar(&f.rateStore, "rate-store", "", "rate limit backend (memory or redis)")
	flag.IntVar(&f.rateLimit, "rate-limit", 0, "API requests allowed per address per window")
	flag.DurationVar(&f.rateWindow, "rate-window", 0, "rate limit window")
	flag.Float64Var(&f.upstreamRPS, "upstream-rps", 0, "cap on upstream calls per second across all clients (0 disables)")
	flag.IntVar(&f.upstreamBurst, "upstream-burst", 0, "burst allowance for the upstream cap")
	flag.StringVar(&f.upstreamURL, "upstream-endpoint", "", "generative AI API base URL")
	flag.StringVar(&f.upstreamModel, "upstream-model", "", "generative AI model name")
	flag.DurationVar(&f.upstreamTime, "upstream-timeout", 0, "timeout for a single upstream call")
	flag.StringVar(&f.corsOrigins, "cors-origins", "", "comma separated origins allowed to call the API cross-site")
	flag.StringVar(&f.connectOrigins, "csp-connect-origins", "", "comma separated origins added to the CSP connect-src")
	flag.StringVar(&f.clientIPSource, "client-ip-source", "", "client address source (peer, forwarded or trusted)")
	flag.StringVar(&f.trustedProxies, "trusted-proxies", "", "comma separated CIDR blocks or IPs of trusted proxies")
	flag.StringVar(&f.redisAddr, "redis-addr", "", "Redis address for shared lock and rate state")
	flag.StringVar(&f.redisUsername, "redis-username", "", "Redis username")
	flag.StringVar(&f.redisPassword, "redis-password", "", "Redis password")
	flag.StringVar(&f.redisTLSCA, "redis-tls-ca", "", "path to Redis TLS CA certificate")
	flag.BoolVar(&f.redisTLSSkip, "redis-tls-skip-verify", false, "skip Redis TLS verification")
	flag.StringVar(&f.postgresDSN, "postgres-dsn", "", "Postgres connection string for the lock table")
	flag.StringVar(&f.staticDir, "static-dir", "", "serve page assets from this directory instead of the embedded bundle")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(f.logLevel, os.Getenv("DEVICEGATE_LOG_LEVEL"), "info"),
		Format: firstNonEmpty(f.logFormat, os.Getenv("DEVICEGATE_LOG_FORMAT")),
	})

	cfg, err := resolveSettings(f)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func resolveSettings(f cliFlags) (settings, error) {
	apiKey := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if apiKey == "" {
		return settings{}, fmt.Errorf("GEMINI_API_KEY is required")
	}

	mode := modeValue(f.mode, os.Getenv("DEVICEGATE_MODE"), os.Getenv("NODE_ENV"))
	lockTTL, err := resolveLockTTL(f.lockTTL, os.Getenv("SINGLE_LOCK_TTL"), os.Getenv("SINGLE_LOCK_TTL_MS"))
	if err != nil {
		return settings{}, err
	}

	rate := ratelimit.DefaultConfig()
	if limit := resolveInt(f.rateLimit, "DEVICEGATE_RATE_LIMIT"); limit > 0 {
		rate.Limit = limit
	}
	rate.Window = resolveDuration(f.rateWindow, "DEVICEGATE_RATE_WINDOW", rate.Window)

	redisCfg := redisconn.Config{
		Addr:     firstNonEmpty(f.redisAddr, os.Getenv("DEVICEGATE_REDIS_ADDR")),
		Username: firstNonEmpty(f.redisUsername, os.Getenv("DEVICEGATE_REDIS_USERNAME")),
		Password: firstNonEmpty(f.redisPassword, os.Getenv("DEVICEGATE_REDIS_PASSWORD")),
		TLS: redisconn.TLSConfig{
			CAFile:             firstNonEmpty(f.redisTLSCA, os.Getenv("DEVICEGATE_REDIS_TLS_CA")),
			InsecureSkipVerify: resolveBool(f.redisTLSSkip, "DEVICEGATE_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	postgresDSN := firstNonEmpty(f.postgresDSN, os.Getenv("DEVICEGATE_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))

	lockStore, err := resolveStoreDriver(f.lockStore, os.Getenv("DEVICEGATE_LOCK_STORE"), redisCfg.Enabled(), "memory", "redis", "postgres")
	if err != nil {
		return settings{}, fmt.Errorf("lock store: %w", err)
	}
	rateStore, err := resolveStoreDriver(f.rateStore, os.Getenv("DEVICEGATE_RATE_STORE"), redisCfg.Enabled(), "memory", "redis")
	if err != nil {
		return settings{}, fmt.Errorf("rate store: %w", err)
	}
	if (lockStore == "redis" || rateStore == "redis") && !redisCfg.Enabled() {
		return settings{}, fmt.Errorf("redis store selected without DEVICEGATE_REDIS_ADDR")
	}
	if lockStore == "postgres" && postgresDSN == "" {
		return settings{}, fmt.Errorf("postgres lock store selected without DSN")
	}
	// Shared bindings outlive the process, so cookies must verify on every
	// replica and across restarts.
	cookieSecret := os.Getenv("DEVICEGATE_COOKIE_SECRET")
	if lockStore != "memory" && strings.TrimSpace(cookieSecret) == "" {
		return settings{}, fmt.Errorf("%s lock store requires DEVICEGATE_COOKIE_SECRET", lockStore)
	}

	return settings{
		ListenAddr: resolveListenAddr(f.addr, os.Getenv("DEVICEGATE_ADDR"), os.Getenv("PORT")),
		OpsAddr:    firstNonEmpty(f.opsAddr, os.Getenv("DEVICEGATE_OPS_ADDR")),
		Mode:       mode,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(f.tlsCert, os.Getenv("DEVICEGATE_TLS_CERT")),
			KeyFile:  firstNonEmpty(f.tlsKey, os.Getenv("DEVICEGATE_TLS_KEY")),
		},
		APIKey:        apiKey,
		CanonicalHost: firstNonEmpty(f.canonicalHost, os.Getenv("ALLOWED_HOSTNAME")),
		LockTTL:       lockTTL,
		LockStore:     lockStore,
		RateStore:     rateStore,
		Rate:          rate,
		UpstreamRPS:   resolveFloat(f.upstreamRPS, "DEVICEGATE_UPSTREAM_RPS"),
		UpstreamBurst: resolveInt(f.upstreamBurst, "DEVICEGATE_UPSTREAM_BURST"),
		Upstream: upstream.Config{
			Endpoint: firstNonEmpty(f.upstreamURL, os.Getenv("DEVICEGATE_UPSTREAM_ENDPOINT")),
			Model:    firstNonEmpty(f.upstreamModel, os.Getenv("DEVICEGATE_UPSTREAM_MODEL")),
			APIKey:   apiKey,
			Timeout:  resolveDuration(f.upstreamTime, "DEVICEGATE_UPSTREAM_TIMEOUT", upstream.DefaultTimeout),
		},
		CORSOrigins:    splitAndTrim(firstNonEmpty(f.corsOrigins, os.Getenv("CORS_ORIGIN"))),
		ConnectOrigins: splitAndTrim(firstNonEmpty(f.connectOrigins, os.Getenv("DEVICEGATE_CSP_CONNECT_ORIGINS"))),
		ClientIP: clientip.Config{
			Source:         clientip.Source(firstNonEmpty(f.clientIPSource, os.Getenv("DEVICEGATE_CLIENT_IP_SOURCE"))),
			TrustedProxies: splitAndTrim(firstNonEmpty(f.trustedProxies, os.Getenv("DEVICEGATE_TRUSTED_PROXIES"))),
		},
		Redis:        redisCfg,
		PostgresDSN:  postgresDSN,
		CookieSecret: cookieSecret,
		StaticDir:    firstNonEmpty(f.staticDir, os.Getenv("DEVICEGATE_STATIC_DIR")),
	}, nil
}

func run(ctx context.Context, logger *slog.Logger, cfg settings) error {
	recorder := metrics.Default()

	var redisClient redis.UniversalClient
	if cfg.LockStore == "redis" || cfg.RateStore == "redis" {
		client, err := redisconn.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		redisClient = client
	}

	components := make(map[string]api.Pinger)

	var table devicelock.Table
	switch cfg.LockStore {
	case "redis":
		redisTable, err := devicelock.NewRedisTable(redisClient, cfg.LockTTL, "")
		if err != nil {
			return err
		}
		table = redisTable
		components["lock_store"] = redisTable
	case "postgres":
		pgTable, err := devicelock.NewPostgresTable(ctx, cfg.PostgresDSN, cfg.LockTTL)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := pgTable.Close(closeCtx); err != nil {
				logger.Warn("failed to close lock table", "error", err)
			}
		}()
		table = pgTable
		components["lock_store"] = pgTable
	default:
		table = devicelock.NewMemoryTable(cfg.LockTTL)
	}

	var (
		limiter ratelimit.Limiter
		windows windowSweeper
	)
	switch cfg.RateStore {
	case "redis":
		redisLimiter, err := ratelimit.NewRedisLimiter(redisClient, cfg.Rate, "")
		if err != nil {
			return err
		}
		limiter = redisLimiter
		if cfg.LockStore != "redis" {
			components["rate_store"] = redisPinger{client: redisClient}
		}
	default:
		memoryLimiter, err := ratelimit.NewMemoryLimiter(cfg.Rate)
		if err != nil {
			return err
		}
		limiter = memoryLimiter
		windows = memoryLimiter
	}

	if strings.TrimSpace(cfg.CookieSecret) == "" {
		logger.Warn("DEVICEGATE_COOKIE_SECRET not set; device cookies will not survive a restart")
	}
	signer, err := identity.NewSigner([]byte(cfg.CookieSecret))
	if err != nil {
		return err
	}
	policy := identity.DefaultCookiePolicy()
	policy.MaxAge = cfg.LockTTL
	policy.SecureMode = resolveCookieSecureMode(cfg.Mode)

	upstreamCfg := cfg.Upstream
	upstreamCfg.Logger = logging.WithComponent(logger, "upstream")
	generator, err := upstream.NewClient(upstreamCfg)
	if err != nil {
		return err
	}

	resolver, err := clientip.New(cfg.ClientIP)
	if err != nil {
		return err
	}

	handler := api.NewHandler(generator, logging.WithComponent(logger, "api"))
	handler.Metrics = recorder
	handler.Components = components

	srv, err := server.New(handler, server.Config{
		Addr:    cfg.ListenAddr,
		OpsAddr: cfg.OpsAddr,
		TLS:     cfg.TLS,
		Admission: server.AdmissionConfig{
			Table:         table,
			CanonicalHost: cfg.CanonicalHost,
		},
		RateLimit: server.RateLimitConfig{
			Limiter:       limiter,
			UpstreamRPS:   cfg.UpstreamRPS,
			UpstreamBurst: cfg.UpstreamBurst,
		},
		Security:  server.SecurityConfig{ConnectOrigins: cfg.ConnectOrigins},
		CORS:      server.CORSConfig{AllowedOrigins: cfg.CORSOrigins},
		ClientIP:  resolver,
		Identity:  identity.NewAssigner(signer, policy),
		StaticDir: cfg.StaticDir,
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		return fmt.Errorf("initialise server: %w", err)
	}

	servers := []serverutil.Config{{
		Server: srv.HTTPServer(),
		TLS:    serverutil.TLSConfig(srv.TLS()),
	}}
	if ops := srv.OpsServer(); ops != nil {
		servers = append(servers, serverutil.Config{Server: ops})
	}

	sweeper := newLockSweepWorker(logging.WithComponent(logger, "lock-sweeper"), recorder, table, windows, devicelock.SweepInterval(cfg.LockTTL))

	logger.Info("devicegate listening", newStartupSummary(cfg).LogArgs()...)
	return serverutil.RunGroup(ctx, servers, sweeper)
}

type redisPinger struct {
	client redis.UniversalClient
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

type startupSummary struct {
	args []any
}

// newStartupSummary collects the effective configuration for the startup
// log line with credentials removed.
func newStartupSummary(cfg settings) startupSummary {
	lock := map[string]any{
		"driver": cfg.LockStore,
		"ttl":    cfg.LockTTL.String(),
	}
	switch cfg.LockStore {
	case "redis":
		lock["addr"] = cfg.Redis.Addr
	case "postgres":
		lock["dsn"] = redactDSN(cfg.PostgresDSN)
	}
	rate := map[string]any{
		"driver": cfg.RateStore,
		"limit":  cfg.Rate.Limit,
		"window": cfg.Rate.Window.String(),
	}
	if cfg.RateStore == "redis" {
		rate["addr"] = cfg.Redis.Addr
	}
	if cfg.UpstreamRPS > 0 {
		rate["upstream_rps"] = cfg.UpstreamRPS
	}
	up := map[string]any{
		"endpoint": firstNonEmpty(cfg.Upstream.Endpoint, upstream.DefaultEndpoint),
		"model":    firstNonEmpty(cfg.Upstream.Model, upstream.DefaultModel),
		"timeout":  cfg.Upstream.Timeout.String(),
	}

	args := []any{
		"addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"tls", cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "",
		"lock_store", lock,
		"rate_limit", rate,
		"upstream", up,
		"client_ip_source", firstNonEmpty(string(cfg.ClientIP.Source), string(clientip.SourcePeer)),
	}
	if cfg.OpsAddr != "" {
		args = append(args, "ops_addr", cfg.OpsAddr)
	}
	if cfg.CanonicalHost != "" {
		args = append(args, "canonical_host", cfg.CanonicalHost)
	}
	return startupSummary{args: args}
}

func (s startupSummary) LogArgs() []any {
	return s.args
}

func redactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" {
		return "<redacted>"
	}
	return parsed.Redacted()
}

func resolveCookieSecureMode(mode string) identity.SecureMode {
	if mode == "production" {
		return identity.SecureAlways
	}
	return identity.SecureAuto
}

// resolveStoreDriver picks the explicit driver when given, otherwise redis
// when an address is configured, otherwise memory.
func resolveStoreDriver(flagValue, envValue string, redisConfigured bool, allowed ...string) (string, error) {
	driver := strings.ToLower(firstNonEmpty(flagValue, envValue))
	if driver == "" {
		if redisConfigured {
			return "redis", nil
		}
		return "memory", nil
	}
	for _, candidate := range allowed {
		if driver == candidate {
			return driver, nil
		}
	}
	return "", fmt.Errorf("unsupported driver %q", driver)
}

func resolveLockTTL(flagValue time.Duration, envDuration, envMillis string) (time.Duration, error) {
	if flagValue > 0 {
		return flagValue, nil
	}
	if raw := strings.TrimSpace(envDuration); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			return 0, fmt.Errorf("invalid SINGLE_LOCK_TTL %q", raw)
		}
		return ttl, nil
	}
	if raw := strings.TrimSpace(envMillis); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			return 0, fmt.Errorf("invalid SINGLE_LOCK_TTL_MS %q", raw)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	return devicelock.DefaultTTL, nil
}

func resolveListenAddr(flagValue, envAddr, envPort string) string {
	if addr := firstNonEmpty(flagValue, envAddr); addr != "" {
		return addr
	}
	if port := strings.TrimSpace(envPort); port != "" {
		return ":" + port
	}
	return ":3000"
}

func modeValue(flagMode string, envModes ...string) string {
	mode := strings.ToLower(firstNonEmpty(append([]string{flagMode}, envModes...)...))
	if mode == "" {
		mode = "development"
	}
	return mode
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil && value > 0 {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
