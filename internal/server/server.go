// Package server wires every spendgate service together and runs the
// HTTP front door: the metered gateway under /gateway/v1, the
// token-protected admin API under /v1, the Stripe callback, and the
// WebSocket usage feed.
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/spendgate/internal/apikey"
	"github.com/mbd888/spendgate/internal/audit"
	"github.com/mbd888/spendgate/internal/billing"
	"github.com/mbd888/spendgate/internal/budget"
	"github.com/mbd888/spendgate/internal/config"
	"github.com/mbd888/spendgate/internal/credential"
	"github.com/mbd888/spendgate/internal/gateway"
	"github.com/mbd888/spendgate/internal/health"
	"github.com/mbd888/spendgate/internal/ledger"
	"github.com/mbd888/spendgate/internal/logging"
	"github.com/mbd888/spendgate/internal/metrics"
	"github.com/mbd888/spendgate/internal/org"
	"github.com/mbd888/spendgate/internal/policy"
	"github.com/mbd888/spendgate/internal/pricing"
	"github.com/mbd888/spendgate/internal/provider"
	"github.com/mbd888/spendgate/internal/ratelimit"
	"github.com/mbd888/spendgate/internal/realtime"
	"github.com/mbd888/spendgate/internal/reconciliation"
	"github.com/mbd888/spendgate/internal/security"
	"github.com/mbd888/spendgate/internal/traces"
	"github.com/mbd888/spendgate/internal/usage"
	"github.com/mbd888/spendgate/internal/validation"
	"github.com/mbd888/spendgate/internal/webhooks"
)

const version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and every wired service.
type Server struct {
	cfg *config.Config

	orgs        *org.Service
	apiKeys     *apikey.Service
	ledger      *ledger.Ledger
	usage       *usage.Service
	audit       *audit.Recorder
	pricing     *pricing.Service
	policyStore policy.Store
	policies    *policy.Evaluator
	budgetStore budget.Store
	budgets     *budget.Checker
	credentials *credential.Service // nil without a master key
	gateway     *gateway.Service
	billing     *billing.Service

	webhookStore webhooks.Store
	dispatcher   *webhooks.Dispatcher
	emitter      *webhooks.Emitter
	realtimeHub  *realtime.Hub
	reconciler   *reconciliation.Runner // nil on memory stores
	reconTimer   *reconciliation.Timer  // nil on memory stores

	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	stopTraces  func(context.Context) error

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory).
	// Schema migrations are cmd/migrate's job; the server assumes them run.
	var (
		orgStore    org.Store
		keyStore    apikey.Store
		ledgerStore ledger.Store
		usageStore  usage.Store
		auditStore  audit.Store
		priceStore  pricing.Store
		polStore    policy.Store
		budStore    budget.Store
		credStore   credential.Store
		whStore     webhooks.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		orgStore = org.NewPostgresStore(db)
		keyStore = apikey.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		usageStore = usage.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
		priceStore = pricing.NewPostgresStore(db)
		polStore = policy.NewPostgresStore(db)
		budStore = budget.NewPostgresStore(db)
		credStore = credential.NewPostgresStore(db)
		whStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		orgStore = org.NewMemoryStore()
		keyStore = apikey.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		usageStore = usage.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		priceStore = pricing.NewMemoryStore()
		polStore = policy.NewMemoryStore()
		budStore = budget.NewMemoryStore()
		credStore = credential.NewMemoryStore()
		whStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Core services, each logging under its own component label
	s.audit = audit.NewRecorder(auditStore, logging.Component(s.logger, "audit"))
	s.orgs = org.NewService(orgStore, logging.Component(s.logger, "org")).WithAuditor(s.audit)
	s.ledger = ledger.New(ledgerStore, logging.Component(s.logger, "ledger"))
	s.usage = usage.NewService(usageStore, logging.Component(s.logger, "usage"))
	s.pricing = pricing.NewService(priceStore, logging.Component(s.logger, "pricing"))
	s.policyStore = polStore
	s.policies = policy.NewEvaluator(polStore)
	s.budgetStore = budStore
	s.apiKeys = apikey.NewService(keyStore, logging.Component(s.logger, "apikey")).
		WithAuditor(&keyAudit{orgs: s.orgs, audit: s.audit, logger: s.logger})

	// Event fan-out: realtime hub plus signed webhook deliveries
	s.realtimeHub = realtime.NewHub(logging.Component(s.logger, "realtime"))
	s.webhookStore = whStore
	s.dispatcher = webhooks.NewDispatcher(whStore, logging.Component(s.logger, "webhooks"))
	s.emitter = webhooks.NewEmitter(s.dispatcher, logging.Component(s.logger, "webhooks"))
	events := &eventFanout{hub: s.realtimeHub, emitter: s.emitter}

	// Budget engine with auto-disable through the hierarchy service
	s.budgets = budget.NewChecker(budStore, s.usage, &targetDisabler{s.orgs}, logging.Component(s.logger, "budget")).
		WithAuditor(s.audit).
		WithNotifier(events)

	// Provider credential vault (BYOK) needs the master key
	if cfg.CredentialMasterKey != "" {
		cipher, err := credential.NewCipher(cfg.CredentialMasterKey)
		if err != nil {
			return nil, fmt.Errorf("failed to build credential cipher: %w", err)
		}
		s.credentials = credential.NewService(credStore, cipher, logging.Component(s.logger, "credential")).WithAuditor(s.audit)
		s.logger.Info("provider credential vault enabled")
	}

	// Upstream providers share one circuit breaker
	providers := provider.NewRegistry(provider.Config{
		OpenAIKey:        cfg.OpenAIAPIKey,
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
		OpenAITimeout:    cfg.OpenAITimeout,
		AnthropicKey:     cfg.AnthropicAPIKey,
		AnthropicBaseURL: cfg.AnthropicBaseURL,
		AnthropicTimeout: cfg.AnthropicTimeout,
	}, nil)

	// Gateway: the metered request pipeline
	var gwStore gateway.Store
	if s.db != nil {
		gwStore = gateway.NewPostgresStore(s.db)
	} else {
		gwStore = gateway.NewMemoryStore(ledgerStore, s.usage, s.audit)
	}
	s.gateway = gateway.NewService(s.apiKeys, &chainSource{s.orgs}, s.policies, s.budgets, s.pricing, providers, gwStore, logging.Component(s.logger, "gateway")).
		WithSelfService(s.ledger, s.usage, s.policies).
		WithNotifier(events)
	if s.credentials != nil {
		s.gateway = s.gateway.WithCredentials(s.credentials)
	}

	// Stripe top-ups; an empty secret key leaves billing disabled
	s.billing = billing.NewService(&billingOrgs{s.orgs}, s.ledger, billing.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
	}, logging.Component(s.logger, "billing")).
		WithNotifier(events).
		WithAuditor(s.audit)
	if s.billing.Enabled() {
		s.logger.Info("stripe billing enabled")
	}

	// Ledger-vs-usage integrity sweep needs SQL aggregation
	if s.db != nil {
		src := reconciliation.NewPostgresSource(s.db)
		rlog := logging.Component(s.logger, "reconciliation")
		s.reconciler = reconciliation.NewRunner(reconciliation.NewService(src, src), rlog)
		s.reconTimer = reconciliation.NewTimer(s.reconciler, rlog)
		s.logger.Info("ledger reconciliation enabled")
	}

	// Health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", health.Ping("database", s.db.PingContext))
	}

	// Tracing (no-op without an OTLP endpoint)
	stopTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTraces = stopTraces
	}

	// Seed the default pricing catalogue in demo mode so the gateway can
	// quote immediately. Against Postgres that is cmd/seed's job.
	if s.db == nil {
		if err := pricing.Seed(ctx, priceStore, s.logger); err != nil {
			s.logger.Warn("failed to seed pricing", "error", err)
		}
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// adminAuthMiddleware guards the control-plane API with the static admin
// bearer token. Load() refuses an empty token in production; in
// development an empty token leaves the API open for local work.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	token := s.cfg.AdminAPIKey
	if token == "" {
		s.logger.Warn("ADMIN_API_KEY not set, admin API is unprotected")
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		presented, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "auth_failed",
				"message": "Admin token is missing or invalid",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// WebSocket for the live usage feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// Metered gateway. The agent's cpk_ key is the authentication; no
	// admin token is involved on this surface.
	gw := s.router.Group("/gateway/v1")
	gateway.NewHandler(s.gateway).RegisterRoutes(gw)

	v1 := s.router.Group("/v1")

	// Stripe authenticates its callback with the signature header, so it
	// mounts outside the admin group.
	billingHandler := billing.NewHandler(s.billing)
	billingHandler.RegisterWebhookRoutes(v1)

	// ADMIN API (static bearer token)
	admin := v1.Group("")
	admin.Use(s.adminAuthMiddleware())
	{
		org.NewHandler(s.orgs).RegisterRoutes(admin)
		apikey.NewHandler(s.apiKeys).RegisterRoutes(admin)
		ledger.NewHandler(s.ledger, s.logger).RegisterRoutes(admin)
		usage.NewHandler(s.usage).RegisterRoutes(admin)
		audit.NewHandler(s.audit).RegisterRoutes(admin)
		pricing.NewHandler(s.pricing, s.logger).RegisterRoutes(admin)
		policy.NewHandler(s.policyStore, s.policies, s.orgs).RegisterRoutes(admin)
		budget.NewHandler(s.budgetStore, s.usage).RegisterRoutes(admin)
		webhooks.NewHandler(s.webhookStore).RegisterRoutes(admin)
		billingHandler.RegisterRoutes(admin)

		// Credential routes need the vault; without a master key the
		// endpoints would only ever 500.
		if s.credentials != nil {
			credential.NewHandler(s.credentials).RegisterRoutes(admin)
		}

		admin.GET("/realtime/stats", s.realtimeStatsHandler)

		if s.reconciler != nil {
			admin.GET("/reconciliation", s.reconciliationHandler)
		}
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Spendgate",
		"description": "Metered credit gateway for AI workloads",
		"version":     version,
	})
}

// reconciliationHandler runs the integrity sweep on demand and returns
// the report. The timer runs the same sweep every five minutes.
func (s *Server) reconciliationHandler(c *gin.Context) {
	report, err := s.reconciler.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Reconciliation failed",
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start periodic reconciliation
	if s.reconTimer != nil {
		go s.reconTimer.Start(runCtx)
	}

	// Sample DB pool stats into Prometheus
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop reconciliation timer
	if s.reconTimer != nil {
		s.reconTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush trace spans
	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// -----------------------------------------------------------------------------
// Adapters (cross-package glue)
// -----------------------------------------------------------------------------

// chainSource exposes hierarchy path resolution in the gateway's shape.
type chainSource struct {
	orgs *org.Service
}

func (a *chainSource) ChainForAgent(ctx context.Context, agentID string) (*gateway.AgentChain, error) {
	p, err := a.orgs.ResolvePath(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return &gateway.AgentChain{
		AgentID:          p.AgentID,
		AgentStatus:      string(p.AgentStatus),
		AgentGroupID:     p.AgentGroupID,
		AgentGroupActive: p.AgentGroupActive,
		WorkspaceID:      p.WorkspaceID,
		WorkspaceActive:  p.WorkspaceActive,
		OrgID:            p.OrgID,
		OrgActive:        p.OrgActive,
		OwnerUserID:      p.OwnerUserID,
		BillingGroupID:   p.BillingGroupID,
		CreditsPerUSD:    p.CreditsPerUSD,
	}, nil
}

// targetDisabler lets the budget engine flip hierarchy rows off.
type targetDisabler struct {
	orgs *org.Service
}

func (a *targetDisabler) DisableTarget(ctx context.Context, target budget.Target) error {
	return a.orgs.DisableTarget(ctx, string(target.Level), target.ID)
}

// billingOrgs resolves the org a payment funds.
type billingOrgs struct {
	orgs *org.Service
}

func (a *billingOrgs) RateForOrg(ctx context.Context, orgID string) (*billing.OrgRate, error) {
	o, err := a.orgs.GetOrganization(ctx, orgID)
	if err != nil {
		if errors.Is(err, org.ErrOrgNotFound) {
			return nil, billing.ErrOrgNotFound
		}
		return nil, err
	}
	return &billing.OrgRate{
		OrgID:          o.ID,
		BillingGroupID: o.BillingGroupID,
		CreditsPerUSD:  o.CreditsPerUSD,
	}, nil
}

// eventFanout pushes platform events to WebSocket clients and webhook
// subscribers. It serves the gateway, budget and billing notifier
// interfaces; the hub drops on a full channel and the emitter delivers
// from goroutines, so none of these block a request.
type eventFanout struct {
	hub     *realtime.Hub
	emitter *webhooks.Emitter
}

func (f *eventFanout) UsageRecorded(_ context.Context, st *gateway.Settlement) {
	f.hub.BroadcastUsage(st.Identity.OrgID, map[string]interface{}{
		"requestId":    st.RequestID,
		"agentId":      st.Identity.AgentID,
		"provider":     st.Provider,
		"model":        st.Model,
		"inputTokens":  st.InputTokens,
		"outputTokens": st.OutputTokens,
		"credits":      st.Credits,
		"latencyMs":    st.LatencyMS,
	})
	f.emitter.EmitUsageRecorded(st.Identity.OrgID, st.Identity.AgentID, st.Provider, st.Model,
		st.RequestID, st.InputTokens, st.OutputTokens, st.Credits)
}

func (f *eventFanout) BudgetExceeded(_ context.Context, orgID string, d *gateway.BudgetDecision) {
	f.hub.BroadcastBudgetExceeded(orgID, map[string]interface{}{
		"budgetId": d.BudgetID,
		"level":    d.Level,
		"period":   d.Period,
		"current":  d.Current,
		"limit":    d.Limit,
		"required": d.Required,
	})
	f.emitter.EmitBudgetExceeded(orgID, d.BudgetID, d.Level, d.Period, d.Current, d.Limit, d.Required)
}

func (f *eventFanout) TargetDisabled(_ context.Context, orgID string, target budget.Target) {
	f.hub.BroadcastAgentDisabled(orgID, map[string]interface{}{
		"targetId": target.ID,
		"level":    string(target.Level),
		"reason":   "budget_exhausted",
	})
	f.emitter.EmitAgentDisabled(orgID, target.ID, string(target.Level), "budget_exhausted")
}

func (f *eventFanout) CreditsPurchased(_ context.Context, orgID, groupID string, credits int64, reference string) {
	f.hub.BroadcastCreditsPurchased(orgID, map[string]interface{}{
		"groupId":   groupID,
		"credits":   credits,
		"reference": reference,
	})
	f.emitter.EmitCreditsPurchased(orgID, groupID, credits, reference)
}

// keyAudit attributes key lifecycle events to the owning org before they
// land in the trail. Attribution failures only log; the key operation
// already succeeded.
type keyAudit struct {
	orgs   *org.Service
	audit  *audit.Recorder
	logger *slog.Logger
}

func (a *keyAudit) KeyIssued(ctx context.Context, agentID, keyID, suffix string) {
	a.log(ctx, agentID, audit.EventAPIKeyCreated, "API key issued", map[string]any{
		"key_id": keyID,
		"suffix": suffix,
	})
}

func (a *keyAudit) KeyRevoked(ctx context.Context, agentID, keyID, reason string) {
	a.log(ctx, agentID, audit.EventAPIKeyRevoked, "API key revoked", map[string]any{
		"key_id": keyID,
		"reason": reason,
	})
}

func (a *keyAudit) log(ctx context.Context, agentID, eventType, description string, metadata map[string]any) {
	orgID, _, _, err := a.orgs.ChainIDsForAgent(ctx, agentID)
	if err != nil {
		a.logger.Warn("audit attribution failed", "agent_id", agentID, "event", eventType, "error", err)
		return
	}
	if err := a.audit.LogEvent(ctx, orgID, agentID, eventType, description, metadata); err != nil {
		a.logger.Warn("audit write failed", "event", eventType, "error", err)
	}
}

// Compile-time checks for the adapter wiring.
var (
	_ gateway.ChainSource   = (*chainSource)(nil)
	_ budget.TargetDisabler = (*targetDisabler)(nil)
	_ billing.OrgSource     = (*billingOrgs)(nil)
	_ gateway.Notifier      = (*eventFanout)(nil)
	_ budget.Notifier       = (*eventFanout)(nil)
	_ billing.Notifier      = (*eventFanout)(nil)
	_ apikey.Auditor        = (*keyAudit)(nil)
)
