// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/paylock/internal/auth"
	"github.com/mbd888/paylock/internal/circuitbreaker"
	"github.com/mbd888/paylock/internal/config"
	"github.com/mbd888/paylock/internal/dispute"
	"github.com/mbd888/paylock/internal/escrow"
	"github.com/mbd888/paylock/internal/gateway"
	"github.com/mbd888/paylock/internal/health"
	"github.com/mbd888/paylock/internal/ledger"
	"github.com/mbd888/paylock/internal/logging"
	"github.com/mbd888/paylock/internal/metrics"
	"github.com/mbd888/paylock/internal/notify"
	"github.com/mbd888/paylock/internal/ratelimit"
	"github.com/mbd888/paylock/internal/reconciliation"
	"github.com/mbd888/paylock/internal/security"
	"github.com/mbd888/paylock/internal/traces"
	"github.com/mbd888/paylock/internal/validation"
	"github.com/mbd888/paylock/internal/webhook"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	ledger       *ledger.Service
	gw           gateway.Gateway
	orch         *escrow.Orchestrator
	authMgr      *auth.Manager
	disputeMgr   *dispute.Manager
	ingestor     *webhook.Ingestor
	reconciler   *reconciliation.Service
	hub          *notify.Hub
	fundingTimer *escrow.Timer
	webhookTimer *webhook.Timer
	reconTimer   *reconciliation.Timer
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger

	cancelRunCtx   context.CancelFunc     // cancels background goroutines started in Run
	tracesShutdown func(context.Context) error

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

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) {
		s.gw = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		ledgerStore  ledger.Store
		webhookStore webhook.Store
		disputeStore dispute.Store
		authStore    auth.Store
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

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		ledgerStore = ledger.NewPostgresStore(db)
		webhookStore = webhook.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		ledgerStore = ledger.NewMemoryStore()
		webhookStore = webhook.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.ledger = ledger.NewService(ledgerStore)
	s.authMgr = auth.NewManager(authStore)

	// Seed the operator key from config so dispute resolution and manual
	// reconciliation work out of the box.
	if cfg.OpsAPIKey != "" {
		if _, err := s.authMgr.SeedKey(ctx, cfg.OpsAPIKey, "ops", "Operator key",
			auth.CapDisputeResolve, auth.CapReconcile); err != nil {
			return nil, fmt.Errorf("failed to seed operator key: %w", err)
		}
		s.logger.Info("operator key seeded")
	}

	// Payment gateway, throttled and guarded by a circuit breaker
	if s.gw == nil {
		var inner gateway.Gateway
		switch cfg.GatewayProvider {
		case "stripe":
			inner = gateway.NewStripeGateway(cfg.StripeAPIKey)
			s.logger.Info("stripe gateway enabled")
		default:
			inner = gateway.NewFakeGateway()
			s.logger.Info("fake gateway enabled (demo mode)")
		}
		breaker := circuitbreaker.New(5, 30*time.Second)
		s.gw = gateway.NewThrottled(inner, cfg.GatewayWorkers, cfg.GatewayTimeout, breaker)
	}

	// Event stream hub
	s.hub = notify.NewHub(s.logger)

	// Escrow orchestrator
	s.orch = escrow.NewOrchestrator(s.ledger, s.gw).
		WithLogger(s.logger).
		WithNotifier(s.hub).
		WithRetryPolicy(cfg.GatewayMaxRetries, cfg.GatewayRetryBase).
		WithFundingTimeout(cfg.FundingTimeout)

	// Disputes
	s.disputeMgr = dispute.NewManager(disputeStore, s.orch).WithLogger(s.logger)

	// Webhook ingestion
	secrets := cfg.WebhookSecrets
	if len(secrets) == 0 && !cfg.IsProduction() {
		secrets = map[string]string{"fake": "dev-secret"}
		s.logger.Warn("no webhook secrets configured, using dev secret for provider 'fake'")
	}
	s.ingestor = webhook.NewIngestor(webhookStore, s.orch, secrets).
		WithLogger(s.logger).
		WithRetryPolicy(cfg.WebhookMaxRetries, cfg.WebhookRetryBase, cfg.WebhookRetryCap)

	// Reconciliation
	s.reconciler = reconciliation.NewService(s.ledger, s.orch, s.gw).
		WithLogger(s.logger).
		WithStuckAfter(cfg.ReconcileStuckAfter)

	// Background timers
	s.fundingTimer = escrow.NewTimer(s.orch, 15*time.Minute, s.logger)
	s.webhookTimer = webhook.NewTimer(s.ingestor, cfg.WebhookSweepEvery, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileEvery, s.logger)

	// Health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", health.DatabaseChecker("database", s.db))
	}
	s.checks.Register("funding_timer", health.LoopChecker("funding_timer", s.fundingTimer.Running))
	s.checks.Register("webhook_sweeper", health.LoopChecker("webhook_sweeper", s.webhookTimer.Running))
	s.checks.Register("reconciliation", health.LoopChecker("reconciliation", s.reconTimer.Running))

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
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: float64(s.cfg.RateLimitRPS),
		BurstSize:         2 * s.cfg.RateLimitRPS,
		CleanupInterval:   time.Minute,
	})
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

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(b)
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for the event stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	escrowHandler := escrow.NewHandler(s.orch)
	disputeHandler := dispute.NewHandler(s.disputeMgr)
	webhookHandler := webhook.NewHandler(s.ingestor)
	reconHandler := reconciliation.NewHandler(s.reconciler)

	// PUBLIC ROUTES (no auth required)
	// Read endpoints: escrow state, ledger history, dispute cases
	escrowHandler.RegisterRoutes(v1)
	disputeHandler.RegisterRoutes(v1)
	v1.GET("/events/stats", s.eventStatsHandler)

	// Provider webhooks authenticate by HMAC signature, not API key
	webhookHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth())
	{
		escrowHandler.RegisterProtectedRoutes(protected)
		disputeHandler.RegisterProtectedRoutes(protected)
	}

	// OPERATOR ROUTES (require capability scopes)
	resolver := v1.Group("")
	resolver.Use(auth.Middleware(s.authMgr), auth.RequireCapability(auth.CapDisputeResolve))
	disputeHandler.RegisterResolverRoutes(resolver)

	ops := v1.Group("")
	ops.Use(auth.Middleware(s.authMgr), auth.RequireCapability(auth.CapReconcile))
	reconHandler.RegisterProtectedRoutes(ops)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
		"name":        "paylock",
		"description": "Escrow and milestone payment engine",
		"version":     "0.1.0",
		"gateway":     s.gw.Name(),
	})
}

func (s *Server) eventStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Trace export, when a collector is configured
	if s.cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("trace export disabled", "error", err)
		} else {
			s.tracesShutdown = shutdown
		}
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"gateway", s.gw.Name(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start event stream hub
	go s.hub.Run(runCtx)

	// Start funding expiry timer
	go s.fundingTimer.Start(runCtx)

	// Start webhook retry sweeper
	go s.webhookTimer.Start(runCtx)

	// Start reconciliation sweeper
	go s.reconTimer.Start(runCtx)

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
	time.Sleep(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop timers
	s.fundingTimer.Stop()
	s.webhookTimer.Stop()
	s.reconTimer.Stop()
	s.logger.Info("timers stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Drain in-flight payout dispatches
	s.orch.Wait()
	s.logger.Info("dispatches drained")

	// Flush traces
	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
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
