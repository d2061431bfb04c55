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

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/habitstakes/internal/admin"
	"github.com/mbd888/habitstakes/internal/alerts"
	"github.com/mbd888/habitstakes/internal/auth"
	"github.com/mbd888/habitstakes/internal/challenges"
	"github.com/mbd888/habitstakes/internal/config"
	"github.com/mbd888/habitstakes/internal/escrow"
	"github.com/mbd888/habitstakes/internal/health"
	"github.com/mbd888/habitstakes/internal/logging"
	"github.com/mbd888/habitstakes/internal/metrics"
	"github.com/mbd888/habitstakes/internal/payment"
	"github.com/mbd888/habitstakes/internal/ratelimit"
	"github.com/mbd888/habitstakes/internal/reconciliation"
	"github.com/mbd888/habitstakes/internal/security"
	"github.com/mbd888/habitstakes/internal/settlement"
	"github.com/mbd888/habitstakes/internal/stakes"
	"github.com/mbd888/habitstakes/internal/traces"
	"github.com/mbd888/habitstakes/internal/validation"
	"github.com/mbd888/habitstakes/internal/webhooks"
	"github.com/mbd888/habitstakes/migrations"
)

// webhookPath is exempt from rate limiting; the processor retries on 429
// and a burst of redeliveries must not be dropped.
const webhookPath = "/webhooks/processor"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	gateway        payment.Gateway // raw processor, wrapped by resilient
	resilient      *payment.Resilient
	outcomes       challenges.OutcomeSource
	alerts         alerts.Sink
	sentry         *alerts.SentrySink
	stakes         *stakes.Service
	ledger         *escrow.Ledger
	orchestrator   *settlement.Orchestrator
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter
	stopTracing    func(context.Context) error

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

// WithVersion sets the build version reported by /health and to Sentry.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithGateway sets a custom payment processor (for testing)
func WithGateway(gw payment.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// WithOutcomeSource sets a custom challenge outcome source (for testing)
func WithOutcomeSource(src challenges.OutcomeSource) Option {
	return func(s *Server) {
		s.outcomes = src
	}
}

// WithAlertSink sets a custom operator alert sink (for testing)
func WithAlertSink(sink alerts.Sink) Option {
	return func(s *Server) {
		s.alerts = sink
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if err := s.setupAlerts(); err != nil {
		return nil, err
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		stakeStore      stakes.Store
		escrowStore     escrow.Store
		settlementStore settlement.Store
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
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			s.logger.Info("database migrations applied")
		}

		s.db = db
		stakeStore = stakes.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		settlementStore = settlement.NewPostgresStore(db)
		if s.outcomes == nil {
			s.outcomes = challenges.NewPostgresSource(db)
		}
		s.health.Register("database", health.Database(db, 2*time.Second))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		stakeStore = stakes.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		settlementStore = settlement.NewMemoryStore()
		if s.outcomes == nil {
			s.outcomes = challenges.NewStaticSource()
		}
		s.logger.Warn("using in-memory storage (data will be lost on restart)")
	}

	// Payment processor (Stripe if configured, otherwise the in-memory fake)
	if s.gateway == nil {
		if cfg.StripeSecretKey != "" {
			s.gateway = payment.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret, nil)
			s.logger.Info("using Stripe payment processor")
		} else {
			s.gateway = payment.NewFakeGateway(cfg.StripeWebhookSecret)
			s.logger.Warn("using fake payment processor (no money moves)")
		}
	}
	s.resilient = payment.NewResilient(s.gateway, payment.ResilientOptions{
		Timeout:          cfg.ProcessorTimeout,
		RPS:              cfg.ProcessorRPS,
		Burst:            cfg.ProcessorBurst,
		BreakerThreshold: 5,
		BreakerOpenFor:   30 * time.Second,
	})
	s.health.Register("processor", health.Breaker(s.resilient.Breaker().OpenKeys))

	// Domain services
	s.stakes = stakes.NewService(stakeStore)
	s.ledger = escrow.NewLedger(escrowStore, s.resilient, cfg.Currency)
	s.orchestrator = settlement.NewOrchestrator(
		settlementStore,
		s.ledger,
		s.resilient,
		s.stakes,
		s.outcomes,
		s.alerts,
		settlement.Options{
			Concurrency: cfg.SettlementConcurrency,
			RetryBase:   cfg.ReconcileBaseDelay,
		},
	)

	s.reconciler = reconciliation.NewRunner(s.orchestrator, s.ledger, s.stakes, s.alerts, reconciliation.Config{
		StaleAfter: cfg.ReconcileStaleAfter,
		MaxRetries: cfg.ReconcileMaxRetries,
		RetryBase:  cfg.ReconcileBaseDelay,
		BatchSize:  cfg.ReconcileBatchSize,
	})
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	s.health.Register("reconciliation", health.Loop("reconciliation", s.reconcileTimer.Running))

	// Setup router
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupAlerts picks the operator alert sink: Sentry when a DSN is
// configured, otherwise the log.
func (s *Server) setupAlerts() error {
	if s.alerts != nil {
		return nil
	}
	if s.cfg.SentryDSN == "" {
		s.alerts = alerts.NewLogSink(s.logger)
		return nil
	}
	sink, err := alerts.NewSentrySink(sentry.ClientOptions{
		Dsn:         s.cfg.SentryDSN,
		Environment: s.cfg.Env,
		Release:     s.version,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init sentry: %w", err)
	}
	s.sentry = sink
	s.alerts = sink
	s.logger.Info("operator alerts go to Sentry")
	return nil
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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rl.RequestsPerMinute = int(s.cfg.RateLimitRPS * 60)
	}
	if s.cfg.RateLimitBurst > 0 {
		rl.BurstSize = s.cfg.RateLimitBurst
	}
	rl.SkipPaths = []string{webhookPath, "/health", "/health/live", "/health/ready", "/metrics"}
	s.rateLimiter = ratelimit.New(rl)
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
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			// Probes and scrapes would drown everything else.
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
	// Health and metrics
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Processor webhooks authenticate by signature, not by token.
	webhooks.NewHandler(
		webhooks.NewReceiver(s.ledger, s.resilient, s.alerts),
		s.cfg.WebhookSignatureHdr,
	).RegisterRoutes(s.router)

	// Internal trigger API
	verifier := auth.NewVerifier(s.cfg.InternalAPIToken)
	if verifier.Open() {
		s.logger.Warn("INTERNAL_API_TOKEN not set, /internal routes are unauthenticated")
	}
	internal := s.router.Group("/internal", auth.RequireToken(verifier), security.RequireJSON(), validation.IDParamMiddleware())

	stakes.NewHandler(s.stakes).RegisterRoutes(internal)
	escrow.NewHandler(s.ledger, s.stakes).RegisterRoutes(internal)
	settlement.NewHandler(s.orchestrator).RegisterRoutes(internal)
	admin.NewHandler().
		WithSettlements(s.orchestrator).
		WithEscrows(s.ledger).
		WithReconciler(s.reconciler).
		RegisterRoutes(internal)
}

// HealthResponse is the response for health checks
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
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
			"currency", s.cfg.Currency,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start reconciliation sweeps
	go s.reconcileTimer.Start(logging.WithLogger(runCtx, s.logger))

	// Export connection pool stats
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
	defer signal.Stop(sigChan)

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

	// Cancel the context for background goroutines (timer, stats collector)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.close(ctx)
	s.logger.Info("server stopped")
	return nil
}

// close releases everything New acquired.
func (s *Server) close(ctx context.Context) {
	// Stop reconciliation timer
	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Deliver queued operator alerts
	if s.sentry != nil {
		s.sentry.Flush(5 * time.Second)
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
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
