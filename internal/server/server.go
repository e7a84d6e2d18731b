// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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

	"github.com/mbd888/cardrail/internal/card"
	"github.com/mbd888/cardrail/internal/config"
	"github.com/mbd888/cardrail/internal/fraud"
	"github.com/mbd888/cardrail/internal/health"
	"github.com/mbd888/cardrail/internal/idgen"
	"github.com/mbd888/cardrail/internal/intake"
	"github.com/mbd888/cardrail/internal/ledger"
	"github.com/mbd888/cardrail/internal/logging"
	"github.com/mbd888/cardrail/internal/metrics"
	"github.com/mbd888/cardrail/internal/notify"
	"github.com/mbd888/cardrail/internal/ratelimit"
	"github.com/mbd888/cardrail/internal/realtime"
	"github.com/mbd888/cardrail/internal/security"
	"github.com/mbd888/cardrail/internal/validation"
)

// dedupPurgeInterval is how often expired processed-event keys are swept
// in Postgres mode.
const dedupPurgeInterval = time.Hour

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	cards        card.Store
	records      ledger.Store
	ledgerEngine *ledger.Engine
	fraudEngine  *fraud.Engine
	applier      *fraud.Applier
	fraudStore   fraud.Store
	subs         notify.Store
	emitter      *notify.Emitter
	intakeSvc    *intake.Service
	hub          *realtime.Hub
	purger       *intake.PostgresDeduper // nil in memory mode
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
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
		checks: health.NewRegistry(),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var deduper intake.Deduper
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
		s.cards = card.NewPostgresStore(db)
		s.records = ledger.NewPostgresStore(db)
		s.fraudStore = fraud.NewPostgresStore(db)
		s.subs = notify.NewPostgresStore(db)
		s.purger = intake.NewPostgresDeduper(db, 0)
		deduper = s.purger
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.cards = card.NewMemoryStore()
		s.records = ledger.NewMemoryStore(s.cards)
		s.fraudStore = fraud.NewMemoryStore()
		s.subs = notify.NewMemoryStore()
		deduper = intake.NewWindow()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Ledger engine (limit gates + balance mutation)
	s.ledgerEngine = ledger.NewEngine(s.cards, s.records,
		ledger.WithAuthorizationHolds(cfg.HoldAuthorizations),
		ledger.WithLogger(s.logger),
	)
	if cfg.HoldAuthorizations {
		s.logger.Info("authorization holds enabled")
	}

	// Fraud engine (scoring + prevention)
	s.fraudEngine = fraud.NewEngine(s.records, s.cards, fraudConfig(cfg),
		fraud.WithStore(s.fraudStore),
	)
	s.applier = fraud.NewApplier(s.cards)

	// Outbound notifications and realtime feed
	s.emitter = notify.NewEmitter(s.subs)
	s.hub = realtime.NewHub(s.logger)

	// Intake pipeline ties it all together
	verifier := intake.NewVerifier(cfg.ProviderSecrets)
	s.intakeSvc = intake.NewService(verifier, deduper, s.ledgerEngine, s.cards,
		intake.WithFraud(s.fraudEngine, s.applier),
		intake.WithNotifier(s.emitter),
		intake.WithFeed(s.hub),
	)
	s.logger.Info("intake pipeline ready", "providers", len(cfg.ProviderSecrets))

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

// fraudConfig translates environment configuration into the fraud engine's
// rule parameters. Score points and thresholds keep their built-in defaults.
func fraudConfig(cfg *config.Config) fraud.Config {
	fc := fraud.Config{
		AmountCap:         cfg.FraudAmountCap,
		MerchantBlocklist: cfg.MerchantBlocklist,
	}
	if len(cfg.HighRiskCategories) > 0 {
		fc.HighRiskCategories = make(map[string]bool, len(cfg.HighRiskCategories))
		for _, mcc := range cfg.HighRiskCategories {
			fc.HighRiskCategories[mcc] = true
		}
	}
	return fc
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

	// CORS (allow all origins in development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS * 2
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
			requestID = idgen.Hex(16)
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
	s.router.GET("/", s.infoHandler)

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// Webhook intake mounts on the root: providers post raw signed payloads
	// here and cannot be asked to follow our API versioning.
	root := s.router.Group("")

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IDParamMiddleware())

	intakeHandler := intake.NewHandler(s.intakeSvc)
	intakeHandler.RegisterRoutes(root, v1)

	cardHandler := card.NewHandler(s.cards, card.SpendingLimits{
		PerTransaction: s.cfg.DefaultPerTransactionLimit,
		Daily:          s.cfg.DefaultDailyLimit,
		Monthly:        s.cfg.DefaultMonthlyLimit,
	})
	cardHandler.RegisterRoutes(v1)

	ledgerHandler := ledger.NewHandler(s.records)
	ledgerHandler.RegisterRoutes(v1)

	fraudHandler := fraud.NewHandler(s.fraudStore)
	fraudHandler.RegisterRoutes(v1)

	notifyHandler := notify.NewHandler(s.subs)
	notifyHandler.RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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
		"name":        "cardrail",
		"description": "Transaction event reconciliation and risk control for virtual cards",
		"version":     "0.1.0",
	})
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
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Periodic sweeps of expired dedup keys (Postgres mode only)
	if s.purger != nil {
		go s.runDedupPurge(runCtx)
	}

	// Sample connection pool stats into gauges
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

func (s *Server) runDedupPurge(ctx context.Context) {
	ticker := time.NewTicker(dedupPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.purger.Purge(ctx)
			if err != nil {
				s.logger.Warn("dedup purge failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("purged expired dedup keys", "count", n)
			}
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, purge loop)
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

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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
