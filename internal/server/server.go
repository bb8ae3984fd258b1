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

	"github.com/mbd888/racegate/internal/config"
	"github.com/mbd888/racegate/internal/credit"
	"github.com/mbd888/racegate/internal/health"
	"github.com/mbd888/racegate/internal/identity"
	"github.com/mbd888/racegate/internal/idgen"
	"github.com/mbd888/racegate/internal/issuer"
	"github.com/mbd888/racegate/internal/ledger"
	"github.com/mbd888/racegate/internal/logging"
	"github.com/mbd888/racegate/internal/metrics"
	"github.com/mbd888/racegate/internal/onboarding"
	"github.com/mbd888/racegate/internal/ratelimit"
	"github.com/mbd888/racegate/internal/realtime"
	"github.com/mbd888/racegate/internal/reconcile"
	"github.com/mbd888/racegate/internal/security"
	"github.com/mbd888/racegate/internal/session"
	"github.com/mbd888/racegate/internal/traces"
	"github.com/mbd888/racegate/internal/units"
	"github.com/mbd888/racegate/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	tokens        *identity.TokenProvider
	creds         identity.Provider
	ledgerClient  ledger.Client
	entryIssuer   issuer.Issuer
	profileSource credit.Source
	creditService *credit.Service
	reconService  *reconcile.Service
	reconTimer    *reconcile.Timer
	orchestrator  *session.Orchestrator
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	healthReg     *health.Registry
	db            *sql.DB // nil if using in-memory reconciliation
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	shutdownTrace func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithLedger sets a custom ledger client (for testing)
func WithLedger(c ledger.Client) Option {
	return func(s *Server) {
		s.ledgerClient = c
	}
}

// WithIssuer sets a custom entry issuer (for testing)
func WithIssuer(i issuer.Issuer) Option {
	return func(s *Server) {
		s.entryIssuer = i
	}
}

// WithProfileSource sets the platform profile source backing free-credit
// balances. Defaults to an in-memory source.
func WithProfileSource(src credit.Source) Option {
	return func(s *Server) {
		s.profileSource = src
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set ledger/issuer/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Identity: tokens are pushed in by the hosting platform on login
	s.tokens = identity.NewTokenProvider(identity.WithAudience(cfg.JWTAudience))
	s.creds = s.tokens

	// Reconciliation storage (Postgres if DATABASE_URL set, otherwise in-memory)
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
		s.reconService = reconcile.NewService(reconcile.NewPostgresStore(db), s.logger)
		s.logger.Info("using PostgreSQL reconciliation log", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.reconService = reconcile.NewService(reconcile.NewMemoryStore(), s.logger)
		s.logger.Info("using in-memory reconciliation log (records will not survive a restart)")
	}
	s.reconTimer = reconcile.NewTimer(s.reconService, s.logger)

	// Ledger client if not injected
	if s.ledgerClient == nil {
		lc, err := ledger.NewEthClient(ledger.EthConfig{
			RPCURL:        cfg.RPCURL,
			PrivateKey:    cfg.PrivateKey,
			ChainID:       cfg.ChainID,
			TokenContract: cfg.TokenContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create ledger client: %w", err)
		}
		s.ledgerClient = lc
		s.logger.Info("ledger client connected", "rpc", cfg.RPCURL, "chain_id", cfg.ChainID)
	}

	// Entry issuer if not injected
	if s.entryIssuer == nil {
		s.entryIssuer = issuer.NewHTTPClient(cfg.IssuerURL)
		s.logger.Info("entry issuer configured", "url", cfg.IssuerURL)
	}

	// Free-credit balances from the platform profile
	if s.profileSource == nil {
		s.profileSource = credit.NewMemorySource()
		s.logger.Info("using in-memory profile source")
	}
	s.creditService = credit.NewService(s.profileSource)

	// Create realtime hub for WebSocket phase streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Payment orchestrator, the core of the flow
	entryAmount, ok := units.Parse(cfg.EntryAmount)
	if !ok {
		return nil, fmt.Errorf("invalid entry amount %q", cfg.EntryAmount)
	}
	s.orchestrator = session.New(
		session.Config{
			EntryAmount: entryAmount,
			Destination: cfg.DestinationAddress,
			GameType:    cfg.GameCategory,
			GameID:      cfg.GameID,
		},
		s.creds,
		s.ledgerClient,
		s.entryIssuer,
		session.WithCredits(s.creditService),
		session.WithReconciler(s.reconService),
		session.WithCollector(onboarding.NewCollector(cfg.MinPlayers)),
		session.WithLogger(s.logger),
		session.WithTransitionHook(s.realtimeHub.BroadcastTransition),
	)

	// Health checkers
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) error {
			return s.db.PingContext(ctx)
		})
	}
	s.healthReg.Register("reconciliation", func(ctx context.Context) error {
		_, err := s.reconService.Unresolved(ctx, 1)
		return err
	})

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

	// CORS (the hosting game client may be served from another origin)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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
			requestID = idgen.WithPrefix("req_")
		}

		// Add to context
		ctx := logging.WithLogger(c.Request.Context(), s.logger.With("request_id", requestID))
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

	// WebSocket for real-time phase streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// Game parameters (public, read-only)
	v1.GET("/game", s.gameInfoHandler)

	// Identity push from the hosting platform
	v1.POST("/auth/token", s.setTokenHandler)
	v1.DELETE("/auth/token", s.clearTokenHandler)

	// Free-credit balance for the signed-in player
	v1.GET("/credits", s.creditsHandler)

	// The payment-to-onboarding flow
	v1.POST("/attempts", s.startAttemptHandler)
	v1.GET("/attempts/current", s.currentAttemptHandler)
	v1.POST("/attempts/current/pay", s.payHandler)
	v1.POST("/attempts/current/onboarding", s.onboardingHandler)
	v1.POST("/attempts/current/retry", s.retryHandler)
	v1.DELETE("/attempts/current", s.cancelAttemptHandler)

	// Operator review of paid-but-unticketed payments
	if s.cfg.AdminSecret != "" {
		admin := v1.Group("/admin")
		admin.Use(s.adminMiddleware())
		admin.GET("/reconciliations", s.listReconciliationsHandler)
		admin.POST("/reconciliations/:id/resolve", s.resolveReconciliationHandler)
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Initialize tracing
	shutdownTrace, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTrace = shutdownTrace
	}

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
			"game_id", s.cfg.GameID,
			"entry_amount", s.cfg.EntryAmount,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start reconciliation sweep timer
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Unsubscribe the orchestrator from identity changes
	if s.orchestrator != nil {
		s.orchestrator.Close()
	}

	// Flush traces
	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Warn("failed to flush traces", "error", err)
		}
	}

	// Close database
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("failed to close database", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Router exposes the gin engine (for tests)
func (s *Server) Router() http.Handler {
	return s.router
}

// Tokens exposes the token provider so a hosting process can push
// credentials directly instead of going through the HTTP route.
func (s *Server) Tokens() *identity.TokenProvider {
	return s.tokens
}
