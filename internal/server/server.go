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
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/shopspring/decimal"

	"github.com/mbd888/rewardescrow/internal/config"
	"github.com/mbd888/rewardescrow/internal/health"
	"github.com/mbd888/rewardescrow/internal/ledger"
	"github.com/mbd888/rewardescrow/internal/listing"
	"github.com/mbd888/rewardescrow/internal/logging"
	"github.com/mbd888/rewardescrow/internal/metrics"
	"github.com/mbd888/rewardescrow/internal/ratelimit"
	"github.com/mbd888/rewardescrow/internal/retry"
	"github.com/mbd888/rewardescrow/internal/rewardhold"
	"github.com/mbd888/rewardescrow/internal/security"
	"github.com/mbd888/rewardescrow/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// LedgerBackend is what the server needs from a ledger implementation.
// Both *ledger.Client and *ledger.MemoryLedger satisfy it.
type LedgerBackend interface {
	HoldFunds(ctx context.Context, ownerID string, amount decimal.Decimal, subjectID, reason, idempotencyKey string) (string, error)
	CompleteEscrowTransfer(ctx context.Context, fromID, toID string, amount decimal.Decimal, subjectID, reason, idempotencyKey string) error
	RefundHeldFunds(ctx context.Context, ownerID string, amount decimal.Decimal, subjectID, reason, idempotencyKey string) error
}

// ListingSource is what the server needs from a listing lookup.
type ListingSource interface {
	Get(ctx context.Context, id string) (*listing.Listing, error)
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	ledger        LedgerBackend
	listings      ListingSource
	holdService   *rewardhold.Service
	reconciler    *rewardhold.Reconciler
	verifyLimiter rewardhold.AttemptLimiter
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry
	db            *sql.DB       // nil if using in-memory
	redis         *redis.Client // nil without REDIS_URL
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	shutdownHooks []func(context.Context) error

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithLedger sets the ledger instead of building one from config (for testing)
func WithLedger(l LedgerBackend) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// WithListings sets the listing source instead of building one from config (for testing)
func WithListings(l ListingSource) Option {
	return func(s *Server) {
		s.listings = l
	}
}

// WithShutdownHook registers fn to run at the end of Shutdown, e.g. flushing traces.
func WithShutdownHook(fn func(context.Context) error) Option {
	return func(s *Server) {
		s.shutdownHooks = append(s.shutdownHooks, fn)
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(2 * time.Second),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var store rewardhold.Store
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		store = rewardhold.NewPostgresStore(db)
		if s.listings == nil {
			s.listings = listing.NewPostgresLookup(db)
		}
		s.health.Register(health.Ping("database", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		store = rewardhold.NewMemoryStore()
		if s.listings == nil {
			s.listings = listing.NewMemoryDirectory()
		}
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Ledger (HTTP client if LEDGER_URL set, otherwise the demo ledger)
	if s.ledger == nil {
		if cfg.LedgerURL != "" {
			client := ledger.NewClient(ledger.Config{
				BaseURL: cfg.LedgerURL,
				APIKey:  cfg.LedgerAPIKey,
				Timeout: cfg.LedgerTimeout,
			})
			s.ledger = client
			s.logger.Info("using ledger service", "url", cfg.LedgerURL)
		} else {
			s.ledger = ledger.NewMemoryLedger()
			s.logger.Warn("using in-memory demo ledger")
		}
	}
	if c, ok := s.ledger.(*ledger.Client); ok {
		s.health.Register(breakerCheck(c))
	}

	// Verify attempts (shared through Redis when configured)
	if cfg.RedisURL != "" {
		rdb, err := ratelimit.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		s.redis = rdb
		s.verifyLimiter = ratelimit.NewRedisAttempts(rdb, cfg.VerifyMaxAttempts, cfg.VerifyWindow)
		s.health.Register(health.Ping("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	} else {
		s.verifyLimiter = ratelimit.NewMemoryAttempts(cfg.VerifyMaxAttempts, cfg.VerifyWindow)
	}

	s.holdService = rewardhold.NewService(store, &ledgerAdapter{l: s.ledger}, &listingAdapter{l: s.listings}).
		WithLogger(s.logger)
	s.reconciler = rewardhold.NewReconciler(s.holdService, cfg.StaleHoldAfter, s.logger)
	s.health.Register(reconcilerCheck(s.reconciler))

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// The database often comes up after us in compose and k8s.
	err = retry.Do(ctx, 5, 500*time.Millisecond, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
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

func breakerCheck(c *ledger.Client) health.Checker {
	return func(ctx context.Context) health.Status {
		if !c.Available() {
			return health.Status{Name: "ledger", Healthy: false, Detail: "circuit open"}
		}
		return health.Status{Name: "ledger", Healthy: true}
	}
}

// reconcilerCheck reports the sweep schedule and its latest stale count.
// Stale holds need a human, not a restart, so it never fails readiness.
func reconcilerCheck(r *rewardhold.Reconciler) health.Checker {
	return func(ctx context.Context) health.Status {
		if !r.Running() {
			return health.Status{Name: "reconciler", Healthy: true, Detail: "stopped"}
		}
		return health.Status{
			Name:    "reconciler",
			Healthy: true,
			Detail:  fmt.Sprintf("running, %d stale pending holds", r.LastCount()),
		}
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream ID (load balancer, gateway) if present
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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
	s.router.GET("/health/live", health.LiveHandler())
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)

	// Caller first so the rate limiter can key on the user.
	v1 := s.router.Group("/v1", rewardhold.CallerMiddleware(), s.rateLimiter.Middleware(rewardhold.CallerKey))
	rewardhold.NewHandler(s.holdService).
		WithVerifyLimiter(s.verifyLimiter).
		RegisterRoutes(v1)
}

// readinessHandler fails while the server is starting or draining, then
// defers to the dependency checks.
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.ReadyHandler()(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		if err := s.reconciler.Start(runCtx, s.cfg.ReconcileSchedule); err != nil {
			s.logger.Error("reconciler stopped", "error", err)
		}
	}()

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	for _, hook := range s.shutdownHooks {
		if err := hook(ctx); err != nil {
			s.logger.Error("shutdown hook error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// MarkReady flips the readiness flag without starting the listener (for testing)
func (s *Server) MarkReady() {
	s.ready.Store(true)
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// ledgerAdapter maps ledger errors onto the escrow's sentinels.
type ledgerAdapter struct {
	l LedgerBackend
}

func (a *ledgerAdapter) HoldFunds(ctx context.Context, ownerID string, amount decimal.Decimal, subjectID, reason, idempotencyKey string) (string, error) {
	ref, err := a.l.HoldFunds(ctx, ownerID, amount, subjectID, reason, idempotencyKey)
	return ref, translateLedgerError(err)
}

func (a *ledgerAdapter) CompleteEscrowTransfer(ctx context.Context, fromID, toID string, amount decimal.Decimal, subjectID, reason, idempotencyKey string) error {
	return translateLedgerError(a.l.CompleteEscrowTransfer(ctx, fromID, toID, amount, subjectID, reason, idempotencyKey))
}

func (a *ledgerAdapter) RefundHeldFunds(ctx context.Context, ownerID string, amount decimal.Decimal, subjectID, reason, idempotencyKey string) error {
	return translateLedgerError(a.l.RefundHeldFunds(ctx, ownerID, amount, subjectID, reason, idempotencyKey))
}

func translateLedgerError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fmt.Errorf("%w: %w", rewardhold.ErrInsufficientFunds, err)
	case ledger.Refused(err):
		return fmt.Errorf("%w: %w", rewardhold.ErrLedgerRefused, err)
	}
	return err
}

// listingAdapter converts catalog listings into the escrow's view.
type listingAdapter struct {
	l ListingSource
}

func (a *listingAdapter) GetListing(ctx context.Context, listingID string) (*rewardhold.Listing, error) {
	l, err := a.l.Get(ctx, listingID)
	if errors.Is(err, listing.ErrNotFound) {
		return nil, rewardhold.ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rewardhold.Listing{ID: l.ID, OwnerID: l.OwnerID, RewardAmount: l.Reward}, nil
}

var (
	_ rewardhold.Ledger        = (*ledgerAdapter)(nil)
	_ rewardhold.ListingLookup = (*listingAdapter)(nil)
	_ LedgerBackend            = (*ledger.Client)(nil)
	_ LedgerBackend            = (*ledger.MemoryLedger)(nil)
	_ ListingSource            = (*listing.PostgresLookup)(nil)
	_ ListingSource            = (*listing.MemoryDirectory)(nil)
)
