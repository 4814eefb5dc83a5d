// Package server sets up the HTTP server with all routes and background
// jobs.
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

	"github.com/mercatod/mercato/internal/admin"
	"github.com/mercatod/mercato/internal/chain"
	"github.com/mercatod/mercato/internal/config"
	"github.com/mercatod/mercato/internal/deposit"
	"github.com/mercatod/mercato/internal/disburser"
	"github.com/mercatod/mercato/internal/escrow"
	"github.com/mercatod/mercato/internal/health"
	"github.com/mercatod/mercato/internal/logging"
	"github.com/mercatod/mercato/internal/metrics"
	"github.com/mercatod/mercato/internal/money"
	"github.com/mercatod/mercato/internal/notify"
	"github.com/mercatod/mercato/internal/product"
	"github.com/mercatod/mercato/internal/profile"
	"github.com/mercatod/mercato/internal/ratelimit"
	"github.com/mercatod/mercato/internal/reconciler"
	"github.com/mercatod/mercato/internal/referral"
	"github.com/mercatod/mercato/internal/security"
	"github.com/mercatod/mercato/internal/settings"
	"github.com/mercatod/mercato/internal/validation"
	"github.com/mercatod/mercato/internal/walletkey"
	"github.com/mercatod/mercato/internal/withdrawal"
)

// Server wraps the HTTP server, the services, and the background timers.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db *sql.DB // nil if using in-memory stores

	profiles    *profile.Service
	products    *product.Service
	escrows     *escrow.Service
	deposits    *deposit.Service
	withdrawals *withdrawal.Service
	referrals   *referral.Service
	settings    *settings.Service
	setStore    settings.Store

	chainClient *chain.Client
	keys        *walletkey.Service

	reconcilerSvc   *reconciler.Service
	reconcilerTimer *reconciler.Timer
	disburserSvc    *disburser.Service
	disburserTimer  *disburser.Timer

	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server

	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithChainClient injects a chain client (for testing).
func WithChainClient(c *chain.Client) Option {
	return func(s *Server) {
		s.chainClient = c
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.GatewayURL != "" && cfg.IsProduction() {
		if err := security.ValidateEndpointURL(cfg.GatewayURL); err != nil {
			return nil, fmt.Errorf("GATEWAY_URL rejected: %w", err)
		}
	}

	// Stores: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		profileStore    profile.Store
		productStore    product.Store
		escrowStore     escrow.Store
		depositStore    deposit.Store
		withdrawalStore withdrawal.Store
		referralStore   referral.Store
		reconcilerStore reconciler.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		profileStore = profile.NewPostgresStore(db)
		productStore = product.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		depositStore = deposit.NewPostgresStore(db)
		withdrawalStore = withdrawal.NewPostgresStore(db)
		referralStore = referral.NewPostgresStore(db)
		reconcilerStore = reconciler.NewPostgresStore(db)
		s.setStore = settings.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		profileStore = profile.NewMemoryStore()
		productStore = product.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		depositStore = deposit.NewMemoryStore()
		withdrawalStore = withdrawal.NewMemoryStore()
		referralStore = referral.NewMemoryStore()
		reconcilerStore = reconciler.NewMemoryStore()
		s.setStore = settings.NewMemoryStore()
	}

	s.settings = settings.NewService(s.setStore)

	var notifier *notify.Notifier
	if cfg.GatewayURL != "" {
		notifier = notify.New(notify.Config{
			GatewayURL: cfg.GatewayURL,
			Secret:     cfg.GatewaySecret,
		}, s.logger)
		s.logger.Info("gateway notifications enabled")
	}

	// Services. Balance mutations all flow through the profile service.
	s.referrals = referral.NewService(referralStore, profileStore, s.settings, s.logger)
	s.profiles = profile.NewService(profileStore).WithReferralLinker(s.referrals)
	s.products = product.NewService(productStore)

	s.escrows = escrow.NewService(escrowStore, profileStore, s.settings, s.logger)
	s.deposits = deposit.NewService(depositStore, profileStore, s.logger)
	s.withdrawals = withdrawal.NewService(withdrawalStore, s.profiles, profileStore, s.settings, s.logger)
	if notifier != nil {
		s.escrows = s.escrows.WithNotifier(notifier)
		s.deposits = s.deposits.WithNotifier(notifier)
		s.withdrawals = s.withdrawals.WithNotifier(notifier)
	}

	// Chain access and the custody wallet.
	if s.chainClient == nil {
		client, err := chain.New(chain.Config{RPCURL: cfg.RPCURL, ChainID: cfg.ChainID})
		if err != nil {
			return nil, fmt.Errorf("failed to create chain client: %w", err)
		}
		s.chainClient = client
	}
	s.keys = walletkey.NewService(s.settings, cfg.SeedPassphrase)

	// Background jobs.
	dust, ok := money.Parse(cfg.DustThreshold)
	if !ok {
		return nil, fmt.Errorf("invalid DUST_THRESHOLD %q", cfg.DustThreshold)
	}
	buffer, ok := money.Parse(cfg.SafetyBuffer)
	if !ok {
		return nil, fmt.Errorf("invalid SAFETY_BUFFER %q", cfg.SafetyBuffer)
	}

	s.reconcilerSvc = reconciler.NewService(reconciler.Config{
		Confirmations:   uint64(cfg.Confirmations),
		MaxBlocksPerRun: uint64(cfg.MaxBlocksPerRun),
		DustThreshold:   dust,
	}, reconcilerStore, s.chainClient, s.keys,
		s.escrows, s.deposits, escrowStore, depositStore, s.logger)
	s.reconcilerTimer = reconciler.NewTimer(s.reconcilerSvc, cfg.ReconcileInterval, s.logger)

	s.disburserSvc = disburser.NewService(disburser.Config{SafetyBuffer: buffer},
		s.withdrawals, s.chainClient, s.keys, s.settings, s.referrals, s.logger)
	s.disburserTimer = disburser.NewTimer(s.disburserSvc, cfg.DisburseInterval, s.logger)

	// Health checks.
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.healthReg.Register("database", health.Ping("database", db.PingContext))
	}
	s.healthReg.Register("chain", health.Ping("chain", func(ctx context.Context) error {
		_, err := s.chainClient.Head(ctx)
		return err
	}))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// maskDSN hides the password in a connection string for logging.
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

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}))

	s.router.Use(security.HeadersMiddleware())

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitRPS * 2,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	profileHandlers := profile.NewHandlers(s.profiles, s.logger)
	productHandlers := product.NewHandlers(s.products, s.logger)
	escrowHandlers := escrow.NewHandlers(s.escrows, s.logger)
	depositHandlers := deposit.NewHandlers(s.deposits, s.logger)
	withdrawalHandlers := withdrawal.NewHandlers(s.withdrawals, s.logger).
		WithKicker(s.disburserTimer)
	referralHandlers := referral.NewHandlers(s.referrals, s.logger)
	reconcilerHandlers := reconciler.NewHandlers(s.reconcilerSvc, s.logger)
	settingsHandlers := settings.NewHandlers(s.settings, s.setStore, s.logger)

	profileHandlers.RegisterRoutes(v1)
	productHandlers.RegisterRoutes(v1)
	escrowHandlers.RegisterRoutes(v1)
	depositHandlers.RegisterRoutes(v1)
	withdrawalHandlers.RegisterRoutes(v1)
	referralHandlers.RegisterRoutes(v1)
	v1.GET("/profiles/:id/sales", escrowHandlers.ListByProfileHandler)

	adminGroup := v1.Group("/admin")
	adminGroup.Use(admin.Middleware(s.cfg.AdminToken))
	{
		escrowHandlers.RegisterAdminRoutes(adminGroup)
		depositHandlers.RegisterAdminRoutes(adminGroup)
		withdrawalHandlers.RegisterAdminRoutes(adminGroup)
		profileHandlers.RegisterAdminRoutes(adminGroup)
		reconcilerHandlers.RegisterAdminRoutes(adminGroup)
		settingsHandlers.RegisterAdminRoutes(adminGroup)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)
	code := http.StatusOK
	status := "healthy"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	c.JSON(code, gin.H{
		"status":    status,
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

// Run starts the HTTP server with graceful shutdown.
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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.reconcilerTimer.Start(runCtx)
	go s.disburserTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

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

	s.reconcilerTimer.Stop()
	s.disburserTimer.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.chainClient != nil {
		s.chainClient.Close()
	}

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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
