// Package server wires the plugin's admin HTTP surface: health, metrics,
// and a small operator API for sending transfers and fulfilling
// conditions from outside the process (spec.md's embedder calls these
// through Ledger directly; this package exists for operators who want
// to drive the same plugin over HTTP instead of linking it as a library).
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
	_ "github.com/lib/pq"

	"github.com/mbd888/ilpvirtual/internal/condition"
	"github.com/mbd888/ilpvirtual/internal/decimal"
	"github.com/mbd888/ilpvirtual/internal/idgen"
	"github.com/mbd888/ilpvirtual/internal/ledger"
	"github.com/mbd888/ilpvirtual/internal/logging"
	"github.com/mbd888/ilpvirtual/internal/metrics"
	"github.com/mbd888/ilpvirtual/internal/pluginconfig"
	"github.com/mbd888/ilpvirtual/internal/store"
	"github.com/mbd888/ilpvirtual/internal/traces"
	"github.com/mbd888/ilpvirtual/internal/transfer"
)

// Server wraps the HTTP admin surface and the Ledger it fronts.
type Server struct {
	cfg            *pluginconfig.Config
	ledger         *ledger.Ledger
	db             *sql.DB
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc
	tracerShutdown func(context.Context) error
	observer       ledger.Observer

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithObserver installs a ledger.Observer other than the default noop one
// (tests and embedders that want visibility into every ledger event).
func WithObserver(obs ledger.Observer) Option {
	return func(s *Server) { s.observer = obs }
}

// New constructs the admin server and the Ledger it wraps, but does not
// dial the peer or bind a listener yet — call Run for that.
func New(cfg *pluginconfig.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	tracerShutdown, err := traces.Init(ctx, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracerShutdown = func(context.Context) error { return nil }
	}
	s.tracerShutdown = tracerShutdown

	var st store.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		pgStore := store.NewPostgresStore(db)
		if err := pgStore.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate store: %w", err)
		}
		s.db = db
		st = pgStore
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		st = store.NewMemoryStore()
		s.logger.Info("using in-memory storage")
	}

	min := cfg.AuthLimit.Neg()
	max := cfg.Max()
	s.ledger = ledger.New(s.logger, st, min, max, condition.PreimageSHA256{}, s.observer)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

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
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		switch {
		case status >= 500:
			s.logger.Error("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		case status >= 400:
			s.logger.Warn("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		default:
			s.logger.Info("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	// /info, /balance, /transfers below are the operator-facing core surface.

	s.router.GET("/info", s.infoHandler)
	s.router.GET("/balance", s.balanceHandler)
	s.router.POST("/transfers", s.sendTransferHandler)
	s.router.POST("/transfers/:id/fulfill", s.fulfillHandler)
	s.router.POST("/transfers/:id/reply", s.replyHandler)
}

func (s *Server) healthHandler(c *gin.Context) {
	status := "healthy"
	httpStatus := http.StatusOK
	if !s.ledger.IsConnected() {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":    status,
		"connected": s.ledger.IsConnected(),
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
	checks := gin.H{"peer_connection": s.ledger.IsConnected()}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		checks["database"] = s.db.PingContext(ctx) == nil
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": checks})
}

// infoHandler returns the opaque display metadata spec.md §6 calls
// getInfo — precision and scale are placeholders the core ledger never
// interprets, carried only for plugin-config compatibility.
func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"precision":      s.cfg.InfoPrecision,
		"scale":          s.cfg.InfoScale,
		"currencyCode":   s.cfg.InfoCurrencyCode,
		"currencySymbol": s.cfg.InfoCurrencySymbol,
	})
}

func (s *Server) balanceHandler(c *gin.Context) {
	bal, err := s.ledger.GetBalance(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

type sendTransferRequest struct {
	ID                    string `json:"id,omitempty"`
	Amount                string `json:"amount" binding:"required"`
	ExecutionCondition    string `json:"execution_condition,omitempty"`
	CancellationCondition string `json:"cancellation_condition,omitempty"`
}

func (s *Server) sendTransferHandler(c *gin.Context) {
	var req sendTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, ok := decimal.Parse(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	id := req.ID
	if id == "" {
		id = idgen.New()
	}
	t := transfer.Transfer{
		ID:                    id,
		Amount:                amount,
		Account:               s.cfg.AuthAccount,
		ExecutionCondition:    req.ExecutionCondition,
		CancellationCondition: req.CancellationCondition,
	}
	if err := s.ledger.Send(c.Request.Context(), t); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (s *Server) fulfillHandler(c *gin.Context) {
	var req struct {
		Fulfillment string `json:"fulfillment" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.ledger.FulfillCondition(c.Request.Context(), c.Param("id"), req.Fulfillment); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "fulfilled"})
}

func (s *Server) replyHandler(c *gin.Context) {
	var req struct {
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.ledger.ReplyToTransfer(c.Request.Context(), c.Param("id"), []byte(req.Message)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

// Run dials the peer, starts the HTTP listener, and blocks until a
// shutdown signal or context cancellation, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	if err := s.ledger.Connect(runCtx, s.cfg.AuthHost, s.cfg.ReconnectMaxAttempts, s.cfg.ReconnectBaseDelay); err != nil {
		return fmt.Errorf("failed to connect to peer: %w", err)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting admin server", "port", s.cfg.Port, "peer", s.cfg.AuthHost)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

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

// Shutdown gracefully stops the admin server and disconnects the peer.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if err := s.ledger.Disconnect(); err != nil {
		s.logger.Warn("peer disconnect error", "error", err)
	}

	if s.tracerShutdown != nil {
		_ = s.tracerShutdown(context.Background())
	}

	if s.db != nil {
		_ = s.db.Close()
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
