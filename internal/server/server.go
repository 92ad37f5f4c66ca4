// Package server wires the escrow and dispute services, the ledger
// listener and the scheduled tasks behind the HTTP API.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/config"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/dispute"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/escrow"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/health"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/ledger"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/logging"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/metrics"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/notify"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/outbox"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/ratelimit"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/reconciliation"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/scheduler"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/traces"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/watcher"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *sql.DB           // nil if using in-memory
	redis *redis.Client     // nil without REDIS_URL
	eth   *ethclient.Client // nil on the simulated ledger

	sim      *ledger.Simulated // nil on a real chain
	gateway  ledger.Gateway
	watcher  *watcher.Watcher
	listener *reconciliation.Listener

	escrows   *escrow.Service
	disputes  *dispute.Service
	verdicts  *dispute.VerdictRunner
	intents   *outbox.Recorder
	sweeper   *outbox.Sweeper
	balances  *reconciliation.BalanceReconciler // nil on the simulated ledger
	scheduler *scheduler.Runner

	hub      *notify.Hub
	async    []*notify.Async
	notifier notify.Sink

	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	router        *gin.Engine
	httpSrv       *http.Server
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	drainDelay    time.Duration
	shutdownOnce  sync.Once
	shutdownErr   error

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

// WithSimulatedLedger runs against the given simulated ledger instead of
// a fresh one. Ignored when RPC_URL is set.
func WithSimulatedLedger(sim *ledger.Simulated) Option {
	return func(s *Server) {
		s.sim = sim
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(3 * time.Second),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if cfg.DatabaseURL != "" {
		if err := s.openDatabase(ctx); err != nil {
			return nil, err
		}
	}

	st, err := s.newStorage()
	if err != nil {
		s.closeClients()
		return nil, err
	}

	if err := s.setupLedger(ctx); err != nil {
		s.closeClients()
		return nil, err
	}

	if err := s.setupNotifications(ctx); err != nil {
		s.closeClients()
		return nil, err
	}

	s.setupServices(st)

	s.setupListener(st)
	s.setupScheduler(st)

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	s.logger.Info("server initialized",
		"env", cfg.Env,
		"simulated_ledger", cfg.SimulatedLedger(),
		"postgres", s.db != nil,
		"redis", s.redis != nil,
	)
	return s, nil
}

// openDatabase opens and pings the Postgres pool.
func (s *Server) openDatabase(ctx context.Context) error {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(max(s.cfg.DBMaxOpenConns/5, 2))
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.health.Register(health.Ping("postgres", db.PingContext))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
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
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the background workers, and blocks until
// ctx is cancelled, a shutdown signal arrives, or a worker fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	g, gctx := errgroup.WithContext(runCtx)

	// The watcher positions itself before anything else starts so a bad
	// RPC endpoint fails fast.
	if s.watcher != nil {
		if err := s.watcher.Start(gctx); err != nil {
			cancel()
			s.closeClients()
			return fmt.Errorf("failed to start settlement watcher: %w", err)
		}
	}

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.hub.Run(gctx)
		return nil
	})
	for _, a := range s.async {
		g.Go(func() error {
			a.Run(gctx)
			return nil
		})
	}

	if s.sim != nil {
		g.Go(func() error {
			s.sim.Run(gctx)
			return nil
		})
	}
	s.verdicts.Start(gctx)

	g.Go(func() error {
		return s.scheduler.Start(gctx)
	})

	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second)
			return nil
		})
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	<-gctx.Done()
	if ctx.Err() != nil {
		s.logger.Info("shutdown signal received")
	}

	shutdownErr := s.Shutdown()
	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

// Shutdown gracefully stops the server. Safe to call more than once.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.httpSrv != nil && s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	if s.httpSrv != nil {
		if err = s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
		}
	}

	// Cancel the context for all background goroutines (hub, scheduler, watcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.watcher != nil && s.cancelRunCtx != nil {
		s.watcher.Stop()
		s.logger.Info("settlement watcher stopped")
	}

	s.verdicts.Wait()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace flush error", "error", err)
	}

	s.closeClients()
	s.logger.Info("server stopped")
	return err
}

// closeClients closes the database pool and the redis and RPC clients.
func (s *Server) closeClients() {
	if s.eth != nil {
		s.eth.Close()
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
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
