// Package server wires the storage, signing keys, services and HTTP
// transport together and runs them until the context is cancelled.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/time/rate"

	"github.com/dmitrijs2005/hwidauth/internal/logging"
	"github.com/dmitrijs2005/hwidauth/internal/server/auth"
	"github.com/dmitrijs2005/hwidauth/internal/server/config"
	"github.com/dmitrijs2005/hwidauth/internal/server/guard"
	"github.com/dmitrijs2005/hwidauth/internal/server/httpapi"
	"github.com/dmitrijs2005/hwidauth/internal/server/keystore"
	"github.com/dmitrijs2005/hwidauth/internal/server/metrics"
	"github.com/dmitrijs2005/hwidauth/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/hwidauth/internal/server/services"
)

// Seams for tests.
var (
	openDB = func(dsn string) (*sql.DB, error) {
		return sql.Open("pgx", dsn)
	}
	newRepositoryManager = repomanager.NewPostgresRepositoryManager
	loadSigningKey       = keystore.Load
)

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB

	keys     *auth.Keyring
	licenses *services.LicenseService
	handler  http.Handler

	// addr is the bound listener address once Run has started.
	mu   sync.Mutex
	addr net.Addr
}

// NewApp opens the database, applies migrations, loads the signing keys
// and builds every service.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Options{Level: c.LogLevel, JSON: c.LogJSON, Writer: os.Stdout})
	if err != nil {
		return nil, fmt.Errorf("logger init error: %w", err)
	}

	db, err := openDB(c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	app, err := newApp(ctx, c, logger, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return app, nil
}

func newApp(ctx context.Context, c *config.Config, logger logging.Logger, db *sql.DB) (*App, error) {
	m := newRepositoryManager()
	if err := m.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	ring, err := buildKeyring(ctx, c, logger)
	if err != nil {
		return nil, err
	}

	met := metrics.New()
	tokens := auth.NewTokenCodec(ring)
	lockout := guard.New(m.Audit(db), guard.Config{
		Threshold: c.LockoutThreshold,
		Window:    c.LockoutWindow,
		Lookback:  c.AuditLookback,
	})

	authService, err := services.NewAuthService(db, m, services.AuthOptions{
		Hasher:     auth.NewPasswordHasher(c.PasswordIterations),
		Tokens:     tokens,
		Guard:      lockout,
		SessionTTL: c.SessionTokenTTL,
		ResetTTL:   c.ResetTokenTTL,
		Logger:     logger,
		Metrics:    met,
	})
	if err != nil {
		return nil, fmt.Errorf("auth service init error: %w", err)
	}
	licenses := services.NewLicenseService(db, m, services.LicenseOptions{
		BatchMax: c.KeyBatchMax,
		Logger:   logger,
		Metrics:  met,
	})
	admin := services.NewAdminService(db, m, logger, nil)

	if c.AdminToken == "" {
		logger.Warn(ctx, "no admin token configured, admin routes are disabled")
	}
	proxies, err := c.TrustedProxyPrefixes()
	if err != nil {
		return nil, err
	}

	api := httpapi.New(httpapi.Options{
		Auth:           authService,
		Licenses:       licenses,
		Admin:          admin,
		Metrics:        met,
		MetricsHandler: met.Handler(),
		AdminToken:     c.AdminToken,
		RateLimit:      rate.Limit(c.RateLimitRPS),
		RateBurst:      c.RateLimitBurst,
		TrustedProxies: proxies,
		Logger:         logger,
	})

	return &App{
		config:   c,
		logger:   logger,
		db:       db,
		keys:     ring,
		licenses: licenses,
		handler:  api.Router(),
	}, nil
}

// buildKeyring loads the current signing key and keeps the configured
// previous keys valid for the rotation grace period.
func buildKeyring(ctx context.Context, c *config.Config, logger logging.Logger) (*auth.Keyring, error) {
	key, origin, err := loadSigningKey(ctx, c.KeySource(), logger)
	if err != nil {
		return nil, fmt.Errorf("signing key error: %w", err)
	}
	logger.Info(ctx, "signing key loaded", "origin", string(origin))

	ring, err := auth.NewKeyring(key)
	if err != nil {
		return nil, fmt.Errorf("signing key error: %w", err)
	}

	until := time.Now().Add(c.KeyRotationGrace)
	for i, h := range c.PreviousSigningKeys {
		prev, err := keystore.DecodeHex(h)
		if err != nil {
			return nil, fmt.Errorf("previous signing key %d: %w", i, err)
		}
		if err := ring.Retire(prev, until); err != nil {
			return nil, fmt.Errorf("previous signing key %d: %w", i, err)
		}
	}
	if n := len(c.PreviousSigningKeys); n > 0 {
		logger.Info(ctx, "previous signing keys accepted", "count", n, "until", until)
	}
	return ring, nil
}

// Addr returns the address the HTTP server listens on, or nil before Run.
func (app *App) Addr() net.Addr {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.addr
}

// Run serves HTTP and sweeps expired keys until ctx is cancelled, then
// shuts down gracefully and closes the database.
func (app *App) Run(ctx context.Context) error {
	defer func() {
		if err := app.db.Close(); err != nil {
			app.logger.Error(ctx, "db close error", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", app.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}
	app.mu.Lock()
	app.addr = ln.Addr()
	app.mu.Unlock()

	srv := &http.Server{
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.sweepLoop(runCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info(ctx, "Starting HTTP server", "address", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-runCtx.Done():
	case err := <-errCh:
		runErr = err
	}
	cancel()

	app.logger.Info(ctx, "Stopping HTTP server...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), app.config.ShutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("shutdown error: %w", err)
	}
	wg.Wait()
	return runErr
}

// sweepLoop periodically persists lazily evaluated key expiry.
func (app *App) sweepLoop(ctx context.Context) {
	if app.config.SweepInterval <= 0 {
		return
	}
	t := time.NewTicker(app.config.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := app.licenses.SweepExpired(ctx); err != nil {
				app.logger.Error(ctx, "expired key sweep failed", "error", err)
			}
		}
	}
}
