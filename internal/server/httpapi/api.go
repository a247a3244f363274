// Package httpapi is the JSON transport adapter over the auth, license and
// admin services.
package httpapi

import (
	"context"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/dmitrijs2005/hwidauth/internal/logging"
	"github.com/dmitrijs2005/hwidauth/internal/server/models"
	"github.com/dmitrijs2005/hwidauth/internal/server/repositories/licensekeys"
	"github.com/dmitrijs2005/hwidauth/internal/server/services"
)

type Authenticator interface {
	Register(ctx context.Context, req services.RegisterRequest) (*models.User, error)
	Login(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error)
	VerifySession(ctx context.Context, token string) (*services.Session, error)
	RequestPasswordReset(ctx context.Context, email, source string) (string, error)
	CompletePasswordReset(ctx context.Context, token, newPassword, source string) error
}

type Licenser interface {
	Generate(ctx context.Context, product string, duration models.Duration, quantity int, actor string) ([]models.LicenseKey, error)
	Activate(ctx context.Context, req services.ActivateRequest) (*models.LicenseKey, error)
	ResetHwid(ctx context.Context, code, actor string) error
	Unbind(ctx context.Context, code, actor string) error
	Ban(ctx context.Context, code, reason, actor string) error
	Stats(ctx context.Context, code string) (*services.KeyStats, error)
	List(ctx context.Context, f licensekeys.Filter, limit, offset int) ([]models.LicenseKey, error)
}

type Administrator interface {
	BanUser(ctx context.Context, username, reason, actor string) error
	UnbanUser(ctx context.Context, username, actor string) error
	ResetUserHwid(ctx context.Context, username, actor string) error
	UpdateSubscription(ctx context.Context, username string, days int, actor string) (int64, error)
	DeleteUser(ctx context.Context, username, actor string) error
	ListUsers(ctx context.Context, limit, offset int) ([]models.User, error)
	ListAuditLog(ctx context.Context, f models.AuditFilter, limit int) ([]models.AuditRecord, error)
}

// ResetNotifier delivers a freshly issued password reset token to the
// account owner.
type ResetNotifier interface {
	NotifyReset(ctx context.Context, email, token string) error
}

// RequestObserver records per-route HTTP metrics.
type RequestObserver interface {
	ObserveRequest(route, method string, status int, d time.Duration)
}

type Options struct {
	Auth     Authenticator
	Licenses Licenser
	Admin    Administrator
	Notifier ResetNotifier
	Metrics  RequestObserver
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	AdminToken     string
	RateLimit      rate.Limit
	RateBurst      int
	// TrustedProxies are the peers whose X-Forwarded-For header is used
	// for the client address.
	TrustedProxies []netip.Prefix
	Logger         logging.Logger
}

// API holds the handlers. Build one with New and serve Router().
type API struct {
	auth     Authenticator
	licenses Licenser
	admin    Administrator
	notifier ResetNotifier
	metrics  RequestObserver
	metricsH http.Handler
	adminTok []byte
	limiter  *sourceLimiter
	proxies  []netip.Prefix
	validate *validator.Validate
	log      logging.Logger
}

func New(opts Options) *API {
	a := &API{
		auth:     opts.Auth,
		licenses: opts.Licenses,
		admin:    opts.Admin,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		metricsH: opts.MetricsHandler,
		adminTok: []byte(opts.AdminToken),
		proxies:  opts.TrustedProxies,
		validate: newValidator(),
		log:      opts.Logger,
	}
	if a.log == nil {
		a.log = logging.Nop()
	}
	a.log = a.log.With("module", "httpapi")
	if a.notifier == nil {
		a.notifier = LogNotifier{Logger: a.log}
	}
	if opts.RateLimit > 0 {
		a.limiter = newSourceLimiter(opts.RateLimit, max(opts.RateBurst, 1), time.Now)
	}
	return a
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.recoverer)
	r.Use(a.observe)

	if a.metricsH != nil {
		r.Method(http.MethodGet, "/metrics", a.metricsH)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(a.withSource)
		if a.limiter != nil {
			r.Use(a.limiter.middleware)
		}

		r.Post("/register", a.handleRegister)
		r.Post("/login", a.handleLogin)
		r.Post("/verify", a.handleVerify)
		r.Post("/password/reset-request", a.handleResetRequest)
		r.Post("/password/reset", a.handleResetComplete)

		r.With(a.requireSession).Post("/keys/activate", a.handleActivate)

		r.Route("/admin", func(r chi.Router) {
			r.Use(a.requireAdmin)

			r.Post("/keys", a.handleGenerateKeys)
			r.Get("/keys", a.handleListKeys)
			r.Get("/keys/{code}/stats", a.handleKeyStats)
			r.Post("/keys/{code}/reset-hwid", a.handleKeyResetHwid)
			r.Post("/keys/{code}/unbind", a.handleKeyUnbind)
			r.Post("/keys/{code}/ban", a.handleKeyBan)

			r.Get("/users", a.handleListUsers)
			r.Post("/users/{username}/ban", a.handleUserBan)
			r.Post("/users/{username}/unban", a.handleUserUnban)
			r.Post("/users/{username}/reset-hwid", a.handleUserResetHwid)
			r.Post("/users/{username}/subscription", a.handleUserSubscription)
			r.Delete("/users/{username}", a.handleUserDelete)

			r.Get("/audit", a.handleListAudit)
		})
	})
	return r
}

// LogNotifier only logs that a reset was issued. The token itself is
// logged at debug level so that development setups can complete resets.
type LogNotifier struct {
	Logger logging.Logger
}

func (n LogNotifier) NotifyReset(ctx context.Context, email, token string) error {
	n.Logger.Info(ctx, "password reset issued", "email", email)
	n.Logger.Debug(ctx, "password reset token", "email", email, "token", token)
	return nil
}
