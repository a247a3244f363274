package httpapi

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"net/netip"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/dmitrijs2005/hwidauth/internal/common"
	"github.com/dmitrijs2005/hwidauth/internal/server/services"
)

type ctxKey int

const (
	sourceKey ctxKey = iota
	sessionKey
)

const limiterIdleTTL = 10 * time.Minute

// SourceAddr returns the client address for r. X-Forwarded-For is read only
// when the peer is in trusted; the hops are then walked from the right and
// the first one outside trusted wins. Otherwise the host part of RemoteAddr
// is used.
func SourceAddr(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !isTrusted(host, trusted) {
		return host
	}

	var hops []string
	for _, h := range r.Header.Values("X-Forwarded-For") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				hops = append(hops, p)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !isTrusted(hops[i], trusted) {
			return hops[i]
		}
	}
	if len(hops) > 0 {
		return hops[0]
	}
	return host
}

func isTrusted(host string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (a *API) withSource(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), sourceKey, SourceAddr(r, a.proxies))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sourceFrom(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey).(string)
	return s
}

func sessionFrom(ctx context.Context) *services.Session {
	s, _ := ctx.Value(sessionKey).(*services.Session)
	return s
}

// sourceLimiter keeps one token bucket per client address.
type sourceLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	buckets   map[string]*bucket
	now       func() time.Time
	lastPrune time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newSourceLimiter(limit rate.Limit, burst int, now func() time.Time) *sourceLimiter {
	return &sourceLimiter{limit: limit, burst: burst, buckets: map[string]*bucket{}, now: now, lastPrune: now()}
}

func (l *sourceLimiter) allow(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastPrune) > limiterIdleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > limiterIdleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastPrune = now
	}

	b, ok := l.buckets[source]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[source] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (l *sourceLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(sourceFrom(r.Context())) {
			w.Header().Set("Retry-After", "1")
			writeCode(w, r, http.StatusTooManyRequests, "too many requests", "rate_limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(common.AdminTokenHeaderName))
		if len(a.adminTok) == 0 || subtle.ConstantTimeCompare(got, a.adminTok) != 1 {
			a.log.Warn(r.Context(), "admin request rejected", "path", r.URL.Path, "source", sourceFrom(r.Context()))
			writeCode(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeCode(w, r, http.StatusUnauthorized, "invalid token", "invalid_token")
			return
		}
		sess, err := a.auth.VerifySession(r.Context(), token)
		if err != nil {
			a.writeTokenError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get(common.AuthorizationHeaderName)
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// observe records status and latency labelled by the matched route
// pattern, never the raw path.
func (a *API) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if a.metrics != nil {
			a.metrics.ObserveRequest(route, r.Method, status, time.Since(start))
		}
		a.log.Debug(r.Context(), "request completed",
			"method", r.Method, "route", route, "status", status,
			"duration", time.Since(start).String(), "request_id", middleware.GetReqID(r.Context()))
	})
}

func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				a.log.Error(r.Context(), "panic recovered",
					"panic", rvr, "stack", string(debug.Stack()), "path", r.URL.Path)
				writeCode(w, r, http.StatusInternalServerError, "internal error", "internal")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
