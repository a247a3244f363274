package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/dmitrijs2005/hwidauth/internal/common"
	"github.com/dmitrijs2005/hwidauth/internal/server/models"
	"github.com/dmitrijs2005/hwidauth/internal/server/repositories/licensekeys"
	"github.com/dmitrijs2005/hwidauth/internal/server/services"
)

const testAdminToken = "s3cret-admin"

// testProxies trusts the peer address used by testServer.do.
var testProxies = []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24"), netip.MustParsePrefix("10.0.0.0/8")}

type fakeAuth struct {
	mu         sync.Mutex
	loginErr   error
	verifyErr  error
	resetErr   error
	completeOK bool
	lastLogin  services.LoginRequest
	lastReg    services.RegisterRequest
	resetToken string
}

func (f *fakeAuth) Register(_ context.Context, req services.RegisterRequest) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReg = req
	if req.UserName == "taken" {
		return nil, common.ErrDuplicateIdentity
	}
	return &models.User{UserName: req.UserName, Email: req.Email, PasswordHash: "secret-hash"}, nil
}

func (f *fakeAuth) Login(_ context.Context, req services.LoginRequest) (*services.LoginResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLogin = req
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &services.LoginResult{Token: "tok", ExpiresAt: time.Unix(1000, 0).UTC(), User: &models.User{UserName: req.UserName}}, nil
}

func (f *fakeAuth) VerifySession(_ context.Context, token string) (*services.Session, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	if token != "good" {
		return nil, common.ErrInvalidToken
	}
	return &services.Session{UserName: "alice", Hwid: "HW1", ExpiresAt: time.Unix(2000, 0).UTC()}, nil
}

func (f *fakeAuth) RequestPasswordReset(_ context.Context, email, _ string) (string, error) {
	if f.resetErr != nil {
		return "", f.resetErr
	}
	if email != "a@x.com" {
		return "", common.ErrorNotFound
	}
	return "reset-token", nil
}

func (f *fakeAuth) CompletePasswordReset(_ context.Context, token, _, _ string) error {
	if token != "reset-token" {
		return common.ErrInvalidToken
	}
	return nil
}

type fakeLicenses struct {
	mu          sync.Mutex
	lastAct     services.ActivateRequest
	activateErr error
	lastActor   string
	lastFilter  licensekeys.Filter
	banReason   string
}

func (f *fakeLicenses) Generate(_ context.Context, product string, d models.Duration, n int, actor string) ([]models.LicenseKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastActor = actor
	out := make([]models.LicenseKey, n)
	for i := range out {
		out[i] = models.LicenseKey{Code: "AAAA-BBBB-CCCC-000" + string(rune('0'+i)), Product: product, Duration: d, Status: models.KeyGenerated}
	}
	return out, nil
}

func (f *fakeLicenses) Activate(_ context.Context, req services.ActivateRequest) (*models.LicenseKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAct = req
	if f.activateErr != nil {
		return nil, f.activateErr
	}
	return &models.LicenseKey{Code: req.Code, Status: models.KeyActive, BoundUsername: req.UserName, BoundHwid: req.Hwid}, nil
}

func (f *fakeLicenses) ResetHwid(_ context.Context, code, _ string) error {
	if code == "missing" {
		return common.ErrorNotFound
	}
	return nil
}

func (f *fakeLicenses) Unbind(context.Context, string, string) error {
	return common.ErrKeyNotActivatable
}

func (f *fakeLicenses) Ban(_ context.Context, code, reason, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banReason = reason
	if code == "banned" {
		return common.ErrKeyBanned
	}
	return nil
}

func (f *fakeLicenses) Stats(_ context.Context, code string) (*services.KeyStats, error) {
	return &services.KeyStats{
		Key:        &models.LicenseKey{Code: code},
		Successful: 2,
		Failed:     1,
		LastEvent:  &models.AuditRecord{ID: "a1", Action: models.ActionKeyActivate, Success: true},
	}, nil
}

func (f *fakeLicenses) List(_ context.Context, flt licensekeys.Filter, _, _ int) ([]models.LicenseKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = flt
	return []models.LicenseKey{{Code: "K1", Product: flt.Product}}, nil
}

type fakeAdmin struct {
	mu        sync.Mutex
	lastDays  int
	lastLimit int
	panicOn   string
}

func (f *fakeAdmin) BanUser(_ context.Context, u, _, _ string) error {
	if u == f.panicOn {
		panic("boom")
	}
	return nil
}
func (f *fakeAdmin) UnbanUser(context.Context, string, string) error { return nil }
func (f *fakeAdmin) ResetUserHwid(_ context.Context, u, _ string) error {
	if u == "ghost" {
		return common.ErrorNotFound
	}
	return nil
}
func (f *fakeAdmin) UpdateSubscription(_ context.Context, _ string, days int, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastDays = days
	return 12345, nil
}
func (f *fakeAdmin) DeleteUser(context.Context, string, string) error { return nil }
func (f *fakeAdmin) ListUsers(_ context.Context, limit, _ int) ([]models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	return []models.User{{UserName: "alice", PasswordHash: "secret-hash"}}, nil
}
func (f *fakeAdmin) ListAuditLog(_ context.Context, flt models.AuditFilter, _ int) ([]models.AuditRecord, error) {
	return []models.AuditRecord{{ID: "1", UserName: flt.UserName, Action: flt.Action}}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (n *recordingNotifier) NotifyReset(_ context.Context, email, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tokens[email] = token
	return nil
}

type recordingObserver struct {
	mu     sync.Mutex
	routes []string
}

func (o *recordingObserver) ObserveRequest(route, method string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes = append(o.routes, method+" "+route)
}

type testServer struct {
	auth     *fakeAuth
	licenses *fakeLicenses
	admin    *fakeAdmin
	notifier *recordingNotifier
	observer *recordingObserver
	handler  http.Handler
}

func newTestServer(t *testing.T, mutate func(*Options)) *testServer {
	t.Helper()
	ts := &testServer{
		auth:     &fakeAuth{},
		licenses: &fakeLicenses{},
		admin:    &fakeAdmin{},
		notifier: &recordingNotifier{tokens: map[string]string{}},
		observer: &recordingObserver{},
	}
	opts := Options{
		Auth:           ts.auth,
		Licenses:       ts.licenses,
		Admin:          ts.admin,
		Notifier:       ts.notifier,
		Metrics:        ts.observer,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("metrics")) }),
		AdminToken:     testAdminToken,
	}
	if mutate != nil {
		mutate(&opts)
	}
	ts.handler = New(opts).Router()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.1:5555"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func adminHeaders() map[string]string {
	return map[string]string{common.AdminTokenHeaderName: testAdminToken}
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestRegister(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(t, http.MethodPost, "/api/register", map[string]string{
		"username": "alice", "password": "pw", "email": "a@x.com", "hwid": "HW1",
	}, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.NotContains(t, rr.Body.String(), "secret-hash")
	assert.Equal(t, "192.0.2.1", ts.auth.lastReg.Source)

	rr = ts.do(t, http.MethodPost, "/api/register", map[string]string{
		"username": "taken", "password": "pw", "email": "b@x.com",
	}, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "duplicate_identity", decodeBody(t, rr)["code"])

	rr = ts.do(t, http.MethodPost, "/api/register", map[string]string{"username": "bob", "password": "pw", "email": "nope"}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeBody(t, rr)["error"], "email")

	rr = ts.do(t, http.MethodPost, "/api/register", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLogin_GenericFailures(t *testing.T) {
	for _, err := range []error{
		common.ErrInvalidCredentials, common.ErrorNotFound, common.ErrAccountBanned,
		common.ErrSubscriptionExpired, common.ErrHwidMismatch,
	} {
		ts := newTestServer(t, nil)
		ts.auth.loginErr = err
		rr := ts.do(t, http.MethodPost, "/api/login", map[string]string{"username": "a", "password": "p", "hwid": "H"}, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, err.Error())
		assert.Equal(t, "invalid credentials", decodeBody(t, rr)["error"])
	}
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t, func(o *Options) { o.TrustedProxies = testProxies })

	rr := ts.do(t, http.MethodPost, "/api/login", map[string]string{"username": "alice", "password": "pw", "hwid": "HW1"},
		map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "tok", decodeBody(t, rr)["token"])
	assert.Equal(t, "203.0.113.9", ts.auth.lastLogin.Source)

	ts.auth.loginErr = common.ErrRateLimited
	rr = ts.do(t, http.MethodPost, "/api/login", map[string]string{"username": "alice", "password": "pw", "hwid": "HW1"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	ts.auth.loginErr = common.ErrorInternal
	rr = ts.do(t, http.MethodPost, "/api/login", map[string]string{"username": "alice", "password": "pw", "hwid": "HW1"}, nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	rr = ts.do(t, http.MethodPost, "/api/login", map[string]string{"username": "alice", "password": "pw"}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "hwid is required")
}

func TestVerify(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(t, http.MethodPost, "/api/verify", map[string]string{"token": "good"}, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "alice", decodeBody(t, rr)["username"])

	rr = ts.do(t, http.MethodPost, "/api/verify", map[string]string{"token": "bad"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	for _, err := range []error{common.ErrAccountBanned, common.ErrSubscriptionExpired} {
		ts.auth.verifyErr = err
		rr = ts.do(t, http.MethodPost, "/api/verify", map[string]string{"token": "good"}, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, err.Error())
		assert.Equal(t, "invalid_token", decodeBody(t, rr)["code"])
	}
}

func TestPasswordReset(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(t, http.MethodPost, "/api/password/reset-request", map[string]string{"email": "a@x.com"}, nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.NotContains(t, rr.Body.String(), "reset-token")
	assert.Equal(t, "reset-token", ts.notifier.tokens["a@x.com"])

	rr = ts.do(t, http.MethodPost, "/api/password/reset-request", map[string]string{"email": "nobody@x.com"}, nil)
	assert.Equal(t, http.StatusAccepted, rr.Code, "unknown emails are not revealed")
	assert.NotContains(t, ts.notifier.tokens, "nobody@x.com")

	rr = ts.do(t, http.MethodPost, "/api/password/reset", map[string]string{"token": "reset-token", "new_password": "n"}, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = ts.do(t, http.MethodPost, "/api/password/reset", map[string]string{"token": "other", "new_password": "n"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestActivate_UsesSessionIdentity(t *testing.T) {
	ts := newTestServer(t, nil)
	body := map[string]string{"code": "abcd-efgh-ijkl-mnop"}

	rr := ts.do(t, http.MethodPost, "/api/keys/activate", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.do(t, http.MethodPost, "/api/keys/activate", body, map[string]string{"Authorization": "Bearer bad"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.do(t, http.MethodPost, "/api/keys/activate", body, map[string]string{"Authorization": "Bearer good"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, services.ActivateRequest{Code: "ABCD-EFGH-IJKL-MNOP", UserName: "alice", Hwid: "HW1", Source: "192.0.2.1"}, ts.licenses.lastAct)

	for err, status := range map[error]int{
		common.ErrKeyBanned:         http.StatusConflict,
		common.ErrKeyExpired:        http.StatusConflict,
		common.ErrKeyNotActivatable: http.StatusConflict,
		common.ErrHwidMismatch:      http.StatusForbidden,
		common.ErrorNotFound:        http.StatusNotFound,
	} {
		ts.licenses.activateErr = err
		rr = ts.do(t, http.MethodPost, "/api/keys/activate", body, map[string]string{"Authorization": "Bearer good"})
		assert.Equal(t, status, rr.Code, err.Error())
		assert.Equal(t, services.Reason(err), decodeBody(t, rr)["code"])
	}
}

func TestAdmin_RequiresToken(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(t, http.MethodGet, "/api/admin/users", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = ts.do(t, http.MethodGet, "/api/admin/users", nil, map[string]string{common.AdminTokenHeaderName: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.do(t, http.MethodGet, "/api/admin/users?limit=5", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "secret-hash")
	assert.Equal(t, 5, ts.admin.lastLimit)

	rr = ts.do(t, http.MethodGet, "/api/admin/users?limit=x", nil, adminHeaders())
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	open := newTestServer(t, func(o *Options) { o.AdminToken = "" })
	rr = open.do(t, http.MethodGet, "/api/admin/users", nil, map[string]string{common.AdminTokenHeaderName: ""})
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "empty admin token disables admin routes")
}

func TestAdmin_Keys(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(t, http.MethodPost, "/api/admin/keys", map[string]any{"product": "game", "duration": "30d", "quantity": 3}, adminHeaders())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Len(t, decodeBody(t, rr)["keys"], 3)
	assert.Equal(t, "admin@192.0.2.1", ts.licenses.lastActor)

	rr = ts.do(t, http.MethodPost, "/api/admin/keys", map[string]any{"product": "game", "duration": "2w", "quantity": 3}, adminHeaders())
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodGet, "/api/admin/keys?product=game&status=active", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, licensekeys.Filter{Product: "game", Status: models.KeyActive}, ts.licenses.lastFilter)

	rr = ts.do(t, http.MethodGet, "/api/admin/keys/K1/stats", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.EqualValues(t, 2, body["successful"])
	assert.EqualValues(t, 1, body["failed"])
	assert.NotNil(t, body["last_event"])

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, "/api/admin/keys/K1/reset-hwid", nil, adminHeaders()).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/admin/keys/missing/reset-hwid", nil, adminHeaders()).Code)
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/admin/keys/K1/unbind", nil, adminHeaders()).Code)

	rr = ts.do(t, http.MethodPost, "/api/admin/keys/K1/ban", map[string]string{"reason": "chargeback"}, adminHeaders())
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "chargeback", ts.licenses.banReason)

	rr = ts.do(t, http.MethodPost, "/api/admin/keys/banned/ban", nil, adminHeaders())
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "key_banned", decodeBody(t, rr)["code"])
}

func TestAdmin_Users(t *testing.T) {
	ts := newTestServer(t, nil)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, "/api/admin/users/alice/ban", map[string]string{"reason": "x"}, adminHeaders()).Code)
	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, "/api/admin/users/alice/unban", nil, adminHeaders()).Code)
	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, "/api/admin/users/alice/reset-hwid", nil, adminHeaders()).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/admin/users/ghost/reset-hwid", nil, adminHeaders()).Code)
	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/admin/users/alice", nil, adminHeaders()).Code)

	rr := ts.do(t, http.MethodPost, "/api/admin/users/alice/subscription", map[string]int{"days": 30}, adminHeaders())
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 12345, decodeBody(t, rr)["subscription_expires_at"])
	assert.Equal(t, 30, ts.admin.lastDays)

	rr = ts.do(t, http.MethodPost, "/api/admin/users/alice/subscription", map[string]int{"days": 0}, adminHeaders())
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodGet, "/api/admin/audit?username=alice&action=login", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rr.Code)
	recs := decodeBody(t, rr)["records"].([]any)
	require.Len(t, recs, 1)
	assert.Equal(t, "login", recs[0].(map[string]any)["action"])
}

func TestRecoverer(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.admin.panicOn = "boom"

	rr := ts.do(t, http.MethodPost, "/api/admin/users/boom/ban", nil, adminHeaders())
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		o.RateLimit = rate.Every(time.Hour)
		o.RateBurst = 2
		o.TrustedProxies = testProxies
	})
	body := map[string]string{"token": "good"}

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/verify", body, nil).Code)
	}
	rr := ts.do(t, http.MethodPost, "/api/verify", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	rr = ts.do(t, http.MethodPost, "/api/verify", body, map[string]string{"X-Forwarded-For": "198.51.100.7"})
	assert.Equal(t, http.StatusOK, rr.Code, "buckets are per source")

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/metrics", nil, nil).Code, "metrics are not limited")
}

func TestSourceLimiter_PrunesIdleBuckets(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newSourceLimiter(rate.Every(time.Hour), 1, func() time.Time { return now })

	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	now = now.Add(limiterIdleTTL + time.Second)
	assert.True(t, l.allow("b"))
	_, kept := l.buckets["a"]
	assert.False(t, kept)
}

func TestMetricsRoutes(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.do(t, http.MethodPost, "/api/verify", map[string]string{"token": "good"}, nil)
	ts.do(t, http.MethodPost, "/api/admin/keys/K1/unbind", nil, adminHeaders())
	ts.do(t, http.MethodGet, "/nowhere", nil, nil)

	assert.Equal(t, []string{
		"POST /api/verify",
		"POST /api/admin/keys/{code}/unbind",
		"GET unmatched",
	}, ts.observer.routes)

	rr := ts.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, "metrics", strings.TrimSpace(rr.Body.String()))
}

func TestSourceAddr(t *testing.T) {
	for name, tc := range map[string]struct {
		remote, xff, want string
	}{
		"remote host":         {remote: "10.1.1.1:443", want: "10.1.1.1"},
		"first hop":           {remote: "10.1.1.1:443", xff: " 203.0.113.1 , 10.0.0.2", want: "203.0.113.1"},
		"rightmost untrusted": {remote: "10.1.1.1:443", xff: "1.2.3.4, 203.0.113.1, 10.0.0.2", want: "203.0.113.1"},
		"all hops trusted":    {remote: "10.1.1.1:443", xff: "10.0.0.3, 10.0.0.2", want: "10.0.0.3"},
		"empty xff":           {remote: "10.1.1.1:443", xff: " ", want: "10.1.1.1"},
		"untrusted peer":      {remote: "198.51.100.4:443", xff: "203.0.113.1", want: "198.51.100.4"},
		"untrusted ipv6":      {remote: "[2001:db8::1]:80", xff: "203.0.113.1", want: "2001:db8::1"},
		"no port":             {remote: "10.1.1.1", xff: "203.0.113.1", want: "203.0.113.1"},
		"garbage remote":      {remote: "pipe", xff: "203.0.113.1", want: "pipe"},
	} {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remote
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			assert.Equal(t, tc.want, SourceAddr(r, testProxies))
		})
	}
}

func TestSourceAddr_NoTrustedProxies(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.1.1:443"
	r.Header.Set("X-Forwarded-For", "203.0.113.1")
	assert.Equal(t, "10.1.1.1", SourceAddr(r, nil))
}

func TestRateLimit_IgnoresSpoofedForwardedFor(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		o.RateLimit = rate.Every(time.Hour)
		o.RateBurst = 1
	})
	body := map[string]string{"token": "good"}

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/verify", body, nil).Code)
	rr := ts.do(t, http.MethodPost, "/api/verify", body, map[string]string{"X-Forwarded-For": "198.51.100.7"})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code, "header from an untrusted peer is ignored")
}
