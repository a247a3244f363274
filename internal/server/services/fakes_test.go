package services

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/hwidauth/internal/common"
	"github.com/dmitrijs2005/hwidauth/internal/dbx"
	"github.com/dmitrijs2005/hwidauth/internal/server/models"
	auditrepo "github.com/dmitrijs2005/hwidauth/internal/server/repositories/audit"
	"github.com/dmitrijs2005/hwidauth/internal/server/repositories/licensekeys"
	usersrepo "github.com/dmitrijs2005/hwidauth/internal/server/repositories/users"
)

// --- clock ---

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// --- in-memory store honoring the conditional update contracts ---

type memStore struct {
	mu    sync.Mutex
	users map[string]*models.User
	keys  map[string]*models.LicenseKey
	audit []models.AuditRecord

	auditErr error
	usersErr error
}

func newMemStore() *memStore {
	return &memStore{users: map[string]*models.User{}, keys: map[string]*models.LicenseKey{}}
}

func (s *memStore) user(name string) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[name]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

func (s *memStore) key(code string) *models.LicenseKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[code]
	if !ok {
		return nil
	}
	cp := *k
	return &cp
}

func (s *memStore) auditRecords(action models.AuditAction) []models.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditRecord
	for _, r := range s.audit {
		if action == "" || r.Action == action {
			out = append(out, r)
		}
	}
	return out
}

type memUsers struct{ s *memStore }

func (m memUsers) Create(_ context.Context, u *models.User) (*models.User, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.usersErr != nil {
		return nil, m.s.usersErr
	}
	for _, existing := range m.s.users {
		if existing.UserName == u.UserName || strings.EqualFold(existing.Email, u.Email) {
			return nil, common.ErrDuplicateIdentity
		}
	}
	if u.ID == "" {
		u.ID = "id-" + u.UserName
	}
	cp := *u
	m.s.users[u.UserName] = &cp
	return u, nil
}

func (m memUsers) find(pred func(*models.User) bool) (*models.User, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.usersErr != nil {
		return nil, m.s.usersErr
	}
	for _, u := range m.s.users {
		if pred(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (m memUsers) GetByID(_ context.Context, id string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.ID == id })
}

func (m memUsers) GetByUsername(_ context.Context, name string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.UserName == name })
}

func (m memUsers) GetByEmail(_ context.Context, email string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return strings.EqualFold(u.Email, email) })
}

func (m memUsers) List(_ context.Context, limit, offset int) ([]models.User, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []models.User
	for _, u := range m.s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserName < out[j].UserName })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memUsers) update(name string, fn func(*models.User)) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.usersErr != nil {
		return m.s.usersErr
	}
	u, ok := m.s.users[name]
	if !ok {
		return common.ErrorNotFound
	}
	fn(u)
	return nil
}

func (m memUsers) UpdatePassword(_ context.Context, name, hash string) error {
	return m.update(name, func(u *models.User) { u.PasswordHash = hash })
}

func (m memUsers) TouchLastLogin(_ context.Context, name string, at time.Time) error {
	return m.update(name, func(u *models.User) { u.LastLoginAt = at })
}

func (m memUsers) BindHwidIfUnbound(_ context.Context, name, hwid string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	u, ok := m.s.users[name]
	if !ok || (u.Hwid != "" && u.Hwid != hwid) {
		return false, nil
	}
	u.Hwid = hwid
	return true, nil
}

func (m memUsers) ResetHwid(_ context.Context, name string) error {
	return m.update(name, func(u *models.User) { u.Hwid = "" })
}

func (m memUsers) SetBanned(_ context.Context, name string, banned bool, reason string) error {
	return m.update(name, func(u *models.User) { u.IsBanned, u.BanReason = banned, reason })
}

func (m memUsers) SetSubscription(_ context.Context, name string, exp int64) error {
	return m.update(name, func(u *models.User) { u.SubscriptionExpiresAt = exp })
}

func (m memUsers) Delete(_ context.Context, name string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.users[name]; !ok {
		return common.ErrorNotFound
	}
	delete(m.s.users, name)
	return nil
}

type memKeys struct{ s *memStore }

func (m memKeys) Create(_ context.Context, k *models.LicenseKey) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.keys[k.Code]; ok {
		return common.ErrDuplicateIdentity
	}
	cp := *k
	m.s.keys[k.Code] = &cp
	return nil
}

func (m memKeys) Get(_ context.Context, code string) (*models.LicenseKey, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	k, ok := m.s.keys[code]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *k
	return &cp, nil
}

func (m memKeys) List(_ context.Context, f licensekeys.Filter, limit, offset int) ([]models.LicenseKey, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []models.LicenseKey
	for _, k := range m.s.keys {
		if f.Product != "" && k.Product != f.Product {
			continue
		}
		if f.UserName != "" && k.BoundUsername != f.UserName {
			continue
		}
		if f.Status != "" && k.Status != f.Status {
			continue
		}
		out = append(out, *k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memKeys) ListByProduct(ctx context.Context, product string, limit, offset int) ([]models.LicenseKey, error) {
	return m.List(ctx, licensekeys.Filter{Product: product}, limit, offset)
}

func (m memKeys) ListByUsername(ctx context.Context, name string) ([]models.LicenseKey, error) {
	return m.List(ctx, licensekeys.Filter{UserName: name}, 1<<20, 0)
}

func (m memKeys) Activate(_ context.Context, code, name, hwid string, at time.Time, expiresAt *time.Time) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	k, ok := m.s.keys[code]
	if !ok {
		return false, nil
	}
	if k.Status != models.KeyGenerated && k.Status != models.KeyActive {
		return false, nil
	}
	if (k.BoundUsername != "" && k.BoundUsername != name) || (k.BoundHwid != "" && k.BoundHwid != hwid) {
		return false, nil
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(at) {
		return false, nil
	}
	k.Status, k.BoundUsername, k.BoundHwid = models.KeyActive, name, hwid
	if k.ActivatedAt == nil {
		a := at
		k.ActivatedAt = &a
	}
	if k.ExpiresAt == nil && expiresAt != nil {
		e := *expiresAt
		k.ExpiresAt = &e
	}
	return true, nil
}

func (m memKeys) ResetHwid(_ context.Context, code string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	k, ok := m.s.keys[code]
	if !ok {
		return common.ErrorNotFound
	}
	k.BoundHwid = ""
	return nil
}

func (m memKeys) Unbind(_ context.Context, code string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	k, ok := m.s.keys[code]
	if !ok || k.Status != models.KeyActive {
		return false, nil
	}
	k.Status, k.BoundUsername, k.BoundHwid = models.KeyGenerated, "", ""
	return true, nil
}

func (m memKeys) Ban(_ context.Context, code, reason string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	k, ok := m.s.keys[code]
	if !ok || k.Status.Terminal() {
		return false, nil
	}
	k.Status, k.BanReason = models.KeyBanned, reason
	return true, nil
}

func (m memKeys) MarkExpired(_ context.Context, now time.Time) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var n int64
	for _, k := range m.s.keys {
		if k.Status == models.KeyActive && k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
			k.Status = models.KeyExpired
			n++
		}
	}
	return n, nil
}

type memAudit struct{ s *memStore }

func (m memAudit) Append(_ context.Context, rec *models.AuditRecord) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.auditErr != nil {
		return m.s.auditErr
	}
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("a-%d", len(m.s.audit))
	}
	m.s.audit = append(m.s.audit, *rec)
	return nil
}

func (m memAudit) newest(match func(models.AuditRecord) bool, limit int) []models.AuditRecord {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []models.AuditRecord
	for i := len(m.s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if match(m.s.audit[i]) {
			out = append(out, m.s.audit[i])
		}
	}
	return out
}

func (m memAudit) Recent(_ context.Context, name string, action models.AuditAction, limit int, since time.Time) ([]models.AuditRecord, error) {
	return m.newest(func(r models.AuditRecord) bool {
		return r.UserName == name && r.Action == action && r.CreatedAt.After(since)
	}, limit), nil
}

func (m memAudit) List(_ context.Context, f models.AuditFilter, limit int) ([]models.AuditRecord, error) {
	return m.newest(func(r models.AuditRecord) bool {
		return (f.UserName == "" || r.UserName == f.UserName) &&
			(f.Action == "" || r.Action == f.Action) &&
			(f.Subject == "" || r.Subject == f.Subject) &&
			(f.Reason == "" || r.Reason == f.Reason)
	}, limit), nil
}

type fakeRepoManager struct{ s *memStore }

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *fakeRepoManager) Users(dbx.DBTX) usersrepo.Repository          { return memUsers{m.s} }
func (m *fakeRepoManager) LicenseKeys(dbx.DBTX) licensekeys.Repository  { return memKeys{m.s} }
func (m *fakeRepoManager) Audit(dbx.DBTX) auditrepo.Repository          { return memAudit{m.s} }
