package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/dmitrijs2005/hwidauth/internal/common"
	"github.com/dmitrijs2005/hwidauth/internal/dbx"
	"github.com/dmitrijs2005/hwidauth/internal/logging"
	"github.com/dmitrijs2005/hwidauth/internal/server/hwid"
	"github.com/dmitrijs2005/hwidauth/internal/server/models"
	"github.com/dmitrijs2005/hwidauth/internal/server/repositories/licensekeys"
	"github.com/dmitrijs2005/hwidauth/internal/server/repositories/repomanager"
)

const (
	keyAlphabet      = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyGroups        = 4
	keyGroupLen      = 4
	maxCodeAttempts  = 8
	DefaultBatchMax  = 100
	keyStatsLookback = 1000
)

// LicenseOptions carries the collaborators of LicenseService.
type LicenseOptions struct {
	BatchMax int
	Logger   logging.Logger
	Metrics  Recorder
	Now      func() time.Time
}

type ActivateRequest struct {
	Code     string
	UserName string
	Hwid     string
	Source   string
}

// KeyStats summarizes the activation history of one key.
type KeyStats struct {
	Key        *models.LicenseKey
	Successful int
	Failed     int
	LastEvent  *models.AuditRecord
}

// LicenseService manages the license key lifecycle:
// generated -> active -> banned or expired, and active -> generated via
// an explicit unbind.
type LicenseService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	batchMax    int
	log         logging.Logger
	metrics     Recorder
	now         func() time.Time
	newCode     func() (string, error)
}

func NewLicenseService(db *sql.DB, m repomanager.RepositoryManager, opts LicenseOptions) *LicenseService {
	s := &LicenseService{
		db:          db,
		repomanager: m,
		batchMax:    opts.BatchMax,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		newCode:     GenerateKeyCode,
	}
	if s.batchMax <= 0 {
		s.batchMax = DefaultBatchMax
	}
	if s.log == nil {
		s.log = logging.Nop()
	}
	s.log = s.log.With("module", "license")
	if s.metrics == nil {
		s.metrics = nopRecorder{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// GenerateKeyCode returns a random XXXX-XXXX-XXXX-XXXX code over A-Z0-9.
func GenerateKeyCode() (string, error) {
	var b strings.Builder
	b.Grow(keyGroups*keyGroupLen + keyGroups - 1)
	n := big.NewInt(int64(len(keyAlphabet)))
	for g := 0; g < keyGroups; g++ {
		if g > 0 {
			b.WriteByte('-')
		}
		for i := 0; i < keyGroupLen; i++ {
			idx, err := rand.Int(rand.Reader, n)
			if err != nil {
				return "", err
			}
			b.WriteByte(keyAlphabet[idx.Int64()])
		}
	}
	return b.String(), nil
}

// ValidKeyCode reports whether code has the license key format.
func ValidKeyCode(code string) bool {
	if len(code) != keyGroups*keyGroupLen+keyGroups-1 {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (i+1)%(keyGroupLen+1) == 0 {
			if c != '-' {
				return false
			}
			continue
		}
		if !strings.ContainsRune(keyAlphabet, rune(c)) {
			return false
		}
	}
	return true
}

// Generate issues quantity new keys. Each code is only accepted once
// storage confirms it is unused; a collision draws a new code. On error the
// keys stored so far are returned with it.
func (s *LicenseService) Generate(ctx context.Context, product string, duration models.Duration, quantity int, actor string) ([]models.LicenseKey, error) {
	product = strings.TrimSpace(product)
	if product == "" {
		return nil, fmt.Errorf("%w: product is required", common.ErrorValidation)
	}
	if _, err := models.ParseDuration(string(duration)); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorValidation, err)
	}
	if quantity <= 0 || quantity > s.batchMax {
		return nil, fmt.Errorf("%w: quantity must be between 1 and %d", common.ErrorValidation, s.batchMax)
	}

	repo := s.repomanager.LicenseKeys(s.db)
	keys := make([]models.LicenseKey, 0, quantity)
	for len(keys) < quantity {
		key, err := s.createUnique(ctx, repo, product, duration)
		if err != nil {
			s.log.Error(ctx, "key generation failed", "product", product, "generated", len(keys), "error", err)
			return keys, err
		}
		keys = append(keys, *key)
	}

	appendAudit(ctx, s.repomanager.Audit(s.db), s.log, &models.AuditRecord{
		Action: models.ActionKeyGenerate, Source: actor, Subject: product, Success: true,
		Reason: fmt.Sprintf("%d x %s", quantity, duration), CreatedAt: s.now(),
	})
	s.log.Info(ctx, "keys generated", "product", product, "duration", string(duration), "count", quantity)
	return keys, nil
}

func (s *LicenseService) createUnique(ctx context.Context, repo licensekeys.Repository, product string, duration models.Duration) (*models.LicenseKey, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrorInternal, err)
		}
		key := &models.LicenseKey{
			Code:      code,
			Product:   product,
			Duration:  duration,
			CreatedAt: s.now().UTC(),
			Status:    models.KeyGenerated,
		}
		err = repo.Create(ctx, key)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, common.ErrDuplicateIdentity) {
			return nil, fmt.Errorf("%w: %v", common.ErrorInternal, err)
		}
		s.log.Warn(ctx, "key code collision, retrying", "attempt", attempt+1)
	}
	return nil, fmt.Errorf("%w: no unused key code after %d attempts", common.ErrDuplicateIdentity, maxCodeAttempts)
}

// Activate binds a key to a user and machine. The first activation of a
// fixed-duration key starts its validity clock and extends the user's
// subscription; a lifetime key removes subscription gating. The grant is made
// once per key: after Unbind the first owner keeps it and later activations
// only bind.
func (s *LicenseService) Activate(ctx context.Context, req ActivateRequest) (*models.LicenseKey, error) {
	key, err := s.activate(ctx, req)
	reason := Reason(err)

	appendAudit(ctx, s.repomanager.Audit(s.db), s.log, &models.AuditRecord{
		UserName: req.UserName, Action: models.ActionKeyActivate, Source: req.Source, Hwid: req.Hwid,
		Subject: req.Code, Success: err == nil, Reason: reason, CreatedAt: s.now(),
	})
	s.metrics.ObserveActivation(reason)

	if err != nil {
		s.log.Warn(ctx, "key activation rejected",
			"code", req.Code, "username", req.UserName, "hwid", req.Hwid, "reason", reason)
		return nil, err
	}
	s.log.Info(ctx, "key activated", "code", req.Code, "username", req.UserName, "hwid", req.Hwid)
	return key, nil
}

func (s *LicenseService) activate(ctx context.Context, req ActivateRequest) (*models.LicenseKey, error) {
	if err := validateIdentity(req.UserName, req.Hwid, true); err != nil {
		return nil, err
	}

	keys := s.repomanager.LicenseKeys(s.db)
	key, err := keys.Get(ctx, req.Code)
	if err != nil {
		return nil, mapNotFound(err)
	}

	now := s.now().UTC()
	if err := checkActivatable(key, req, now); err != nil {
		return nil, err
	}

	user, err := s.repomanager.Users(s.db).GetByUsername(ctx, req.UserName)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if user.IsBanned {
		return nil, common.ErrAccountBanned
	}

	firstBinding := key.ActivatedAt == nil
	expiresAt := key.ExpiresAt
	if expiresAt == nil && !key.Duration.Lifetime() {
		t := now.Add(key.Duration.Length())
		expiresAt = &t
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		ok, err := s.repomanager.LicenseKeys(tx).Activate(ctx, key.Code, req.UserName, req.Hwid, now, expiresAt)
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrorInternal, err)
		}
		if !ok {
			return common.ErrKeyNotActivatable
		}
		if !firstBinding {
			return nil
		}

		var sub int64
		if !key.Duration.Lifetime() {
			sub = user.ExtendSubscription(now, expiresAt.Sub(now))
		}
		if err := s.repomanager.Users(tx).SetSubscription(ctx, user.UserName, sub); err != nil {
			return fmt.Errorf("%w: %v", common.ErrorInternal, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	key.Status = models.KeyActive
	key.BoundUsername = req.UserName
	key.BoundHwid = req.Hwid
	key.ExpiresAt = expiresAt
	if key.ActivatedAt == nil {
		key.ActivatedAt = &now
	}
	return key, nil
}

func checkActivatable(key *models.LicenseKey, req ActivateRequest, now time.Time) error {
	switch key.EffectiveStatus(now) {
	case models.KeyBanned:
		return common.ErrKeyBanned
	case models.KeyExpired:
		return common.ErrKeyExpired
	}
	if key.BoundUsername != "" && key.BoundUsername != req.UserName {
		return fmt.Errorf("%w: key is bound to another user", common.ErrKeyNotActivatable)
	}
	if hwid.Evaluate(key.BoundHwid, req.Hwid) == hwid.Mismatch {
		return common.ErrHwidMismatch
	}
	return nil
}

// ResetHwid clears the machine binding of a key, keeping its user and status.
func (s *LicenseService) ResetHwid(ctx context.Context, code, actor string) error {
	err := s.repomanager.LicenseKeys(s.db).ResetHwid(ctx, code)
	s.auditKeyAction(ctx, models.ActionKeyResetHwid, code, actor, "", err)
	return mapNotFound(err)
}

// Unbind returns an active key to generated, clearing user and hwid so the
// key can be activated again.
func (s *LicenseService) Unbind(ctx context.Context, code, actor string) error {
	err := s.transition(ctx, code, func(repo licensekeys.Repository) (bool, error) {
		return repo.Unbind(ctx, code)
	})
	s.auditKeyAction(ctx, models.ActionKeyUnbind, code, actor, "", err)
	return err
}

// Ban moves a generated or active key to banned. Banned keys never
// reactivate.
func (s *LicenseService) Ban(ctx context.Context, code, reason, actor string) error {
	err := s.transition(ctx, code, func(repo licensekeys.Repository) (bool, error) {
		return repo.Ban(ctx, code, reason)
	})
	s.auditKeyAction(ctx, models.ActionKeyBan, code, actor, reason, err)
	return err
}

// transition runs a conditional update and explains a refusal by
// re-reading the key.
func (s *LicenseService) transition(ctx context.Context, code string, apply func(licensekeys.Repository) (bool, error)) error {
	repo := s.repomanager.LicenseKeys(s.db)
	ok, err := apply(repo)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}
	if ok {
		return nil
	}

	key, err := repo.Get(ctx, code)
	if err != nil {
		return mapNotFound(err)
	}
	switch key.Status {
	case models.KeyBanned:
		return common.ErrKeyBanned
	case models.KeyExpired:
		return common.ErrKeyExpired
	default:
		return fmt.Errorf("%w: key is %s", common.ErrKeyNotActivatable, key.Status)
	}
}

func (s *LicenseService) auditKeyAction(ctx context.Context, action models.AuditAction, code, actor, note string, err error) {
	reason := Reason(err)
	if err == nil && note != "" {
		reason = note
	}
	appendAudit(ctx, s.repomanager.Audit(s.db), s.log, &models.AuditRecord{
		Action: action, Source: actor, Subject: code, Success: err == nil, Reason: reason, CreatedAt: s.now(),
	})
	if err != nil {
		s.log.Warn(ctx, "key action rejected", "action", string(action), "code", code, "reason", Reason(err))
		return
	}
	s.log.Info(ctx, "key action applied", "action", string(action), "code", code, "actor", actor)
}

// SweepExpired persists the lazily evaluated expiry of active keys. It only
// affects reporting; reads already treat such keys as expired.
func (s *LicenseService) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.repomanager.LicenseKeys(s.db).MarkExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}
	if n > 0 {
		s.log.Info(ctx, "expired keys swept", "count", n)
	}
	return n, nil
}

// Stats returns a key with counts of its activation attempts.
func (s *LicenseService) Stats(ctx context.Context, code string) (*KeyStats, error) {
	key, err := s.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	recs, err := s.repomanager.Audit(s.db).List(ctx, models.AuditFilter{
		Action: models.ActionKeyActivate, Subject: code,
	}, keyStatsLookback)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}

	st := &KeyStats{Key: key}
	for i := range recs {
		if recs[i].Success {
			st.Successful++
		} else {
			st.Failed++
		}
	}
	if len(recs) > 0 {
		st.LastEvent = &recs[0]
	}
	return st, nil
}

// Get returns a key with its expiry evaluated at the current time.
func (s *LicenseService) Get(ctx context.Context, code string) (*models.LicenseKey, error) {
	key, err := s.repomanager.LicenseKeys(s.db).Get(ctx, code)
	if err != nil {
		return nil, mapNotFound(err)
	}
	key.Status = key.EffectiveStatus(s.now())
	return key, nil
}

// List returns keys matching f. Status filtering uses stored status.
func (s *LicenseService) List(ctx context.Context, f licensekeys.Filter, limit, offset int) ([]models.LicenseKey, error) {
	keys, err := s.repomanager.LicenseKeys(s.db).List(ctx, f, clampLimit(limit), max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}
	return s.evaluate(keys), nil
}

// ListForUser returns the keys bound to username.
func (s *LicenseService) ListForUser(ctx context.Context, username string) ([]models.LicenseKey, error) {
	keys, err := s.repomanager.LicenseKeys(s.db).ListByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}
	return s.evaluate(keys), nil
}

func (s *LicenseService) evaluate(keys []models.LicenseKey) []models.LicenseKey {
	now := s.now()
	for i := range keys {
		keys[i].Status = keys[i].EffectiveStatus(now)
	}
	return keys
}

func mapNotFound(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, common.ErrorNotFound) {
		return common.ErrorNotFound
	}
	return fmt.Errorf("%w: %v", common.ErrorInternal, err)
}
