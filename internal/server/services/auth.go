// Package services contains server-side business logic: the authentication
// use cases, the license key lifecycle and administrative account actions.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/hwidauth/internal/common"
	"github.com/dmitrijs2005/hwidauth/internal/logging"
	"github.com/dmitrijs2005/hwidauth/internal/server/auth"
	"github.com/dmitrijs2005/hwidauth/internal/server/hwid"
	"github.com/dmitrijs2005/hwidauth/internal/server/models"
	"github.com/dmitrijs2005/hwidauth/internal/server/repositories/repomanager"
)

const (
	DefaultSessionTTL = 24 * time.Hour
	DefaultResetTTL   = time.Hour

	reasonResetRequested = "requested"
	reasonResetCompleted = "completed"
)

// LoginGuard decides whether a login must be refused before credentials
// are checked. *guard.BruteForceGuard implements it.
type LoginGuard interface {
	ShouldBlock(ctx context.Context, username string) (bool, error)
}

// AuthOptions carries the collaborators of AuthService.
type AuthOptions struct {
	Hasher     *auth.PasswordHasher
	Tokens     *auth.TokenCodec
	Guard      LoginGuard
	SessionTTL time.Duration
	ResetTTL   time.Duration
	Logger     logging.Logger
	Metrics    Recorder
	Now        func() time.Time
}

type RegisterRequest struct {
	UserName string
	Password string
	Email    string
	Hwid     string
	Source   string
}

type LoginRequest struct {
	UserName string
	Password string
	Hwid     string
	Source   string
}

type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      *models.User
}

// Session is the identity proven by a verified session token.
type Session struct {
	UserName  string
	Hwid      string
	ExpiresAt time.Time
}

// AuthService implements register, login, session verification and
// password reset.
type AuthService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	hasher      *auth.PasswordHasher
	tokens      *auth.TokenCodec
	guard       LoginGuard
	sessionTTL  time.Duration
	resetTTL    time.Duration
	log         logging.Logger
	metrics     Recorder
	now         func() time.Time

	// dummyHash is verified against when the user does not exist so that
	// both paths cost one key derivation.
	dummyHash string
}

func NewAuthService(db *sql.DB, m repomanager.RepositoryManager, opts AuthOptions) (*AuthService, error) {
	if opts.Hasher == nil || opts.Tokens == nil || opts.Guard == nil {
		return nil, errors.New("auth service requires hasher, token codec and guard")
	}
	s := &AuthService{
		db:          db,
		repomanager: m,
		hasher:      opts.Hasher,
		tokens:      opts.Tokens,
		guard:       opts.Guard,
		sessionTTL:  opts.SessionTTL,
		resetTTL:    opts.ResetTTL,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
	if s.sessionTTL <= 0 {
		s.sessionTTL = DefaultSessionTTL
	}
	if s.resetTTL <= 0 {
		s.resetTTL = DefaultResetTTL
	}
	if s.log == nil {
		s.log = logging.Nop()
	}
	s.log = s.log.With("module", "auth")
	if s.metrics == nil {
		s.metrics = nopRecorder{}
	}
	if s.now == nil {
		s.now = time.Now
	}

	secret, err := common.MakeRandHexString(16)
	if err != nil {
		return nil, err
	}
	if s.dummyHash, err = s.hasher.Hash(secret); err != nil {
		return nil, err
	}
	return s, nil
}

// Register creates an account. Uniqueness of username and email is
// enforced by storage.
func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (*models.User, error) {
	user, err := s.register(ctx, req)

	appendAudit(ctx, s.repomanager.Audit(s.db), s.log, &models.AuditRecord{
		UserName: req.UserName, Action: models.ActionRegister, Source: req.Source, Hwid: req.Hwid,
		Success: err == nil, Reason: Reason(err), CreatedAt: s.now(),
	})
	if err != nil {
		s.log.Info(ctx, "registration rejected", "username", req.UserName, "reason", Reason(err), "source", req.Source)
		return nil, err
	}
	s.log.Info(ctx, "user registered", "username", user.UserName, "source", req.Source)
	return user, nil
}

func (s *AuthService) register(ctx context.Context, req RegisterRequest) (*models.User, error) {
	if err := validateIdentity(req.UserName, req.Hwid, false); err != nil {
		return nil, err
	}
	if req.Password == "" {
		return nil, fmt.Errorf("%w: password is required", common.ErrorValidation)
	}
	if !strings.Contains(req.Email, "@") {
		return nil, fmt.Errorf("%w: email is invalid", common.ErrorValidation)
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: hash password: %v", common.ErrorInternal, err)
	}

	user := &models.User{
		UserName:     req.UserName,
		Email:        req.Email,
		PasswordHash: hash,
		Hwid:         req.Hwid,
		RegisteredAt: s.now().UTC(),
	}
	created, err := s.repomanager.Users(s.db).Create(ctx, user)
	if err != nil {
		if errors.Is(err, common.ErrDuplicateIdentity) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: create user: %v", common.ErrorInternal, err)
	}
	return created, nil
}

// Login authenticates username, password and hwid and issues a session
// token. Exactly one audit record is written per call.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	res, err := s.login(ctx, req)
	reason := Reason(err)

	appendAudit(ctx, s.repomanager.Audit(s.db), s.log, &models.AuditRecord{
		UserName: req.UserName, Action: models.ActionLogin, Source: req.Source, Hwid: req.Hwid,
		Success: err == nil, Reason: reason, CreatedAt: s.now(),
	})
	s.metrics.ObserveLogin(reason)

	if err != nil {
		s.log.Warn(ctx, "login rejected",
			"username", req.UserName, "reason", reason, "hwid", req.Hwid, "source", req.Source)
		return nil, err
	}
	s.log.Info(ctx, "login succeeded",
		"username", req.UserName, "hwid", req.Hwid, "source", req.Source)
	return res, nil
}

func (s *AuthService) login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if err := validateIdentity(req.UserName, req.Hwid, true); err != nil {
		return nil, err
	}

	blocked, err := s.guard.ShouldBlock(ctx, req.UserName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}
	if blocked {
		return nil, common.ErrRateLimited
	}

	users := s.repomanager.Users(s.db)
	user, err := users.GetByUsername(ctx, req.UserName)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.hasher.Verify(req.Password, s.dummyHash)
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}
	if user.IsBanned {
		return nil, common.ErrAccountBanned
	}
	if !s.hasher.Verify(req.Password, user.PasswordHash) {
		return nil, common.ErrInvalidCredentials
	}

	now := s.now()
	if !user.SubscriptionActive(now) {
		return nil, common.ErrSubscriptionExpired
	}

	switch hwid.Evaluate(user.Hwid, req.Hwid) {
	case hwid.Mismatch:
		return nil, common.ErrHwidMismatch
	case hwid.Unbound:
		bound, err := users.BindHwidIfUnbound(ctx, user.UserName, req.Hwid)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrorInternal, err)
		}
		if !bound {
			// another machine won a concurrent first login
			return nil, common.ErrHwidMismatch
		}
		user.Hwid = req.Hwid
	}

	if err := users.TouchLastLogin(ctx, user.UserName, now.UTC()); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}
	user.LastLoginAt = now.UTC()

	token, err := s.tokens.IssueSession(user.UserName, req.Hwid, s.sessionTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}
	return &LoginResult{Token: token, ExpiresAt: time.Unix(now.Add(s.sessionTTL).Unix(), 0), User: user}, nil
}

// VerifySession checks a session token and the current standing of its
// account. Token defects are reported only as common.ErrInvalidToken.
func (s *AuthService) VerifySession(ctx context.Context, token string) (*Session, error) {
	claims, err := s.tokens.Parse(token, auth.SessionToken)
	if err != nil {
		s.log.Info(ctx, "session token rejected", "reason", Reason(err))
		return nil, common.ErrInvalidToken
	}

	user, err := s.repomanager.Users(s.db).GetByUsername(ctx, claims.UserName)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}
	if user.IsBanned {
		return nil, common.ErrAccountBanned
	}
	if !user.SubscriptionActive(s.now()) {
		return nil, common.ErrSubscriptionExpired
	}
	// An unbound account means the binding was reset after issuance, which
	// revokes tokens carrying the old hwid.
	if hwid.Evaluate(user.Hwid, claims.Hwid) != hwid.Match {
		return nil, common.ErrHwidMismatch
	}

	return &Session{UserName: claims.UserName, Hwid: claims.Hwid, ExpiresAt: claims.ExpiresAt}, nil
}

// RequestPasswordReset issues a reset token for the account owning email.
// Delivering the token is up to the caller.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email, source string) (string, error) {
	user, err := s.repomanager.Users(s.db).GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.log.Info(ctx, "password reset for unknown email", "source", source)
			return "", common.ErrorNotFound
		}
		return "", fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}

	token, err := s.tokens.IssueReset(user.UserName, s.resetTTL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}

	appendAudit(ctx, s.repomanager.Audit(s.db), s.log, &models.AuditRecord{
		UserName: user.UserName, Action: models.ActionPasswordReset, Source: source,
		Success: true, Reason: reasonResetRequested, CreatedAt: s.now(),
	})
	s.log.Info(ctx, "password reset requested", "username", user.UserName, "source", source)
	return token, nil
}

// CompletePasswordReset stores newPassword for the account named by a valid
// reset token. A token is refused once any reset has completed after it
// was issued.
func (s *AuthService) CompletePasswordReset(ctx context.Context, token, newPassword, source string) error {
	claims, err := s.tokens.Parse(token, auth.ResetToken)
	if err != nil {
		s.log.Info(ctx, "reset token rejected", "reason", Reason(err), "source", source)
		return common.ErrInvalidToken
	}
	if newPassword == "" {
		return fmt.Errorf("%w: password is required", common.ErrorValidation)
	}

	auditRepo := s.repomanager.Audit(s.db)
	issuedAt := claims.ExpiresAt.Add(-s.resetTTL)
	consumed, err := s.resetCompletedSince(ctx, claims.UserName, issuedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}
	if consumed {
		s.log.Info(ctx, "reset token already used", "username", claims.UserName, "source", source)
		return common.ErrInvalidToken
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}

	// The completion record consumes the token, so it is written first and
	// its failure aborts the change.
	if err := auditRepo.Append(ctx, &models.AuditRecord{
		UserName: claims.UserName, Action: models.ActionPasswordReset, Source: source,
		Success: true, Reason: reasonResetCompleted, CreatedAt: s.now(),
	}); err != nil {
		return fmt.Errorf("%w: consume reset token: %v", common.ErrorInternal, err)
	}
	if err := s.repomanager.Users(s.db).UpdatePassword(ctx, claims.UserName, hash); err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return common.ErrorNotFound
		}
		return fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}

	s.log.Info(ctx, "password reset completed", "username", claims.UserName, "source", source)
	return nil
}

// resetCompletedSince reports whether a reset for username completed at or
// after since. Only completion records are read, so request records cannot
// crowd them out.
func (s *AuthService) resetCompletedSince(ctx context.Context, username string, since time.Time) (bool, error) {
	recs, err := s.repomanager.Audit(s.db).List(ctx, models.AuditFilter{
		UserName: username, Action: models.ActionPasswordReset, Reason: reasonResetCompleted,
	}, 1)
	if err != nil {
		return false, err
	}
	return len(recs) > 0 && !recs[0].CreatedAt.Before(since), nil
}

// validateIdentity rejects values that cannot be carried in a token.
func validateIdentity(username, hwidValue string, requireHwid bool) error {
	if username == "" {
		return fmt.Errorf("%w: username is required", common.ErrorValidation)
	}
	if requireHwid && hwidValue == "" {
		return fmt.Errorf("%w: hwid is required", common.ErrorValidation)
	}
	if strings.Contains(username, auth.TokenSeparator) || strings.Contains(hwidValue, auth.TokenSeparator) {
		return fmt.Errorf("%w: username and hwid must not contain %q", common.ErrorValidation, auth.TokenSeparator)
	}
	return nil
}
