package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dmitrijs2005/hwidauth/internal/common"
	"github.com/dmitrijs2005/hwidauth/internal/logging"
	"github.com/dmitrijs2005/hwidauth/internal/server/models"
	"github.com/dmitrijs2005/hwidauth/internal/server/repositories/repomanager"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// AdminService performs administrative account actions. Every mutation is
// audited with the acting administrator as Source.
type AdminService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	log         logging.Logger
	now         func() time.Time
}

func NewAdminService(db *sql.DB, m repomanager.RepositoryManager, log logging.Logger, now func() time.Time) *AdminService {
	if log == nil {
		log = logging.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &AdminService{db: db, repomanager: m, log: log.With("module", "admin"), now: now}
}

func (s *AdminService) BanUser(ctx context.Context, username, reason, actor string) error {
	err := s.repomanager.Users(s.db).SetBanned(ctx, username, true, reason)
	return s.finish(ctx, models.ActionUserBan, username, actor, reason, err)
}

func (s *AdminService) UnbanUser(ctx context.Context, username, actor string) error {
	err := s.repomanager.Users(s.db).SetBanned(ctx, username, false, "")
	return s.finish(ctx, models.ActionUserUnban, username, actor, "", err)
}

// ResetUserHwid clears the account's machine binding. Sessions issued for
// the old machine stop verifying.
func (s *AdminService) ResetUserHwid(ctx context.Context, username, actor string) error {
	err := s.repomanager.Users(s.db).ResetHwid(ctx, username)
	return s.finish(ctx, models.ActionUserResetHwid, username, actor, "", err)
}

// UpdateSubscription extends the subscription by days from the later of now
// and the current expiry, returning the new expiry as a Unix timestamp.
func (s *AdminService) UpdateSubscription(ctx context.Context, username string, days int, actor string) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: days must be positive", common.ErrorValidation)
	}

	users := s.repomanager.Users(s.db)
	user, err := users.GetByUsername(ctx, username)
	if err != nil {
		return 0, s.finish(ctx, models.ActionSubscription, username, actor, "", err)
	}

	expires := user.ExtendSubscription(s.now(), time.Duration(days)*24*time.Hour)
	err = users.SetSubscription(ctx, username, expires)
	if err := s.finish(ctx, models.ActionSubscription, username, actor, "+"+strconv.Itoa(days)+"d", err); err != nil {
		return 0, err
	}
	return expires, nil
}

func (s *AdminService) DeleteUser(ctx context.Context, username, actor string) error {
	err := s.repomanager.Users(s.db).Delete(ctx, username)
	return s.finish(ctx, models.ActionUserDelete, username, actor, "", err)
}

func (s *AdminService) GetUser(ctx context.Context, username string) (*models.User, error) {
	u, err := s.repomanager.Users(s.db).GetByUsername(ctx, username)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return u, nil
}

func (s *AdminService) ListUsers(ctx context.Context, limit, offset int) ([]models.User, error) {
	users, err := s.repomanager.Users(s.db).List(ctx, clampLimit(limit), max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}
	return users, nil
}

// ListAuditLog returns audit records matching f, newest first.
func (s *AdminService) ListAuditLog(ctx context.Context, f models.AuditFilter, limit int) ([]models.AuditRecord, error) {
	recs, err := s.repomanager.Audit(s.db).List(ctx, f, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorInternal, err)
	}
	return recs, nil
}

func (s *AdminService) finish(ctx context.Context, action models.AuditAction, username, actor, note string, err error) error {
	err = mapNotFound(err)
	reason := Reason(err)
	if err == nil && note != "" {
		reason = note
	}
	appendAudit(ctx, s.repomanager.Audit(s.db), s.log, &models.AuditRecord{
		UserName: username, Action: action, Source: actor, Success: err == nil, Reason: reason, CreatedAt: s.now(),
	})
	if err != nil {
		if !errors.Is(err, common.ErrorNotFound) {
			s.log.Error(ctx, "admin action failed", "action", string(action), "username", username, "error", err)
		}
		return err
	}
	s.log.Info(ctx, "admin action applied", "action", string(action), "username", username, "actor", actor)
	return nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
