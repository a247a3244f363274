package services

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/hwidauth/internal/common"
	"github.com/dmitrijs2005/hwidauth/internal/logging"
	"github.com/dmitrijs2005/hwidauth/internal/server/models"
	"github.com/dmitrijs2005/hwidauth/internal/server/repositories/audit"
)

// Recorder receives outcome counters. *metrics.Metrics implements it.
type Recorder interface {
	ObserveLogin(outcome string)
	ObserveActivation(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveLogin(string)      {}
func (nopRecorder) ObserveActivation(string) {}

// Reason returns the audit and log reason code for an operation result.
// More specific kinds are matched before the kinds they wrap.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, common.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, common.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, common.ErrAccountBanned):
		return "account_banned"
	case errors.Is(err, common.ErrSubscriptionExpired):
		return "subscription_expired"
	case errors.Is(err, common.ErrHwidMismatch):
		return "hwid_mismatch"
	case errors.Is(err, common.ErrKeyBanned):
		return "key_banned"
	case errors.Is(err, common.ErrKeyExpired):
		return "key_expired"
	case errors.Is(err, common.ErrKeyNotActivatable):
		return "key_not_activatable"
	case errors.Is(err, common.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, common.ErrTokenMalformed):
		return "token_malformed"
	case errors.Is(err, common.ErrTokenSignatureInvalid):
		return "token_signature_invalid"
	case errors.Is(err, common.ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, common.ErrDuplicateIdentity):
		return "duplicate_identity"
	case errors.Is(err, common.ErrorNotFound):
		return "not_found"
	case errors.Is(err, common.ErrorValidation):
		return "invalid_request"
	default:
		return "internal"
	}
}

// appendAudit writes rec. A failed write is logged and does not change the
// outcome of the operation being audited.
func appendAudit(ctx context.Context, repo audit.Repository, log logging.Logger, rec *models.AuditRecord) {
	if err := repo.Append(ctx, rec); err != nil {
		log.Error(ctx, "audit append failed",
			"action", string(rec.Action), "username", rec.UserName, "subject", rec.Subject, "error", err)
	}
}
