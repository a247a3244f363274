package licensekeys

import (
	"context"
	"time"

	"github.com/dmitrijs2005/hwidauth/internal/server/models"
)

// Filter narrows key listings; empty fields match everything.
type Filter struct {
	Product  string
	UserName string
	Status   models.KeyStatus
}

// Repository persists license keys. Conditional transitions report false
// when the row exists but its current state does not permit the change,
// or when it does not exist at all; callers re-read to tell them apart.
type Repository interface {
	Create(ctx context.Context, key *models.LicenseKey) error
	Get(ctx context.Context, code string) (*models.LicenseKey, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]models.LicenseKey, error)
	ListByProduct(ctx context.Context, product string, limit, offset int) ([]models.LicenseKey, error)
	ListByUsername(ctx context.Context, username string) ([]models.LicenseKey, error)

	// Activate binds username and hwid to a generated or active key that is
	// unbound or already bound to the same pair and not past expiry.
	// expiresAt is only stored if the key has no expiry yet.
	Activate(ctx context.Context, code, username, hwid string, at time.Time, expiresAt *time.Time) (bool, error)
	ResetHwid(ctx context.Context, code string) error
	// Unbind returns an active key to generated, clearing user and hwid.
	Unbind(ctx context.Context, code string) (bool, error)
	Ban(ctx context.Context, code, reason string) (bool, error)
	// MarkExpired flips active keys past expiry to expired.
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
}
