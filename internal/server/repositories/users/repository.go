package users

import (
	"context"
	"time"

	"github.com/dmitrijs2005/hwidauth/internal/server/models"
)

// Repository persists user accounts. Usernames match case-sensitively,
// emails case-insensitively.
type Repository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	List(ctx context.Context, limit, offset int) ([]models.User, error)

	UpdatePassword(ctx context.Context, username, passwordHash string) error
	TouchLastLogin(ctx context.Context, username string, at time.Time) error
	// BindHwidIfUnbound stores hwid only when none is bound yet. It reports
	// true when the stored hwid equals hwid afterwards.
	BindHwidIfUnbound(ctx context.Context, username, hwid string) (bool, error)
	ResetHwid(ctx context.Context, username string) error
	SetBanned(ctx context.Context, username string, banned bool, reason string) error
	SetSubscription(ctx context.Context, username string, expiresAt int64) error
	Delete(ctx context.Context, username string) error
}
