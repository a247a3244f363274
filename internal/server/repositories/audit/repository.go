package audit

import (
	"context"
	"time"

	"github.com/dmitrijs2005/hwidauth/internal/server/models"
)

// Repository is the append-only audit log.
type Repository interface {
	Append(ctx context.Context, rec *models.AuditRecord) error
	// Recent returns at most limit records of action for username created
	// after since, newest first.
	Recent(ctx context.Context, username string, action models.AuditAction, limit int, since time.Time) ([]models.AuditRecord, error)
	List(ctx context.Context, f models.AuditFilter, limit int) ([]models.AuditRecord, error)
}
