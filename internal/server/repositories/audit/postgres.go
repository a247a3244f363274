package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/hwidauth/internal/dbx"
	"github.com/dmitrijs2005/hwidauth/internal/server/models"
	"github.com/google/uuid"
)

const auditColumns = `id, username, action, source, hwid, subject, success, reason, created_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Append(ctx context.Context, rec *models.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query :=
		`INSERT INTO audit_log (` + auditColumns + `)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 `

	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.UserName, string(rec.Action), rec.Source, rec.Hwid, rec.Subject,
		rec.Success, rec.Reason, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Recent(ctx context.Context, username string, action models.AuditAction, limit int, since time.Time) ([]models.AuditRecord, error) {
	query :=
		`SELECT ` + auditColumns + ` FROM audit_log
		 WHERE username = $1 AND action = $2 AND created_at > $3
		 ORDER BY created_at DESC
		 LIMIT $4
		 `
	return r.query(ctx, query, username, string(action), since, limit)
}

func (r *PostgresRepository) List(ctx context.Context, f models.AuditFilter, limit int) ([]models.AuditRecord, error) {
	query :=
		`SELECT ` + auditColumns + ` FROM audit_log
		 WHERE ($1 = '' OR username = $1)
		   AND ($2 = '' OR action = $2)
		   AND ($3 = '' OR subject = $3)
		   AND ($4 = '' OR reason = $4)
		 ORDER BY created_at DESC
		 LIMIT $5
		 `
	return r.query(ctx, query, f.UserName, string(f.Action), f.Subject, f.Reason, limit)
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...any) ([]models.AuditRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.AuditRecord
	for rows.Next() {
		var (
			rec    models.AuditRecord
			action string
		)
		if err := rows.Scan(&rec.ID, &rec.UserName, &action, &rec.Source, &rec.Hwid, &rec.Subject,
			&rec.Success, &rec.Reason, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		rec.Action = models.AuditAction(action)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}
