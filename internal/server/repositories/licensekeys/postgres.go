package licensekeys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/hwidauth/internal/common"
	"github.com/dmitrijs2005/hwidauth/internal/dbx"
	"github.com/dmitrijs2005/hwidauth/internal/server/models"
)

const keyColumns = `code, product, duration, created_at, expires_at, status,
		 bound_username, bound_hwid, ban_reason, activated_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, key *models.LicenseKey) error {
	query :=
		`INSERT INTO license_keys (code, product, duration, created_at, status)
		 VALUES ($1, $2, $3, $4, $5)
		 `

	_, err := r.db.ExecContext(ctx, query,
		key.Code, key.Product, string(key.Duration), key.CreatedAt, string(key.Status))

	if err != nil {
		if dbx.IsUniqueViolation(err, "") {
			return fmt.Errorf("%w: key code %s already issued", common.ErrDuplicateIdentity, key.Code)
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, code string) (*models.LicenseKey, error) {
	query :=
		`SELECT ` + keyColumns + ` FROM license_keys
		 WHERE code = $1
		 `

	k, err := scanKey(r.db.QueryRowContext(ctx, query, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return k, nil
}

func (r *PostgresRepository) List(ctx context.Context, f Filter, limit, offset int) ([]models.LicenseKey, error) {
	query :=
		`SELECT ` + keyColumns + ` FROM license_keys
		 WHERE ($1 = '' OR product = $1)
		   AND ($2 = '' OR bound_username = $2)
		   AND ($3 = '' OR status = $3)
		 ORDER BY created_at DESC, code
		 LIMIT $4 OFFSET $5
		 `
	return r.query(ctx, query, f.Product, f.UserName, string(f.Status), limit, offset)
}

func (r *PostgresRepository) ListByProduct(ctx context.Context, product string, limit, offset int) ([]models.LicenseKey, error) {
	return r.List(ctx, Filter{Product: product}, limit, offset)
}

func (r *PostgresRepository) ListByUsername(ctx context.Context, username string) ([]models.LicenseKey, error) {
	query :=
		`SELECT ` + keyColumns + ` FROM license_keys
		 WHERE bound_username = $1
		 ORDER BY activated_at DESC, code
		 `
	return r.query(ctx, query, username)
}

func (r *PostgresRepository) Activate(ctx context.Context, code, username, hwid string, at time.Time, expiresAt *time.Time) (bool, error) {
	query :=
		`UPDATE license_keys
		 SET status = 'active', bound_username = $2, bound_hwid = $3,
		     activated_at = COALESCE(activated_at, $4),
		     expires_at = COALESCE(expires_at, $5)
		 WHERE code = $1
		   AND status IN ('generated', 'active')
		   AND (bound_username IS NULL OR bound_username = $2)
		   AND (bound_hwid IS NULL OR bound_hwid = $3)
		   AND (expires_at IS NULL OR expires_at > $4)
		 `
	return r.execCond(ctx, query, code, username, hwid, at, dbx.NullTime(expiresAt))
}

func (r *PostgresRepository) ResetHwid(ctx context.Context, code string) error {
	query :=
		`UPDATE license_keys SET bound_hwid = NULL
		 WHERE code = $1
		 `

	res, err := r.db.ExecContext(ctx, query, code)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if err := dbx.ExpectOne(res); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return common.ErrorNotFound
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Unbind(ctx context.Context, code string) (bool, error) {
	query :=
		`UPDATE license_keys
		 SET status = 'generated', bound_username = NULL, bound_hwid = NULL
		 WHERE code = $1 AND status = 'active'
		 `
	return r.execCond(ctx, query, code)
}

func (r *PostgresRepository) Ban(ctx context.Context, code, reason string) (bool, error) {
	query :=
		`UPDATE license_keys
		 SET status = 'banned', ban_reason = $2
		 WHERE code = $1 AND status IN ('generated', 'active')
		 `
	return r.execCond(ctx, query, code, reason)
}

func (r *PostgresRepository) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	query :=
		`UPDATE license_keys SET status = 'expired'
		 WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
		 `

	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) execCond(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...any) ([]models.LicenseKey, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.LicenseKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, *k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(s scanner) (*models.LicenseKey, error) {
	var (
		k                    models.LicenseKey
		duration, status     string
		expiresAt, activated sql.NullTime
		boundUser, boundHwid sql.NullString
	)
	err := s.Scan(&k.Code, &k.Product, &duration, &k.CreatedAt, &expiresAt, &status,
		&boundUser, &boundHwid, &k.BanReason, &activated)
	if err != nil {
		return nil, err
	}
	k.Duration = models.Duration(duration)
	k.Status = models.KeyStatus(status)
	k.BoundUsername = boundUser.String
	k.BoundHwid = boundHwid.String
	if expiresAt.Valid {
		t := expiresAt.Time
		k.ExpiresAt = &t
	}
	if activated.Valid {
		t := activated.Time
		k.ActivatedAt = &t
	}
	return &k, nil
}
