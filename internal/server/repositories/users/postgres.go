package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/hwidauth/internal/common"
	"github.com/dmitrijs2005/hwidauth/internal/dbx"
	"github.com/dmitrijs2005/hwidauth/internal/server/models"
	"github.com/google/uuid"
)

const userColumns = `id, username, email, password_hash, hwid, registered_at, last_login_at,
		 subscription_expires_at, is_banned, ban_reason`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.RegisteredAt.IsZero() {
		user.RegisteredAt = time.Now().UTC()
	}

	query :=
		`INSERT INTO users (id, username, email, password_hash, hwid, registered_at, subscription_expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 `

	_, err := r.db.ExecContext(ctx, query,
		user.ID, user.UserName, user.Email, user.PasswordHash,
		dbx.NullString(user.Hwid), user.RegisteredAt, user.SubscriptionExpiresAt)

	if err != nil {
		if dbx.IsUniqueViolation(err, "") {
			return nil, fmt.Errorf("%w: username or email already registered", common.ErrDuplicateIdentity)
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query :=
		`SELECT ` + userColumns + ` FROM users
		 WHERE id = $1
		 `
	return r.getOne(ctx, query, id)
}

func (r *PostgresRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	query :=
		`SELECT ` + userColumns + ` FROM users
		 WHERE username = $1
		 `
	return r.getOne(ctx, query, username)
}

func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query :=
		`SELECT ` + userColumns + ` FROM users
		 WHERE lower(email) = lower($1)
		 `
	return r.getOne(ctx, query, email)
}

func (r *PostgresRepository) List(ctx context.Context, limit, offset int) ([]models.User, error) {
	query :=
		`SELECT ` + userColumns + ` FROM users
		 ORDER BY registered_at, username
		 LIMIT $1 OFFSET $2
		 `

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) UpdatePassword(ctx context.Context, username, passwordHash string) error {
	query :=
		`UPDATE users SET password_hash = $2
		 WHERE username = $1
		 `
	return r.execOne(ctx, query, username, passwordHash)
}

func (r *PostgresRepository) TouchLastLogin(ctx context.Context, username string, at time.Time) error {
	query :=
		`UPDATE users SET last_login_at = $2
		 WHERE username = $1
		 `
	return r.execOne(ctx, query, username, at)
}

func (r *PostgresRepository) BindHwidIfUnbound(ctx context.Context, username, hwid string) (bool, error) {
	query :=
		`UPDATE users SET hwid = $2
		 WHERE username = $1 AND (hwid IS NULL OR hwid = $2)
		 `

	res, err := r.db.ExecContext(ctx, query, username, hwid)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) ResetHwid(ctx context.Context, username string) error {
	query :=
		`UPDATE users SET hwid = NULL
		 WHERE username = $1
		 `
	return r.execOne(ctx, query, username)
}

func (r *PostgresRepository) SetBanned(ctx context.Context, username string, banned bool, reason string) error {
	query :=
		`UPDATE users SET is_banned = $2, ban_reason = $3
		 WHERE username = $1
		 `
	return r.execOne(ctx, query, username, banned, reason)
}

func (r *PostgresRepository) SetSubscription(ctx context.Context, username string, expiresAt int64) error {
	query :=
		`UPDATE users SET subscription_expires_at = $2
		 WHERE username = $1
		 `
	return r.execOne(ctx, query, username, expiresAt)
}

func (r *PostgresRepository) Delete(ctx context.Context, username string) error {
	query :=
		`DELETE FROM users
		 WHERE username = $1
		 `
	return r.execOne(ctx, query, username)
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, arg any) (*models.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

func (r *PostgresRepository) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*models.User, error) {
	var (
		u         models.User
		hwid      sql.NullString
		lastLogin sql.NullTime
	)
	err := s.Scan(&u.ID, &u.UserName, &u.Email, &u.PasswordHash, &hwid, &u.RegisteredAt, &lastLogin,
		&u.SubscriptionExpiresAt, &u.IsBanned, &u.BanReason)
	if err != nil {
		return nil, err
	}
	u.Hwid = hwid.String
	if lastLogin.Valid {
		u.LastLoginAt = lastLogin.Time
	}
	return &u, nil
}
