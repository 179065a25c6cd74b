package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/store"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/database"
)

// UserRepo provides data access for the users table using sqlx. It runs on
// either the pool or a transaction.
type UserRepo struct {
	db sqlx.ExtContext
}

func NewUserRepo(db sqlx.ExtContext) *UserRepo { return &UserRepo{db: db} }

// EnsureTable creates the users table if not exists (idempotent).
// This is a convenience for early development; prefer migrations in production.
func (r *UserRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  email TEXT NOT NULL,
  phone TEXT NOT NULL,
  password_hash TEXT NOT NULL CHECK (password_hash <> ''),
  password_algo TEXT NOT NULL,
  is_phone_verified BOOLEAN NOT NULL DEFAULT false,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL,
  CONSTRAINT users_email_key UNIQUE (email),
  CONSTRAINT users_phone_key UNIQUE (phone)
)`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

type userRow struct {
	ID              string `db:"id"`
	Name            string `db:"name"`
	Email           string `db:"email"`
	Phone           string `db:"phone"`
	PasswordHash    string `db:"password_hash"`
	PasswordAlgo    string `db:"password_algo"`
	IsPhoneVerified bool   `db:"is_phone_verified"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

func (row userRow) toEntity() *entity.User {
	return &entity.User{
		ID:              row.ID,
		Name:            row.Name,
		Email:           row.Email,
		Phone:           row.Phone,
		PasswordHash:    row.PasswordHash,
		PasswordAlgo:    row.PasswordAlgo,
		IsPhoneVerified: row.IsPhoneVerified,
		CreatedAt:       database.FromMillis(row.CreatedAt),
		UpdatedAt:       database.FromMillis(row.UpdatedAt),
	}
}

const selectUser = `SELECT id, name, email, phone, password_hash, password_algo,
	is_phone_verified, created_at, updated_at FROM users`

// Create inserts a new user row. Unique violations are reported as
// store.ErrEmailTaken or store.ErrPhoneTaken.
func (r *UserRepo) Create(ctx context.Context, u *entity.User) error {
	q := r.db.Rebind(`INSERT INTO users (id, name, email, phone, password_hash, password_algo,
		is_phone_verified, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, q, u.ID, u.Name, u.Email, u.Phone, u.PasswordHash, u.PasswordAlgo,
		u.IsPhoneVerified, database.ToMillis(u.CreatedAt), database.ToMillis(u.UpdatedAt))
	if err != nil {
		return translateUnique(err)
	}
	return nil
}

func translateUnique(err error) error {
	detail, ok := database.UniqueViolation(err)
	if !ok {
		return err
	}
	switch {
	case strings.Contains(detail, "email"):
		return store.ErrEmailTaken
	case strings.Contains(detail, "phone"):
		return store.ErrPhoneTaken
	default:
		return fmt.Errorf("%w: %s", store.ErrConflict, detail)
	}
}

func (r *UserRepo) getOne(ctx context.Context, where string, arg any) (*entity.User, error) {
	var row userRow
	if err := sqlx.GetContext(ctx, r.db, &row, r.db.Rebind(selectUser+" WHERE "+where), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}

// GetByID fetches a full user row.
func (r *UserRepo) GetByID(ctx context.Context, id string) (*entity.User, error) {
	return r.getOne(ctx, "id = ?", id)
}

// GetByEmail returns a user matched by (normalized) email or store.ErrNotFound.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*entity.User, error) {
	return r.getOne(ctx, "email = ?", email)
}

// GetByPhone returns a user matched by phone or store.ErrNotFound.
func (r *UserRepo) GetByPhone(ctx context.Context, phone string) (*entity.User, error) {
	return r.getOne(ctx, "phone = ?", phone)
}

// MarkPhoneVerified sets is_phone_verified for the user.
func (r *UserRepo) MarkPhoneVerified(ctx context.Context, id string, at time.Time) error {
	q := r.db.Rebind(`UPDATE users SET is_phone_verified = ?, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, true, database.ToMillis(at), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdatePassword replaces the password hash & algo, e.g. after a rehash.
func (r *UserRepo) UpdatePassword(ctx context.Context, id, hash, algo string, at time.Time) error {
	q := r.db.Rebind(`UPDATE users SET password_hash = ?, password_algo = ?, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, q, hash, algo, database.ToMillis(at), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
