package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/store"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/token/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/database"
)

// RefreshRepo persists issued refresh tokens so they can be revoked. Only the
// token id (jti) is stored, never the signed token itself.
type RefreshRepo struct {
	db sqlx.ExtContext
}

func NewRefreshRepo(db sqlx.ExtContext) *RefreshRepo {
	return &RefreshRepo{db: db}
}

func (r *RefreshRepo) EnsureTable(ctx context.Context) error {
	const tbl = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL REFERENCES users(id),
  expires_at BIGINT NOT NULL,
  revoked BOOLEAN NOT NULL DEFAULT false,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
)`
	if _, err := r.db.ExecContext(ctx, tbl); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user_id ON refresh_tokens (user_id)`)
	return err
}

type refreshRow struct {
	ID        string `db:"id"`
	UserID    string `db:"user_id"`
	ExpiresAt int64  `db:"expires_at"`
	Revoked   bool   `db:"revoked"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r *RefreshRepo) Create(ctx context.Context, t *entity.RefreshToken) error {
	q := r.db.Rebind(`INSERT INTO refresh_tokens (id, user_id, expires_at, revoked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, q, t.ID, t.UserID, database.ToMillis(t.ExpiresAt), t.Revoked,
		database.ToMillis(t.CreatedAt), database.ToMillis(t.UpdatedAt))
	return err
}

func (r *RefreshRepo) GetByID(ctx context.Context, id string) (*entity.RefreshToken, error) {
	q := r.db.Rebind(`SELECT id, user_id, expires_at, revoked, created_at, updated_at FROM refresh_tokens WHERE id = ?`)
	var row refreshRow
	if err := sqlx.GetContext(ctx, r.db, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &entity.RefreshToken{
		ID:        row.ID,
		UserID:    row.UserID,
		ExpiresAt: database.FromMillis(row.ExpiresAt),
		Revoked:   row.Revoked,
		CreatedAt: database.FromMillis(row.CreatedAt),
		UpdatedAt: database.FromMillis(row.UpdatedAt),
	}, nil
}

func (r *RefreshRepo) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	q := r.db.Rebind(`UPDATE refresh_tokens SET revoked = ?, updated_at = ? WHERE id = ? AND revoked = ?`)
	res, err := r.db.ExecContext(ctx, q, true, database.ToMillis(at), id, false)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
