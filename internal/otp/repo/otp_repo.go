package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/otp/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/store"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/database"
)

// OTPRepo stores OTP verification records. Rows are only ever inserted or
// flipped to verified; nothing is deleted so the table doubles as an audit trail.
type OTPRepo struct {
	db sqlx.ExtContext
}

func NewOTPRepo(db sqlx.ExtContext) *OTPRepo { return &OTPRepo{db: db} }

// EnsureTable creates otp_verifications and its lookup index (idempotent).
func (r *OTPRepo) EnsureTable(ctx context.Context) error {
	const tbl = `
CREATE TABLE IF NOT EXISTS otp_verifications (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL REFERENCES users(id),
  otp_code VARCHAR(6) NOT NULL,
  expires_at BIGINT NOT NULL,
  verified BOOLEAN NOT NULL DEFAULT false,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
)`
	if _, err := r.db.ExecContext(ctx, tbl); err != nil {
		return err
	}
	const idx = `CREATE INDEX IF NOT EXISTS idx_otp_verifications_user_id ON otp_verifications (user_id, verified, expires_at)`
	_, err := r.db.ExecContext(ctx, idx)
	return err
}

type otpRow struct {
	ID        string `db:"id"`
	UserID    string `db:"user_id"`
	Code      string `db:"otp_code"`
	ExpiresAt int64  `db:"expires_at"`
	Verified  bool   `db:"verified"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (row otpRow) toEntity() *entity.OTPVerification {
	return &entity.OTPVerification{
		ID:        row.ID,
		UserID:    row.UserID,
		Code:      row.Code,
		ExpiresAt: database.FromMillis(row.ExpiresAt),
		Verified:  row.Verified,
		CreatedAt: database.FromMillis(row.CreatedAt),
		UpdatedAt: database.FromMillis(row.UpdatedAt),
	}
}

func (r *OTPRepo) Create(ctx context.Context, v *entity.OTPVerification) error {
	q := r.db.Rebind(`INSERT INTO otp_verifications (id, user_id, otp_code, expires_at, verified, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, q, v.ID, v.UserID, v.Code, database.ToMillis(v.ExpiresAt), v.Verified,
		database.ToMillis(v.CreatedAt), database.ToMillis(v.UpdatedAt))
	return err
}

func (r *OTPRepo) LatestPending(ctx context.Context, userID string, now time.Time) (*entity.OTPVerification, error) {
	q := r.db.Rebind(`SELECT id, user_id, otp_code, expires_at, verified, created_at, updated_at
		FROM otp_verifications
		WHERE user_id = ? AND verified = ? AND expires_at > ?
		ORDER BY created_at DESC, id DESC LIMIT 1`)
	var row otpRow
	if err := sqlx.GetContext(ctx, r.db, &row, q, userID, false, database.ToMillis(now)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}

// MarkVerified is a compare-and-set on verified; a concurrent verifier of the
// same record sees zero affected rows.
func (r *OTPRepo) MarkVerified(ctx context.Context, id string, now time.Time) (bool, error) {
	q := r.db.Rebind(`UPDATE otp_verifications SET verified = ?, updated_at = ?
		WHERE id = ? AND verified = ? AND expires_at > ?`)
	ms := database.ToMillis(now)
	res, err := r.db.ExecContext(ctx, q, true, ms, id, false, ms)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *OTPRepo) ListByUser(ctx context.Context, userID string) ([]*entity.OTPVerification, error) {
	q := r.db.Rebind(`SELECT id, user_id, otp_code, expires_at, verified, created_at, updated_at
		FROM otp_verifications WHERE user_id = ? ORDER BY created_at, id`)
	var rows []otpRow
	if err := sqlx.SelectContext(ctx, r.db, &rows, q, userID); err != nil {
		return nil, err
	}
	out := make([]*entity.OTPVerification, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntity())
	}
	return out, nil
}
