// Package store declares the repositories the auth core depends on and the
// transaction boundary that groups them.
package store

import (
	"context"
	"errors"
	"time"

	otpentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/otp/entity"
	tokenentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/token/entity"
	userentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrEmailTaken = errors.New("email already registered")
	ErrPhoneTaken = errors.New("phone number already registered")
	// ErrConflict is returned for unique violations not covered above.
	ErrConflict = errors.New("conflict")
)

type UserRepository interface {
	Create(ctx context.Context, u *userentity.User) error
	GetByID(ctx context.Context, id string) (*userentity.User, error)
	GetByEmail(ctx context.Context, email string) (*userentity.User, error)
	GetByPhone(ctx context.Context, phone string) (*userentity.User, error)
	MarkPhoneVerified(ctx context.Context, id string, at time.Time) error
	UpdatePassword(ctx context.Context, id, hash, algo string, at time.Time) error
}

type OTPRepository interface {
	Create(ctx context.Context, v *otpentity.OTPVerification) error
	// LatestPending returns the most recently created unverified, unexpired
	// record for the user, or ErrNotFound.
	LatestPending(ctx context.Context, userID string, now time.Time) (*otpentity.OTPVerification, error)
	// MarkVerified flips verified from false to true if the record is still
	// pending at now. It reports whether this call performed the transition.
	MarkVerified(ctx context.Context, id string, now time.Time) (bool, error)
	ListByUser(ctx context.Context, userID string) ([]*otpentity.OTPVerification, error)
}

type RefreshTokenRepository interface {
	Create(ctx context.Context, t *tokenentity.RefreshToken) error
	GetByID(ctx context.Context, id string) (*tokenentity.RefreshToken, error)
	// Revoke flips revoked from false to true and reports whether this call
	// performed the transition.
	Revoke(ctx context.Context, id string, at time.Time) (bool, error)
}

// Repos groups the repositories bound to one connection or transaction.
type Repos interface {
	Users() UserRepository
	OTPs() OTPRepository
	RefreshTokens() RefreshTokenRepository
}

// Store is a Repos bound to the shared connection pool that can also open a
// scoped transaction. WithTx commits only when fn returns nil.
type Store interface {
	Repos
	WithTx(ctx context.Context, fn func(tx Repos) error) error
}
