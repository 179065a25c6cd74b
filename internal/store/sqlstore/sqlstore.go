// Package sqlstore implements store.Store on top of sqlx for PostgreSQL and
// SQLite.
package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	otprepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/otp/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/store"
	tokenrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/token/repo"
	userrepo "github.com/ovaphlow/pitchfork/service-auth-go/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/database"
)

type repos struct {
	users   *userrepo.UserRepo
	otps    *otprepo.OTPRepo
	refresh *tokenrepo.RefreshRepo
}

func newRepos(db sqlx.ExtContext) repos {
	return repos{
		users:   userrepo.NewUserRepo(db),
		otps:    otprepo.NewOTPRepo(db),
		refresh: tokenrepo.NewRefreshRepo(db),
	}
}

func (r repos) Users() store.UserRepository                  { return r.users }
func (r repos) OTPs() store.OTPRepository                    { return r.otps }
func (r repos) RefreshTokens() store.RefreshTokenRepository { return r.refresh }

// Store binds the repositories to a *sqlx.DB.
type Store struct {
	repos
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store {
	return &Store{repos: newRepos(db), db: db}
}

// EnsureSchema creates all tables in dependency order.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.users.EnsureTable(ctx); err != nil {
		return fmt.Errorf("ensure users: %w", err)
	}
	if err := s.otps.EnsureTable(ctx); err != nil {
		return fmt.Errorf("ensure otp_verifications: %w", err)
	}
	if err := s.refresh.EnsureTable(ctx); err != nil {
		return fmt.Errorf("ensure refresh_tokens: %w", err)
	}
	return nil
}

// WithTx runs fn with repositories bound to a single transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Repos) error) error {
	return database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		return fn(newRepos(tx))
	})
}

var _ store.Store = (*Store)(nil)
