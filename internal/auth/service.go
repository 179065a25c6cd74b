// Package auth orchestrates registration, login, phone verification and the
// refresh token lifecycle.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/otp"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/store"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/token"
	tokenentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/token/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user"
	userentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

var (
	// ErrInvalidCredentials is returned for both unknown emails and wrong
	// passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	// ErrInvalidToken covers malformed, expired, revoked and wrong-use tokens.
	ErrInvalidToken = errors.New("invalid or expired token")
)

const TokenTypeBearer = "bearer"

type RegisterInput struct {
	Name     string
	Email    string
	Phone    string
	Password string
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

type Service struct {
	store     store.Store
	passwords *user.Passwords
	tokens    *token.Issuer
	otps      *otp.Manager
	clock     clockwork.Clock
	logger    *zap.SugaredLogger

	newUserID  func() string
	newTokenID func() string
}

func NewService(s store.Store, passwords *user.Passwords, tokens *token.Issuer, otps *otp.Manager, clock clockwork.Clock, logger *zap.SugaredLogger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		store:      s,
		passwords:  passwords,
		tokens:     tokens,
		otps:       otps,
		clock:      clock,
		logger:     logger,
		newUserID:  utilities.NewUUID,
		newTokenID: utilities.NewKSUID,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an account with an unverified phone. Email is checked
// before phone, so a request colliding on both reports store.ErrEmailTaken.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*userentity.User, error) {
	email := normalizeEmail(in.Email)
	phone := strings.TrimSpace(in.Phone)

	hash, algo, err := s.passwords.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.clock.Now().UTC()
	u := &userentity.User{
		ID:              s.newUserID(),
		Name:            strings.TrimSpace(in.Name),
		Email:           email,
		Phone:           phone,
		PasswordHash:    hash,
		PasswordAlgo:    algo,
		IsPhoneVerified: false,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = s.store.WithTx(ctx, func(tx store.Repos) error {
		if _, err := tx.Users().GetByEmail(ctx, email); err == nil {
			return store.ErrEmailTaken
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if _, err := tx.Users().GetByPhone(ctx, phone); err == nil {
			return store.ErrPhoneTaken
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		// the unique constraints still decide when two registrations race
		return tx.Users().Create(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("user registered", "user_id", u.ID)
	return u, nil
}

// Login checks the password and issues a token pair with sub = email.
func (s *Service) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	u, err := s.store.Users().GetByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, store.ErrNotFound) {
		s.passwords.VerifyDummy(password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !s.passwords.Verify(u.PasswordAlgo, u.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}

	if s.passwords.NeedsRehash(u.PasswordAlgo) {
		s.rehash(ctx, u, password)
	}

	return s.issuePair(ctx, s.store, u)
}

// rehash upgrades a stored hash to the current hasher. Failures are logged
// and never fail the login.
func (s *Service) rehash(ctx context.Context, u *userentity.User, password string) {
	hash, algo, err := s.passwords.Hash(password)
	if err != nil {
		s.logger.Warnw("password rehash failed", "user_id", u.ID, "stage", "hash", "err", err)
		return
	}
	if err := s.store.Users().UpdatePassword(ctx, u.ID, hash, algo, s.clock.Now().UTC()); err != nil {
		s.logger.Warnw("password rehash failed", "user_id", u.ID, "stage", "store", "err", err)
		return
	}
	s.logger.Infow("password rehashed", "user_id", u.ID, "from", u.PasswordAlgo, "to", algo)
}

func (s *Service) issuePair(ctx context.Context, repos store.Repos, u *userentity.User) (*TokenPair, error) {
	access, err := s.tokens.IssueAccessToken(map[string]any{"sub": u.Email})
	if err != nil {
		return nil, err
	}
	jti := s.newTokenID()
	refresh, err := s.tokens.IssueRefreshToken(map[string]any{"sub": u.Email, "jti": jti})
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	rec := &tokenentity.RefreshToken{
		ID:        jti,
		UserID:    u.ID,
		ExpiresAt: now.Add(s.tokens.RefreshTTL()),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repos.RefreshTokens().Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist refresh token: %w", err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh, TokenType: TokenTypeBearer}, nil
}

func (s *Service) userByEmail(ctx context.Context, email string) (*userentity.User, error) {
	u, err := s.store.Users().GetByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

// RequestPhoneOTP texts a fresh code to the user's phone. The code is
// returned for in-process callers only. A dispatch failure is reported as
// otp.ErrDispatch; depending on the dispatch policy the code may still be
// stored and returned alongside it.
func (s *Service) RequestPhoneOTP(ctx context.Context, email string) (string, error) {
	u, err := s.userByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	return s.otps.Request(ctx, u.ID, u.Phone)
}

// VerifyPhoneOTP checks code and, in the same transaction, marks the user's
// phone verified.
func (s *Service) VerifyPhoneOTP(ctx context.Context, email, code string) error {
	u, err := s.userByEmail(ctx, email)
	if err != nil {
		return err
	}
	err = s.otps.Verify(ctx, u.ID, code, func(ctx context.Context, tx store.Repos) error {
		return tx.Users().MarkPhoneVerified(ctx, u.ID, s.clock.Now().UTC())
	})
	if err != nil {
		return err
	}
	s.logger.Infow("phone verified", "user_id", u.ID)
	return nil
}

func (s *Service) refreshRecord(tok string) (string, string, error) {
	claims, err := s.tokens.VerifyUse(tok, token.UseRefresh)
	if err != nil {
		return "", "", ErrInvalidToken
	}
	jti, _ := claims["jti"].(string)
	sub, _ := claims["sub"].(string)
	if jti == "" || sub == "" {
		return "", "", ErrInvalidToken
	}
	return jti, sub, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// revoked, so each refresh token can be used once.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	jti, sub, err := s.refreshRecord(refreshToken)
	if err != nil {
		return nil, err
	}
	var pair *TokenPair
	err = s.store.WithTx(ctx, func(tx store.Repos) error {
		now := s.clock.Now().UTC()
		rec, err := tx.RefreshTokens().GetByID(ctx, jti)
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		if err != nil {
			return fmt.Errorf("load refresh token: %w", err)
		}
		if !rec.Usable(now) {
			return ErrInvalidToken
		}
		u, err := tx.Users().GetByID(ctx, rec.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		if err != nil {
			return fmt.Errorf("load user: %w", err)
		}
		if u.Email != sub {
			return ErrInvalidToken
		}
		ok, err := tx.RefreshTokens().Revoke(ctx, jti, now)
		if err != nil {
			return fmt.Errorf("revoke refresh token: %w", err)
		}
		if !ok {
			return ErrInvalidToken
		}
		pair, err = s.issuePair(ctx, tx, u)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// Logout revokes a refresh token. Unknown, expired and already revoked tokens
// are not an error.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	jti, _, err := s.refreshRecord(refreshToken)
	if err != nil {
		return nil
	}
	if _, err := s.store.RefreshTokens().Revoke(ctx, jti, s.clock.Now().UTC()); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// Authenticate resolves the user an access token was issued to.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*userentity.User, error) {
	claims, err := s.tokens.VerifyUse(accessToken, token.UseAccess)
	if err != nil {
		return nil, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrInvalidToken
	}
	u, err := s.store.Users().GetByEmail(ctx, sub)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}
