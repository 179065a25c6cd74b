package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/otp/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/store"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/utilities"
)

var (
	// ErrInvalid covers wrong, already used and expired codes alike.
	ErrInvalid  = errors.New("invalid or expired otp")
	ErrDispatch = errors.New("otp dispatch failed")
)

// DispatchPolicy decides what happens to the OTP record when the SMS provider
// fails.
type DispatchPolicy string

const (
	// PolicyPersist stores the record anyway and reports ErrDispatch.
	PolicyPersist DispatchPolicy = "persist"
	// PolicyStrict stores nothing and reports ErrDispatch.
	PolicyStrict DispatchPolicy = "strict"
)

const codeDigits = 6

var codeSpace = big.NewInt(1_000_000)

type Config struct {
	TTL             time.Duration  `env:"OTP_TTL" envDefault:"10m"`
	DispatchTimeout time.Duration  `env:"OTP_DISPATCH_TIMEOUT" envDefault:"10s"`
	DispatchPolicy  DispatchPolicy `env:"OTP_DISPATCH_POLICY" envDefault:"persist"`
}

func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse otp env: %w", err)
	}
	switch cfg.DispatchPolicy {
	case PolicyPersist, PolicyStrict:
	default:
		return Config{}, fmt.Errorf("unknown OTP_DISPATCH_POLICY %q", cfg.DispatchPolicy)
	}
	return cfg, nil
}

// Manager issues and verifies phone OTPs.
type Manager struct {
	store  store.Store
	sender Sender
	clock  clockwork.Clock
	cfg    Config
	logger *zap.SugaredLogger

	newCode func() (string, error)
	newID   func() string
}

func NewManager(s store.Store, sender Sender, clock clockwork.Clock, cfg Config, logger *zap.SugaredLogger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Second
	}
	if cfg.DispatchPolicy == "" {
		cfg.DispatchPolicy = PolicyPersist
	}
	return &Manager{
		store:   s,
		sender:  sender,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		newCode: GenerateCode,
		newID:   utilities.NewSnowflakeID,
	}
}

// GenerateCode returns a uniformly random code in 000000-999999.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// Request generates a code, texts it to phone and records it for userID. The
// code is returned for in-process use only; it must not reach HTTP clients.
//
// When dispatch fails the record is still persisted under PolicyPersist and the
// returned error wraps ErrDispatch; under PolicyStrict nothing is persisted.
func (m *Manager) Request(ctx context.Context, userID, phone string) (string, error) {
	code, err := m.newCode()
	if err != nil {
		return "", err
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.DispatchTimeout)
	msgID, sendErr := m.sender.Send(sendCtx, phone, "Your OTP code is "+code)
	cancel()
	if sendErr != nil {
		m.logger.Warnw("otp dispatch failed", "user_id", userID, "policy", m.cfg.DispatchPolicy, "err", sendErr)
		if m.cfg.DispatchPolicy == PolicyStrict {
			return "", fmt.Errorf("%w: %v", ErrDispatch, sendErr)
		}
	}

	now := m.clock.Now().UTC()
	rec := &entity.OTPVerification{
		ID:        m.newID(),
		UserID:    userID,
		Code:      code,
		ExpiresAt: now.Add(m.cfg.TTL),
		Verified:  false,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.OTPs().Create(ctx, rec); err != nil {
		return "", fmt.Errorf("persist otp: %w", err)
	}

	if sendErr != nil {
		return code, fmt.Errorf("%w: %v", ErrDispatch, sendErr)
	}
	m.logger.Debugw("otp dispatched", "user_id", userID, "otp_id", rec.ID, "message_id", msgID)
	return code, nil
}

// Verify matches code against the user's latest pending OTP and marks it
// verified. onVerified runs in the same transaction, so its writes and the
// OTP transition commit together or not at all.
func (m *Manager) Verify(ctx context.Context, userID, code string, onVerified func(ctx context.Context, tx store.Repos) error) error {
	return m.store.WithTx(ctx, func(tx store.Repos) error {
		now := m.clock.Now().UTC()
		rec, err := tx.OTPs().LatestPending(ctx, userID, now)
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalid
		}
		if err != nil {
			return fmt.Errorf("load otp: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(rec.Code), []byte(code)) != 1 {
			return ErrInvalid
		}
		ok, err := tx.OTPs().MarkVerified(ctx, rec.ID, now)
		if err != nil {
			return fmt.Errorf("mark otp verified: %w", err)
		}
		if !ok {
			// lost a race with a concurrent verification
			return ErrInvalid
		}
		if onVerified != nil {
			return onVerified(ctx, tx)
		}
		return nil
	})
}
