package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

const (
	ClaimTokenUse = "token_use"
	UseAccess     = "access"
	UseRefresh    = "refresh"
)

var (
	ErrInvalid = errors.New("token invalid")
	ErrExpired = errors.New("token expired")
	ErrNoKey   = errors.New("token signing secret is not configured")
)

type Config struct {
	Secret     string        `env:"JWT_SECRET,unset"`
	Issuer     string        `env:"JWT_ISSUER" envDefault:"pitchfork-auth"`
	AccessTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"30m"`
	RefreshTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`
}

// ConfigFromEnv reads token settings. JWT_SECRET is required; it is removed
// from the process environment once read.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse token env: %w", err)
	}
	if cfg.Secret == "" {
		return Config{}, ErrNoKey
	}
	return cfg, nil
}

// Issuer signs and verifies HS256 access and refresh tokens. It holds no
// state besides the key and performs no I/O.
type Issuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      clockwork.Clock
	parser     *jwt.Parser
}

func NewIssuer(cfg Config, clock clockwork.Clock) (*Issuer, error) {
	if cfg.Secret == "" {
		return nil, ErrNoKey
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 30 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	i := &Issuer{
		secret:     []byte(cfg.Secret),
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		clock:      clock,
	}
	i.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(clock.Now),
		// reject non-canonical base64 so flipping trailing padding bits fails
		jwt.WithStrictDecoding(),
	)
	return i, nil
}

func (i *Issuer) AccessTTL() time.Duration  { return i.accessTTL }
func (i *Issuer) RefreshTTL() time.Duration { return i.refreshTTL }

// IssueAccessToken signs claims with exp = now + access TTL.
func (i *Issuer) IssueAccessToken(claims map[string]any) (string, error) {
	return i.sign(claims, UseAccess, i.accessTTL)
}

// IssueRefreshToken signs claims with exp = now + refresh TTL.
func (i *Issuer) IssueRefreshToken(claims map[string]any) (string, error) {
	return i.sign(claims, UseRefresh, i.refreshTTL)
}

func (i *Issuer) sign(claims map[string]any, use string, ttl time.Duration) (string, error) {
	now := i.clock.Now()
	mc := jwt.MapClaims{}
	for k, v := range claims {
		mc[k] = v
	}
	// registered claims are always ours, whatever the caller passed
	mc["exp"] = now.Add(ttl).Unix()
	mc["iat"] = now.Unix()
	mc[ClaimTokenUse] = use
	if i.issuer != "" {
		mc["iss"] = i.issuer
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", use, err)
	}
	return signed, nil
}

// Verify checks signature, algorithm and expiry and returns the claims.
// Expired tokens fail with ErrExpired, everything else with ErrInvalid.
func (i *Issuer) Verify(tok string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := i.parser.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if i.issuer != "" && claims["iss"] != i.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer", ErrInvalid)
	}
	return claims, nil
}

// VerifyUse is Verify plus a check of the token_use claim, so a refresh token
// cannot stand in for an access token and vice versa.
func (i *Issuer) VerifyUse(tok, use string) (jwt.MapClaims, error) {
	claims, err := i.Verify(tok)
	if err != nil {
		return nil, err
	}
	if claims[ClaimTokenUse] != use {
		return nil, fmt.Errorf("%w: expected %s token", ErrInvalid, use)
	}
	return claims, nil
}
