package user

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
	"golang.org/x/crypto/argon2"
)

const (
	saltLen        = 16
	hashDelimiter  = ":"
	algoArgon2ID   = "argon2id"
	algoSaltedSHA2 = "sha256"
)

// PasswordHasher hashes passwords into the self-contained "salt:digest" form
// and verifies candidates against it. Algo labels the hash so it can be
// stored next to it and later resolved with HasherFor.
type PasswordHasher interface {
	Algo() string
	Hash(pw string) (string, error)
	Verify(hash, pw string) bool
}

// Argon2Hasher is the default hasher (argon2id, hex salt and digest).
type Argon2Hasher struct {
	Time      uint32 `env:"PASSWORD_ARGON2_TIME" envDefault:"1"`
	MemoryKiB uint32 `env:"PASSWORD_ARGON2_MEMORY_KIB" envDefault:"65536"`
	Threads   uint8  `env:"PASSWORD_ARGON2_THREADS" envDefault:"4"`
	KeyLen    uint32 `env:"PASSWORD_ARGON2_KEY_LEN" envDefault:"32"`
}

// Argon2HasherFromEnv reads argon2 cost parameters from the environment.
func Argon2HasherFromEnv() (Argon2Hasher, error) {
	var h Argon2Hasher
	if err := env.Parse(&h); err != nil {
		return Argon2Hasher{}, fmt.Errorf("parse password env: %w", err)
	}
	return h, nil
}

func (h Argon2Hasher) Algo() string {
	return fmt.Sprintf("%s:t=%d,m=%d,p=%d,l=%d", algoArgon2ID, h.Time, h.MemoryKiB, h.Threads, h.KeyLen)
}

func (h Argon2Hasher) Hash(pw string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	digest := argon2.IDKey([]byte(pw), salt, h.Time, h.MemoryKiB, h.Threads, h.KeyLen)
	return hex.EncodeToString(salt) + hashDelimiter + hex.EncodeToString(digest), nil
}

func (h Argon2Hasher) Verify(hash, pw string) bool {
	salt, digest, ok := splitHash(hash)
	if !ok || len(digest) == 0 {
		return false
	}
	got := argon2.IDKey([]byte(pw), salt, h.Time, h.MemoryKiB, h.Threads, uint32(len(digest)))
	return subtle.ConstantTimeCompare(got, digest) == 1
}

// SaltedSHA256Hasher reads hashes written by the previous system:
// sha256(password || hex salt), both parts hex encoded. It is kept for
// verification and upgrade on login; new hashes should not use it.
type SaltedSHA256Hasher struct{}

func (SaltedSHA256Hasher) Algo() string { return algoSaltedSHA2 }

func (SaltedSHA256Hasher) Hash(pw string) (string, error) {
	raw := make([]byte, saltLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	salt := hex.EncodeToString(raw)
	sum := sha256.Sum256([]byte(pw + salt))
	return salt + hashDelimiter + hex.EncodeToString(sum[:]), nil
}

func (SaltedSHA256Hasher) Verify(hash, pw string) bool {
	salt, digest, found := strings.Cut(hash, hashDelimiter)
	if !found || salt == "" {
		return false
	}
	want, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	sum := sha256.Sum256([]byte(pw + salt))
	return subtle.ConstantTimeCompare(sum[:], want) == 1
}

func splitHash(hash string) (salt, digest []byte, ok bool) {
	s, d, found := strings.Cut(hash, hashDelimiter)
	if !found {
		return nil, nil, false
	}
	salt, err := hex.DecodeString(s)
	if err != nil || len(salt) == 0 {
		return nil, nil, false
	}
	digest, err = hex.DecodeString(d)
	if err != nil {
		return nil, nil, false
	}
	return salt, digest, true
}

var ErrUnknownAlgo = errors.New("unknown password algorithm")

// HasherFor resolves the hasher that produced a hash from its stored label.
func HasherFor(algo string) (PasswordHasher, error) {
	name, params, _ := strings.Cut(algo, ":")
	switch name {
	case algoSaltedSHA2:
		return SaltedSHA256Hasher{}, nil
	case algoArgon2ID:
		var h Argon2Hasher
		var threads uint
		if _, err := fmt.Sscanf(params, "t=%d,m=%d,p=%d,l=%d", &h.Time, &h.MemoryKiB, &threads, &h.KeyLen); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAlgo, algo)
		}
		if h.Time == 0 || h.MemoryKiB == 0 || threads == 0 || threads > 255 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAlgo, algo)
		}
		h.Threads = uint8(threads)
		return h, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgo, algo)
	}
}

// Passwords hashes with the current hasher and verifies against whichever
// hasher a stored label names.
type Passwords struct {
	current PasswordHasher

	dummyOnce sync.Once
	dummy     string
}

func NewPasswords(current PasswordHasher) *Passwords {
	if current == nil {
		current = Argon2Hasher{Time: 1, MemoryKiB: 64 * 1024, Threads: 4, KeyLen: 32}
	}
	return &Passwords{current: current}
}

// Hash returns the encoded hash and the algo label to store with it.
func (p *Passwords) Hash(pw string) (hash string, algo string, err error) {
	h, err := p.current.Hash(pw)
	if err != nil {
		return "", "", err
	}
	return h, p.current.Algo(), nil
}

// Verify never errors: unknown labels and malformed hashes are a mismatch.
func (p *Passwords) Verify(algo, hash, pw string) bool {
	h, err := HasherFor(algo)
	if err != nil {
		return false
	}
	return h.Verify(hash, pw)
}

// VerifyDummy burns the same work as a real verification. Call it when there
// is no account so both login failure paths take equal time.
func (p *Passwords) VerifyDummy(pw string) {
	p.dummyOnce.Do(func() {
		p.dummy, _ = p.current.Hash("dummy-password")
	})
	_ = p.current.Verify(p.dummy, pw)
}

// NeedsRehash reports whether a hash stored under algo should be replaced with
// one from the current hasher.
func (p *Passwords) NeedsRehash(algo string) bool {
	return algo != p.current.Algo()
}
