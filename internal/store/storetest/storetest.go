// Package storetest holds behavior tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	otpentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/otp/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/store"
	tokenentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/token/entity"
	userentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
)

// T0 is millisecond aligned so it survives storage unchanged.
var T0 = time.Date(2026, 1, 23, 10, 0, 0, 0, time.UTC)

func NewUser(id, email, phone string) *userentity.User {
	return &userentity.User{
		ID:           id,
		Name:         "User " + id,
		Email:        email,
		Phone:        phone,
		PasswordHash: "aa:bb",
		PasswordAlgo: "sha256",
		CreatedAt:    T0,
		UpdatedAt:    T0,
	}
}

// Run exercises newStore against the repository contracts. Each subtest gets
// a fresh, empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("OTPs", func(t *testing.T) { testOTPs(t, newStore(t)) })
	t.Run("RefreshTokens", func(t *testing.T) { testRefreshTokens(t, newStore(t)) })
	t.Run("TxCommit", func(t *testing.T) { testTxCommit(t, newStore(t)) })
	t.Run("TxRollbackOnError", func(t *testing.T) { testTxRollbackOnError(t, newStore(t)) })
	t.Run("TxRollbackOnPanic", func(t *testing.T) { testTxRollbackOnPanic(t, newStore(t)) })
}

func testUsers(t *testing.T, s store.Store) {
	ctx := context.Background()
	users := s.Users()
	if err := users.Create(ctx, NewUser("u1", "a@x.com", "+15550000")); err != nil {
		t.Fatalf("create: %v", err)
	}

	for name, get := range map[string]func() (*userentity.User, error){
		"id":    func() (*userentity.User, error) { return users.GetByID(ctx, "u1") },
		"email": func() (*userentity.User, error) { return users.GetByEmail(ctx, "a@x.com") },
		"phone": func() (*userentity.User, error) { return users.GetByPhone(ctx, "+15550000") },
	} {
		u, err := get()
		if err != nil {
			t.Fatalf("get by %s: %v", name, err)
		}
		if u.ID != "u1" || u.Name != "User u1" || u.PasswordHash != "aa:bb" || u.IsPhoneVerified || !u.CreatedAt.Equal(T0) {
			t.Fatalf("get by %s: unexpected user %+v", name, u)
		}
	}

	if err := users.Create(ctx, NewUser("u2", "a@x.com", "+15551111")); !errors.Is(err, store.ErrEmailTaken) {
		t.Fatalf("duplicate email: expected ErrEmailTaken, got %v", err)
	}
	if err := users.Create(ctx, NewUser("u3", "b@x.com", "+15550000")); !errors.Is(err, store.ErrPhoneTaken) {
		t.Fatalf("duplicate phone: expected ErrPhoneTaken, got %v", err)
	}
	if _, err := users.GetByEmail(ctx, "b@x.com"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing user: expected ErrNotFound, got %v", err)
	}

	later := T0.Add(time.Minute)
	if err := users.MarkPhoneVerified(ctx, "u1", later); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	if err := users.UpdatePassword(ctx, "u1", "cc:dd", "argon2id:t=1,m=1024,p=1,l=32", later); err != nil {
		t.Fatalf("update password: %v", err)
	}
	u, _ := users.GetByID(ctx, "u1")
	if !u.IsPhoneVerified || u.PasswordHash != "cc:dd" || u.PasswordAlgo != "argon2id:t=1,m=1024,p=1,l=32" || !u.UpdatedAt.Equal(later) {
		t.Fatalf("updates not applied: %+v", u)
	}
	if err := users.MarkPhoneVerified(ctx, "ghost", later); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("mark missing user: expected ErrNotFound, got %v", err)
	}
}

func newOTP(id, userID, code string, created time.Time) *otpentity.OTPVerification {
	return &otpentity.OTPVerification{
		ID:        id,
		UserID:    userID,
		Code:      code,
		ExpiresAt: created.Add(10 * time.Minute),
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func testOTPs(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.Users().Create(ctx, NewUser("u1", "a@x.com", "+15550000")); err != nil {
		t.Fatalf("create user: %v", err)
	}
	otps := s.OTPs()

	if _, err := otps.LatestPending(ctx, "u1", T0); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("no otps: expected ErrNotFound, got %v", err)
	}
	if err := otps.Create(ctx, newOTP("1", "u1", "012345", T0)); err != nil {
		t.Fatalf("create first: %v", err)
	}
	if err := otps.Create(ctx, newOTP("2", "u1", "543210", T0.Add(time.Minute))); err != nil {
		t.Fatalf("create second: %v", err)
	}

	now := T0.Add(2 * time.Minute)
	latest, err := otps.LatestPending(ctx, "u1", now)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != "2" || latest.Code != "543210" || !latest.ExpiresAt.Equal(T0.Add(11*time.Minute)) {
		t.Fatalf("expected the newest record, got %+v", latest)
	}

	ok, err := otps.MarkVerified(ctx, "2", now)
	if err != nil || !ok {
		t.Fatalf("mark verified: %v %v", ok, err)
	}
	if ok, _ := otps.MarkVerified(ctx, "2", now); ok {
		t.Fatal("second transition must report false")
	}
	latest, err = otps.LatestPending(ctx, "u1", now)
	if err != nil || latest.ID != "1" || latest.Code != "012345" {
		t.Fatalf("expected the older pending record, got %+v %v", latest, err)
	}

	expired := T0.Add(10 * time.Minute)
	if ok, _ := otps.MarkVerified(ctx, "1", expired); ok {
		t.Fatal("expired record must not transition")
	}
	if _, err := otps.LatestPending(ctx, "u1", expired); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expired: expected ErrNotFound, got %v", err)
	}

	all, err := otps.ListByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].ID != "1" || all[0].Verified || all[1].ID != "2" || !all[1].Verified {
		t.Fatalf("unexpected list %+v", all)
	}
	if !all[1].UpdatedAt.Equal(now) {
		t.Fatalf("expected updated_at %v, got %v", now, all[1].UpdatedAt)
	}
}

func testRefreshTokens(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.Users().Create(ctx, NewUser("u1", "a@x.com", "+15550000")); err != nil {
		t.Fatalf("create user: %v", err)
	}
	tokens := s.RefreshTokens()
	rec := &tokenentity.RefreshToken{ID: "jti1", UserID: "u1", ExpiresAt: T0.Add(time.Hour), CreatedAt: T0, UpdatedAt: T0}
	if err := tokens.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := tokens.GetByID(ctx, "jti1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "u1" || got.Revoked || !got.ExpiresAt.Equal(T0.Add(time.Hour)) || !got.Usable(T0) {
		t.Fatalf("unexpected token %+v", got)
	}
	if ok, err := tokens.Revoke(ctx, "jti1", T0); err != nil || !ok {
		t.Fatalf("revoke: %v %v", ok, err)
	}
	if ok, _ := tokens.Revoke(ctx, "jti1", T0); ok {
		t.Fatal("second revoke must report false")
	}
	got, _ = tokens.GetByID(ctx, "jti1")
	if got.Usable(T0) {
		t.Fatal("revoked token must not be usable")
	}
	if _, err := tokens.GetByID(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing token: expected ErrNotFound, got %v", err)
	}
}

func testTxCommit(t *testing.T, s store.Store) {
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx store.Repos) error {
		if err := tx.Users().Create(ctx, NewUser("u1", "a@x.com", "+15550000")); err != nil {
			return err
		}
		// reads inside the transaction see its own writes
		if _, err := tx.Users().GetByID(ctx, "u1"); err != nil {
			return err
		}
		return tx.OTPs().Create(ctx, newOTP("1", "u1", "123456", T0))
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if _, err := s.Users().GetByID(ctx, "u1"); err != nil {
		t.Fatalf("committed user missing: %v", err)
	}
	if recs, _ := s.OTPs().ListByUser(ctx, "u1"); len(recs) != 1 {
		t.Fatalf("committed otp missing: %d", len(recs))
	}
}

func testTxRollbackOnError(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.Users().Create(ctx, NewUser("u1", "a@x.com", "+15550000")); err != nil {
		t.Fatalf("create user: %v", err)
	}
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.Repos) error {
		if err := tx.Users().MarkPhoneVerified(ctx, "u1", T0); err != nil {
			return err
		}
		if err := tx.Users().Create(ctx, NewUser("u2", "b@x.com", "+15551111")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	u, _ := s.Users().GetByID(ctx, "u1")
	if u.IsPhoneVerified {
		t.Fatal("update must be rolled back")
	}
	if _, err := s.Users().GetByID(ctx, "u2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("insert must be rolled back, got %v", err)
	}
}

func testTxRollbackOnPanic(t *testing.T, s store.Store) {
	ctx := context.Background()
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected the panic to propagate")
			}
		}()
		_ = s.WithTx(ctx, func(tx store.Repos) error {
			if err := tx.Users().Create(ctx, NewUser("u1", "a@x.com", "+15550000")); err != nil {
				return err
			}
			panic("boom")
		})
	}()
	if _, err := s.Users().GetByID(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("insert must be rolled back after panic, got %v", err)
	}
	// the store is still usable
	if err := s.Users().Create(ctx, NewUser("u1", "a@x.com", "+15550000")); err != nil {
		t.Fatalf("create after panic: %v", err)
	}
}
