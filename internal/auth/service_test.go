package auth

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/otp"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/store"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/store/memstore"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/store/sqlstore"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/user"
	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/database"
)

// stubSMS keeps the last message per phone so tests can read the code back.
type stubSMS struct {
	mu   sync.Mutex
	last map[string]string
	err  error
}

func (s *stubSMS) Send(_ context.Context, phone, body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	if s.last == nil {
		s.last = map[string]string{}
	}
	s.last[phone] = body
	return "SM1", nil
}

func (s *stubSMS) code(t *testing.T, phone string) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.last[phone]
	if !ok {
		t.Fatalf("no message sent to %s", phone)
	}
	return strings.TrimPrefix(body, "Your OTP code is ")
}

var errTest = errors.New("provider down")

type fixture struct {
	svc    *Service
	store  store.Store
	sms    *stubSMS
	clock  *clockwork.FakeClock
	tokens *token.Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, memstore.New())
}

// newSQLiteFixture runs the service on a real database file.
func newSQLiteFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Connect(database.Config{
		Driver: database.DriverSQLite,
		DSN:    database.SQLiteDSN(filepath.Join(t.TempDir(), "auth.db")),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := sqlstore.New(db)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return newFixtureOn(t, s)
}

func newFixtureOn(t *testing.T, s store.Store) *fixture {
	t.Helper()
	clk := clockwork.NewFakeClockAt(time.Date(2026, 1, 23, 10, 0, 0, 0, time.UTC))
	logger := zap.NewNop().Sugar()
	sms := &stubSMS{}
	issuer, err := token.NewIssuer(token.Config{Secret: "test-secret", Issuer: "test"}, clk)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	passwords := user.NewPasswords(user.Argon2Hasher{Time: 1, MemoryKiB: 1024, Threads: 1, KeyLen: 32})
	mgr := otp.NewManager(s, sms, clk, otp.Config{}, logger)
	return &fixture{
		svc:    NewService(s, passwords, issuer, mgr, clk, logger),
		store:  s,
		sms:    sms,
		clock:  clk,
		tokens: issuer,
	}
}

func (f *fixture) register(t *testing.T, name, email, phone, pw string) {
	t.Helper()
	if _, err := f.svc.Register(context.Background(), RegisterInput{Name: name, Email: email, Phone: phone, Password: pw}); err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, err := f.svc.Register(ctx, RegisterInput{Name: "Alice", Email: "  A@X.com ", Phone: "+15550000", Password: "secret"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if u.Email != "a@x.com" || u.IsPhoneVerified || u.ID == "" {
		t.Fatalf("unexpected user %+v", u)
	}
	if u.PasswordHash == "" || strings.Contains(u.PasswordHash, "secret") {
		t.Fatalf("password must be stored hashed, got %q", u.PasswordHash)
	}
}

func TestRegisterConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "Alice", "a@x.com", "+15550000", "secret")

	cases := []struct {
		name string
		in   RegisterInput
		want error
	}{
		{"same email", RegisterInput{Name: "A2", Email: "a@x.com", Phone: "+15559999", Password: "x"}, store.ErrEmailTaken},
		{"same email other case", RegisterInput{Name: "A2", Email: "A@X.COM", Phone: "+15559999", Password: "x"}, store.ErrEmailTaken},
		{"same phone", RegisterInput{Name: "Bob", Email: "b@x.com", Phone: "+15550000", Password: "x"}, store.ErrPhoneTaken},
		{"both taken reports email", RegisterInput{Name: "A3", Email: "a@x.com", Phone: "+15550000", Password: "x"}, store.ErrEmailTaken},
	}
	for _, tc := range cases {
		if _, err := f.svc.Register(ctx, tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if _, err := f.store.Users().GetByPhone(ctx, "+15559999"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("failed registrations must not persist, got %v", err)
	}
}

func TestConcurrentRegistrationSameEmail(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Register(context.Background(), RegisterInput{
				Name: "A", Email: "race@x.com", Phone: "+1555000" + string(rune('0'+i)), Password: "pw",
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if ok != 1 {
		t.Fatalf("expected exactly one registration to win, got %d", ok)
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "Alice", "a@x.com", "+15550000", "secret")

	pair, err := f.svc.Login(ctx, "a@x.com", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.TokenType != "bearer" {
		t.Fatalf("unexpected pair %+v", pair)
	}
	claims, err := f.tokens.VerifyUse(pair.AccessToken, token.UseAccess)
	if err != nil || claims["sub"] != "a@x.com" {
		t.Fatalf("access token: %v %v", claims, err)
	}
	if _, err := f.tokens.VerifyUse(pair.RefreshToken, token.UseRefresh); err != nil {
		t.Fatalf("refresh token: %v", err)
	}

	_, wrongPw := f.svc.Login(ctx, "a@x.com", "nope")
	_, unknown := f.svc.Login(ctx, "nobody@x.com", "secret")
	if !errors.Is(wrongPw, ErrInvalidCredentials) || !errors.Is(unknown, ErrInvalidCredentials) {
		t.Fatalf("expected uniform ErrInvalidCredentials, got %v / %v", wrongPw, unknown)
	}
	if wrongPw.Error() != unknown.Error() {
		t.Fatalf("failure messages differ: %q vs %q", wrongPw, unknown)
	}
}

func TestLoginUpgradesLegacyHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "Alice", "a@x.com", "+15550000", "secret")
	u, _ := f.store.Users().GetByEmail(ctx, "a@x.com")

	legacy, err := user.SaltedSHA256Hasher{}.Hash("secret")
	if err != nil {
		t.Fatalf("legacy hash: %v", err)
	}
	if err := f.store.Users().UpdatePassword(ctx, u.ID, legacy, "sha256", f.clock.Now()); err != nil {
		t.Fatalf("seed legacy hash: %v", err)
	}

	if _, err := f.svc.Login(ctx, "a@x.com", "secret"); err != nil {
		t.Fatalf("login with legacy hash: %v", err)
	}
	u, _ = f.store.Users().GetByEmail(ctx, "a@x.com")
	if !strings.HasPrefix(u.PasswordAlgo, "argon2id:") {
		t.Fatalf("expected upgrade to argon2id, got %q", u.PasswordAlgo)
	}
	if _, err := f.svc.Login(ctx, "a@x.com", "secret"); err != nil {
		t.Fatalf("login after upgrade: %v", err)
	}
}

type brokenHasher struct{}

func (brokenHasher) Algo() string { return "argon2id:t=9,m=1024,p=1,l=32" }
func (brokenHasher) Hash(string) (string, error) { return "", errors.New("entropy exhausted") }
func (brokenHasher) Verify(string, string) bool { return false }

func TestLoginLogsFailedRehash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "Alice", "a@x.com", "+15550000", "secret")
	u, _ := f.store.Users().GetByEmail(ctx, "a@x.com")
	legacy, _ := user.SaltedSHA256Hasher{}.Hash("secret")
	if err := f.store.Users().UpdatePassword(ctx, u.ID, legacy, "sha256", f.clock.Now()); err != nil {
		t.Fatalf("seed legacy hash: %v", err)
	}

	core, logs := observer.New(zap.WarnLevel)
	svc := NewService(f.store, user.NewPasswords(brokenHasher{}), f.tokens, nil, f.clock, zap.New(core).Sugar())
	if _, err := svc.Login(ctx, "a@x.com", "secret"); err != nil {
		t.Fatalf("login must survive a failed rehash: %v", err)
	}
	if n := logs.FilterMessage("password rehash failed").Len(); n != 1 {
		t.Fatalf("expected one rehash warning, got %d", n)
	}
	u, _ = f.store.Users().GetByEmail(ctx, "a@x.com")
	if u.PasswordAlgo != "sha256" {
		t.Fatalf("stored hash must be untouched, got algo %q", u.PasswordAlgo)
	}
}

func TestRefreshRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "Alice", "a@x.com", "+15550000", "secret")
	first, err := f.svc.Login(ctx, "a@x.com", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	second, err := f.svc.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("expected a rotated refresh token")
	}
	if _, err := f.svc.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("reusing a rotated token must fail, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, first.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access token must not refresh, got %v", err)
	}

	f.clock.Advance(f.tokens.RefreshTTL() + time.Second)
	if _, err := f.svc.Refresh(ctx, second.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired refresh token must fail, got %v", err)
	}
}

func TestLogoutRevokes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "Alice", "a@x.com", "+15550000", "secret")
	pair, _ := f.svc.Login(ctx, "a@x.com", "secret")

	if err := f.svc.Logout(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("revoked token must not refresh, got %v", err)
	}
	if err := f.svc.Logout(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("second logout: %v", err)
	}
	if err := f.svc.Logout(ctx, "garbage"); err != nil {
		t.Fatalf("logout with garbage: %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "Alice", "a@x.com", "+15550000", "secret")
	pair, _ := f.svc.Login(ctx, "a@x.com", "secret")

	u, err := f.svc.Authenticate(ctx, pair.AccessToken)
	if err != nil || u.Email != "a@x.com" {
		t.Fatalf("authenticate: %v %v", u, err)
	}
	if _, err := f.svc.Authenticate(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token must not authenticate, got %v", err)
	}
	f.clock.Advance(f.tokens.AccessTTL() + time.Second)
	if _, err := f.svc.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired access token must fail, got %v", err)
	}
}

func TestPhoneOTPUnknownUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.RequestPhoneOTP(ctx, "ghost@x.com"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("request: expected ErrUserNotFound, got %v", err)
	}
	if err := f.svc.VerifyPhoneOTP(ctx, "ghost@x.com", "123456"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("verify: expected ErrUserNotFound, got %v", err)
	}
}

func TestPhoneOTPDispatchFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "Alice", "a@x.com", "+15550000", "secret")
	f.sms.err = errTest
	code, err := f.svc.RequestPhoneOTP(ctx, "a@x.com")
	if !errors.Is(err, otp.ErrDispatch) {
		t.Fatalf("expected ErrDispatch, got %v", err)
	}
	// the record was kept, so the code still verifies
	if err := f.svc.VerifyPhoneOTP(ctx, "a@x.com", code); err != nil {
		t.Fatalf("verify after failed dispatch: %v", err)
	}
}

func TestAliceEndToEnd(t *testing.T) {
	runAliceScenario(t, newFixture(t))
}

func TestAliceEndToEndSQLite(t *testing.T) {
	f := newSQLiteFixture(t)
	runAliceScenario(t, f)

	// the refresh rotation transaction also runs on the database
	pair, err := f.svc.Login(context.Background(), "a@x.com", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := f.svc.Refresh(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := f.svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("reused refresh: expected ErrInvalidToken, got %v", err)
	}
}

func runAliceScenario(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()

	u, err := f.svc.Register(ctx, RegisterInput{Name: "Alice", Email: "a@x.com", Phone: "+15550000", Password: "secret"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	pair, err := f.svc.Login(ctx, "a@x.com", "secret")
	if err != nil || pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("login: %+v %v", pair, err)
	}

	if _, err := f.svc.RequestPhoneOTP(ctx, "a@x.com"); err != nil {
		t.Fatalf("request otp: %v", err)
	}
	recs, _ := f.store.OTPs().ListByUser(ctx, u.ID)
	if len(recs) != 1 {
		t.Fatalf("expected one otp record, got %d", len(recs))
	}
	c := f.sms.code(t, "+15550000")

	if err := f.svc.VerifyPhoneOTP(ctx, "a@x.com", c); err != nil {
		t.Fatalf("verify: %v", err)
	}
	got, _ := f.store.Users().GetByID(ctx, u.ID)
	if !got.IsPhoneVerified {
		t.Fatal("expected phone to be verified")
	}
	if err := f.svc.VerifyPhoneOTP(ctx, "a@x.com", c); !errors.Is(err, otp.ErrInvalid) {
		t.Fatalf("replay: expected otp.ErrInvalid, got %v", err)
	}
}
