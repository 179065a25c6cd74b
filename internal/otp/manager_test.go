package otp

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/store"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/store/memstore"
	userentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) Send(_ context.Context, phone, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, phone+"|"+body)
	return "SM123", nil
}

var t0 = time.Date(2026, 1, 23, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T, cfg Config) (*Manager, *memstore.Store, *fakeSender, *clockwork.FakeClock) {
	t.Helper()
	s := memstore.New()
	if err := s.Users().Create(context.Background(), &userentity.User{
		ID: "u1", Name: "Alice", Email: "a@x.com", Phone: "+15550000",
		PasswordHash: "00:00", PasswordAlgo: "sha256", CreatedAt: t0, UpdatedAt: t0,
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	clk := clockwork.NewFakeClockAt(t0)
	sender := &fakeSender{}
	return NewManager(s, sender, clk, cfg, zap.NewNop().Sugar()), s, sender, clk
}

func TestGenerateCodeFormat(t *testing.T) {
	re := regexp.MustCompile(`^[0-9]{6}$`)
	for i := 0; i < 500; i++ {
		c, err := GenerateCode()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !re.MatchString(c) {
			t.Fatalf("code %q is not 6 digits", c)
		}
	}
}

func TestRequestCreatesSinglePendingRecord(t *testing.T) {
	m, s, sender, clk := setup(t, Config{})
	ctx := context.Background()

	code, err := m.Request(ctx, "u1", "+15550000")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	recs, err := s.OTPs().ListByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Code != code || rec.Verified {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.ExpiresAt.Equal(clk.Now().Add(10 * time.Minute)) {
		t.Fatalf("expected expiry 10m out, got %v", rec.ExpiresAt)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "+15550000|Your OTP code is "+code {
		t.Fatalf("unexpected dispatch %v", sender.sent)
	}
}

func TestVerifySucceedsOnceThenReplayFails(t *testing.T) {
	m, s, _, _ := setup(t, Config{})
	ctx := context.Background()
	code, err := m.Request(ctx, "u1", "+15550000")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	calls := 0
	mark := func(ctx context.Context, tx store.Repos) error {
		calls++
		return tx.Users().MarkPhoneVerified(ctx, "u1", t0)
	}
	if err := m.Verify(ctx, "u1", code, mark); err != nil {
		t.Fatalf("verify: %v", err)
	}
	u, _ := s.Users().GetByID(ctx, "u1")
	if !u.IsPhoneVerified {
		t.Fatal("expected phone to be verified")
	}
	if err := m.Verify(ctx, "u1", code, mark); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected replay to fail with ErrInvalid, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected onVerified once, got %d", calls)
	}
}

func TestVerifyWrongCodeDoesNotMutate(t *testing.T) {
	m, s, _, _ := setup(t, Config{})
	ctx := context.Background()
	m.newCode = func() (string, error) { return "012345", nil }
	if _, err := m.Request(ctx, "u1", "+15550000"); err != nil {
		t.Fatalf("request: %v", err)
	}
	for _, wrong := range []string{"012346", "12345", "", "0123456"} {
		if err := m.Verify(ctx, "u1", wrong, nil); !errors.Is(err, ErrInvalid) {
			t.Fatalf("code %q: expected ErrInvalid, got %v", wrong, err)
		}
	}
	recs, _ := s.OTPs().ListByUser(ctx, "u1")
	if len(recs) != 1 || recs[0].Verified || !recs[0].UpdatedAt.Equal(t0) {
		t.Fatalf("wrong codes must not touch the record: %+v", recs[0])
	}
	// leading zero survives the round trip
	if err := m.Verify(ctx, "u1", "012345", nil); err != nil {
		t.Fatalf("verify zero-padded code: %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	m, _, _, clk := setup(t, Config{})
	ctx := context.Background()
	code, _ := m.Request(ctx, "u1", "+15550000")
	clk.Advance(10 * time.Minute)
	if err := m.Verify(ctx, "u1", code, nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid at expiry, got %v", err)
	}
}

func TestOnlyLatestCodeMatches(t *testing.T) {
	m, _, _, clk := setup(t, Config{})
	ctx := context.Background()
	codes := []string{"111111", "222222"}
	m.newCode = func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}
	if _, err := m.Request(ctx, "u1", "+15550000"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	clk.Advance(time.Minute)
	if _, err := m.Request(ctx, "u1", "+15550000"); err != nil {
		t.Fatalf("second request: %v", err)
	}
	if err := m.Verify(ctx, "u1", "111111", nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("superseded code should not match, got %v", err)
	}
	if err := m.Verify(ctx, "u1", "222222", nil); err != nil {
		t.Fatalf("latest code: %v", err)
	}
}

func TestVerifyRollsBackWhenCallbackFails(t *testing.T) {
	m, s, _, _ := setup(t, Config{})
	ctx := context.Background()
	code, _ := m.Request(ctx, "u1", "+15550000")

	boom := errors.New("boom")
	err := m.Verify(ctx, "u1", code, func(ctx context.Context, tx store.Repos) error {
		if err := tx.Users().MarkPhoneVerified(ctx, "u1", t0); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	recs, _ := s.OTPs().ListByUser(ctx, "u1")
	u, _ := s.Users().GetByID(ctx, "u1")
	if recs[0].Verified || u.IsPhoneVerified {
		t.Fatal("expected both writes to roll back")
	}
	if err := m.Verify(ctx, "u1", code, nil); err != nil {
		t.Fatalf("code should still be usable after rollback: %v", err)
	}
}

func TestConcurrentVerifySucceedsOnce(t *testing.T) {
	m, _, _, _ := setup(t, Config{})
	ctx := context.Background()
	code, _ := m.Request(ctx, "u1", "+15550000")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Verify(ctx, "u1", code, nil); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one successful verification, got %d", wins)
	}
}

func TestDispatchFailurePolicies(t *testing.T) {
	ctx := context.Background()

	m, s, sender, _ := setup(t, Config{DispatchPolicy: PolicyPersist})
	sender.err = errors.New("provider down")
	code, err := m.Request(ctx, "u1", "+15550000")
	if !errors.Is(err, ErrDispatch) {
		t.Fatalf("persist policy: expected ErrDispatch, got %v", err)
	}
	recs, _ := s.OTPs().ListByUser(ctx, "u1")
	if len(recs) != 1 || recs[0].Code != code {
		t.Fatalf("persist policy: expected the record to be stored, got %v", recs)
	}

	m, s, sender, _ = setup(t, Config{DispatchPolicy: PolicyStrict})
	sender.err = errors.New("provider down")
	if _, err := m.Request(ctx, "u1", "+15550000"); !errors.Is(err, ErrDispatch) {
		t.Fatalf("strict policy: expected ErrDispatch, got %v", err)
	}
	recs, _ = s.OTPs().ListByUser(ctx, "u1")
	if len(recs) != 0 {
		t.Fatalf("strict policy: expected no record, got %d", len(recs))
	}
}

type slowSender struct{}

func (slowSender) Send(ctx context.Context, _, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestDispatchTimeoutIsBounded(t *testing.T) {
	m, s, _, _ := setup(t, Config{DispatchTimeout: 20 * time.Millisecond})
	m.sender = slowSender{}
	start := time.Now()
	_, err := m.Request(context.Background(), "u1", "+15550000")
	if !errors.Is(err, ErrDispatch) {
		t.Fatalf("expected ErrDispatch, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("dispatch was not bounded by the timeout")
	}
	recs, _ := s.OTPs().ListByUser(context.Background(), "u1")
	if len(recs) != 1 {
		t.Fatalf("expected the record to be persisted, got %d", len(recs))
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTP_DISPATCH_POLICY", "strict")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.DispatchPolicy != PolicyStrict || cfg.TTL != 10*time.Minute {
		t.Fatalf("unexpected config %+v", cfg)
	}
	t.Setenv("OTP_DISPATCH_POLICY", "sometimes")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatal("expected unknown policy to be rejected")
	}
}
