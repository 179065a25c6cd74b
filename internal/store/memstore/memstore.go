// Package memstore is an in-memory store.Store used by unit tests. It mirrors
// the SQL store's constraints: unique email and phone, compare-and-set updates,
// and all-or-nothing transactions.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	otpentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/otp/entity"
	"github.com/ovaphlow/pitchfork/service-auth-go/internal/store"
	tokenentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/token/entity"
	userentity "github.com/ovaphlow/pitchfork/service-auth-go/internal/user/entity"
)

type data struct {
	users   map[string]userentity.User
	otps    map[string]otpentity.OTPVerification
	otpSeq  map[string]int // insertion order, breaks created_at ties
	refresh map[string]tokenentity.RefreshToken
	seq     int
}

func newData() *data {
	return &data{
		users:   map[string]userentity.User{},
		otps:    map[string]otpentity.OTPVerification{},
		otpSeq:  map[string]int{},
		refresh: map[string]tokenentity.RefreshToken{},
	}
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.otps {
		c.otps[k] = v
	}
	for k, v := range d.otpSeq {
		c.otpSeq[k] = v
	}
	for k, v := range d.refresh {
		c.refresh[k] = v
	}
	c.seq = d.seq
	return c
}

// Store is safe for concurrent use. Transactions are serialized.
type Store struct {
	mu   sync.Mutex
	data *data
}

func New() *Store { return &Store{data: newData()} }

func (s *Store) Users() store.UserRepository                  { return users{autocommit(s)} }
func (s *Store) OTPs() store.OTPRepository                    { return otps{autocommit(s)} }
func (s *Store) RefreshTokens() store.RefreshTokenRepository { return refresh{autocommit(s)} }

// WithTx runs fn against a private copy of the data and publishes it only when
// fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Repos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.data.clone()
	tx := txRepos{access: func(f func(*data) error) error { return f(work) }}
	if err := fn(tx); err != nil {
		return err
	}
	s.data = work
	return nil
}

type accessor func(f func(*data) error) error

func autocommit(s *Store) accessor {
	return func(f func(*data) error) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		work := s.data.clone()
		if err := f(work); err != nil {
			return err
		}
		s.data = work
		return nil
	}
}

type txRepos struct{ access accessor }

func (t txRepos) Users() store.UserRepository                  { return users{t.access} }
func (t txRepos) OTPs() store.OTPRepository                    { return otps{t.access} }
func (t txRepos) RefreshTokens() store.RefreshTokenRepository { return refresh{t.access} }

type users struct{ access accessor }

func (r users) Create(_ context.Context, u *userentity.User) error {
	return r.access(func(d *data) error {
		for _, existing := range d.users {
			if existing.Email == u.Email {
				return store.ErrEmailTaken
			}
		}
		for _, existing := range d.users {
			if existing.Phone == u.Phone {
				return store.ErrPhoneTaken
			}
		}
		if _, ok := d.users[u.ID]; ok {
			return store.ErrConflict
		}
		d.users[u.ID] = *u
		return nil
	})
}

func (r users) find(match func(userentity.User) bool) (*userentity.User, error) {
	var out *userentity.User
	err := r.access(func(d *data) error {
		for _, u := range d.users {
			if match(u) {
				u := u
				out = &u
				return nil
			}
		}
		return store.ErrNotFound
	})
	return out, err
}

func (r users) GetByID(_ context.Context, id string) (*userentity.User, error) {
	return r.find(func(u userentity.User) bool { return u.ID == id })
}

func (r users) GetByEmail(_ context.Context, email string) (*userentity.User, error) {
	return r.find(func(u userentity.User) bool { return u.Email == email })
}

func (r users) GetByPhone(_ context.Context, phone string) (*userentity.User, error) {
	return r.find(func(u userentity.User) bool { return u.Phone == phone })
}

func (r users) update(id string, f func(*userentity.User)) error {
	return r.access(func(d *data) error {
		u, ok := d.users[id]
		if !ok {
			return store.ErrNotFound
		}
		f(&u)
		d.users[id] = u
		return nil
	})
}

func (r users) MarkPhoneVerified(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(u *userentity.User) {
		u.IsPhoneVerified = true
		u.UpdatedAt = at
	})
}

func (r users) UpdatePassword(_ context.Context, id, hash, algo string, at time.Time) error {
	return r.update(id, func(u *userentity.User) {
		u.PasswordHash = hash
		u.PasswordAlgo = algo
		u.UpdatedAt = at
	})
}

type otps struct{ access accessor }

func (r otps) Create(_ context.Context, v *otpentity.OTPVerification) error {
	return r.access(func(d *data) error {
		if _, ok := d.users[v.UserID]; !ok {
			return store.ErrNotFound
		}
		if _, ok := d.otps[v.ID]; ok {
			return store.ErrConflict
		}
		d.seq++
		d.otps[v.ID] = *v
		d.otpSeq[v.ID] = d.seq
		return nil
	})
}

func (r otps) LatestPending(_ context.Context, userID string, now time.Time) (*otpentity.OTPVerification, error) {
	var out *otpentity.OTPVerification
	err := r.access(func(d *data) error {
		best := -1
		for id, v := range d.otps {
			if v.UserID != userID || !v.Pending(now) {
				continue
			}
			if out == nil || v.CreatedAt.After(out.CreatedAt) ||
				(v.CreatedAt.Equal(out.CreatedAt) && d.otpSeq[id] > best) {
				v := v
				out = &v
				best = d.otpSeq[id]
			}
		}
		if out == nil {
			return store.ErrNotFound
		}
		return nil
	})
	return out, err
}

func (r otps) MarkVerified(_ context.Context, id string, now time.Time) (bool, error) {
	changed := false
	err := r.access(func(d *data) error {
		v, ok := d.otps[id]
		if !ok || !v.Pending(now) {
			return nil
		}
		v.Verified = true
		v.UpdatedAt = now
		d.otps[id] = v
		changed = true
		return nil
	})
	return changed, err
}

func (r otps) ListByUser(_ context.Context, userID string) ([]*otpentity.OTPVerification, error) {
	var out []*otpentity.OTPVerification
	err := r.access(func(d *data) error {
		for _, v := range d.otps {
			if v.UserID == userID {
				v := v
				out = append(out, &v)
			}
		}
		sort.Slice(out, func(i, j int) bool { return d.otpSeq[out[i].ID] < d.otpSeq[out[j].ID] })
		return nil
	})
	return out, err
}

type refresh struct{ access accessor }

func (r refresh) Create(_ context.Context, t *tokenentity.RefreshToken) error {
	return r.access(func(d *data) error {
		if _, ok := d.users[t.UserID]; !ok {
			return store.ErrNotFound
		}
		if _, ok := d.refresh[t.ID]; ok {
			return store.ErrConflict
		}
		d.refresh[t.ID] = *t
		return nil
	})
}

func (r refresh) GetByID(_ context.Context, id string) (*tokenentity.RefreshToken, error) {
	var out *tokenentity.RefreshToken
	err := r.access(func(d *data) error {
		t, ok := d.refresh[id]
		if !ok {
			return store.ErrNotFound
		}
		out = &t
		return nil
	})
	return out, err
}

func (r refresh) Revoke(_ context.Context, id string, at time.Time) (bool, error) {
	changed := false
	err := r.access(func(d *data) error {
		t, ok := d.refresh[id]
		if !ok || t.Revoked {
			return nil
		}
		t.Revoked = true
		t.UpdatedAt = at
		d.refresh[id] = t
		changed = true
		return nil
	})
	return changed, err
}

var _ store.Store = (*Store)(nil)
