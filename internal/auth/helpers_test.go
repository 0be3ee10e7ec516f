package auth_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"draftline.io/internal/auth"
	"draftline.io/internal/ids"
	"draftline.io/internal/store/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []auth.Event
}

func (r *recorder) Notify(_ context.Context, ev auth.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Name)
	}
	return out
}

func (r *recorder) last(name string) (auth.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Name == name {
			return r.events[i], true
		}
	}
	return auth.Event{}, false
}

// spyStore counts refresh token writes made through it, including inside
// transactions.
type spyStore struct {
	auth.Store
	writes    *atomic.Int64
	revokeAll *atomic.Int64
}

func newSpy(inner auth.Store) *spyStore {
	return &spyStore{Store: inner, writes: new(atomic.Int64), revokeAll: new(atomic.Int64)}
}

func (s *spyStore) RefreshTokens(ctx context.Context) auth.RefreshTokenStore {
	return spyTokens{RefreshTokenStore: s.Store.RefreshTokens(ctx), spy: s}
}

func (s *spyStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx auth.Store) error) error {
	return s.Store.WithinTx(ctx, func(ctx context.Context, tx auth.Store) error {
		return fn(ctx, &spyStore{Store: tx, writes: s.writes, revokeAll: s.revokeAll})
	})
}

type spyTokens struct {
	auth.RefreshTokenStore
	spy *spyStore
}

func (t spyTokens) Insert(ctx context.Context, tok *auth.RefreshToken) error {
	t.spy.writes.Add(1)
	return t.RefreshTokenStore.Insert(ctx, tok)
}

func (t spyTokens) RevokeIfActive(ctx context.Context, id string, at time.Time, replacedBy *string, reason auth.RevokeReason) (bool, error) {
	t.spy.writes.Add(1)
	return t.RefreshTokenStore.RevokeIfActive(ctx, id, at, replacedBy, reason)
}

func (t spyTokens) RevokeAllForUser(ctx context.Context, userID string, at time.Time, reason auth.RevokeReason) (int64, error) {
	t.spy.writes.Add(1)
	t.spy.revokeAll.Add(1)
	return t.RefreshTokenStore.RevokeAllForUser(ctx, userID, at, reason)
}

type fixture struct {
	mem   *memory.Store
	spy   *spyStore
	clock *clock
	notes *recorder
	svc   *auth.Service
	users *auth.UserService
}

func newFixture(t *testing.T, opts ...auth.ServiceOption) *fixture {
	t.Helper()
	f := &fixture{
		mem:   memory.New(),
		clock: &clock{t: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)},
		notes: &recorder{},
	}
	f.spy = newSpy(f.mem)
	iss, err := auth.NewIssuer(auth.IssuerConfig{Issuer: "draftline", Audience: "draftline-web", Secret: testSecret, Now: f.clock.Now})
	require.NoError(t, err)
	opts = append([]auth.ServiceOption{auth.WithClock(f.clock.Now), auth.WithNotifier(f.notes)}, opts...)
	f.svc, err = auth.NewService(f.spy, iss, opts...)
	require.NoError(t, err)
	f.users = auth.NewUserService(f.svc)
	return f
}

// seed stores an active user with password and roles and returns its id.
func (f *fixture) seed(t *testing.T, email, password string, roles ...string) string {
	t.Helper()
	h, err := auth.NewPasswordHasher(auth.HashBcrypt)
	require.NoError(t, err)
	hash, err := h.Hash(password)
	require.NoError(t, err)
	id := ids.New()
	ctx := context.Background()
	require.NoError(t, f.mem.Users(ctx).Create(ctx, &auth.User{
		ID: id, Email: email, FullName: email, PasswordHash: hash,
		IsActive: true, Roles: roles, CreatedAt: f.clock.Now(), UpdatedAt: f.clock.Now(),
	}))
	return id
}

func (f *fixture) token(t *testing.T, value string) *auth.RefreshToken {
	t.Helper()
	ctx := context.Background()
	tok, err := f.mem.RefreshTokens(ctx).FindByHash(ctx, auth.HashToken(value))
	require.NoError(t, err)
	return tok
}

func (f *fixture) user(t *testing.T, id string) *auth.User {
	t.Helper()
	ctx := context.Background()
	u, err := f.mem.Users(ctx).FindByID(ctx, id)
	require.NoError(t, err)
	return u
}
