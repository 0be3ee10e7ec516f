// Package memory is an in-process auth.Store for development and tests.
// Transactions are serialised and see a private copy that replaces the
// shared state on commit.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"draftline.io/internal/auth"
)

type state struct {
	users  map[string]*auth.User
	tokens map[string]*auth.RefreshToken
}

func (s *state) clone() *state {
	c := &state{
		users:  make(map[string]*auth.User, len(s.users)),
		tokens: make(map[string]*auth.RefreshToken, len(s.tokens)),
	}
	for k, v := range s.users {
		c.users[k] = v.Clone()
	}
	for k, v := range s.tokens {
		c.tokens[k] = v.Clone()
	}
	return c
}

// Store implements auth.Store.
type Store struct {
	txMu sync.Mutex // serialises WithinTx
	mu   sync.RWMutex
	st   *state
}

var _ auth.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{st: &state{
		users:  make(map[string]*auth.User),
		tokens: make(map[string]*auth.RefreshToken),
	}}
}

// Users implements auth.Store.
func (s *Store) Users(context.Context) auth.UserStore { return userStore{view{s: s}} }

// RefreshTokens implements auth.Store.
func (s *Store) RefreshTokens(context.Context) auth.RefreshTokenStore {
	return tokenStore{view{s: s}}
}

// WithinTx runs fn against a private copy and publishes it if fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx auth.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &txStore{st: work}); err != nil {
		return err
	}
	s.mu.Lock()
	s.st = work
	s.mu.Unlock()
	return nil
}

// txStore is the auth.Store handed to a transaction body.
type txStore struct {
	st *state
}

func (t *txStore) Users(context.Context) auth.UserStore { return userStore{view{tx: t.st}} }

func (t *txStore) RefreshTokens(context.Context) auth.RefreshTokenStore {
	return tokenStore{view{tx: t.st}}
}

// WithinTx nests by joining the enclosing transaction.
func (t *txStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx auth.Store) error) error {
	return fn(ctx, t)
}

// view runs reads and writes either against a transaction's private state
// or, outside a transaction, against the shared state under its lock.
type view struct {
	s  *Store
	tx *state
}

func (v view) read(fn func(*state) error) error {
	if v.tx != nil {
		return fn(v.tx)
	}
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	return fn(v.s.st)
}

func (v view) write(fn func(*state) error) error {
	if v.tx != nil {
		return fn(v.tx)
	}
	// Writes outside a transaction still exclude concurrent transactions.
	v.s.txMu.Lock()
	defer v.s.txMu.Unlock()
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	return fn(v.s.st)
}

type userStore struct{ view }

func (u userStore) FindByID(ctx context.Context, id string) (*auth.User, error) {
	var out *auth.User
	err := u.read(func(st *state) error {
		user, ok := st.users[id]
		if !ok {
			return auth.ErrNotFound
		}
		out = user.Clone()
		return nil
	})
	return out, err
}

func (u userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var out *auth.User
	err := u.read(func(st *state) error {
		for _, user := range st.users {
			if strings.EqualFold(user.Email, email) {
				out = user.Clone()
				return nil
			}
		}
		return auth.ErrNotFound
	})
	return out, err
}

func (u userStore) Create(ctx context.Context, user *auth.User) error {
	roles, err := auth.NormalizeRoles(user.Roles)
	if err != nil {
		return err
	}
	return u.write(func(st *state) error {
		if _, ok := st.users[user.ID]; ok {
			return auth.ErrConflict
		}
		for _, existing := range st.users {
			if strings.EqualFold(existing.Email, user.Email) {
				return auth.ErrConflict
			}
		}
		c := user.Clone()
		c.Email = strings.ToLower(c.Email)
		c.Roles = roles
		st.users[c.ID] = c
		return nil
	})
}

func (u userStore) Update(ctx context.Context, user *auth.User) error {
	roles, err := auth.NormalizeRoles(user.Roles)
	if err != nil {
		return err
	}
	return u.write(func(st *state) error {
		if _, ok := st.users[user.ID]; !ok {
			return auth.ErrNotFound
		}
		for id, existing := range st.users {
			if id != user.ID && strings.EqualFold(existing.Email, user.Email) {
				return auth.ErrConflict
			}
		}
		c := user.Clone()
		c.Email = strings.ToLower(c.Email)
		c.Roles = roles
		st.users[c.ID] = c
		return nil
	})
}

func (u userStore) UpdatePassword(ctx context.Context, id, hash string, mustChange bool) error {
	return u.write(func(st *state) error {
		user, ok := st.users[id]
		if !ok {
			return auth.ErrNotFound
		}
		user.PasswordHash = hash
		user.MustChangePassword = mustChange
		user.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (u userStore) UpdateLockout(ctx context.Context, id string, failedCount int, lockoutEnd *time.Time) error {
	return u.write(func(st *state) error {
		user, ok := st.users[id]
		if !ok {
			return auth.ErrNotFound
		}
		user.AccessFailedCount = failedCount
		user.LockoutEnd = nil
		if lockoutEnd != nil {
			v := *lockoutEnd
			user.LockoutEnd = &v
		}
		return nil
	})
}

func (u userStore) Delete(ctx context.Context, id string) error {
	return u.write(func(st *state) error {
		if _, ok := st.users[id]; !ok {
			return auth.ErrNotFound
		}
		delete(st.users, id)
		return nil
	})
}

func (u userStore) RecordLoginFailure(ctx context.Context, id string, now time.Time, maxAttempts int, until time.Time) (bool, error) {
	var locked bool
	err := u.write(func(st *state) error {
		user, ok := st.users[id]
		if !ok {
			return auth.ErrNotFound
		}
		policy := auth.LockoutPolicy{MaxFailedAttempts: maxAttempts, Duration: until.Sub(now)}
		locked = policy.RecordFailure(user, now)
		return nil
	})
	return locked, err
}

// LockRoleAssignments is a no-op: transactions already run one at a time.
func (u userStore) LockRoleAssignments(context.Context) error { return nil }

func (u userStore) List(ctx context.Context, filter auth.UserFilter) ([]*auth.User, error) {
	var out []*auth.User
	err := u.read(func(st *state) error {
		for _, user := range st.users {
			if filter.Active != nil && user.IsActive != *filter.Active {
				continue
			}
			if filter.Role != "" && !hasRole(user.Roles, filter.Role) {
				continue
			}
			out = append(out, user.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*auth.User{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

type tokenStore struct{ view }

func (t tokenStore) FindByHash(ctx context.Context, hash string) (*auth.RefreshToken, error) {
	var out *auth.RefreshToken
	err := t.read(func(st *state) error {
		for _, tok := range st.tokens {
			if tok.TokenHash == hash {
				out = tok.Clone()
				return nil
			}
		}
		return auth.ErrNotFound
	})
	return out, err
}

// FindByHashForUpdate needs no lock: transactions are already serialised.
func (t tokenStore) FindByHashForUpdate(ctx context.Context, hash string) (*auth.RefreshToken, error) {
	return t.FindByHash(ctx, hash)
}

func (t tokenStore) Insert(ctx context.Context, tok *auth.RefreshToken) error {
	return t.write(func(st *state) error {
		if _, ok := st.tokens[tok.ID]; ok {
			return auth.ErrConflict
		}
		for _, existing := range st.tokens {
			if existing.TokenHash == tok.TokenHash {
				return auth.ErrConflict
			}
		}
		if _, ok := st.users[tok.UserID]; !ok {
			return auth.ErrNotFound
		}
		st.tokens[tok.ID] = tok.Clone()
		return nil
	})
}

func (t tokenStore) RevokeIfActive(ctx context.Context, id string, at time.Time, replacedBy *string, reason auth.RevokeReason) (bool, error) {
	var revoked bool
	err := t.write(func(st *state) error {
		tok, ok := st.tokens[id]
		if !ok || tok.RevokedAt != nil {
			return nil
		}
		when := at
		tok.RevokedAt = &when
		tok.RevokedReason = reason
		if replacedBy != nil {
			v := *replacedBy
			tok.ReplacedByTokenID = &v
		}
		revoked = true
		return nil
	})
	return revoked, err
}

func (t tokenStore) RevokeAllForUser(ctx context.Context, userID string, at time.Time, reason auth.RevokeReason) (int64, error) {
	var n int64
	err := t.write(func(st *state) error {
		for _, tok := range st.tokens {
			if tok.UserID != userID || tok.RevokedAt != nil || tok.IsExpired(at) {
				continue
			}
			when := at
			tok.RevokedAt = &when
			tok.RevokedReason = reason
			n++
		}
		return nil
	})
	return n, err
}

func (t tokenStore) Chain(ctx context.Context, id string) ([]*auth.RefreshToken, error) {
	var out []*auth.RefreshToken
	err := t.read(func(st *state) error {
		tok, ok := st.tokens[id]
		if !ok {
			return auth.ErrNotFound
		}
		seen := map[string]bool{}
		for tok != nil && !seen[tok.ID] {
			seen[tok.ID] = true
			out = append(out, tok.Clone())
			if tok.ReplacedByTokenID == nil {
				break
			}
			tok = st.tokens[*tok.ReplacedByTokenID]
		}
		return nil
	})
	return out, err
}

func (t tokenStore) PruneRevokedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := t.write(func(st *state) error {
		for id, tok := range st.tokens {
			revokedOld := tok.RevokedAt != nil && tok.RevokedAt.Before(cutoff)
			if revokedOld || tok.ExpiresAt.Before(cutoff) {
				delete(st.tokens, id)
				n++
			}
		}
		return nil
	})
	return n, err
}
