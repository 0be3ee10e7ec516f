package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"draftline.io/internal/auth"
)

func seedUser(t *testing.T, s *Store, id, email string, roles ...string) {
	t.Helper()
	err := s.Users(context.Background()).Create(context.Background(), &auth.User{
		ID: id, Email: email, FullName: id, IsActive: true, Roles: roles,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
}

func seedToken(t *testing.T, s *Store, id, userID, hash string, expires time.Time) {
	t.Helper()
	err := s.RefreshTokens(context.Background()).Insert(context.Background(), &auth.RefreshToken{
		ID: id, UserID: userID, TokenHash: hash, CreatedAt: expires.Add(-time.Hour), ExpiresAt: expires,
	})
	if err != nil {
		t.Fatalf("insert token: %v", err)
	}
}

func TestUsersCaseInsensitiveEmailAndRoles(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedUser(t, s, "u1", "Ada@Example.com", "admin", "ADMIN")

	u, err := s.Users(ctx).FindByEmail(ctx, "ada@example.COM")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if u.Email != "ada@example.com" || len(u.Roles) != 1 || u.Roles[0] != auth.RoleAdmin {
		t.Fatalf("unexpected user: %+v", u)
	}
	err = s.Users(ctx).Create(ctx, &auth.User{ID: "u2", Email: "ADA@example.com"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	err = s.Users(ctx).Create(ctx, &auth.User{ID: "u3", Email: "x@example.com", Roles: []string{"Owner"}})
	if !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid role, got %v", err)
	}

	u.FullName = "mutated"
	again, _ := s.Users(ctx).FindByID(ctx, "u1")
	if again.FullName == "mutated" {
		t.Fatal("store handed out an aliased record")
	}
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedUser(t, s, "u1", "a@example.com")
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, tx auth.Store) error {
		if err := tx.Users(ctx).UpdatePassword(ctx, "u1", "new-hash", false); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	u, _ := s.Users(ctx).FindByID(ctx, "u1")
	if u.PasswordHash == "new-hash" {
		t.Fatal("write leaked from rolled back transaction")
	}

	err = s.WithinTx(ctx, func(ctx context.Context, tx auth.Store) error {
		return tx.Users(ctx).UpdatePassword(ctx, "u1", "new-hash", true)
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	u, _ = s.Users(ctx).FindByID(ctx, "u1")
	if u.PasswordHash != "new-hash" || !u.MustChangePassword {
		t.Fatalf("commit not visible: %+v", u)
	}
}

func TestRevokeIfActiveIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedUser(t, s, "u1", "a@example.com")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedToken(t, s, "t1", "u1", "h1", now.Add(time.Hour))
	seedToken(t, s, "t2", "u1", "h2", now.Add(time.Hour))

	tokens := s.RefreshTokens(ctx)
	next := "t2"
	ok, err := tokens.RevokeIfActive(ctx, "t1", now, &next, auth.RevokeRotated)
	if err != nil || !ok {
		t.Fatalf("first revoke: ok=%v err=%v", ok, err)
	}
	ok, err = tokens.RevokeIfActive(ctx, "t1", now, nil, auth.RevokeLogout)
	if err != nil || ok {
		t.Fatalf("second revoke should lose: ok=%v err=%v", ok, err)
	}
	tok, _ := tokens.FindByHash(ctx, "h1")
	if tok.RevokedReason != auth.RevokeRotated || tok.ReplacedByTokenID == nil || *tok.ReplacedByTokenID != "t2" {
		t.Fatalf("first writer's revocation was overwritten: %+v", tok)
	}

	chain, err := tokens.Chain(ctx, "t1")
	if err != nil || len(chain) != 2 || chain[1].ID != "t2" {
		t.Fatalf("Chain = %v, %v", chain, err)
	}
}

func TestRevokeAllSkipsRevokedAndExpired(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedUser(t, s, "u1", "a@example.com")
	seedUser(t, s, "u2", "b@example.com")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedToken(t, s, "t1", "u1", "h1", now.Add(time.Hour))
	seedToken(t, s, "t2", "u1", "h2", now.Add(-time.Minute))
	seedToken(t, s, "t3", "u1", "h3", now.Add(time.Hour))
	seedToken(t, s, "t4", "u2", "h4", now.Add(time.Hour))
	tokens := s.RefreshTokens(ctx)
	if _, err := tokens.RevokeIfActive(ctx, "t3", now, nil, auth.RevokeLogout); err != nil {
		t.Fatal(err)
	}

	n, err := tokens.RevokeAllForUser(ctx, "u1", now, auth.RevokeReuseDetected)
	if err != nil || n != 1 {
		t.Fatalf("RevokeAllForUser = %d, %v", n, err)
	}
	other, _ := tokens.FindByHash(ctx, "h4")
	if other.IsRevoked() {
		t.Fatal("another user's token was revoked")
	}
}

func TestPruneRevokedBefore(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedUser(t, s, "u1", "a@example.com")
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	seedToken(t, s, "old-expired", "u1", "h1", now.Add(-40*24*time.Hour))
	seedToken(t, s, "old-revoked", "u1", "h2", now.Add(time.Hour))
	seedToken(t, s, "active", "u1", "h3", now.Add(time.Hour))
	tokens := s.RefreshTokens(ctx)
	if _, err := tokens.RevokeIfActive(ctx, "old-revoked", now.Add(-31*24*time.Hour), nil, auth.RevokeLogout); err != nil {
		t.Fatal(err)
	}

	n, err := tokens.PruneRevokedBefore(ctx, now.Add(-30*24*time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("PruneRevokedBefore = %d, %v", n, err)
	}
	if _, err := tokens.FindByHash(ctx, "h3"); err != nil {
		t.Fatalf("active token pruned: %v", err)
	}
}

func TestListFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedUser(t, s, "u1", "a@example.com", auth.RoleAdmin)
	seedUser(t, s, "u2", "b@example.com", auth.RoleArchitect)
	seedUser(t, s, "u3", "c@example.com", auth.RoleArchitect)

	got, err := s.Users(ctx).List(ctx, auth.UserFilter{Role: auth.RoleArchitect, Limit: 1, Offset: 1})
	if err != nil || len(got) != 1 || got[0].ID != "u3" {
		t.Fatalf("List = %v, %v", got, err)
	}
	if err := s.Users(ctx).Delete(ctx, "u2"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Users(ctx).FindByID(ctx, "u2"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteUserKeepsTokens(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedUser(t, s, "u1", "a@example.com")
	seedToken(t, s, "t1", "u1", "h1", time.Now().Add(time.Hour))

	if err := s.Users(ctx).Delete(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	tok, err := s.RefreshTokens(ctx).FindByHash(ctx, "h1")
	if err != nil {
		t.Fatalf("token removed with its owner: %v", err)
	}
	if tok.UserID != "u1" {
		t.Fatalf("token owner = %q", tok.UserID)
	}
}

func TestRecordLoginFailureCountsEveryAttempt(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedUser(t, s, "u1", "a@example.com")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(15 * time.Minute)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		locked int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Users(ctx).RecordLoginFailure(ctx, "u1", now, 5, until)
			if err != nil {
				t.Errorf("RecordLoginFailure: %v", err)
				return
			}
			if ok {
				mu.Lock()
				locked++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if locked != 1 {
		t.Fatalf("locked reported %d times, want 1", locked)
	}
	u, _ := s.Users(ctx).FindByID(ctx, "u1")
	if u.LockoutEnd == nil || !u.LockoutEnd.Equal(until) || u.AccessFailedCount != 0 {
		t.Fatalf("lockout state = %d %v", u.AccessFailedCount, u.LockoutEnd)
	}

	// A lockout that has ended starts a fresh count.
	later := until.Add(time.Minute)
	ok, err := s.Users(ctx).RecordLoginFailure(ctx, "u1", later, 5, later.Add(15*time.Minute))
	if err != nil || ok {
		t.Fatalf("RecordLoginFailure after expiry = %v, %v", ok, err)
	}
	u, _ = s.Users(ctx).FindByID(ctx, "u1")
	if u.AccessFailedCount != 1 || u.LockoutEnd != nil {
		t.Fatalf("state after expiry = %d %v", u.AccessFailedCount, u.LockoutEnd)
	}
	if _, err := s.Users(ctx).RecordLoginFailure(ctx, "missing", now, 5, until); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
