package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"draftline.io/internal/ids"
	"draftline.io/internal/obs"
)

const (
	defaultRefreshTTL = 7 * 24 * time.Hour

	// RefreshTokenBytes is the entropy of a refresh token value.
	RefreshTokenBytes = 64
)

// IssuedRefreshToken is handed to the caller once. Value is never stored.
type IssuedRefreshToken struct {
	ID        string
	Value     string
	ExpiresAt time.Time
}

// RotationResult is the outcome of a successful rotation.
type RotationResult struct {
	User    *User
	Refresh IssuedRefreshToken
}

// RefreshEngine owns refresh token lifecycle: issue, rotate, revoke and
// family revocation on reuse.
type RefreshEngine struct {
	store    Store
	ttl      time.Duration
	now      func() time.Time
	rand     io.Reader
	log      *slog.Logger
	notifier Notifier
}

// HashToken returns the lookup key stored for a refresh token value.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// NewRefreshEngine builds an engine over store. Zero ttl selects seven days.
func NewRefreshEngine(store Store, ttl time.Duration, now func() time.Time) *RefreshEngine {
	if ttl <= 0 {
		ttl = defaultRefreshTTL
	}
	if now == nil {
		now = time.Now
	}
	return &RefreshEngine{
		store:    store,
		ttl:      ttl,
		now:      now,
		rand:     rand.Reader,
		log:      obs.Logger(),
		notifier: nopNotifier{},
	}
}

// TTL is the configured refresh token lifetime.
func (e *RefreshEngine) TTL() time.Duration { return e.ttl }

// Issue creates and persists a new active token for userID.
func (e *RefreshEngine) Issue(ctx context.Context, userID string) (IssuedRefreshToken, error) {
	return e.issue(ctx, e.store, userID)
}

func (e *RefreshEngine) issue(ctx context.Context, s Store, userID string) (IssuedRefreshToken, error) {
	if strings.TrimSpace(userID) == "" {
		return IssuedRefreshToken{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	buf := make([]byte, RefreshTokenBytes)
	if _, err := io.ReadFull(e.rand, buf); err != nil {
		return IssuedRefreshToken{}, fmt.Errorf("generate refresh token: %w", err)
	}
	value := base64.StdEncoding.EncodeToString(buf)
	now := e.now().UTC()
	tok := &RefreshToken{
		ID:        ids.New(),
		UserID:    userID,
		TokenHash: HashToken(value),
		CreatedAt: now,
		ExpiresAt: now.Add(e.ttl),
	}
	if err := s.RefreshTokens(ctx).Insert(ctx, tok); err != nil {
		return IssuedRefreshToken{}, fmt.Errorf("insert refresh token: %w", err)
	}
	return IssuedRefreshToken{ID: tok.ID, Value: value, ExpiresAt: tok.ExpiresAt}, nil
}

// Rotate validates value and, if it is active and its owner may still sign
// in, replaces it with a new token. Presenting a revoked token revokes the
// owner's whole family in the same transaction and fails.
func (e *RefreshEngine) Rotate(ctx context.Context, value string) (RotationResult, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return RotationResult{}, ErrInvalidRefreshToken
	}
	hash := HashToken(value)

	var (
		result  RotationResult
		outcome error
		reused  *RefreshToken
		revoked int64
	)
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		tokens := tx.RefreshTokens(ctx)
		tok, err := tokens.FindByHashForUpdate(ctx, hash)
		if errors.Is(err, ErrNotFound) {
			outcome = ErrInvalidRefreshToken
			return nil
		}
		if err != nil {
			return fmt.Errorf("find refresh token: %w", err)
		}
		now := e.now().UTC()

		switch tok.State(now) {
		case TokenRevoked:
			n, err := tokens.RevokeAllForUser(ctx, tok.UserID, now, RevokeReuseDetected)
			if err != nil {
				return fmt.Errorf("revoke token family: %w", err)
			}
			reused, revoked = tok, n
			outcome = ErrInvalidRefreshToken
			return nil
		case TokenExpired:
			outcome = ErrRefreshTokenExpired
			return nil
		}

		user, err := tx.Users(ctx).FindByID(ctx, tok.UserID)
		if errors.Is(err, ErrNotFound) || (err == nil && !user.IsActive) {
			outcome = ErrAccountInactive
			return nil
		}
		if err != nil {
			return fmt.Errorf("find token owner: %w", err)
		}

		next, err := e.issue(ctx, tx, user.ID)
		if err != nil {
			return err
		}
		ok, err := tokens.RevokeIfActive(ctx, tok.ID, now, &next.ID, RevokeRotated)
		if err != nil {
			return fmt.Errorf("revoke rotated token: %w", err)
		}
		if !ok {
			// Lost a race with a concurrent rotation of the same value.
			n, err := tokens.RevokeAllForUser(ctx, tok.UserID, now, RevokeReuseDetected)
			if err != nil {
				return fmt.Errorf("revoke token family: %w", err)
			}
			reused, revoked = tok, n
			outcome = ErrInvalidRefreshToken
			return nil
		}
		result = RotationResult{User: user, Refresh: next}
		return nil
	})
	if err != nil {
		return RotationResult{}, err
	}
	if reused != nil {
		e.reuseDetected(ctx, reused, revoked)
	}
	if outcome != nil {
		return RotationResult{}, outcome
	}
	return result, nil
}

// Revoke is explicit logout. Tokens already revoked or expired are left
// untouched and the call succeeds.
func (e *RefreshEngine) Revoke(ctx context.Context, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return ErrInvalidRefreshToken
	}
	tokens := e.store.RefreshTokens(ctx)
	tok, err := tokens.FindByHash(ctx, HashToken(value))
	if errors.Is(err, ErrNotFound) {
		return ErrInvalidRefreshToken
	}
	if err != nil {
		return fmt.Errorf("find refresh token: %w", err)
	}
	now := e.now().UTC()
	if tok.State(now) != TokenActive {
		return nil
	}
	if _, err := tokens.RevokeIfActive(ctx, tok.ID, now, nil, RevokeLogout); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAllForPrincipal revokes every active token of userID.
func (e *RefreshEngine) RevokeAllForPrincipal(ctx context.Context, userID string) (int64, error) {
	return e.revokeAll(ctx, e.store, userID, RevokePrincipalRevoked)
}

func (e *RefreshEngine) revokeAll(ctx context.Context, s Store, userID string, reason RevokeReason) (int64, error) {
	n, err := s.RefreshTokens(ctx).RevokeAllForUser(ctx, userID, e.now().UTC(), reason)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", err)
	}
	return n, nil
}

// chainLength counts the presented token and every token rotated from it.
// It runs after the family revocation commits; a failure is logged and
// reported as zero.
func (e *RefreshEngine) chainLength(ctx context.Context, id string) int {
	chain, err := e.store.RefreshTokens(ctx).Chain(ctx, id)
	if err != nil {
		e.log.WarnContext(ctx, "refresh token chain lookup failed",
			slog.String("token_id", id),
			slog.String("error", err.Error()),
		)
		return 0
	}
	return len(chain)
}

func (e *RefreshEngine) reuseDetected(ctx context.Context, tok *RefreshToken, revoked int64) {
	obs.RecordFamilyRevocation()
	chain := e.chainLength(ctx, tok.ID)
	e.log.WarnContext(ctx, "refresh token reuse detected",
		slog.String("user_id", tok.UserID),
		slog.String("token_id", tok.ID),
		slog.Int64("revoked", revoked),
		slog.Int("chain_length", chain),
	)
	e.notify(ctx, Event{
		Name:   EventReuseDetected,
		UserID: tok.UserID,
		Fields: map[string]any{"token_id": tok.ID, "revoked": revoked, "chain_length": chain},
	})
}

func (e *RefreshEngine) notify(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = e.now().UTC()
	}
	if err := e.notifier.Notify(ctx, ev); err != nil {
		e.log.WarnContext(ctx, "security notification failed",
			slog.String("event", ev.Name),
			slog.String("error", err.Error()),
		)
	}
}
