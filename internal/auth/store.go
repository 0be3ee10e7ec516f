package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
// Implementations return ErrNotFound for missing rows and ErrConflict for
// unique violations.
type Store interface {
	Users(ctx context.Context) UserStore
	RefreshTokens(ctx context.Context) RefreshTokenStore

	// WithinTx runs fn inside one transaction. Everything fn writes through tx
	// commits together or not at all. A nil error from fn commits.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// UserStore manages users and their role assignments.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*User, error)
	// FindByEmail matches case-insensitively.
	FindByEmail(ctx context.Context, email string) (*User, error)
	Create(ctx context.Context, u *User) error
	// Update persists profile, status and roles. Password and lockout state
	// have their own methods.
	Update(ctx context.Context, u *User) error
	// UpdatePassword sets the hash and the must-change flag only.
	UpdatePassword(ctx context.Context, id, hash string, mustChange bool) error
	// UpdateLockout sets the failed-login counter and lockout end only.
	UpdateLockout(ctx context.Context, id string, failedCount int, lockoutEnd *time.Time) error
	// RecordLoginFailure atomically counts one failed login. A lockout that
	// ended before now restarts the count. Reaching maxAttempts sets the
	// lockout end to until, resets the counter and reports locked.
	RecordLoginFailure(ctx context.Context, id string, now time.Time, maxAttempts int, until time.Time) (locked bool, err error)
	// LockRoleAssignments serialises role-set checks for the rest of the
	// transaction.
	LockRoleAssignments(ctx context.Context) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter UserFilter) ([]*User, error)
}

// UserFilter narrows List. Zero values mean no filter.
type UserFilter struct {
	Role   string
	Active *bool
	Limit  int
	Offset int
}

// RefreshTokenStore manages refresh token lifecycle.
type RefreshTokenStore interface {
	FindByHash(ctx context.Context, hash string) (*RefreshToken, error)
	// FindByHashForUpdate locks the row for the rest of the transaction where
	// the store supports it.
	FindByHashForUpdate(ctx context.Context, hash string) (*RefreshToken, error)
	Insert(ctx context.Context, tok *RefreshToken) error
	// RevokeIfActive revokes id only if it is not yet revoked. It reports
	// false when another writer got there first or id does not exist.
	RevokeIfActive(ctx context.Context, id string, at time.Time, replacedBy *string, reason RevokeReason) (bool, error)
	// RevokeAllForUser revokes every active token of userID and returns the count.
	RevokeAllForUser(ctx context.Context, userID string, at time.Time, reason RevokeReason) (int64, error)
	// Chain follows replaced_by links starting at id, oldest first.
	Chain(ctx context.Context, id string) ([]*RefreshToken, error)
	// PruneRevokedBefore deletes tokens revoked or expired before cutoff.
	PruneRevokedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
