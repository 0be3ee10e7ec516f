package auth

import "time"

// User is a principal that can sign in and hold roles.
type User struct {
	ID                 string
	Email              string
	FullName           string
	RegistrationNumber *string
	PasswordHash       string
	MustChangePassword bool
	IsActive           bool
	Roles              []string
	AccessFailedCount  int
	LockoutEnd         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Clone returns a deep copy so stores can hand out records without aliasing.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Roles = append([]string(nil), u.Roles...)
	if u.RegistrationNumber != nil {
		v := *u.RegistrationNumber
		c.RegistrationNumber = &v
	}
	if u.LockoutEnd != nil {
		v := *u.LockoutEnd
		c.LockoutEnd = &v
	}
	return &c
}

// RevokeReason records which path revoked a refresh token.
type RevokeReason string

const (
	RevokeLogout           RevokeReason = "logout"
	RevokeRotated          RevokeReason = "rotated"
	RevokeReuseDetected    RevokeReason = "reuse_detected"
	RevokePrincipalRevoked RevokeReason = "principal_revoked"
)

// RefreshToken is the persisted record of an opaque refresh credential.
// Only the sha256 of the plaintext value is stored.
type RefreshToken struct {
	ID                string
	UserID            string
	TokenHash         string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	RevokedAt         *time.Time
	ReplacedByTokenID *string
	RevokedReason     RevokeReason
}

// TokenState is the lifecycle position of a refresh token.
type TokenState int

const (
	TokenActive TokenState = iota
	TokenRevoked
	TokenExpired
)

func (s TokenState) String() string {
	switch s {
	case TokenActive:
		return "active"
	case TokenRevoked:
		return "revoked"
	case TokenExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// IsRevoked reports whether the token was explicitly revoked.
func (t *RefreshToken) IsRevoked() bool { return t.RevokedAt != nil }

// IsExpired reports whether now is at or past the expiration instant.
func (t *RefreshToken) IsExpired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// State resolves the token's state at now. Revocation wins over expiry:
// a revoked token is theft evidence whether or not it has also aged out.
func (t *RefreshToken) State(now time.Time) TokenState {
	switch {
	case t.IsRevoked():
		return TokenRevoked
	case t.IsExpired(now):
		return TokenExpired
	default:
		return TokenActive
	}
}

// Clone returns a deep copy.
func (t *RefreshToken) Clone() *RefreshToken {
	if t == nil {
		return nil
	}
	c := *t
	if t.RevokedAt != nil {
		v := *t.RevokedAt
		c.RevokedAt = &v
	}
	if t.ReplacedByTokenID != nil {
		v := *t.ReplacedByTokenID
		c.ReplacedByTokenID = &v
	}
	return &c
}

// Principal is the authenticated caller as seen by request handlers.
// It is rebuilt from access token claims on every request.
type Principal struct {
	UserID             string
	Email              string
	FullName           string
	Roles              []string
	MustChangePassword bool
}

// Rank returns the principal's effective rank.
func (p Principal) Rank() int { return EffectiveRank(p.Roles) }
