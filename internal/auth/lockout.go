package auth

import "time"

// LockoutPolicy locks an account after repeated password failures. State
// lives on the user row so every replica sees the same counter.
type LockoutPolicy struct {
	MaxFailedAttempts int
	Duration          time.Duration
}

// DefaultLockoutPolicy is five failures, fifteen minutes.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{MaxFailedAttempts: 5, Duration: 15 * time.Minute}
}

func (p LockoutPolicy) enabled() bool {
	return p.MaxFailedAttempts > 0 && p.Duration > 0
}

// IsLockedOut reports whether u is locked at now.
func (p LockoutPolicy) IsLockedOut(u *User, now time.Time) bool {
	return p.enabled() && u.LockoutEnd != nil && now.Before(*u.LockoutEnd)
}

// RecordFailure bumps the counter and reports whether this failure locked the
// account. An expired lockout starts a fresh count.
func (p LockoutPolicy) RecordFailure(u *User, now time.Time) bool {
	if !p.enabled() {
		return false
	}
	if u.LockoutEnd != nil && !now.Before(*u.LockoutEnd) {
		u.LockoutEnd = nil
		u.AccessFailedCount = 0
	}
	u.AccessFailedCount++
	if u.AccessFailedCount < p.MaxFailedAttempts {
		return false
	}
	end := now.Add(p.Duration)
	u.LockoutEnd = &end
	u.AccessFailedCount = 0
	return true
}

// RecordSuccess clears lockout state. It reports whether anything changed.
func (p LockoutPolicy) RecordSuccess(u *User) bool {
	if u.AccessFailedCount == 0 && u.LockoutEnd == nil {
		return false
	}
	u.AccessFailedCount = 0
	u.LockoutEnd = nil
	return true
}
