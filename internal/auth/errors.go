package auth

import "errors"

// Expected, user-facing outcomes. None of them is a programming fault.
var (
	ErrInvalidCredentials     = errors.New("auth: invalid credentials")
	ErrAccountInactive        = errors.New("auth: account inactive")
	ErrAccountLockedOut       = errors.New("auth: account locked out")
	ErrInvalidCurrentPassword = errors.New("auth: invalid current password")
	ErrPasswordChangeFailed   = errors.New("auth: password change failed")
	ErrInvalidRefreshToken    = errors.New("auth: invalid refresh token")
	ErrRefreshTokenExpired    = errors.New("auth: refresh token expired")
	ErrCannotModifyHigherRole = errors.New("auth: cannot modify a principal of equal or higher role")
	ErrCannotDeactivateSelf   = errors.New("auth: cannot change status of own account")
	ErrNotFound               = errors.New("auth: not found")

	ErrInvalidInput           = errors.New("auth: invalid input")
	ErrConflict               = errors.New("auth: resource conflict")
	ErrInvalidToken           = errors.New("auth: invalid access token")
	ErrPasswordChangeRequired = errors.New("auth: password change required")
)

// Kind is the stable, wire-visible name of an error outcome.
type Kind string

const (
	KindInvalidCredentials     Kind = "InvalidCredentials"
	KindAccountInactive        Kind = "AccountInactive"
	KindAccountLockedOut       Kind = "AccountLockedOut"
	KindInvalidCurrentPassword Kind = "InvalidCurrentPassword"
	KindPasswordChangeFailed   Kind = "PasswordChangeFailed"
	KindInvalidRefreshToken    Kind = "InvalidRefreshToken"
	KindRefreshTokenExpired    Kind = "RefreshTokenExpired"
	KindCannotModifyHigherRole Kind = "CannotModifyHigherRole"
	KindCannotDeactivateSelf   Kind = "CannotDeactivateSelf"
	KindNotFound               Kind = "NotFound"
	KindInvalidInput           Kind = "InvalidInput"
	KindConflict               Kind = "Conflict"
	KindInvalidToken           Kind = "InvalidToken"
	KindPasswordChangeRequired Kind = "PasswordChangeRequired"
	KindInternal               Kind = "Internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidCredentials, KindInvalidCredentials},
	{ErrAccountInactive, KindAccountInactive},
	{ErrAccountLockedOut, KindAccountLockedOut},
	{ErrInvalidCurrentPassword, KindInvalidCurrentPassword},
	{ErrPasswordChangeFailed, KindPasswordChangeFailed},
	{ErrInvalidRefreshToken, KindInvalidRefreshToken},
	{ErrRefreshTokenExpired, KindRefreshTokenExpired},
	{ErrCannotModifyHigherRole, KindCannotModifyHigherRole},
	{ErrCannotDeactivateSelf, KindCannotDeactivateSelf},
	{ErrNotFound, KindNotFound},
	{ErrInvalidInput, KindInvalidInput},
	{ErrConflict, KindConflict},
	{ErrInvalidToken, KindInvalidToken},
	{ErrPasswordChangeRequired, KindPasswordChangeRequired},
}

// KindOf classifies err. Anything outside the taxonomy (store connectivity,
// signing failures) is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
