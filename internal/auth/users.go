package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"draftline.io/internal/ids"
)

// NewUser is the input of CreateUser.
type NewUser struct {
	Email              string
	FullName           string
	RegistrationNumber *string
	Role               string
	// Password is optional; a temporary one is generated when empty.
	Password string
}

// CreatedUser carries the temporary password, if one was generated.
type CreatedUser struct {
	User              *User
	TemporaryPassword string
}

// UserService performs administrative user mutations. Every mutation is
// checked against the role hierarchy first.
type UserService struct {
	svc *Service
}

// NewUserService shares store, hasher and rotation engine with svc.
func NewUserService(svc *Service) *UserService {
	return &UserService{svc: svc}
}

// CreateUser creates an active user holding in.Role. The user must change
// the password on first login.
func (u *UserService) CreateUser(ctx context.Context, actor Principal, in NewUser) (CreatedUser, error) {
	email := normalizeEmail(in.Email)
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return CreatedUser{}, fmt.Errorf("%w: email is invalid", ErrInvalidInput)
	}
	name := strings.TrimSpace(in.FullName)
	if name == "" {
		return CreatedUser{}, fmt.Errorf("%w: full name is required", ErrInvalidInput)
	}
	role := CanonicalRole(in.Role)
	if role == "" {
		return CreatedUser{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, in.Role)
	}

	password, temporary := in.Password, ""
	if password == "" {
		p, err := GenerateTemporaryPassword()
		if err != nil {
			return CreatedUser{}, fmt.Errorf("generate password: %w", err)
		}
		password, temporary = p, p
	} else if err := u.svc.policy.Validate(password); err != nil {
		return CreatedUser{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	hash, err := u.svc.verifier.Hash(password)
	if err != nil {
		return CreatedUser{}, fmt.Errorf("hash password: %w", err)
	}

	now := u.svc.now().UTC()
	user := &User{
		ID:                 ids.New(),
		Email:              email,
		FullName:           name,
		RegistrationNumber: trimOptional(in.RegistrationNumber),
		PasswordHash:       hash,
		MustChangePassword: true,
		IsActive:           true,
		Roles:              []string{role},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err = u.svc.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		roles, err := u.actorRoles(ctx, tx, actor)
		if err != nil {
			return err
		}
		if err := CanAct(roles, nil, role); err != nil {
			return err
		}
		return tx.Users(ctx).Create(ctx, user)
	})
	if err != nil {
		return CreatedUser{}, err
	}
	u.svc.log.InfoContext(ctx, "user created",
		slog.String("user_id", user.ID),
		slog.String("actor_id", actor.UserID),
		slog.String("role", role),
	)
	u.svc.notify(ctx, Event{Name: EventUserCreated, UserID: user.ID, ActorID: actor.UserID})
	return CreatedUser{User: user, TemporaryPassword: temporary}, nil
}

// ChangeRole replaces the target's roles with role.
func (u *UserService) ChangeRole(ctx context.Context, actor Principal, id, role string) (*User, error) {
	canonical := CanonicalRole(role)
	if canonical == "" {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	var out *User
	err := u.svc.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		target, err := u.target(ctx, tx, actor, id, canonical)
		if err != nil {
			return err
		}
		target.Roles = []string{canonical}
		target.UpdatedAt = u.svc.now().UTC()
		if err := tx.Users(ctx).Update(ctx, target); err != nil {
			return err
		}
		out = target
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ToggleStatus activates or deactivates id. Deactivation revokes every
// session of the target in the same transaction.
func (u *UserService) ToggleStatus(ctx context.Context, actor Principal, id string, active bool) (*User, error) {
	if err := CheckSelfAction(actor.UserID, id); err != nil {
		return nil, err
	}
	var (
		out     *User
		changed bool
	)
	err := u.svc.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		target, err := u.target(ctx, tx, actor, id, "")
		if err != nil {
			return err
		}
		out = target
		if target.IsActive == active {
			return nil
		}
		target.IsActive = active
		target.UpdatedAt = u.svc.now().UTC()
		if err := tx.Users(ctx).Update(ctx, target); err != nil {
			return err
		}
		if !active {
			if _, err := u.svc.refresh.revokeAll(ctx, tx, target.ID, RevokePrincipalRevoked); err != nil {
				return err
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed && !active {
		u.svc.notify(ctx, Event{Name: EventUserDeactivate, UserID: out.ID, ActorID: actor.UserID})
	}
	return out, nil
}

// ResetPassword sets a temporary password, clears lockout, forces a change on
// next login and ends every session of the target.
func (u *UserService) ResetPassword(ctx context.Context, actor Principal, id string) (string, error) {
	temp, err := GenerateTemporaryPassword()
	if err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	hash, err := u.svc.verifier.Hash(temp)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	err = u.svc.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		target, err := u.target(ctx, tx, actor, id, "")
		if err != nil {
			return err
		}
		users := tx.Users(ctx)
		if err := users.UpdatePassword(ctx, target.ID, hash, true); err != nil {
			return err
		}
		if err := users.UpdateLockout(ctx, target.ID, 0, nil); err != nil {
			return err
		}
		_, err = u.svc.refresh.revokeAll(ctx, tx, target.ID, RevokePrincipalRevoked)
		return err
	})
	if err != nil {
		return "", err
	}
	u.svc.notify(ctx, Event{Name: EventPasswordReset, UserID: id, ActorID: actor.UserID})
	return temp, nil
}

// DeleteUser revokes every session of id and removes the user.
func (u *UserService) DeleteUser(ctx context.Context, actor Principal, id string) error {
	return u.svc.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		target, err := u.target(ctx, tx, actor, id, "")
		if err != nil {
			return err
		}
		if _, err := u.svc.refresh.revokeAll(ctx, tx, target.ID, RevokePrincipalRevoked); err != nil {
			return err
		}
		return tx.Users(ctx).Delete(ctx, target.ID)
	})
}

// GetUser loads one user.
func (u *UserService) GetUser(ctx context.Context, id string) (*User, error) {
	return u.svc.store.Users(ctx).FindByID(ctx, id)
}

// ListUsers lists users matching filter.
func (u *UserService) ListUsers(ctx context.Context, filter UserFilter) ([]*User, error) {
	if filter.Role != "" {
		role := CanonicalRole(filter.Role)
		if role == "" {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, filter.Role)
		}
		filter.Role = role
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", ErrInvalidInput)
	}
	return u.svc.store.Users(ctx).List(ctx, filter)
}

// target loads id and checks actor may act on it (and grant role, if set).
func (u *UserService) target(ctx context.Context, tx Store, actor Principal, id, role string) (*User, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	roles, err := u.actorRoles(ctx, tx, actor)
	if err != nil {
		return nil, err
	}
	target, err := tx.Users(ctx).FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := CanAct(roles, target.Roles, role); err != nil {
		return nil, err
	}
	return target, nil
}

// actorRoles reloads the actor so a deactivation or demotion takes effect
// before the actor's access token expires.
func (u *UserService) actorRoles(ctx context.Context, tx Store, actor Principal) ([]string, error) {
	current, err := tx.Users(ctx).FindByID(ctx, actor.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrAccountInactive
	}
	if err != nil {
		return nil, fmt.Errorf("find actor: %w", err)
	}
	if !current.IsActive {
		return nil, ErrAccountInactive
	}
	return current.Roles, nil
}

func trimOptional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
