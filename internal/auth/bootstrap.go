package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"draftline.io/internal/ids"
)

// BootstrapRoot creates the first Root account. No principal outranks Root,
// so this is the only path that can create one; it refuses once any active
// Root exists. An empty password generates a temporary one that must be
// changed on first login.
func (u *UserService) BootstrapRoot(ctx context.Context, email, fullName, password string) (CreatedUser, error) {
	email = normalizeEmail(email)
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return CreatedUser{}, fmt.Errorf("%w: email is invalid", ErrInvalidInput)
	}
	fullName = strings.TrimSpace(fullName)
	if fullName == "" {
		fullName = "Root"
	}
	temporary := ""
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
		FullName:           fullName,
		PasswordHash:       hash,
		MustChangePassword: temporary != "",
		IsActive:           true,
		Roles:              []string{RoleRoot},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err = u.svc.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		users := tx.Users(ctx)
		if err := users.LockRoleAssignments(ctx); err != nil {
			return fmt.Errorf("lock role assignments: %w", err)
		}
		active := true
		roots, err := users.List(ctx, UserFilter{Role: RoleRoot, Active: &active, Limit: 1})
		if err != nil {
			return err
		}
		if len(roots) > 0 {
			return fmt.Errorf("%w: a root account already exists", ErrConflict)
		}
		return users.Create(ctx, user)
	})
	if err != nil {
		return CreatedUser{}, err
	}
	u.svc.log.InfoContext(ctx, "root account bootstrapped", slog.String("user_id", user.ID))
	u.svc.notify(ctx, Event{Name: EventUserCreated, UserID: user.ID, Fields: map[string]any{"role": RoleRoot}})
	return CreatedUser{User: user, TemporaryPassword: temporary}, nil
}
