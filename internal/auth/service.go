package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"draftline.io/internal/obs"
)

// Service orchestrates login, session refresh, logout and password change.
type Service struct {
	store    Store
	issuer   *Issuer
	refresh  *RefreshEngine
	verifier CredentialVerifier
	policy   PasswordPolicy
	lockout  LockoutPolicy
	now      func() time.Time
	log      *slog.Logger
	notifier Notifier

	refreshTTL time.Duration
}

// Session is a freshly minted access/refresh pair.
type Session struct {
	User               *User
	Access             AccessToken
	Refresh            IssuedRefreshToken
	MustChangePassword bool
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl < 0 {
			return errors.New("auth: refresh ttl must not be negative")
		}
		s.refreshTTL = ttl
		return nil
	}
}

// WithVerifier replaces the password hasher.
func WithVerifier(v CredentialVerifier) ServiceOption {
	return func(s *Service) error {
		if v == nil {
			return errors.New("auth: verifier is nil")
		}
		s.verifier = v
		return nil
	}
}

// WithPasswordPolicy sets the rule applied to new passwords.
func WithPasswordPolicy(p PasswordPolicy) ServiceOption {
	return func(s *Service) error {
		s.policy = p
		return nil
	}
}

// WithLockout sets the failed-login policy. A zero policy disables lockout.
func WithLockout(p LockoutPolicy) ServiceOption {
	return func(s *Service) error {
		s.lockout = p
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithNotifier sets the security event sink.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) error {
		if n != nil {
			s.notifier = n
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, issuer *Issuer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is nil")
	}
	if issuer == nil {
		return nil, errMissingSigningKey
	}
	svc := &Service{
		store:    store,
		issuer:   issuer,
		policy:   DefaultPasswordPolicy(),
		lockout:  DefaultLockoutPolicy(),
		now:      time.Now,
		log:      obs.Logger(),
		notifier: nopNotifier{},
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.verifier == nil {
		h, err := NewPasswordHasher(HashBcrypt)
		if err != nil {
			return nil, err
		}
		svc.verifier = h
	}
	svc.refresh = NewRefreshEngine(store, svc.refreshTTL, svc.now)
	svc.refresh.log = svc.log
	svc.refresh.notifier = svc.notifier
	return svc, nil
}

// RefreshTokens exposes the rotation engine.
func (s *Service) RefreshTokens() *RefreshEngine { return s.refresh }

// Issuer exposes the access token issuer.
func (s *Service) Issuer() *Issuer { return s.issuer }

// Login authenticates email and password and opens a new session.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	sess, err := s.login(ctx, email, password)
	obs.RecordLogin(outcomeOf(err))
	return sess, err
}

func (s *Service) login(ctx context.Context, email, password string) (Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Session{}, ErrInvalidCredentials
	}
	users := s.store.Users(ctx)
	user, err := users.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, fmt.Errorf("find user: %w", err)
	}
	if !user.IsActive {
		return Session{}, ErrAccountInactive
	}
	now := s.now().UTC()
	if s.lockout.IsLockedOut(user, now) {
		return Session{}, ErrAccountLockedOut
	}

	if err := s.verifier.Verify(user.PasswordHash, password); err != nil {
		if !errors.Is(err, errPasswordMismatch) {
			s.log.WarnContext(ctx, "password verification failed",
				slog.String("user_id", user.ID),
				slog.String("error", err.Error()),
			)
		}
		if err := s.recordFailure(ctx, users, user.ID, now); err != nil {
			return Session{}, err
		}
		return Session{}, ErrInvalidCredentials
	}
	if s.lockout.RecordSuccess(user) {
		if err := users.UpdateLockout(ctx, user.ID, 0, nil); err != nil {
			return Session{}, fmt.Errorf("reset failed logins: %w", err)
		}
	}
	return s.openSession(ctx, user)
}

// recordFailure counts a failed login in the store so parallel attempts
// cannot overwrite each other's increments.
func (s *Service) recordFailure(ctx context.Context, users UserStore, id string, now time.Time) error {
	if !s.lockout.enabled() {
		return nil
	}
	until := now.Add(s.lockout.Duration)
	locked, err := users.RecordLoginFailure(ctx, id, now, s.lockout.MaxFailedAttempts, until)
	if err != nil {
		return fmt.Errorf("record failed login: %w", err)
	}
	if locked {
		s.log.WarnContext(ctx, "account locked out",
			slog.String("user_id", id),
			slog.Time("until", until),
		)
		s.notify(ctx, Event{
			Name:   EventLockedOut,
			UserID: id,
			Fields: map[string]any{"until": until.Format(time.RFC3339)},
		})
	}
	return nil
}

func (s *Service) openSession(ctx context.Context, user *User) (Session, error) {
	access, err := s.issuer.Issue(user, user.Roles)
	if err != nil {
		return Session{}, err
	}
	refresh, err := s.refresh.Issue(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	return Session{
		User:               user,
		Access:             access,
		Refresh:            refresh,
		MustChangePassword: user.MustChangePassword,
	}, nil
}

// Refresh rotates the presented refresh token and signs a new access token
// from the owner's current roles.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	sess, err := s.rotate(ctx, refreshToken)
	obs.RecordRefresh(outcomeOf(err))
	return sess, err
}

func (s *Service) rotate(ctx context.Context, refreshToken string) (Session, error) {
	res, err := s.refresh.Rotate(ctx, refreshToken)
	if err != nil {
		return Session{}, err
	}
	access, err := s.issuer.Issue(res.User, res.User.Roles)
	if err != nil {
		return Session{}, err
	}
	return Session{
		User:               res.User,
		Access:             access,
		Refresh:            res.Refresh,
		MustChangePassword: res.User.MustChangePassword,
	}, nil
}

// Revoke ends the session behind refreshToken. Repeated calls succeed.
func (s *Service) Revoke(ctx context.Context, refreshToken string) error {
	err := s.refresh.Revoke(ctx, refreshToken)
	obs.RecordLogout(outcomeOf(err))
	return err
}

// ChangePassword replaces the caller's password and clears MustChangePassword.
// Other sessions stay valid.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	users := s.store.Users(ctx)
	user, err := users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.IsActive {
		return ErrAccountInactive
	}
	if err := s.verifier.Verify(user.PasswordHash, current); err != nil {
		if errors.Is(err, errPasswordMismatch) {
			return ErrInvalidCurrentPassword
		}
		return fmt.Errorf("%w: %w", ErrPasswordChangeFailed, err)
	}
	if current == next {
		return fmt.Errorf("%w: new password must differ from the current one", ErrPasswordChangeFailed)
	}
	if err := s.policy.Validate(next); err != nil {
		return fmt.Errorf("%w: %w", ErrPasswordChangeFailed, err)
	}
	hash, err := s.verifier.Hash(next)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPasswordChangeFailed, err)
	}
	if err := users.UpdatePassword(ctx, user.ID, hash, false); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	s.log.InfoContext(ctx, "password changed",
		slog.String("user_id", user.ID),
		slog.Bool("cleared_must_change", user.MustChangePassword),
	)
	return nil
}

// Authenticate verifies a bearer access token and returns its principal.
func (s *Service) Authenticate(token string) (Principal, error) {
	claims, err := s.issuer.Parse(token)
	if err != nil {
		return Principal{}, err
	}
	return claims.Principal(), nil
}

func (s *Service) notify(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = s.now().UTC()
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.log.WarnContext(ctx, "security notification failed",
			slog.String("event", ev.Name),
			slog.String("error", err.Error()),
		)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	return string(KindOf(err))
}
