package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAccessMinutes = 30
	minSecretLength      = 32

	// PasswordChangeRequiredAMR is the amr value that confines a session to
	// the password-change operation.
	PasswordChangeRequiredAMR = "pwd_change_required"
)

var errMissingSigningKey = errors.New("auth: signing key is not configured")

// IssuerConfig carries signing configuration. Key material comes from
// configuration, never from code.
type IssuerConfig struct {
	Issuer            string
	Audience          string
	ExpirationMinutes int

	// Secret enables HS256.
	Secret string

	// PrivateKeyPEM and PublicKeyPEM enable RS256 and take precedence over Secret.
	PrivateKeyPEM string
	PublicKeyPEM  string
	KeyID         string

	Now func() time.Time
}

// AccessClaims are the claims carried by an access token.
type AccessClaims struct {
	Email              string   `json:"email"`
	Name               string   `json:"name"`
	RegistrationNumber string   `json:"registration_number,omitempty"`
	Roles              []string `json:"role,omitempty"`
	AMR                []string `json:"amr,omitempty"`
	jwt.RegisteredClaims
}

// PasswordChangeRequired reports whether the token is confined to password change.
func (c *AccessClaims) PasswordChangeRequired() bool {
	return slices.Contains(c.AMR, PasswordChangeRequiredAMR)
}

// Principal converts verified claims into a request principal.
func (c *AccessClaims) Principal() Principal {
	return Principal{
		UserID:             c.Subject,
		Email:              c.Email,
		FullName:           c.Name,
		Roles:              append([]string(nil), c.Roles...),
		MustChangePassword: c.PasswordChangeRequired(),
	}
}

// AccessToken is a signed access credential.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// Issuer signs and verifies access tokens. It is safe for concurrent use.
type Issuer struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string
	issuer    string
	audience  string
	ttl       time.Duration
	now       func() time.Time
}

// NewIssuer validates cfg and prepares key material. An error here is a
// startup misconfiguration, not a per-request failure.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	iss := &Issuer{
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		keyID:    strings.TrimSpace(cfg.KeyID),
		now:      cfg.Now,
	}
	if iss.now == nil {
		iss.now = time.Now
	}
	minutes := cfg.ExpirationMinutes
	if minutes <= 0 {
		minutes = defaultAccessMinutes
	}
	iss.ttl = time.Duration(minutes) * time.Minute

	privatePEM := strings.TrimSpace(cfg.PrivateKeyPEM)
	publicPEM := strings.TrimSpace(cfg.PublicKeyPEM)
	switch {
	case privatePEM != "" || publicPEM != "":
		if privatePEM == "" || publicPEM == "" {
			return nil, errors.New("auth: both private and public keys are required")
		}
		priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
		if err != nil {
			return nil, fmt.Errorf("auth: parse private key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicPEM))
		if err != nil {
			return nil, fmt.Errorf("auth: parse public key: %w", err)
		}
		if !sameRSAKey(priv, pub) {
			return nil, errors.New("auth: public key does not match private key")
		}
		iss.method = jwt.SigningMethodRS256
		iss.signKey = priv
		iss.verifyKey = pub
	case strings.TrimSpace(cfg.Secret) != "":
		secret := []byte(strings.TrimSpace(cfg.Secret))
		if len(secret) < minSecretLength {
			return nil, fmt.Errorf("auth: signing secret must be at least %d bytes", minSecretLength)
		}
		iss.method = jwt.SigningMethodHS256
		iss.signKey = secret
		iss.verifyKey = secret
	default:
		return nil, errMissingSigningKey
	}
	return iss, nil
}

// TTL is the configured access token lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue signs an access token for user carrying roles. It never persists anything.
func (i *Issuer) Issue(user *User, roles []string) (AccessToken, error) {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return AccessToken{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	now := i.now().UTC()
	exp := now.Add(i.ttl)
	claims := AccessClaims{
		Email: user.Email,
		Name:  user.FullName,
		Roles: append([]string(nil), roles...),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	if i.audience != "" {
		claims.Audience = jwt.ClaimStrings{i.audience}
	}
	if user.RegistrationNumber != nil {
		claims.RegistrationNumber = *user.RegistrationNumber
	}
	if user.MustChangePassword {
		claims.AMR = []string{PasswordChangeRequiredAMR}
	}

	token := jwt.NewWithClaims(i.method, claims)
	if i.keyID != "" {
		token.Header["kid"] = i.keyID
	}
	signed, err := token.SignedString(i.signKey)
	if err != nil {
		return AccessToken{}, fmt.Errorf("sign access token: %w", err)
	}
	return AccessToken{Token: signed, ExpiresAt: exp}, nil
}

// Parse verifies signature, algorithm, issuer, audience and time claims.
// Every failure is reported as ErrInvalidToken.
func (i *Issuer) Parse(token string) (*AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{i.method.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(5 * time.Second),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}
	if i.audience != "" {
		opts = append(opts, jwt.WithAudience(i.audience))
	}
	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, func(*jwt.Token) (any, error) {
		return i.verifyKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	return claims, nil
}

func sameRSAKey(priv *rsa.PrivateKey, pub *rsa.PublicKey) bool {
	return priv.PublicKey.N.Cmp(pub.N) == 0 && priv.PublicKey.E == pub.E
}
