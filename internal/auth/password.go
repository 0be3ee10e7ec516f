package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

var errPasswordMismatch = errors.New("auth: password mismatch")

// CredentialVerifier hashes and checks passwords. Verify returns a non-nil
// error for any mismatch; callers never inspect hashes themselves.
type CredentialVerifier interface {
	Hash(password string) (string, error)
	Verify(hash, password string) error
}

// Hash algorithms understood by NewPasswordHasher.
const (
	HashBcrypt   = "bcrypt"
	HashArgon2id = "argon2id"
)

const argon2Prefix = "$argon2id$"

type argon2Params struct {
	memory  uint32
	time    uint32
	threads uint8
	saltLen int
	keyLen  uint32
}

var defaultArgon2 = argon2Params{memory: 64 * 1024, time: 3, threads: 2, saltLen: 16, keyLen: 32}

// PasswordHasher creates hashes with one algorithm and verifies both bcrypt
// and argon2id hashes so rows written by either remain valid.
type PasswordHasher struct {
	algorithm  string
	bcryptCost int
	argon      argon2Params
}

// NewPasswordHasher returns a hasher for algorithm ("" selects bcrypt).
func NewPasswordHasher(algorithm string) (*PasswordHasher, error) {
	algorithm = strings.ToLower(strings.TrimSpace(algorithm))
	switch algorithm {
	case "", HashBcrypt:
		algorithm = HashBcrypt
	case HashArgon2id:
	default:
		return nil, fmt.Errorf("auth: unsupported password hash %q", algorithm)
	}
	return &PasswordHasher{algorithm: algorithm, bcryptCost: bcrypt.DefaultCost, argon: defaultArgon2}, nil
}

// Hash hashes plaintext password.
func (h *PasswordHasher) Hash(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	if h.algorithm == HashArgon2id {
		return h.hashArgon2(password)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify compares plaintext password with stored hash.
func (h *PasswordHasher) Verify(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	if strings.HasPrefix(hash, argon2Prefix) {
		return verifyArgon2(hash, password)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return errPasswordMismatch
		}
		return err
	}
	return nil
}

func (h *PasswordHasher) hashArgon2(password string) (string, error) {
	p := h.argon
	salt := make([]byte, p.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// verifyArgon2 checks a PHC-formatted argon2id hash.
func verifyArgon2(encoded, password string) error {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return errors.New("auth: malformed argon2id hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return fmt.Errorf("auth: argon2id version: %w", err)
	}
	if version != argon2.Version {
		return fmt.Errorf("auth: unsupported argon2id version %d", version)
	}
	var p argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return fmt.Errorf("auth: argon2id params: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("auth: argon2id salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return fmt.Errorf("auth: argon2id key: %w", err)
	}
	got := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, uint32(len(want)))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return errPasswordMismatch
	}
	return nil
}

// PasswordPolicy is the complexity rule applied to new passwords.
type PasswordPolicy struct {
	MinLength     int  `yaml:"min_length"`
	RequireUpper  bool `yaml:"require_upper"`
	RequireLower  bool `yaml:"require_lower"`
	RequireDigit  bool `yaml:"require_digit"`
	RequireSymbol bool `yaml:"require_symbol"`
}

// DefaultPasswordPolicy mirrors the identity defaults of the web application.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{MinLength: 8, RequireUpper: true, RequireLower: true, RequireDigit: true, RequireSymbol: true}
}

// Validate reports every rule password violates.
func (p PasswordPolicy) Validate(password string) error {
	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case !unicode.IsLetter(r) && !unicode.IsSpace(r):
			symbol = true
		}
	}
	var problems []string
	if n := len([]rune(password)); n < p.MinLength {
		problems = append(problems, fmt.Sprintf("must be at least %d characters", p.MinLength))
	}
	if p.RequireUpper && !upper {
		problems = append(problems, "must contain an uppercase letter")
	}
	if p.RequireLower && !lower {
		problems = append(problems, "must contain a lowercase letter")
	}
	if p.RequireDigit && !digit {
		problems = append(problems, "must contain a digit")
	}
	if p.RequireSymbol && !symbol {
		problems = append(problems, "must contain a non-alphanumeric character")
	}
	if len(problems) > 0 {
		return fmt.Errorf("password %s", strings.Join(problems, ", "))
	}
	return nil
}

const (
	tempUpper  = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	tempLower  = "abcdefghijkmnopqrstuvwxyz"
	tempDigit  = "23456789"
	tempSymbol = "!@#$%*-_=+"
	tempLength = 16
)

// GenerateTemporaryPassword returns a random password that satisfies the
// default policy. It is shown once to the administrator who requested it.
func GenerateTemporaryPassword() (string, error) {
	all := tempUpper + tempLower + tempDigit + tempSymbol
	out := make([]byte, 0, tempLength)
	for _, set := range []string{tempUpper, tempLower, tempDigit, tempSymbol} {
		c, err := randomChar(set)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	for len(out) < tempLength {
		c, err := randomChar(all)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	for i := len(out) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", err
		}
		out[i], out[j.Int64()] = out[j.Int64()], out[i]
	}
	return string(out), nil
}

func randomChar(set string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, err
	}
	return set[n.Int64()], nil
}
