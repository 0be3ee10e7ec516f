package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestPasswordHasherAlgorithms(t *testing.T) {
	bc, err := NewPasswordHasher("")
	if err != nil {
		t.Fatalf("NewPasswordHasher: %v", err)
	}
	ar, err := NewPasswordHasher("Argon2id")
	if err != nil {
		t.Fatalf("NewPasswordHasher: %v", err)
	}

	bcHash, err := bc.Hash("S3cret!pass")
	if err != nil {
		t.Fatalf("bcrypt Hash: %v", err)
	}
	arHash, err := ar.Hash("S3cret!pass")
	if err != nil {
		t.Fatalf("argon2 Hash: %v", err)
	}
	if !strings.HasPrefix(arHash, argon2Prefix) {
		t.Fatalf("unexpected argon2 encoding %q", arHash)
	}

	// Either hasher verifies either format.
	for _, h := range []*PasswordHasher{bc, ar} {
		for _, hash := range []string{bcHash, arHash} {
			if err := h.Verify(hash, "S3cret!pass"); err != nil {
				t.Fatalf("Verify(%s): %v", hash[:8], err)
			}
			if err := h.Verify(hash, "wrong"); !errors.Is(err, errPasswordMismatch) {
				t.Fatalf("expected mismatch for %s, got %v", hash[:8], err)
			}
		}
	}

	if err := bc.Verify("", "x"); err == nil || errors.Is(err, errPasswordMismatch) {
		t.Fatalf("empty hash should be a non-mismatch error, got %v", err)
	}
	if err := bc.Verify("$argon2id$garbage", "x"); err == nil || errors.Is(err, errPasswordMismatch) {
		t.Fatalf("malformed hash should be a non-mismatch error, got %v", err)
	}
	if _, err := NewPasswordHasher("md5"); err == nil {
		t.Fatal("unsupported algorithm accepted")
	}
}

func TestPasswordPolicy(t *testing.T) {
	p := DefaultPasswordPolicy()
	if err := p.Validate("Str0ng!pw"); err != nil {
		t.Fatalf("valid password rejected: %v", err)
	}
	err := p.Validate("weak")
	if err == nil {
		t.Fatal("weak password accepted")
	}
	for _, want := range []string{"at least 8", "uppercase", "digit", "non-alphanumeric"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
	if err := (PasswordPolicy{MinLength: 4}).Validate("abcd"); err != nil {
		t.Fatalf("relaxed policy rejected: %v", err)
	}
}

func TestGenerateTemporaryPassword(t *testing.T) {
	seen := map[string]bool{}
	for range 20 {
		pw, err := GenerateTemporaryPassword()
		if err != nil {
			t.Fatalf("GenerateTemporaryPassword: %v", err)
		}
		if len(pw) != tempLength {
			t.Fatalf("length %d", len(pw))
		}
		if err := DefaultPasswordPolicy().Validate(pw); err != nil {
			t.Fatalf("temporary password %q violates policy: %v", pw, err)
		}
		if seen[pw] {
			t.Fatalf("duplicate temporary password %q", pw)
		}
		seen[pw] = true
	}
}
