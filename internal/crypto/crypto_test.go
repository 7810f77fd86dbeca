package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestSealOpenIdentity_RoundTrip(t *testing.T) {
	t.Parallel()

	secret, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	token, err := SealIdentity(secret, "id@alice@pwd")
	if err != nil {
		t.Fatalf("SealIdentity: %v", err)
	}
	if strings.ContainsAny(token, "+/=") {
		t.Fatalf("token is not URL-safe: %q", token)
	}

	identity, err := OpenIdentity(secret, token)
	if err != nil {
		t.Fatalf("OpenIdentity: %v", err)
	}
	if identity != "id@alice@pwd" {
		t.Fatalf("identity = %q", identity)
	}
}

func TestOpenIdentity_Failures(t *testing.T) {
	t.Parallel()

	secret, _ := NewSecret()
	other, _ := NewSecret()
	token, err := SealIdentity(secret, "payload")
	if err != nil {
		t.Fatalf("SealIdentity: %v", err)
	}

	if _, err := OpenIdentity(other, token); !errors.Is(err, ErrSealOpen) {
		t.Fatalf("wrong secret: want ErrSealOpen, got %v", err)
	}
	if _, err := OpenIdentity(secret, token[:10]); !errors.Is(err, ErrSealOpen) {
		t.Fatalf("truncated: want ErrSealOpen, got %v", err)
	}
	if _, err := OpenIdentity(secret, "!!not-base64!!"); !errors.Is(err, ErrSealOpen) {
		t.Fatalf("bad encoding: want ErrSealOpen, got %v", err)
	}

	tampered := []byte(token)
	tampered[len(tampered)-1] ^= 1
	if string(tampered) == token {
		tampered[len(tampered)-1] ^= 2
	}
	if _, err := OpenIdentity(secret, string(tampered)); !errors.Is(err, ErrSealOpen) {
		t.Fatalf("tampered: want ErrSealOpen, got %v", err)
	}
}

func TestSealIdentity_FreshNonces(t *testing.T) {
	t.Parallel()

	secret, _ := NewSecret()
	a, _ := SealIdentity(secret, "same")
	b, _ := SealIdentity(secret, "same")
	if a == b {
		t.Fatalf("two seals of the same plaintext produced the same token")
	}
}

func TestHashVerifyPassword(t *testing.T) {
	t.Parallel()

	encoded, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(encoded, "argon2id$") {
		t.Fatalf("unexpected encoding: %q", encoded)
	}
	if !VerifyPassword(encoded, "s3cret") {
		t.Fatalf("correct password rejected")
	}
	if VerifyPassword(encoded, "wrong") {
		t.Fatalf("wrong password accepted")
	}
	if VerifyPassword("garbage", "s3cret") {
		t.Fatalf("malformed hash accepted")
	}
	if VerifyPassword("argon2id$!!$!!", "s3cret") {
		t.Fatalf("undecodable hash accepted")
	}

	again, _ := HashPassword("s3cret")
	if again == encoded {
		t.Fatalf("two hashes of the same password share a salt")
	}
}
