// Package crypto covers the broker's two secret-handling needs: sealing a
// user identity into an opaque capability token and password hashing.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// SecretSize is the AEAD key length.
const SecretSize = chacha20poly1305.KeySize

var ErrSealOpen = errors.New("token does not open under secret")

// RandBytes returns n cryptographically random bytes.
func RandBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return buf, nil
}

// NewSecret returns a fresh AEAD key.
func NewSecret() ([]byte, error) {
	return RandBytes(SecretSize)
}

// SealIdentity encrypts identity under secret with XChaCha20-Poly1305 and
// returns it as a URL-safe token. The nonce is prefixed to the ciphertext
// before encoding.
func SealIdentity(secret []byte, identity string) (string, error) {
	aead, err := chacha20poly1305.NewX(secret)
	if err != nil {
		return "", fmt.Errorf("init aead: %w", err)
	}
	nonce, err := RandBytes(aead.NonceSize())
	if err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(identity), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// OpenIdentity reverses SealIdentity. Any tampering, truncation or wrong
// secret yields ErrSealOpen.
func OpenIdentity(secret []byte, token string) (string, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("decode token: %w", ErrSealOpen)
	}
	aead, err := chacha20poly1305.NewX(secret)
	if err != nil {
		return "", fmt.Errorf("init aead: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return "", fmt.Errorf("token too short: %w", ErrSealOpen)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	identity, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrSealOpen
	}
	return string(identity), nil
}

// argon2id parameters, matched to the interactive-login recommendation.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashPassword derives an argon2id hash and returns it in the single-string
// form "argon2id$<salt>$<hash>" with both parts base64 raw-std encoded.
func HashPassword(password string) (string, error) {
	salt, err := RandBytes(saltLen)
	if err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return "argon2id$" +
		base64.RawStdEncoding.EncodeToString(salt) + "$" +
		base64.RawStdEncoding.EncodeToString(hash), nil
}

// VerifyPassword reports whether password matches the encoded hash. The
// comparison is constant time; a malformed encoding is simply a mismatch.
func VerifyPassword(encoded, password string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 || parts[0] != "argon2id" {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}
