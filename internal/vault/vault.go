package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/hkdf"
)

// contextTag binds every ciphertext to this subsystem so blobs cannot be
// replayed into an unrelated decryption context. Changing it invalidates
// all stored secrets.
const contextTag = "brokerlink/secret-v1"

// keySalt is a fixed HKDF salt; key separation comes from contextTag.
var keySalt = []byte("brokerlink-hkdf-salt")

// ErrIntegrity is returned whenever a blob fails authentication or does
// not match the nonce-prefixed layout. Callers must treat it as a hard
// failure, never as an absent value.
var ErrIntegrity = errors.New("vault: ciphertext integrity check failed")

// Vault seals and opens secret strings with a process-wide AES-256-GCM
// key. It is constructed once at startup and passed by reference; the
// key material is read-only after construction.
type Vault struct {
	aead cipher.AEAD
}

// New derives a 256-bit key from masterKey via HKDF-SHA256 and returns a
// ready Vault. An empty masterKey is refused unless devMode is set, in
// which case a random per-run key is generated; anything encrypted under
// it becomes unreadable after restart.
func New(masterKey string, devMode bool) (*Vault, error) {
	var key []byte
	if masterKey == "" {
		if !devMode {
			return nil, errors.New("vault: master key is required")
		}
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("vault: generate dev key: %w", err)
		}
		slog.Warn("No master key configured, using a random per-run encryption key. " +
			"Secrets encrypted in this run will be UNREADABLE after restart.")
	} else {
		key = make([]byte, 32)
		kdf := hkdf.New(sha256.New, []byte(masterKey), keySalt, []byte(contextTag))
		if _, err := io.ReadFull(kdf, key); err != nil {
			return nil, fmt.Errorf("vault: derive key: %w", err)
		}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init GCM: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext into an opaque URL-safe blob laid out as
// base64(nonce ‖ ciphertext ‖ tag). A fresh random nonce is used per
// call. The empty string encrypts to the empty string.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), []byte(contextTag))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. Malformed encoding, a
// truncated layout, or a failed authentication tag all yield
// ErrIntegrity; corrupted plaintext is never returned.
func (v *Vault) Decrypt(blob string) (string, error) {
	if blob == "" {
		return "", nil
	}
	sealed, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil {
		return "", ErrIntegrity
	}
	nonceSize := v.aead.NonceSize()
	if len(sealed) < nonceSize+v.aead.Overhead() {
		return "", ErrIntegrity
	}
	plaintext, err := v.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(contextTag))
	if err != nil {
		return "", ErrIntegrity
	}
	return string(plaintext), nil
}

// GenerateAuthState returns a cryptographically random URL-safe token of
// length n, used as the CSRF-binding state for an authorization attempt.
func GenerateAuthState(n int) (string, error) {
	// each 3 bytes → 4 Base64 chars
	rawSize := (n*3 + 3) / 4
	raw := make([]byte, rawSize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	state := base64.RawURLEncoding.EncodeToString(raw)
	return state[:n], nil
}

// ConstantTimeEquals compares two secret values without leaking timing
// information about the position of the first mismatch. Differing
// lengths compare unequal without short-circuiting on content.
func ConstantTimeEquals(a, b string) bool {
	if subtle.ConstantTimeEq(int32(len(a)), int32(len(b))) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// IsExpired reports whether the instant has passed.
func IsExpired(t time.Time) bool {
	return !t.After(time.Now())
}

// WithinRefreshWindow reports whether the instant falls within buffer of
// now, so refresh can happen proactively instead of after a failed call.
func WithinRefreshWindow(t time.Time, buffer time.Duration) bool {
	return !t.After(time.Now().Add(buffer))
}

// ComputeExpiry converts a relative TTL from the brokerage into an
// absolute expiry, pulled in by buffer.
func ComputeExpiry(ttlSeconds int64, buffer time.Duration) time.Time {
	return time.Now().Add(time.Duration(ttlSeconds)*time.Second - buffer)
}
