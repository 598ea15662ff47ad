// Package crypto seals tenant OAuth tokens at rest with AES-256-GCM.
//
// Every sealed value is tagged with the id of the key that produced it, so a
// Keyring can keep opening values written under a retired key while new
// writes use the primary key. cmd/migrate-tokens uses this to re-seal rows
// after a rotation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrUnknownKey is returned when a value was sealed with a key the keyring does not hold.
var ErrUnknownKey = errors.New("crypto: unknown key id")

// Sealer encrypts and decrypts short secrets for text columns.
type Sealer interface {
	// Seal returns base64 ciphertext and the id of the key used.
	Seal(plaintext string) (ciphertext, keyID string, err error)
	// Open reverses Seal. keyID selects the key; empty means the primary key.
	Open(ciphertext, keyID string) (string, error)
}

type aesKey struct {
	id   string
	aead cipher.AEAD
}

// Keyring is a Sealer holding one primary key and any number of retired keys.
type Keyring struct {
	primary *aesKey
	byID    map[string]*aesKey
}

// NewKeyring builds a keyring from base64-encoded 32-byte keys. The first key is
// primary; the rest are only used to open older values.
// Generate a key with: openssl rand -base64 32
func NewKeyring(primary string, retired ...string) (*Keyring, error) {
	k, err := parseKey(primary)
	if err != nil {
		return nil, err
	}
	kr := &Keyring{primary: k, byID: map[string]*aesKey{k.id: k}}
	for i, r := range retired {
		rk, err := parseKey(r)
		if err != nil {
			return nil, fmt.Errorf("retired key %d: %w", i, err)
		}
		kr.byID[rk.id] = rk
	}
	return kr, nil
}

// KeyID returns the id of the primary key.
func (kr *Keyring) KeyID() string { return kr.primary.id }

func parseKey(base64Key string) (*aesKey, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	raw, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(raw))
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	sum := sha256.Sum256(raw)
	return &aesKey{id: hex.EncodeToString(sum[:4]), aead: aead}, nil
}

// Seal encrypts plaintext as nonce || ciphertext || tag, base64-encoded.
// Empty input stays empty so absent tokens remain absent.
func (kr *Keyring) Seal(plaintext string) (string, string, error) {
	if plaintext == "" {
		return "", kr.primary.id, nil
	}
	nonce := make([]byte, kr.primary.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := kr.primary.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), kr.primary.id, nil
}

// Open decrypts a value produced by Seal under the key named by keyID.
func (kr *Keyring) Open(ciphertext, keyID string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	k := kr.primary
	if keyID != "" {
		var ok bool
		if k, ok = kr.byID[keyID]; !ok {
			return "", fmt.Errorf("%w %q", ErrUnknownKey, keyID)
		}
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	ns := k.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", ns, len(raw))
	}
	plain, err := k.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		// never expose the underlying cause
		return "", fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return string(plain), nil
}
