package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func newKey(t *testing.T) string {
	t.Helper()
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return base64.StdEncoding.EncodeToString(b)
}

func TestNewKeyringRejectsBadKeys(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		errorMsg string
	}{
		{"empty key", "", "encryption key is empty"},
		{"invalid base64", "not-valid-base64!@#$", "base64 decode failed"},
		{"key too short", base64.StdEncoding.EncodeToString(make([]byte, 16)), "must be 32 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKeyring(tt.key)
			if err == nil {
				t.Fatalf("NewKeyring() expected error")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("NewKeyring() error = %v, want containing %q", err, tt.errorMsg)
			}
		})
	}
}

func TestSealOpen(t *testing.T) {
	kr, err := NewKeyring(newKey(t))
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	ct, id, err := kr.Seal("access-token-123")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if ct == "access-token-123" || id != kr.KeyID() {
		t.Fatalf("unexpected seal output ct=%q id=%q", ct, id)
	}
	pt, err := kr.Open(ct, id)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if pt != "access-token-123" {
		t.Errorf("Open() = %q", pt)
	}

	// nonce is random per call
	ct2, _, _ := kr.Seal("access-token-123")
	if ct2 == ct {
		t.Errorf("expected distinct ciphertexts for repeated seals")
	}
}

func TestSealEmptyStaysEmpty(t *testing.T) {
	kr, _ := NewKeyring(newKey(t))
	ct, _, err := kr.Seal("")
	if err != nil || ct != "" {
		t.Fatalf("Seal(\"\") = %q, %v", ct, err)
	}
	pt, err := kr.Open("", "")
	if err != nil || pt != "" {
		t.Fatalf("Open(\"\") = %q, %v", pt, err)
	}
}

func TestOpenDetectsTampering(t *testing.T) {
	kr, _ := NewKeyring(newKey(t))
	ct, id, _ := kr.Seal("secret")
	raw, _ := base64.StdEncoding.DecodeString(ct)
	raw[len(raw)-1] ^= 0xff
	if _, err := kr.Open(base64.StdEncoding.EncodeToString(raw), id); err == nil {
		t.Fatal("expected authentication failure for tampered ciphertext")
	}
}

func TestRetiredKeyStillOpens(t *testing.T) {
	oldKey, newKeyB64 := newKey(t), newKey(t)
	old, _ := NewKeyring(oldKey)
	ct, oldID, _ := old.Seal("refresh-xyz")

	rotated, err := NewKeyring(newKeyB64, oldKey)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	if rotated.KeyID() == oldID {
		t.Fatal("expected new primary key id")
	}
	pt, err := rotated.Open(ct, oldID)
	if err != nil || pt != "refresh-xyz" {
		t.Fatalf("Open with retired key = %q, %v", pt, err)
	}

	fresh, _ := NewKeyring(newKeyB64)
	if _, err := fresh.Open(ct, oldID); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("expected ErrUnknownKey, got %v", err)
	}
}
