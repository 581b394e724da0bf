package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestNewAESEncryptorKeyValidation(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"not base64", "!!!not-base64!!!"},
		{"wrong length", base64.StdEncoding.EncodeToString([]byte("short"))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewAESEncryptor(tc.key); err == nil {
				t.Errorf("NewAESEncryptor(%q) expected error", tc.key)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	secret := "oauth-secret-5f2c"
	ct, err := EncryptString(enc, secret)
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if ct == secret || strings.Contains(ct, secret) {
		t.Error("ciphertext contains plaintext")
	}
	pt, err := DecryptString(enc, ct)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if pt != secret {
		t.Errorf("round trip = %q, want %q", pt, secret)
	}
}

func TestEncryptStringEmptyPassthrough(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	ct, err := EncryptString(enc, "")
	if err != nil || ct != "" {
		t.Errorf("EncryptString(\"\") = (%q, %v), want empty passthrough", ct, err)
	}
	pt, err := DecryptString(enc, "")
	if err != nil || pt != "" {
		t.Errorf("DecryptString(\"\") = (%q, %v), want empty passthrough", pt, err)
	}
}

func TestDecryptTamperDetection(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	ct, err := enc.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ct[len(ct)-1] ^= 0xff
	if _, err := enc.Decrypt(ct); err == nil {
		t.Error("Decrypt of tampered ciphertext should fail")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	enc1, _ := NewAESEncryptor(testKey(t))
	enc2, _ := NewAESEncryptor(testKey(t))
	ct, err := enc1.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := enc2.Decrypt(ct); err == nil {
		t.Error("Decrypt with wrong key should fail")
	}
}
