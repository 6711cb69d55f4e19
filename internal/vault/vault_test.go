package vault

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	v := New("correct horse battery staple")
	plaintext := []byte(`{"all_match":true}`)

	env, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if env.Algorithm != "AES-256-GCM" {
		t.Fatalf("unexpected algorithm %q", env.Algorithm)
	}

	got, err := v.Decrypt(env)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: %q vs %q", got, plaintext)
	}
}

func TestEncrypt_FreshNoncePerCall(t *testing.T) {
	v := New("passphrase")
	plaintext := []byte("same payload")

	first, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	second, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if first.IV == second.IV {
		t.Fatal("nonce reused across encryptions")
	}
	if first.Ciphertext == second.Ciphertext {
		t.Fatal("identical ciphertext across encryptions implies nonce reuse")
	}
}

func TestDecrypt_WrongKeyFailsAuthentication(t *testing.T) {
	env, err := New("key one").Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := New("key two").Decrypt(env); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestDecrypt_TamperedCiphertextFailsAuthentication(t *testing.T) {
	v := New("passphrase")
	env, err := v.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		t.Fatalf("decode ciphertext: %v", err)
	}
	raw[0] ^= 0x01
	env.Ciphertext = base64.StdEncoding.EncodeToString(raw)

	if _, err := v.Decrypt(env); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestDecrypt_TamperedTagFailsAuthentication(t *testing.T) {
	v := New("passphrase")
	env, err := v.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		t.Fatalf("decode tag: %v", err)
	}
	raw[len(raw)-1] ^= 0x80
	env.Tag = base64.StdEncoding.EncodeToString(raw)

	if _, err := v.Decrypt(env); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestVault_KeyNotConfigured(t *testing.T) {
	v := New("   ")
	if _, err := v.Encrypt([]byte("x")); !errors.Is(err, ErrKeyNotConfigured) {
		t.Fatalf("expected ErrKeyNotConfigured on encrypt, got %v", err)
	}
	if _, err := v.Decrypt(&Envelope{Algorithm: "AES-256-GCM"}); !errors.Is(err, ErrKeyNotConfigured) {
		t.Fatalf("expected ErrKeyNotConfigured on decrypt, got %v", err)
	}
}
