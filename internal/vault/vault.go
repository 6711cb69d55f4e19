/**
 * @description
 * This package provides authenticated symmetric encryption for exporting
 * sensitive audit payloads. Operators supply a human passphrase; the 256-bit
 * AES key is derived from it with SHA-256 so no raw key bytes need to be
 * managed.
 *
 * Key features:
 * - AES-256-GCM authenticated encryption; any tampering with ciphertext or
 *   tag fails decryption with ErrAuthenticationFailed.
 * - A fresh 96-bit random nonce is drawn from crypto/rand for every call.
 *   Nonce reuse under one key would be a fatal invariant violation.
 *
 * @dependencies
 * - crypto/aes, crypto/cipher, crypto/rand, crypto/sha256: Standard Go libraries.
 */
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrKeyNotConfigured     = errors.New("vault key not configured")
	ErrAuthenticationFailed = errors.New("vault authentication failed")
)

const algorithmName = "AES-256-GCM"

// Envelope is the transport form of an encrypted payload. IV, Tag and
// Ciphertext are standard base64.
type Envelope struct {
	Algorithm  string `json:"algorithm"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
	Ciphertext string `json:"ciphertext"`
}

// Vault holds the derived key material.
type Vault struct {
	key []byte
}

// New derives a vault key from an operator passphrase. An empty passphrase
// yields a vault whose operations fail with ErrKeyNotConfigured.
func New(passphrase string) *Vault {
	if strings.TrimSpace(passphrase) == "" {
		return &Vault{}
	}
	sum := sha256.Sum256([]byte(passphrase))
	return &Vault{key: sum[:]}
}

// Configured reports whether key material is available.
func (v *Vault) Configured() bool {
	return len(v.key) == 32
}

// Encrypt seals plaintext under the vault key with a fresh random nonce.
func (v *Vault) Encrypt(plaintext []byte) (*Envelope, error) {
	if !v.Configured() {
		return nil, ErrKeyNotConfigured
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("draw nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()

	return &Envelope{
		Algorithm:  algorithmName,
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Tag:        base64.StdEncoding.EncodeToString(sealed[tagStart:]),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:tagStart]),
	}, nil
}

// Decrypt opens an envelope. Tampered ciphertext, a tampered tag or a wrong
// key all surface as ErrAuthenticationFailed; corrupted plaintext is never
// returned silently.
func (v *Vault) Decrypt(env *Envelope) ([]byte, error) {
	if !v.Configured() {
		return nil, ErrKeyNotConfigured
	}
	if env == nil || env.Algorithm != algorithmName {
		return nil, fmt.Errorf("unsupported envelope algorithm %q", envAlgorithm(env))
	}

	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return nil, fmt.Errorf("decode tag: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, ErrAuthenticationFailed
	}

	plaintext, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func envAlgorithm(env *Envelope) string {
	if env == nil {
		return ""
	}
	return env.Algorithm
}
