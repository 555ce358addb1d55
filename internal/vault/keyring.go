// Package vault seals memory content at rest and unlocks it in batches,
// one authorization per batch.
package vault

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

	"golang.org/x/crypto/hkdf"
)

const keyInfo = "vaultchat-memory-v1"

// Keyring derives per-user AES-256-GCM keys from a wallet master key.
type Keyring struct {
	master []byte
}

// NewKeyring parses a 32-byte hex-encoded master key.
func NewKeyring(masterKeyHex string) (*Keyring, error) {
	if masterKeyHex == "" {
		return nil, errors.New("master key is required")
	}
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid master key format (must be hex): %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes (64 hex characters), got %d bytes", len(key))
	}
	return &Keyring{master: key}, nil
}

func (k *Keyring) aead(userID string) (cipher.AEAD, error) {
	if userID == "" {
		return nil, errors.New("user ID is required for key derivation")
	}
	r := hkdf.New(sha256.New, k.master, []byte(userID), []byte(keyInfo))
	userKey := make([]byte, 32)
	if _, err := io.ReadFull(r, userKey); err != nil {
		return nil, fmt.Errorf("deriving user key: %w", err)
	}
	block, err := aes.NewCipher(userKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext for userID. The result is base64 with the nonce
// prepended.
func (k *Keyring) Seal(userID, plaintext string) (string, error) {
	gcm, err := k.aead(userID)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), []byte(userID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (k *Keyring) Open(userID, ciphertextB64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	gcm, err := k.aead(userID)
	if err != nil {
		return "", err
	}
	n := gcm.NonceSize()
	if len(raw) < n {
		return "", errors.New("ciphertext too short")
	}
	plain, err := gcm.Open(nil, raw[:n], raw[n:], []byte(userID))
	if err != nil {
		return "", fmt.Errorf("opening ciphertext: %w", err)
	}
	return string(plain), nil
}
