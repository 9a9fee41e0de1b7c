// Package crypto provides the at-rest encryption used by the credentials
// store's database fallback path, for hosts where the OS keyring is
// unavailable.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keyFileName = "secret.key"
	keySize     = 32
	nonceSize   = 24
)

// Encryptor seals and opens secrets with a locally-stored symmetric key.
// The key is generated on first use and persisted with owner-only
// permissions; losing it makes the encrypted fallback unrecoverable, which
// is acceptable since the OS keyring is the primary store.
type Encryptor struct {
	key [keySize]byte
}

// NewEncryptor loads the encryption key from dataDir, generating one if it
// does not yet exist.
func NewEncryptor(dataDir string) (*Encryptor, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	keyPath := filepath.Join(dataDir, keyFileName)
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}

	e := &Encryptor{}
	copy(e.key[:], key)
	return e, nil
}

func loadOrCreateKey(path string) ([]byte, error) {
	existing, err := os.ReadFile(path)
	if err == nil && len(existing) == keySize {
		return existing, nil
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("persist encryption key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext, returning a base64-encoded nonce||ciphertext.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &e.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value previously returned by Encrypt.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])

	opened, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &e.key)
	if !ok {
		return "", fmt.Errorf("decryption failed: invalid key or corrupt ciphertext")
	}
	return string(opened), nil
}
