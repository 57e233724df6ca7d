package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// keySalt is a fixed application salt for passphrase derivation. The
// passphrase itself is the secret; the salt only separates Meridian keys
// from other scrypt users.
var keySalt = []byte("meridian-credential-key-v1")

// LoadOrCreateKey returns the credential encryption key. If a passphrase is
// given the key is derived from it; otherwise a random key is generated on
// first run and kept in a 0600 file next to the database.
func LoadOrCreateKey(dataDir, passphrase string) ([]byte, error) {
	if passphrase != "" {
		return DeriveKey(passphrase)
	}

	path := filepath.Join(dataDir, "credential.key")
	if data, err := os.ReadFile(path); err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("corrupt key file %s", path)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}

// DeriveKey derives a 32-byte key from a passphrase via scrypt.
func DeriveKey(passphrase string) ([]byte, error) {
	key, err := scrypt.Key([]byte(passphrase), keySalt, 1<<15, 8, 1, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
