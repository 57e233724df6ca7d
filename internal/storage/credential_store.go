// Package storage provides database operations for Meridian.
package storage

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/meridian-hq/meridian/internal/core"
)

// CredentialStore is an encrypted string key-value store for provider
// secrets (API keys, OAuth token blobs). Keys follow the naming convention
// "{providerID}_access_token" or "{providerID}:{instanceID}_token". Only
// the orchestrator and the owning provider should touch it.
type CredentialStore struct {
	db  *DB
	key []byte
}

// NewCredentialStore creates a credential store sealed with the given
// 32-byte key (chacha20poly1305).
func NewCredentialStore(db *DB, key []byte) (*CredentialStore, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("credential key must be %d bytes, got %d",
			chacha20poly1305.KeySize, len(key))
	}
	return &CredentialStore{db: db, key: key}, nil
}

// SetSecret encrypts and stores a secret value.
func (s *CredentialStore) SetSecret(name, value string) error {
	sealed, err := s.seal([]byte(value))
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.conn.Exec(`
		INSERT INTO secrets (name, value, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, name, sealed, now, now)
	if err != nil {
		return fmt.Errorf("store secret: %w", err)
	}
	return nil
}

// GetSecret retrieves and decrypts a secret, or core.ErrSecretNotFound.
func (s *CredentialStore) GetSecret(name string) (string, error) {
	var sealed []byte
	err := s.db.conn.QueryRow(`SELECT value FROM secrets WHERE name = ?`, name).Scan(&sealed)
	if err == sql.ErrNoRows {
		return "", core.ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query secret: %w", err)
	}

	plain, err := s.open(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrDecryptionFailed, err)
	}
	return string(plain), nil
}

// DeleteSecret removes a secret; deleting a missing secret is not an error.
func (s *CredentialStore) DeleteSecret(name string) error {
	_, err := s.db.conn.Exec(`DELETE FROM secrets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}

// seal encrypts plaintext with a random nonce prefixed to the ciphertext.
func (s *CredentialStore) seal(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plain, nil), nil
}

func (s *CredentialStore) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}
