// Package secrets stores provider API keys. The primary backend is the OS
// keychain; this build ships the encrypted-file fallback under
// ~/.atlasbridge/keys/, AES-GCM sealed with a machine-local master key
// (§6 "Secrets"). The database only ever sees a 6-char prefix.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/abdulraoufatia/atlasbridge/internal/redact"
)

// ErrNotFound is returned for unknown key names.
var ErrNotFound = errors.New("secrets: not found")

// PrefixLen is how many leading characters of a key are safe to persist as
// metadata.
const PrefixLen = 6

// Store is the encrypted-file keystore.
type Store struct {
	dir string
}

// NewStore builds a Store rooted at dataDir/keys.
func NewStore(dataDir string) *Store {
	return &Store{dir: filepath.Join(dataDir, "keys")}
}

// Prefix returns the persistable 6-char prefix of a key.
func Prefix(key string) string {
	if len(key) <= PrefixLen {
		return key
	}
	return key[:PrefixLen]
}

func (s *Store) masterKey() ([]byte, error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(s.dir, ".master")
	if b, err := os.ReadFile(path); err == nil && len(b) == 32 {
		return b, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Store) keyPath(name string) string {
	safe := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, name)
	return filepath.Join(s.dir, safe+".key")
}

// Set seals and stores a key under name.
func (s *Store) Set(name, value string) error {
	master, err := s.masterKey()
	if err != nil {
		return RedactError(fmt.Errorf("secrets: master key: %w", err), value)
	}
	block, err := aes.NewCipher(master)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(value), []byte(name))
	if err := os.WriteFile(s.keyPath(name), sealed, 0o600); err != nil {
		return RedactError(fmt.Errorf("secrets: write: %w", err), value)
	}
	return nil
}

// Get opens and returns the key stored under name.
func (s *Store) Get(name string) (string, error) {
	sealed, err := os.ReadFile(s.keyPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	master, err := s.masterKey()
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(master)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(sealed) < gcm.NonceSize() {
		return "", errors.New("secrets: sealed blob too short")
	}
	nonce, body := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, body, []byte(name))
	if err != nil {
		return "", fmt.Errorf("secrets: unseal %s: %w", name, err)
	}
	return string(plain), nil
}

// Delete removes the stored key; deleting an absent key is a no-op.
func (s *Store) Delete(name string) error {
	err := os.Remove(s.keyPath(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// RedactError replaces any occurrence of the key material inside an error
// message, then runs the general redactor over the rest.
func RedactError(err error, key string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if key != "" {
		msg = strings.ReplaceAll(msg, key, redact.Redacted)
	}
	return errors.New(redact.Redact(msg))
}
