// Package store persists the user credential between runs so a restart can
// resume the authenticated session without another device flow.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/synthlabs/pepo/internal/auth"
)

// ErrNoToken is returned by Load when no credential has been stored yet.
var ErrNoToken = errors.New("no stored token")

// FileStore keeps the credential in a single sealed JSON file.
type FileStore struct {
	path   string
	crypto Service
}

func NewFileStore(path string, crypto Service) *FileStore {
	return &FileStore{path: path, crypto: crypto}
}

// Save seals the credential and writes it atomically, so a crash mid-write
// never leaves a truncated token file behind.
func (s *FileStore) Save(tok auth.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}

	sealed, err := s.crypto.Encrypt(string(data))
	if err != nil {
		return fmt.Errorf("failed to seal token: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sealed), 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

// Load reads and unseals the stored credential.
func (s *FileStore) Load() (auth.Token, error) {
	sealed, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return auth.Token{}, ErrNoToken
	}
	if err != nil {
		return auth.Token{}, fmt.Errorf("failed to read token file: %w", err)
	}

	data, err := s.crypto.Decrypt(string(sealed))
	if err != nil {
		return auth.Token{}, fmt.Errorf("failed to unseal token: %w", err)
	}

	var tok auth.Token
	if err := json.Unmarshal([]byte(data), &tok); err != nil {
		return auth.Token{}, fmt.Errorf("failed to decode token: %w", err)
	}
	return tok, nil
}

// Clear removes the stored credential, e.g. after the platform rejects it.
func (s *FileStore) Clear() error {
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Observer adapts the store into a credential-change observer, so every
// refresh lands on disk. Persistence failures are logged, not fatal: the
// in-memory credential stays usable for the rest of the run.
func (s *FileStore) Observer() auth.Observer {
	return func(tok auth.Token) {
		if err := s.Save(tok); err != nil {
			slog.Error("failed to persist refreshed token", "error", err)
		}
	}
}
