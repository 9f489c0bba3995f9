// ABOUTME: Filesystem credential store holding per-session pairing state
// ABOUTME: Wiping a session's directory forces a fresh QR pairing on next start

package session

import (
	"fmt"
	"os"
	"path/filepath"
)

// CredentialStore manages the per-session directories that hold pairing
// credentials. The protocol dialer reads and writes inside them.
type CredentialStore struct {
	baseDir string
}

// NewCredentialStore creates the base directory if needed.
func NewCredentialStore(baseDir string) (*CredentialStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("creating credentials directory: %w", err)
	}
	return &CredentialStore{baseDir: baseDir}, nil
}

// Dir returns the session's credential directory, creating it if needed.
func (c *CredentialStore) Dir(sessionID string) (string, error) {
	dir := filepath.Join(c.baseDir, sessionID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating session credentials directory: %w", err)
	}
	return dir, nil
}

// Has reports whether the session has stored pairing state.
func (c *CredentialStore) Has(sessionID string) bool {
	entries, err := os.ReadDir(filepath.Join(c.baseDir, sessionID))
	return err == nil && len(entries) > 0
}

// Wipe removes the session's pairing state. The next start goes through
// the QR pairing flow.
func (c *CredentialStore) Wipe(sessionID string) error {
	if err := os.RemoveAll(filepath.Join(c.baseDir, sessionID)); err != nil {
		return fmt.Errorf("wiping session credentials: %w", err)
	}
	return nil
}
