// ABOUTME: Filesystem media storage serving objects under a configured base URL

package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage writes media binaries under a base directory. Objects are
// addressable at baseURL + "/" + name; the HTTP layer serves the directory.
type LocalStorage struct {
	baseDir string
	baseURL string
	logger  *slog.Logger
}

// NewLocalStorage creates the base directory if needed. baseURL defaults
// to "/media" when empty.
func NewLocalStorage(baseDir, baseURL string) (*LocalStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating media directory: %w", err)
	}
	if baseURL == "" {
		baseURL = "/media"
	}
	return &LocalStorage{
		baseDir: baseDir,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  slog.Default().With("component", "media"),
	}, nil
}

// Dir returns the storage root for static serving.
func (s *LocalStorage) Dir() string {
	return s.baseDir
}

// Put implements Storage.
func (s *LocalStorage) Put(ctx context.Context, sessionID, kind, mimeType, originalName string, data []byte) (*Object, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("refusing to store empty media buffer")
	}

	name := objectName(sessionID, kind, mimeType, originalName)
	full := filepath.Join(s.baseDir, filepath.FromSlash(name))

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, fmt.Errorf("creating session media directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return nil, fmt.Errorf("writing media file: %w", err)
	}

	s.logger.Debug("stored media locally", "session_id", sessionID, "name", name, "size", len(data))
	return &Object{
		Name: name,
		URL:  s.baseURL + "/" + name,
		Size: int64(len(data)),
	}, nil
}

// Remove implements Storage.
func (s *LocalStorage) Remove(ctx context.Context, sessionID string) error {
	dir := filepath.Join(s.baseDir, sessionID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing session media: %w", err)
	}
	return nil
}
