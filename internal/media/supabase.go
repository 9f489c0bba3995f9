// ABOUTME: Supabase storage bucket driver for media binaries

package media

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	storage "github.com/supabase-community/storage-go"
)

// SupabaseStorage stores media in a supabase storage bucket.
type SupabaseStorage struct {
	client *storage.Client
	bucket string
	logger *slog.Logger
}

// NewSupabaseStorage creates a bucket-backed storage driver.
func NewSupabaseStorage(url, apiKey, bucket string) (*SupabaseStorage, error) {
	if url == "" || bucket == "" {
		return nil, fmt.Errorf("supabase media storage requires url and bucket")
	}
	return &SupabaseStorage{
		client: storage.NewClient(url, apiKey, nil),
		bucket: bucket,
		logger: slog.Default().With("component", "media"),
	}, nil
}

// Put implements Storage.
func (s *SupabaseStorage) Put(ctx context.Context, sessionID, kind, mimeType, originalName string, data []byte) (*Object, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("refusing to store empty media buffer")
	}

	name := objectName(sessionID, kind, mimeType, originalName)
	opts := storage.FileOptions{}
	if mimeType != "" {
		opts.ContentType = &mimeType
	}

	if _, err := s.client.UploadFile(s.bucket, name, bytes.NewReader(data), opts); err != nil {
		return nil, fmt.Errorf("uploading media to bucket: %w", err)
	}

	public := s.client.GetPublicUrl(s.bucket, name)

	s.logger.Debug("stored media in bucket", "session_id", sessionID, "name", name, "size", len(data))
	return &Object{
		Name: name,
		URL:  public.SignedURL,
		Size: int64(len(data)),
	}, nil
}

// Remove implements Storage. Deletes only the first page of listed
// objects; TODO: loop with offset once sessions accumulate more media.
func (s *SupabaseStorage) Remove(ctx context.Context, sessionID string) error {
	files, err := s.client.ListFiles(s.bucket, sessionID, storage.FileSearchOptions{})
	if err != nil {
		return fmt.Errorf("listing session media: %w", err)
	}
	if len(files) == 0 {
		return nil
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, sessionID+"/"+f.Name)
	}
	if _, err := s.client.RemoveFile(s.bucket, paths); err != nil {
		return fmt.Errorf("removing session media: %w", err)
	}
	return nil
}
