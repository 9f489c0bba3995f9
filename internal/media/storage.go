// ABOUTME: Storage abstraction for inbound media binaries with local and supabase drivers
// ABOUTME: Maps mime types to file extensions and builds per-session object names

package media

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Object describes a stored media binary.
type Object struct {
	// Name is the storage-relative path, "<sessionID>/<file>".
	Name string
	// URL is where the object can be fetched from.
	URL string
	// Size in bytes.
	Size int64
}

// Storage persists media binaries downloaded from the network.
type Storage interface {
	// Put stores data under a session-scoped name and returns the
	// resulting object.
	Put(ctx context.Context, sessionID, kind, mimeType, originalName string, data []byte) (*Object, error)

	// Remove deletes every object belonging to a session.
	Remove(ctx context.Context, sessionID string) error
}

var mimeExtensions = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/webp":      "webp",
	"image/gif":       "gif",
	"video/mp4":       "mp4",
	"video/3gpp":      "3gp",
	"audio/ogg":       "ogg",
	"audio/opus":      "opus",
	"audio/mpeg":      "mp3",
	"audio/mp4":       "m4a",
	"application/pdf": "pdf",
}

var kindExtensions = map[string]string{
	"image":   "jpg",
	"video":   "mp4",
	"audio":   "ogg",
	"sticker": "webp",
}

// extensionFor picks a file extension from, in order, the original file
// name, the mime type, and the content kind.
func extensionFor(kind, mimeType, originalName string) string {
	if idx := strings.LastIndexByte(originalName, '.'); idx >= 0 && idx < len(originalName)-1 {
		return strings.ToLower(originalName[idx+1:])
	}
	// Parameters like "audio/ogg; codecs=opus" carry no extension info.
	base, _, _ := strings.Cut(mimeType, ";")
	if ext, ok := mimeExtensions[strings.TrimSpace(base)]; ok {
		return ext
	}
	if ext, ok := kindExtensions[kind]; ok {
		return ext
	}
	return "bin"
}

// objectName builds a unique session-scoped object name.
func objectName(sessionID, kind, mimeType, originalName string) string {
	ext := extensionFor(kind, mimeType, originalName)
	return path.Join(sessionID, fmt.Sprintf("%s.%s", uuid.New().String(), ext))
}
