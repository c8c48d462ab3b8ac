// Package certstore keeps the uploaded certificate images next to the
// archives that were extracted from them.
package certstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no certificate is stored under a key.
var ErrNotFound = errors.New("certificate not found")

// Store puts, opens and deletes certificate images by key.
type Store interface {
	Put(ctx context.Context, key, contentType string, r io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, key string) error
}

// anonymousPrefix files certificates uploaded without an owner.
const anonymousPrefix = "anonymous"

var ownerEscaper = strings.NewReplacer("/", "_", "\\", "_", "..", "_")

// OwnerPrefix returns the directory every key of ownerID starts with,
// trailing slash included.
func OwnerPrefix(ownerID string) string {
	prefix := strings.TrimSpace(ownerID)
	if prefix == "" {
		prefix = anonymousPrefix
	}
	return ownerEscaper.Replace(prefix) + "/"
}

// NewKey returns a fresh key for a certificate of the given owner and type,
// e.g. "U1/0b6e...c1.png".
func NewKey(ownerID, contentType string) string {
	return OwnerPrefix(ownerID) + uuid.New().String() + extensionFor(contentType)
}

func extensionFor(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "application/pdf":
		return ".pdf"
	default:
		return ""
	}
}

// ContentTypeForKey guesses the content type from a key's extension.
func ContentTypeForKey(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

// validKey rejects keys that would escape the store's root.
func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid certificate key %q", key)
	}
	if path.Clean(key) != key {
		return fmt.Errorf("invalid certificate key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return fmt.Errorf("invalid certificate key %q", key)
		}
	}
	return nil
}
