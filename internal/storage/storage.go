// Package storage stores image bytes under deterministic keys on a local
// filesystem or an S3-compatible object store.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pixshift/internal/apperr"
)

type Category string

const (
	CategoryUpload         Category = "uploads"
	CategoryTransformation Category = "transformations"
)

var (
	ErrObjectNotFound = apperr.New(apperr.KindNotFound, "object_not_found", "object not found")
	ErrInvalidKey     = apperr.New(apperr.KindValidation, "invalid_storage_key", "invalid storage key")
)

// Object describes stored bytes.
type Object struct {
	Key         string
	URL         string
	ContentType string
	Size        int64
}

// Storage is implemented by LocalStore and S3Store. Delete of an absent key succeeds.
// Signed URL expiry is advisory.
type Storage interface {
	Put(ctx context.Context, data []byte, ownerID string, category Category, id, contentType string) (*Object, error)
	Get(ctx context.Context, key string) ([]byte, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	ExtractKey(ref string) (string, bool)
}

var extensions = map[string]string{
	"image/jpeg": "jpg",
	"image/jpg":  "jpg",
	"image/png":  "png",
	"image/webp": "webp",
}

// knownExtensions lists every extension Key can produce.
var knownExtensions = []string{"jpg", "png", "webp"}

// Extension maps a content type onto the file extension used in keys. Unknown types map to jpg.
func Extension(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if ext, ok := extensions[ct]; ok {
		return ext
	}
	return "jpg"
}

// ContentType is the inverse of Extension.
func ContentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	case strings.HasSuffix(key, ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// SupportedContentType reports whether uploads of this type are accepted.
func SupportedContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	_, ok := extensions[ct]
	return ok
}

// Key derives "{category}/{ownerID}/{id}.{ext}".
func Key(category Category, ownerID, id, contentType string) string {
	return fmt.Sprintf("%s/%s/%s.%s", category, ownerID, id, Extension(contentType))
}

// CandidateKeys returns every key Key could have produced for (category, ownerID, id).
func CandidateKeys(category Category, ownerID, id string) []string {
	keys := make([]string, 0, len(knownExtensions))
	for _, ext := range knownExtensions {
		keys = append(keys, fmt.Sprintf("%s/%s/%s.%s", category, ownerID, id, ext))
	}
	return keys
}

// OwnedBy reports whether key sits under category/ownerID/.
func OwnedBy(key string, category Category, ownerID string) bool {
	return strings.HasPrefix(key, string(category)+"/"+ownerID+"/")
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}

func validateSegment(s string) error {
	if s == "" || strings.ContainsAny(s, "/\\") || s == "." || s == ".." {
		return ErrInvalidKey
	}
	return nil
}
