package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrObjectNotFound = errors.New("storage: object not found")

// Storage is an opaque blob store keyed by path.
type Storage interface {
	// Put stores data under key and returns the key.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Get opens the object stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	Delete(ctx context.Context, key string) error

	// SignedURL returns a URL that grants read access to key until ttl elapses.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	Exists(ctx context.Context, key string) (bool, error)
}

type StorageType string

const (
	StorageTypeLocal StorageType = "local"
	StorageTypeS3    StorageType = "s3"
)

type StorageConfig struct {
	Type      StorageType
	LocalPath string
	// PublicURL and SigningSecret are used by local storage to build signed links.
	PublicURL     string
	SigningSecret string
	S3            *S3Config
}

type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
}

// ObjectKey builds registrations/<code>/<kind>/<uuid>_<filename>.
func ObjectKey(registrationCode string, kind FileKind, filename string) string {
	return fmt.Sprintf("registrations/%s/%s/%s_%s",
		sanitizeFilename(registrationCode),
		kind,
		uuid.New().String(),
		sanitizeFilename(filename),
	)
}

// BadgeKey names one approval attempt's badge. Attempts never share a key, so
// a losing attempt can remove its own object without touching the winner's.
func BadgeKey(registrationCode, attempt string) string {
	return fmt.Sprintf("registrations/%s/%s/badge-%s.png", sanitizeFilename(registrationCode), FileKindBadge, sanitizeFilename(attempt))
}

func sanitizeFilename(filename string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", "..", "_", ":", "_", "*", "_",
		"?", "_", "\"", "_", "<", "_", ">", "_", "|", "_", " ", "_",
	)
	filename = replacer.Replace(filename)
	if filename == "" {
		return "file"
	}
	return filename
}
