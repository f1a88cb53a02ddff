package storage

import (
	"context"
	"errors"
	"io"
)

var (
	ErrNotFound     = errors.New("storage: object not found")
	ErrInvalidKey   = errors.New("storage: invalid key")
	ErrAccessDenied = errors.New("storage: access denied")
)

// Storage is the durable artifact store. Upload is idempotent under retry:
// writing the same key twice yields the same logical object.
type Storage interface {
	Upload(ctx context.Context, key string, reader io.Reader, contentType string, size int64) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// PublicURL returns the permanent URL for a stored key.
	PublicURL(key string) string
	// IsPermanent reports whether a URL belongs to this store's public
	// namespace, i.e. is not a provider-temporary URL.
	IsPermanent(url string) bool
	HealthCheck(ctx context.Context) error
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
	// PublicBaseURL overrides the endpoint for public URLs (CDN front).
	PublicBaseURL string
}
