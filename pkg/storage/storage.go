// Package storage holds uploaded lecture media until the transcribe stage consumes it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/noah-isme/sma-class-pipeline/pkg/config"
)

var (
	// ErrMisconfigured reports a store that is unreachable or points at the wrong place.
	ErrMisconfigured = errors.New("storage: misconfigured")
	// ErrObjectNotFound reports a missing key.
	ErrObjectNotFound = errors.New("storage: object not found")
)

// BlobStore persists opaque media blobs by key.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// New builds the store selected by cfg.Driver.
func New(cfg config.StorageConfig) (BlobStore, error) {
	switch cfg.Driver {
	case "", "s3":
		return NewS3Storage(cfg)
	case "local":
		return NewLocalStorage(cfg.LocalDir)
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrMisconfigured, cfg.Driver)
	}
}

// MediaKey builds a unique object key for an upload, keeping a sanitised extension.
func MediaKey(ownerID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if len(ext) > 8 || strings.ContainsAny(ext, `/\ `) {
		ext = ""
	}
	return fmt.Sprintf("sessions/%s/%s%s", sanitizeSegment(ownerID), uuid.NewString(), ext)
}

func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "anonymous"
	}
	return b.String()
}
